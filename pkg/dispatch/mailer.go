package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPMailer posts messages as JSON to an email relay
type HTTPMailer struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewHTTPMailer creates a relay client. A non-empty secret signs each body
// with HMAC-SHA256 in the X-Tollgate-Signature header.
func NewHTTPMailer(url, secret string, timeout time.Duration) *HTTPMailer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPMailer{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
}

type relayPayload struct {
	To         string      `json:"to"`
	From       string      `json:"from,omitempty"`
	Subject    string      `json:"subject"`
	HTML       string      `json:"html"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Send delivers msg. Any non-2xx response is an error.
func (m *HTTPMailer) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(relayPayload(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tollgate-Delivery", m.now().UTC().Format(time.RFC3339))
	if m.secret != "" {
		req.Header.Set("X-Tollgate-Signature", Sign(payload, m.secret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach email relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email relay returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// Sign returns the relay signature of payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a relay signature in constant time
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
