package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Outcome classifies a gateway call
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeDeclined  Outcome = "declined"
	OutcomeTransient Outcome = "transient"
)

// ChargeRequest asks the gateway to collect an intent
type ChargeRequest struct {
	Reference string          `json:"reference"`
	AccountID string          `json:"account_id"`
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency,omitempty"`
}

// ChargeResult is a classified gateway answer
type ChargeResult struct {
	Outcome    Outcome
	GatewayRef string
	Message    string
}

// Gateway charges payment intents. Implementations classify every answer;
// transport failures and timeouts are transient, never success.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) ChargeResult
}

// HTTPGateway calls POST {base}/v1/charges
type HTTPGateway struct {
	baseURL  string
	apiKey   string
	currency string
	timeout  time.Duration
	client   *http.Client
}

// NewHTTPGateway creates a gateway client with a per-call timeout
func NewHTTPGateway(baseURL, apiKey, currency string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		currency: currency,
		timeout:  timeout,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type chargeResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Charge posts the charge and classifies the answer:
// 2xx with status "success" succeeds, 4xx or status "declined" declines,
// and everything else (5xx, timeouts, network errors, unknown bodies) is transient.
func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest) ChargeResult {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if req.Currency == "" {
		req.Currency = g.currency
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ChargeResult{Outcome: OutcomeTransient, Message: fmt.Sprintf("failed to marshal charge: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/charges", bytes.NewReader(body))
	if err != nil {
		return ChargeResult{Outcome: OutcomeTransient, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Reference)
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ChargeResult{Outcome: OutcomeTransient, Message: "gateway timeout"}
		}
		return ChargeResult{Outcome: OutcomeTransient, Message: fmt.Sprintf("gateway unreachable: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return ChargeResult{Outcome: OutcomeTransient, Message: fmt.Sprintf("failed to read gateway response: %v", err)}
	}
	var parsed chargeResponse
	_ = json.Unmarshal(raw, &parsed)

	return classify(resp.StatusCode, parsed)
}

func classify(status int, resp chargeResponse) ChargeResult {
	result := ChargeResult{GatewayRef: resp.ID, Message: resp.Message}
	state := strings.ToLower(resp.Status)

	switch {
	case status >= 200 && status < 300 && state == "success":
		result.Outcome = OutcomeSuccess
	case status >= 200 && status < 300 && state == "declined":
		result.Outcome = OutcomeDeclined
	case status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests:
		result.Outcome = OutcomeDeclined
	default:
		result.Outcome = OutcomeTransient
	}

	if result.Message == "" {
		switch result.Outcome {
		case OutcomeDeclined:
			result.Message = fmt.Sprintf("charge declined (HTTP %d)", status)
		case OutcomeTransient:
			result.Message = fmt.Sprintf("ambiguous gateway response (HTTP %d, status %q)", status, resp.Status)
		}
	}
	return result
}
