package documents

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

//go:embed templates/*.html.tmpl
var templateFS embed.FS

// Rendered is the HTML of one composition
type Rendered struct {
	Invoice        []byte
	Statement      []byte
	InvoiceEmail   string
	StatementEmail string
}

// Renderer executes the document templates
type Renderer struct {
	company  string
	currency string
	tmpl     *template.Template
}

// NewRenderer parses the embedded templates
func NewRenderer(company, currency string) (*Renderer, error) {
	tmpl, err := template.New("documents").Funcs(template.FuncMap{
		"money": FormatMoney,
		"date":  func(t time.Time) string { return t.Format("January 2, 2006") },
	}).ParseFS(templateFS, "templates/*.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse document templates: %w", err)
	}
	return &Renderer{company: company, currency: currency, tmpl: tmpl}, nil
}

type templateData struct {
	Company   string
	Currency  string
	Kind      string
	Account   billing.Account
	Invoice   *billing.Invoice
	Statement *billing.Statement
	Plan      *billing.AllocationPlan
}

// Render produces the invoice, the statement and their email bodies
func (r *Renderer) Render(comp *billing.Composition) (*Rendered, error) {
	if comp == nil || comp.Invoice == nil || comp.Statement == nil || comp.Plan == nil {
		return nil, fmt.Errorf("incomplete composition")
	}
	data := templateData{
		Company:   r.company,
		Currency:  r.currency,
		Account:   comp.Account,
		Invoice:   comp.Invoice,
		Statement: comp.Statement,
		Plan:      comp.Plan,
	}

	out := &Rendered{}
	var err error
	if out.Invoice, err = r.execute("invoice.html.tmpl", data); err != nil {
		return nil, err
	}
	if out.Statement, err = r.execute("statement.html.tmpl", data); err != nil {
		return nil, err
	}

	data.Kind = "invoice"
	body, err := r.execute("email.html.tmpl", data)
	if err != nil {
		return nil, err
	}
	out.InvoiceEmail = string(body)

	data.Kind = "statement of account"
	if body, err = r.execute("email.html.tmpl", data); err != nil {
		return nil, err
	}
	out.StatementEmail = string(body)
	return out, nil
}

func (r *Renderer) execute(name string, data templateData) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// FormatMoney renders an amount with two decimals and thousands separators,
// prefixed by currency when set
func FormatMoney(currency string, d decimal.Decimal) string {
	s := d.StringFixed(2)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	whole, frac := s[:len(s)-3], s[len(s)-3:]

	var b strings.Builder
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	amount := sign + b.String() + frac
	if currency == "" {
		return amount
	}
	return currency + " " + amount
}
