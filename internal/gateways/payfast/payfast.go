package payfast

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/estatemeter/prepay-core/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
)

const (
	// GatewayName tags ledger entries created through this adapter.
	GatewayName = "payfast"

	StatusComplete  = "COMPLETE"
	StatusCancelled = "CANCELLED"
	StatusFailed    = "FAILED"

	verifyTimeout = 30 * time.Second
)

var (
	ErrInvalidSignature   = errors.New("itn signature mismatch")
	ErrVerificationFailed = errors.New("gateway verification rejected payload")
	ErrUnreachable        = errors.New("gateway unreachable")
	ErrMissingPaymentID   = errors.New("payload has no m_payment_id")
)

// Field is one form pair. Order matters: the signature is computed over the
// fields exactly as the gateway posted them, so a map cannot carry them.
type Field struct {
	Key   string
	Value string
}

// Payload is an ordered ITN form body.
type Payload []Field

func (p Payload) Get(key string) string {
	for _, f := range p {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

func (p Payload) Encode() string {
	var b strings.Builder
	for i, f := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(encode(f.Value))
	}
	return b.String()
}

// ParseForm decodes a raw urlencoded body preserving field order.
func ParseForm(body []byte) (Payload, error) {
	var out Payload
	for _, pair := range strings.Split(string(body), "&") {
		if pair == "" {
			continue
		}
		key, rawValue, _ := strings.Cut(pair, "=")
		k, err := url.QueryUnescape(key)
		if err != nil {
			return nil, fmt.Errorf("bad field name %q: %w", key, err)
		}
		v, err := url.QueryUnescape(strings.ReplaceAll(rawValue, "+", "%20"))
		if err != nil {
			return nil, fmt.Errorf("bad field value for %q: %w", k, err)
		}
		out = append(out, Field{Key: k, Value: v})
	}
	return out, nil
}

// encode is RFC 3986 component encoding with space as %20. The widget signs
// with %20, so substituting + would break the signature byte-for-byte.
func encode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Signature computes the lowercase hex MD5 over the fields in order,
// excluding any signature field, appending the passphrase when configured.
func Signature(fields Payload, passphrase string) string {
	var b strings.Builder
	for _, f := range fields {
		if f.Key == "signature" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(encode(f.Value))
	}
	if passphrase != "" {
		b.WriteString("&passphrase=")
		b.WriteString(encode(passphrase))
	}

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Config carries the merchant credentials and endpoints.
type Config struct {
	MerchantID    string
	MerchantKey   string
	Passphrase    string
	SandboxMode   bool
	ProcessURL    string
	ValidateURL   string
	NotifyBaseURL string
}

type httpDoer interface {
	DoDeadline(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error
}

// Client signs outbound intents and verifies inbound callbacks.
type Client struct {
	cfg  Config
	http httpDoer
	now  func() time.Time
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &fasthttp.Client{},
		now:  time.Now,
	}
}

// IntentRequest is a top-up the caller wants the buyer to pay.
type IntentRequest struct {
	ExternalRef string
	Amount      decimal.Decimal
	BuyerName   string
	BuyerEmail  string
	ItemName    string
}

// Intent is the payload handed to the payment widget. Fields stay ordered;
// the widget computes its own signature from them as posted.
type Intent struct {
	Fields     Payload
	ProcessURL string
	NotifyURL  string
}

// BuildIntent assembles the outbound payment fields. Names are reduced to
// their first whitespace-separated token so both URL-encoding schemes agree
// on the bytes.
func (c *Client) BuildIntent(req IntentRequest) Intent {
	notifyURL := strings.TrimSuffix(c.cfg.NotifyBaseURL, "/") + "/api/v1/topups/itn"

	fields := Payload{
		{Key: "merchant_id", Value: c.cfg.MerchantID},
		{Key: "merchant_key", Value: c.cfg.MerchantKey},
		{Key: "notify_url", Value: notifyURL},
		{Key: "name_first", Value: firstToken(req.BuyerName)},
		{Key: "email_address", Value: strings.TrimSpace(req.BuyerEmail)},
		{Key: "m_payment_id", Value: req.ExternalRef},
		{Key: "amount", Value: req.Amount.StringFixed(2)},
		{Key: "item_name", Value: firstToken(req.ItemName)},
	}

	return Intent{
		Fields:     fields,
		ProcessURL: c.cfg.ProcessURL,
		NotifyURL:  notifyURL,
	}
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Notification is a parsed, signature-checked ITN callback.
type Notification struct {
	PaymentID     string // m_payment_id, our external ref
	PaymentStatus string
	GatewayRef    string // pf_payment_id
	AmountGross   string
	Raw           string
	Fields        Payload
}

// ParseITN validates the callback signature and extracts the fields the
// state machine needs. It does not talk to the gateway; call Verify for the
// server-to-server confirmation.
func (c *Client) ParseITN(fields Payload) (*Notification, error) {
	expected := Signature(fields, c.cfg.Passphrase)
	if got := fields.Get("signature"); got != expected {
		logger.Warn("payfast: itn signature mismatch",
			"m_payment_id", fields.Get("m_payment_id"))
		return nil, ErrInvalidSignature
	}

	n := &Notification{
		PaymentID:     fields.Get("m_payment_id"),
		PaymentStatus: fields.Get("payment_status"),
		GatewayRef:    fields.Get("pf_payment_id"),
		AmountGross:   fields.Get("amount_gross"),
		Raw:           fields.Encode(),
		Fields:        fields,
	}
	if n.PaymentID == "" {
		return nil, ErrMissingPaymentID
	}
	return n, nil
}

// Verify replays the payload to the gateway's validation endpoint and
// requires the literal VALID. Sandbox mode skips the round trip. A transport
// failure is ErrUnreachable, which callers treat as inconclusive rather than
// a rejection.
func (c *Client) Verify(ctx context.Context, fields Payload) error {
	if c.cfg.SandboxMode {
		return nil
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.ValidateURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.SetBodyString(fields.Encode())

	deadline := c.now().Add(verifyTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	body := strings.TrimSpace(string(resp.Body()))
	if body != "VALID" {
		return fmt.Errorf("%w: gateway said %q", ErrVerificationFailed, body)
	}
	return nil
}

// VerifyStored re-verifies a payload persisted at callback time. Used by
// reconciliation, which only has the stored form-encoded string.
func (c *Client) VerifyStored(ctx context.Context, raw string) error {
	fields, err := ParseForm([]byte(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return c.Verify(ctx, fields)
}

func (c *Client) Name() string { return GatewayName }
