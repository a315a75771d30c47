package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/estatemeter/prepay-core/internal/gateways/payfast"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Standalone sandbox that plays the payment gateway during development: it
// accepts the redirect form, waits a moment like a buyer would, then signs
// and posts the ITN back to the billing core. The validate endpoint answers
// the server-side verification callback.

type payment struct {
	PaymentID  string
	GatewayRef string
	Amount     string
	ItemName   string
	MerchantID string
	Status     string
	NotifyURL  string
	ReceivedAt time.Time
}

type simulator struct {
	mu         sync.Mutex
	payments   map[string]*payment
	passphrase string
	itnDelay   time.Duration
	log        zerolog.Logger
}

func main() {
	var (
		addr       = flag.String("addr", ":8090", "listen address")
		passphrase = flag.String("passphrase", os.Getenv("PAYFAST_PASSPHRASE"), "ITN signing passphrase")
		itnDelay   = flag.Duration("itn-delay", 2*time.Second, "delay before the ITN is posted back")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().
		Timestamp().Str("component", "gatewaysim").Logger()

	sim := &simulator{
		payments:   make(map[string]*payment),
		passphrase: *passphrase,
		itnDelay:   *itnDelay,
		log:        log,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/eng/process", sim.handleProcess)
	r.POST("/eng/query/validate", sim.handleValidate)
	r.GET("/payments/:ref", sim.handleInspect)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy"})
	})

	log.Info().Str("addr", *addr).Msg("gateway simulator listening")
	if err := r.Run(*addr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

// handleProcess receives the buyer redirect form. The outcome can be forced
// with simulate=cancelled; anything else completes.
func (s *simulator) handleProcess(c *gin.Context) {
	p := &payment{
		PaymentID:  c.PostForm("m_payment_id"),
		GatewayRef: strings.ToUpper(uuid.NewString()[:13]),
		Amount:     c.PostForm("amount"),
		ItemName:   c.PostForm("item_name"),
		MerchantID: c.PostForm("merchant_id"),
		Status:     payfast.StatusComplete,
		NotifyURL:  c.PostForm("notify_url"),
		ReceivedAt: time.Now(),
	}
	if p.PaymentID == "" {
		c.JSON(400, gin.H{"error": "m_payment_id is required"})
		return
	}
	if c.PostForm("simulate") == "cancelled" {
		p.Status = payfast.StatusCancelled
	}

	s.mu.Lock()
	s.payments[p.PaymentID] = p
	s.mu.Unlock()

	s.log.Info().
		Str("m_payment_id", p.PaymentID).
		Str("pf_payment_id", p.GatewayRef).
		Str("status", p.Status).
		Msg("payment received")

	if p.NotifyURL != "" {
		go s.postITN(p)
	}

	c.JSON(200, gin.H{
		"m_payment_id":  p.PaymentID,
		"pf_payment_id": p.GatewayRef,
		"status":        p.Status,
	})
}

// handleValidate is the server-to-server confirmation endpoint. The billing
// core posts the ITN fields back and expects the literal VALID or INVALID.
func (s *simulator) handleValidate(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.String(400, "INVALID")
		return
	}
	fields, err := payfast.ParseForm(body)
	if err != nil {
		c.String(200, "INVALID")
		return
	}

	s.mu.Lock()
	p, ok := s.payments[fields.Get("m_payment_id")]
	s.mu.Unlock()

	if !ok || p.GatewayRef != fields.Get("pf_payment_id") {
		s.log.Warn().Str("m_payment_id", fields.Get("m_payment_id")).Msg("validate: unknown payment")
		c.String(200, "INVALID")
		return
	}
	c.String(200, "VALID")
}

func (s *simulator) handleInspect(c *gin.Context) {
	s.mu.Lock()
	p, ok := s.payments[c.Param("ref")]
	s.mu.Unlock()
	if !ok {
		c.JSON(404, gin.H{"error": "unknown payment"})
		return
	}
	c.JSON(200, p)
}

// postITN signs and delivers the notification the way the real gateway does:
// form-encoded, field order preserved, signature last.
func (s *simulator) postITN(p *payment) {
	time.Sleep(s.itnDelay)

	fields := payfast.Payload{
		{Key: "m_payment_id", Value: p.PaymentID},
		{Key: "pf_payment_id", Value: p.GatewayRef},
		{Key: "payment_status", Value: p.Status},
		{Key: "item_name", Value: p.ItemName},
		{Key: "amount_gross", Value: p.Amount},
		{Key: "merchant_id", Value: p.MerchantID},
	}
	fields = append(fields, payfast.Field{Key: "signature", Value: payfast.Signature(fields, s.passphrase)})

	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.Value))
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.NotifyURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.SetBodyString(b.String())

	client := &fasthttp.Client{}
	if err := client.DoDeadline(req, resp, time.Now().Add(10*time.Second)); err != nil {
		s.log.Error().Err(err).Str("notify_url", p.NotifyURL).Msg("itn delivery failed")
		return
	}

	s.log.Info().
		Str("m_payment_id", p.PaymentID).
		Int("status_code", resp.StatusCode()).
		Str("response", string(resp.Body())).
		Msg(fmt.Sprintf("itn delivered (%s)", p.Status))
}
