// internal/callback/verify.go
package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/javajoker/imi-commission/internal/models"
)

var (
	ErrUnknownProvider  = errors.New("unknown payment provider")
	ErrInvalidSignature = errors.New("invalid callback signature")
	ErrForbiddenSource  = errors.New("callback source address not allowed")
	ErrMalformedPayload = errors.New("malformed callback payload")
	// ErrUnsupportedEvent marks authentic notifications this system does not act on.
	ErrUnsupportedEvent = errors.New("unsupported callback event")
)

// Delivery is a raw inbound webhook request.
type Delivery struct {
	Provider   string
	Headers    http.Header
	Body       []byte
	RemoteIP   string
	ReceivedAt time.Time
}

// Notification is the verified, provider-neutral content of a delivery.
type Notification struct {
	Provider     string               `json:"provider" validate:"required,max=32"`
	ProviderTxID string               `json:"provider_tx_id" validate:"required,max=191"`
	OrderID      uuid.UUID            `json:"order_id" validate:"required"`
	Amount       int64                `json:"amount" validate:"gte=0"`
	Status       models.PaymentStatus `json:"status" validate:"required,oneof=PAID FAILED REFUNDED PARTIALLY_REFUNDED"`
}

func (n *Notification) Key() models.CallbackKey {
	return models.CallbackKey{Provider: n.Provider, ProviderTxID: n.ProviderTxID}
}

// Verifier authenticates a delivery and extracts its notification.
type Verifier interface {
	Verify(d Delivery) (*Notification, error)
}

// HMACVerifier checks a hex HMAC-SHA256 of the raw body carried in a header,
// optionally prefixed with "sha256=". The body is the generic JSON form:
//
//	{"provider_tx_id":"PAY123","order_id":"...","amount":10000,"status":"PAID"}
type HMACVerifier struct {
	Provider string
	Secret   []byte
	Header   string
}

func NewHMACVerifier(provider, secret, header string) *HMACVerifier {
	if header == "" {
		header = "X-Signature"
	}
	return &HMACVerifier{Provider: provider, Secret: []byte(secret), Header: header}
}

// Sign returns the signature header value for body.
func (v *HMACVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *HMACVerifier) Verify(d Delivery) (*Notification, error) {
	if len(v.Secret) == 0 {
		return nil, fmt.Errorf("%w: no secret configured for %s", ErrInvalidSignature, v.Provider)
	}
	sig := strings.TrimPrefix(strings.TrimSpace(d.Headers.Get(v.Header)), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return nil, fmt.Errorf("%w: missing or non-hex %s header", ErrInvalidSignature, v.Header)
	}
	want, _ := hex.DecodeString(v.Sign(d.Body))
	if !hmac.Equal(got, want) {
		return nil, ErrInvalidSignature
	}

	var body struct {
		ProviderTxID string `json:"provider_tx_id"`
		OrderID      string `json:"order_id"`
		Amount       int64  `json:"amount"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(d.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	orderID, err := uuid.Parse(body.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: order_id: %v", ErrMalformedPayload, err)
	}
	return &Notification{
		Provider:     v.Provider,
		ProviderTxID: body.ProviderTxID,
		OrderID:      orderID,
		Amount:       body.Amount,
		Status:       models.PaymentStatus(strings.ToUpper(body.Status)),
	}, nil
}

// StripeVerifier validates the Stripe-Signature header and maps payment
// intent and refund events. The event id is the dedupe key, so redelivered
// events collapse while a refund gets its own record.
type StripeVerifier struct {
	Provider string
	Secret   string
}

func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{Provider: "stripe", Secret: secret}
}

func (v *StripeVerifier) Verify(d Delivery) (*Notification, error) {
	if err := webhook.ValidatePayload(d.Body, d.Headers.Get("Stripe-Signature"), v.Secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var event stripe.Event
	if err := json.Unmarshal(d.Body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if event.Data == nil || event.Data.Object == nil {
		return nil, fmt.Errorf("%w: event %s has no data object", ErrMalformedPayload, event.ID)
	}

	var status models.PaymentStatus
	switch string(event.Type) {
	case "payment_intent.succeeded":
		status = models.PaymentStatusPaid
	case "payment_intent.payment_failed", "payment_intent.canceled":
		status = models.PaymentStatusFailed
	case "charge.refunded":
		status = models.PaymentStatusRefunded
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Type)
	}

	obj := event.Data.Object
	amount, _ := obj["amount"].(float64)
	if status == models.PaymentStatusRefunded {
		// charge.refunded fires for every refund; amount_refunded is cumulative.
		if refunded, ok := obj["amount_refunded"].(float64); ok && refunded < amount {
			status = models.PaymentStatusPartiallyRefunded
		}
	}
	var orderRef string
	if md, ok := obj["metadata"].(map[string]interface{}); ok {
		orderRef, _ = md["order_id"].(string)
	}
	orderID, err := uuid.Parse(orderRef)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata.order_id %q", ErrMalformedPayload, orderRef)
	}

	return &Notification{
		Provider:     v.Provider,
		ProviderTxID: event.ID,
		OrderID:      orderID,
		Amount:       int64(amount),
		Status:       status,
	}, nil
}

// IPAllowList restricts deliveries to known gateway networks. An empty list allows all.
type IPAllowList struct {
	prefixes []netip.Prefix
}

// ParseIPAllowList accepts CIDRs and bare addresses.
func ParseIPAllowList(entries []string) (*IPAllowList, error) {
	l := &IPAllowList{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			addr, err := netip.ParseAddr(e)
			if err != nil {
				return nil, fmt.Errorf("parse allow-list entry %q: %w", e, err)
			}
			l.prefixes = append(l.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(e)
		if err != nil {
			return nil, fmt.Errorf("parse allow-list entry %q: %w", e, err)
		}
		l.prefixes = append(l.prefixes, p.Masked())
	}
	return l, nil
}

func (l *IPAllowList) Allows(ip string) bool {
	if l == nil || len(l.prefixes) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Gateway binds a provider's verifier to its source allow-list.
type Gateway struct {
	Verifier  Verifier
	AllowList *IPAllowList
}

func (g Gateway) authenticate(d Delivery) (*Notification, error) {
	if !g.AllowList.Allows(d.RemoteIP) {
		return nil, fmt.Errorf("%w: %s", ErrForbiddenSource, d.RemoteIP)
	}
	return g.Verifier.Verify(d)
}
