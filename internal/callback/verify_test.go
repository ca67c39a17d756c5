// internal/callback/verify_test.go
package callback_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/imi-commission/internal/callback"
	"github.com/javajoker/imi-commission/internal/models"
)

func stripeDelivery(t *testing.T, secret, body string) callback.Delivery {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)

	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return callback.Delivery{Provider: "stripe", Headers: headers, Body: []byte(body)}
}

func stripeEvent(id, eventType string, orderID uuid.UUID, amount int64) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"data":{"object":{"id":"pi_1","object":"payment_intent","amount":%d,"metadata":{"order_id":%q}}}}`,
		id, eventType, amount, orderID.String())
}

func TestStripeVerifierMapsEvents(t *testing.T) {
	v := callback.NewStripeVerifier("whsec_stripe")
	orderID := uuid.New()

	cases := map[string]models.PaymentStatus{
		"payment_intent.succeeded":      models.PaymentStatusPaid,
		"payment_intent.payment_failed": models.PaymentStatusFailed,
		"charge.refunded":               models.PaymentStatusRefunded,
	}
	for eventType, want := range cases {
		t.Run(eventType, func(t *testing.T) {
			n, err := v.Verify(stripeDelivery(t, "whsec_stripe", stripeEvent("evt_123", eventType, orderID, 4200)))
			require.NoError(t, err)
			assert.Equal(t, "stripe", n.Provider)
			assert.Equal(t, "evt_123", n.ProviderTxID)
			assert.Equal(t, orderID, n.OrderID)
			assert.Equal(t, int64(4200), n.Amount)
			assert.Equal(t, want, n.Status)
		})
	}
}

func TestStripeVerifierSeparatesPartialRefunds(t *testing.T) {
	v := callback.NewStripeVerifier("whsec_stripe")
	orderID := uuid.New()
	charge := func(id string, refunded int64) string {
		return fmt.Sprintf(`{"id":%q,"object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1","object":"charge","amount":4200,"amount_refunded":%d,"metadata":{"order_id":%q}}}}`,
			id, refunded, orderID.String())
	}

	n, err := v.Verify(stripeDelivery(t, "whsec_stripe", charge("evt_partial", 1000)))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPartiallyRefunded, n.Status)

	n, err = v.Verify(stripeDelivery(t, "whsec_stripe", charge("evt_full", 4200)))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, n.Status)
}

func TestStripeVerifierRejects(t *testing.T) {
	v := callback.NewStripeVerifier("whsec_stripe")
	body := stripeEvent("evt_1", "payment_intent.succeeded", uuid.New(), 100)

	_, err := v.Verify(stripeDelivery(t, "wrong_secret", body))
	assert.ErrorIs(t, err, callback.ErrInvalidSignature)

	d := stripeDelivery(t, "whsec_stripe", body)
	d.Headers.Del("Stripe-Signature")
	_, err = v.Verify(d)
	assert.ErrorIs(t, err, callback.ErrInvalidSignature)

	_, err = v.Verify(stripeDelivery(t, "whsec_stripe", stripeEvent("evt_2", "customer.created", uuid.New(), 0)))
	assert.ErrorIs(t, err, callback.ErrUnsupportedEvent)

	noOrder := `{"id":"evt_3","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":5}}}`
	_, err = v.Verify(stripeDelivery(t, "whsec_stripe", noOrder))
	assert.ErrorIs(t, err, callback.ErrMalformedPayload)
}

func TestHMACVerifier(t *testing.T) {
	v := callback.NewHMACVerifier("gateway", "s3cret", "X-Gateway-Signature")
	orderID := uuid.New()
	body := []byte(fmt.Sprintf(`{"provider_tx_id":"PAY1","order_id":%q,"amount":700,"status":"paid"}`, orderID))

	headers := http.Header{}
	headers.Set("X-Gateway-Signature", v.Sign(body))
	n, err := v.Verify(callback.Delivery{Headers: headers, Body: body})
	require.NoError(t, err)
	assert.Equal(t, models.CallbackKey{Provider: "gateway", ProviderTxID: "PAY1"}, n.Key())
	assert.Equal(t, models.PaymentStatusPaid, n.Status)
	assert.Equal(t, int64(700), n.Amount)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-3] = 'X'
	_, err = v.Verify(callback.Delivery{Headers: headers, Body: tampered})
	assert.ErrorIs(t, err, callback.ErrInvalidSignature)

	_, err = v.Verify(callback.Delivery{Headers: http.Header{}, Body: body})
	assert.ErrorIs(t, err, callback.ErrInvalidSignature)

	bad := []byte(`{"provider_tx_id":"PAY2","order_id":"not-a-uuid"}`)
	headers.Set("X-Gateway-Signature", v.Sign(bad))
	_, err = v.Verify(callback.Delivery{Headers: headers, Body: bad})
	assert.ErrorIs(t, err, callback.ErrMalformedPayload)

	unconfigured := callback.NewHMACVerifier("gateway", "", "")
	_, err = unconfigured.Verify(callback.Delivery{Headers: headers, Body: bad})
	assert.ErrorIs(t, err, callback.ErrInvalidSignature)
}

func TestIPAllowList(t *testing.T) {
	l, err := callback.ParseIPAllowList([]string{"3.18.12.63", "54.187.0.0/16", " ", "2001:db8::/32"})
	require.NoError(t, err)

	assert.True(t, l.Allows("3.18.12.63"))
	assert.False(t, l.Allows("3.18.12.64"))
	assert.True(t, l.Allows("54.187.200.1"))
	assert.True(t, l.Allows("::ffff:54.187.1.1"))
	assert.True(t, l.Allows("2001:db8::1"))
	assert.False(t, l.Allows("not-an-ip"))

	empty, err := callback.ParseIPAllowList(nil)
	require.NoError(t, err)
	assert.True(t, empty.Allows("203.0.113.9"))

	_, err = callback.ParseIPAllowList([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := callback.RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, 5*time.Second, p.Backoff(500))

	assert.False(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}
