package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/stepup/internal/logging"
)

type recordedCall struct {
	path        string
	idempotency string
	form        string
}

func stripeStub(t *testing.T, status int, body string) (*StripeReleaser, *[]recordedCall) {
	t.Helper()
	var mu sync.Mutex
	calls := &[]recordedCall{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		*calls = append(*calls, recordedCall{
			path:        r.URL.Path,
			idempotency: r.Header.Get("Idempotency-Key"),
			form:        r.PostForm.Encode(),
		})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeReleaser("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend}), calls
}

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload(json.RawMessage(`{"paymentIntentId":"pi_1","orderIds":["o1"],"extra":true}`))
	require.NoError(t, err)
	assert.Equal(t, "pi_1", p.PaymentIntentID)
	assert.Equal(t, []string{"o1"}, p.OrderIDs)

	p, err = ParsePayload(json.RawMessage(`{"amount":1}`))
	require.NoError(t, err)
	assert.Empty(t, p.PaymentIntentID)

	_, err = ParsePayload(json.RawMessage(`{"paymentIntentId":7}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = ParsePayload(json.RawMessage(`[]`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestStripeReleaser_Captures(t *testing.T) {
	rel, calls := stripeStub(t, http.StatusOK,
		`{"id":"pi_abc","object":"payment_intent","status":"succeeded","amount_received":2999,"currency":"aud"}`)

	token := "vt_" + strings.Repeat("ab", 32)
	receipt, err := rel.Release(context.Background(), Request{
		Path:    PathVerified,
		Key:     token,
		UserID:  "u1",
		Payload: json.RawMessage(`{"paymentIntentId":"pi_abc","orderIds":["o1","o2"]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_abc", receipt.PaymentIntentID)
	assert.Equal(t, "succeeded", receipt.Status)
	assert.Equal(t, int64(2999), receipt.AmountCaptured)
	assert.Equal(t, "AUD", receipt.Currency)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/v1/payment_intents/pi_abc/capture", call.path)
	assert.Equal(t, "stepup-capture-verified-"+logging.TokenRef(token), call.idempotency)
	assert.NotContains(t, call.idempotency, token)
	assert.Contains(t, call.form, "metadata%5Border_ids%5D=o1%2Co2")
}

func TestStripeReleaser_Declined(t *testing.T) {
	rel, _ := stripeStub(t, http.StatusBadRequest,
		`{"error":{"type":"invalid_request_error","code":"payment_intent_unexpected_state","message":"already captured"}}`)

	_, err := rel.Release(context.Background(), Request{
		Path:    PathAllow,
		Key:     "6f1c2a9e-0d4b-4e3a-9b7f-2c5d8e1a4b60",
		Payload: json.RawMessage(`{"paymentIntentId":"pi_abc"}`),
	})
	assert.ErrorIs(t, err, ErrDeclined)
	assert.Contains(t, err.Error(), "payment_intent_unexpected_state")
}

func TestStripeReleaser_RejectsPayloadWithoutIntent(t *testing.T) {
	rel, calls := stripeStub(t, http.StatusOK, `{}`)
	_, err := rel.Release(context.Background(), Request{Path: PathAllow, Payload: json.RawMessage(`{"amount":5}`)})
	assert.ErrorIs(t, err, ErrMissingIntent)

	_, err = rel.Release(context.Background(), Request{Path: PathAllow, Payload: json.RawMessage(`{"paymentIntentId":"ch_123"}`)})
	assert.ErrorIs(t, err, ErrMissingIntent)
	assert.Empty(t, *calls)
}

func TestStripeReleaser_CheckPayload(t *testing.T) {
	rel, calls := stripeStub(t, http.StatusOK, `{}`)
	assert.NoError(t, rel.CheckPayload(&Payload{PaymentIntentID: "pi_1"}))
	assert.ErrorIs(t, rel.CheckPayload(&Payload{OrderIDs: []string{"o1"}}), ErrMissingIntent)
	assert.Empty(t, *calls)

	var _ PayloadChecker = rel
}

func TestLogReleaser(t *testing.T) {
	var buf bytes.Buffer
	rel := NewLogReleaser(logging.NewWithWriter(&buf, "info", "json"))

	receipt, err := rel.Release(context.Background(), Request{
		Path:    PathAllow,
		UserID:  "u1",
		Payload: json.RawMessage(`{"paymentIntentId":"pi_9"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "released", receipt.Status)
	assert.Contains(t, buf.String(), "pi_9")

	receipt, err = rel.Release(context.Background(), Request{
		Path:    PathVerified,
		UserID:  "u1",
		Payload: json.RawMessage(`{"orderIds":["ord_1"],"processor":"adyen"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "released", receipt.Status)
	assert.Empty(t, receipt.PaymentIntentID)
}
