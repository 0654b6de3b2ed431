package gate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stepup/internal/capture"
	"github.com/mbd888/stepup/internal/otp"
	"github.com/mbd888/stepup/internal/ratelimit"
	"github.com/mbd888/stepup/internal/risk"
	"github.com/mbd888/stepup/internal/verification"
)

const ttl = 5 * time.Minute

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type outbox struct {
	mu    sync.Mutex
	codes map[string]string
	fail  error
}

func (o *outbox) SendCode(_ context.Context, msg otp.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return o.fail
	}
	o.codes[msg.Token] = msg.Code
	return nil
}

func (o *outbox) code(token string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.codes[token]
}

type fakeReleaser struct {
	mu   sync.Mutex
	reqs []capture.Request
	fail error
}

func (r *fakeReleaser) Release(_ context.Context, req capture.Request) (*capture.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	r.reqs = append(r.reqs, req)
	p, err := capture.ParsePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	return &capture.Receipt{PaymentIntentID: p.PaymentIntentID, Status: "succeeded"}, nil
}

func (r *fakeReleaser) calls() []capture.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capture.Request(nil), r.reqs...)
}

type fixture struct {
	gate        *Gate
	clock       *clock
	outbox      *outbox
	releaser    *fakeReleaser
	assessments *risk.MemoryStore
	tokens      *verification.TokenStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)}
	tokens := verification.NewTokenStore(verification.NewMemoryStore(), ttl).WithClock(clk.Now)
	box := &outbox{codes: make(map[string]string)}
	otpSvc := otp.NewService(tokens, box).
		WithCooldown(ratelimit.NewMemoryCooldown().WithClock(clk.Now), 30*time.Second).
		WithMaxAttempts(5)
	rel := &fakeReleaser{}
	assessments := risk.NewMemoryStore()
	return &fixture{
		gate:        NewGate(risk.NewEngine(), assessments, tokens, otpSvc, rel),
		clock:       clk,
		outbox:      box,
		releaser:    rel,
		assessments: assessments,
		tokens:      tokens,
	}
}

const examplePayload = `{"paymentIntentId":"pi_3Nx","amount":2999,"currency":"aud"}`

// Scores 10: baseline only.
func allowTx() risk.TransactionContext {
	return risk.TransactionContext{
		AmountMinor: 2999, Currency: "AUD", ItemCount: 1, StoreCount: 1,
		UserAgent: "Mozilla/5.0", Shipping: risk.Shipping{Country: "AU"},
	}
}

// Scores 35: baseline, high amount, three sellers.
func warnTx() risk.TransactionContext {
	tx := allowTx()
	tx.AmountMinor = 80000
	tx.StoreCount = 3
	return tx
}

// Scores 90: both amount bands, many sellers, three failed payments.
func denyTx() risk.TransactionContext {
	tx := allowTx()
	tx.AmountMinor = 300000
	tx.StoreCount = 6
	tx.FailedPaymentsLast24h = 3
	return tx
}

func checkout(userID string, tx risk.TransactionContext) CheckoutRequest {
	return CheckoutRequest{UserID: userID, Transaction: tx, Payload: json.RawMessage(examplePayload)}
}

func (f *fixture) hold(t *testing.T, userID string) *Outcome {
	t.Helper()
	out, err := f.gate.Evaluate(context.Background(), checkout(userID, warnTx()))
	require.NoError(t, err)
	require.Equal(t, risk.DecisionWarn, out.Decision)
	require.NotEmpty(t, out.Token)
	return out
}

func TestEvaluate_AllowReleasesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.gate.Evaluate(ctx, checkout("u1", allowTx()))
	require.NoError(t, err)
	assert.Equal(t, risk.DecisionAllow, out.Decision)
	assert.Equal(t, 10, out.RiskScore)
	assert.Empty(t, out.Token)
	require.NotNil(t, out.Receipt)
	assert.Equal(t, "pi_3Nx", out.Receipt.PaymentIntentID)

	calls := f.releaser.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, capture.PathAllow, calls[0].Path)
	assert.Equal(t, out.AssessmentID, calls[0].Key)
	assert.Equal(t, examplePayload, string(calls[0].Payload))

	a, err := f.assessments.Get(ctx, out.AssessmentID)
	require.NoError(t, err)
	assert.Equal(t, risk.DecisionAllow, a.Decision)
	assert.Equal(t, "u1", a.UserID)
}

func TestEvaluate_DenyIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.gate.Evaluate(ctx, checkout("u1", denyTx()))
	assert.ErrorIs(t, err, ErrTransactionDenied)
	require.NotNil(t, out)
	assert.Equal(t, risk.DecisionDeny, out.Decision)
	assert.Equal(t, 90, out.RiskScore)
	assert.NotEmpty(t, out.RiskFactors)
	assert.Empty(t, out.Token)
	assert.Empty(t, f.releaser.calls())

	a, err := f.assessments.Get(ctx, out.AssessmentID)
	require.NoError(t, err)
	assert.Equal(t, risk.DecisionDeny, a.Decision)
}

func TestEvaluate_WarnEscrowsAndSendsCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.hold(t, "u1")
	assert.Equal(t, 35, out.RiskScore)
	assert.True(t, out.EmailSent)
	assert.Empty(t, out.DevCode)
	require.NotNil(t, out.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(ttl), *out.ExpiresAt)
	assert.Len(t, f.outbox.code(out.Token), 6)
	assert.Empty(t, f.releaser.calls())

	c, err := f.gate.Status(ctx, out.Token, "u1")
	require.NoError(t, err)
	assert.Equal(t, verification.StatusPending, c.Status)
	assert.Equal(t, out.AssessmentID, c.AssessmentID)
	assert.Equal(t, 35, c.RiskScore)
	assert.Equal(t, out.RiskFactors, c.RiskFactors)
	assert.Equal(t, examplePayload, string(c.EscrowedPayload))
}

func TestEvaluate_WarnSurvivesDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.outbox.fail = errors.New("smtp unavailable")

	out, err := f.gate.Evaluate(context.Background(), checkout("u1", warnTx()))
	require.NoError(t, err)
	assert.NotEmpty(t, out.Token)
	assert.False(t, out.EmailSent)

	// The buyer can ask again once delivery recovers.
	f.outbox.fail = nil
	res, err := f.gate.Send(context.Background(), out.Token, "u1")
	require.NoError(t, err)
	assert.True(t, res.Sent)
}

func TestEvaluate_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := checkout("u1", allowTx())
	bad.Transaction.Currency = "dollars"
	_, err := f.gate.Evaluate(ctx, bad)
	assert.ErrorIs(t, err, risk.ErrValidation)

	bad = checkout("u1", allowTx())
	bad.Transaction.AmountMinor = 0
	_, err = f.gate.Evaluate(ctx, bad)
	assert.ErrorIs(t, err, risk.ErrValidation)

	bad = checkout("u1", allowTx())
	bad.Payload = json.RawMessage(`{"amount":2999}`)
	_, err = f.gate.Evaluate(ctx, bad)
	assert.ErrorIs(t, err, risk.ErrValidation)

	bad = checkout("u1", allowTx())
	bad.Payload = json.RawMessage(`["pi_1"]`)
	_, err = f.gate.Evaluate(ctx, bad)
	assert.ErrorIs(t, err, risk.ErrValidation)

	_, err = f.gate.Evaluate(ctx, checkout("", allowTx()))
	assert.ErrorIs(t, err, risk.ErrValidation)

	list, err := f.assessments.ListByUser(ctx, "u1", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.releaser.calls())
}

func TestEvaluate_RecordsPaymentReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.hold(t, "u1")
	a, err := f.assessments.Get(ctx, out.AssessmentID)
	require.NoError(t, err)
	assert.Equal(t, "pi_3Nx", a.PaymentIntentID)
	assert.Empty(t, a.OrderID)

	req := checkout("u1", allowTx())
	req.OrderID = "ord_7"
	req.PaymentIntentID = "pi_3Nx"
	out, err = f.gate.Evaluate(ctx, req)
	require.NoError(t, err)
	a, err = f.assessments.Get(ctx, out.AssessmentID)
	require.NoError(t, err)
	assert.Equal(t, "ord_7", a.OrderID)
	assert.Equal(t, "pi_3Nx", a.PaymentIntentID)

	// Processors without PaymentIntents identify the attempt by order.
	req = checkout("u1", allowTx())
	req.OrderID = "ord_8"
	req.Payload = json.RawMessage(`{"processor":"adyen","pspReference":"8835"}`)
	out, err = f.gate.Evaluate(ctx, req)
	require.NoError(t, err)
	a, err = f.assessments.Get(ctx, out.AssessmentID)
	require.NoError(t, err)
	assert.Equal(t, "ord_8", a.OrderID)
	assert.Empty(t, a.PaymentIntentID)
}

func TestEvaluate_RejectsConflictingPaymentIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := checkout("u1", warnTx())
	req.PaymentIntentID = "pi_other"
	_, err := f.gate.Evaluate(ctx, req)
	assert.ErrorIs(t, err, risk.ErrValidation)

	req = checkout("u1", warnTx())
	req.Payload = json.RawMessage(`{"amount":2999}`)
	_, err = f.gate.Evaluate(ctx, req)
	assert.ErrorIs(t, err, risk.ErrValidation)

	list, err := f.assessments.ListByUser(ctx, "u1", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

type checkingReleaser struct {
	*fakeReleaser
}

func (checkingReleaser) CheckPayload(p *capture.Payload) error {
	if p.PaymentIntentID == "" {
		return capture.ErrMissingIntent
	}
	return nil
}

func TestEvaluate_ReleaserRejectsPayloadBeforeEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := NewGate(risk.NewEngine(), f.assessments, f.tokens, f.gate.otp, checkingReleaser{f.releaser})

	req := checkout("u1", warnTx())
	req.OrderID = "ord_1"
	req.Payload = json.RawMessage(`{"amount":2999}`)
	_, err := g.Evaluate(ctx, req)
	assert.ErrorIs(t, err, risk.ErrValidation)
	assert.ErrorContains(t, err, capture.ErrMissingIntent.Error())

	out, err := g.Evaluate(ctx, checkout("u1", warnTx()))
	require.NoError(t, err)
	assert.Equal(t, risk.DecisionWarn, out.Decision)
}

func TestVerify_ExampleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.hold(t, "u1")
	code := f.outbox.code(out.Token)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	res, err := f.gate.Verify(ctx, out.Token, "u1", wrong)
	assert.ErrorIs(t, err, otp.ErrInvalidCode)
	require.NotNil(t, res)
	assert.False(t, res.Verified)
	assert.Equal(t, 4, res.AttemptsRemaining)

	c, err := f.gate.Status(ctx, out.Token, "u1")
	require.NoError(t, err)
	assert.Equal(t, verification.StatusPending, c.Status)

	res, err = f.gate.Verify(ctx, out.Token, "u1", code)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	require.NotNil(t, res.Receipt)

	calls := f.releaser.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, capture.PathVerified, calls[0].Path)
	assert.Equal(t, out.Token, calls[0].Key)
	assert.Equal(t, examplePayload, string(calls[0].Payload))

	_, err = f.gate.Verify(ctx, out.Token, "u1", code)
	assert.ErrorIs(t, err, verification.ErrConflict)
	assert.Len(t, f.releaser.calls(), 1)
}

func TestVerify_ConcurrentCallersReleaseOnce(t *testing.T) {
	f := newFixture(t)
	out := f.hold(t, "u1")
	code := f.outbox.code(out.Token)

	const n = 16
	var ok, conflict atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gate.Verify(context.Background(), out.Token, "u1", code)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, verification.ErrConflict):
				conflict.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), conflict.Load())
	assert.Len(t, f.releaser.calls(), 1)
}

func TestVerify_ExpiryWins(t *testing.T) {
	f := newFixture(t)
	out := f.hold(t, "u1")
	code := f.outbox.code(out.Token)

	f.clock.Advance(ttl + time.Second)
	_, err := f.gate.Verify(context.Background(), out.Token, "u1", code)
	assert.ErrorIs(t, err, verification.ErrExpired)
	assert.Empty(t, f.releaser.calls())
}

func TestVerify_OtherUserIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.hold(t, "u1")
	code := f.outbox.code(out.Token)

	_, err := f.gate.Verify(ctx, out.Token, "u2", code)
	assert.ErrorIs(t, err, verification.ErrNotFound)
	_, err = f.gate.Status(ctx, out.Token, "u2")
	assert.ErrorIs(t, err, verification.ErrNotFound)
	_, err = f.gate.MergeOrderIDs(ctx, out.Token, "u2", []string{"o1"})
	assert.ErrorIs(t, err, verification.ErrNotFound)

	// The owner's challenge is untouched.
	res, err := f.gate.Verify(ctx, out.Token, "u1", code)
	require.NoError(t, err)
	assert.True(t, res.Verified)
}

func TestVerify_CaptureFailureKeepsVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.hold(t, "u1")
	code := f.outbox.code(out.Token)
	f.releaser.fail = capture.ErrDeclined

	res, err := f.gate.Verify(ctx, out.Token, "u1", code)
	assert.ErrorIs(t, err, ErrCaptureFailed)
	assert.ErrorIs(t, err, capture.ErrDeclined)
	require.NotNil(t, res)
	assert.True(t, res.Verified)

	c, err := f.gate.PaymentData(ctx, out.Token, "u1")
	require.NoError(t, err)
	assert.Equal(t, examplePayload, string(c.EscrowedPayload))
}

func TestMergeOrderIDs_BeforeVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.hold(t, "u1")

	ids, err := f.gate.MergeOrderIDs(ctx, out.Token, "u1", []string{"ord_1", "ord_2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ord_1", "ord_2"}, ids)

	ids, err = f.gate.MergeOrderIDs(ctx, out.Token, "u1", []string{"ord_2", "ord_3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ord_1", "ord_2", "ord_3"}, ids)

	_, err = f.gate.Verify(ctx, out.Token, "u1", f.outbox.code(out.Token))
	require.NoError(t, err)

	calls := f.releaser.calls()
	require.Len(t, calls, 1)
	p, err := capture.ParsePayload(calls[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"ord_1", "ord_2", "ord_3"}, p.OrderIDs)

	_, err = f.gate.MergeOrderIDs(ctx, out.Token, "u1", []string{"ord_4"})
	assert.ErrorIs(t, err, verification.ErrConflict)

	c, err := f.gate.PaymentData(ctx, out.Token, "u1")
	require.NoError(t, err)
	assert.JSONEq(t, string(calls[0].Payload), string(c.EscrowedPayload))
}

func TestMergeOrderIDs_RejectedOnceExpired(t *testing.T) {
	f := newFixture(t)
	out := f.hold(t, "u1")
	f.clock.Advance(ttl + time.Second)

	_, err := f.gate.MergeOrderIDs(context.Background(), out.Token, "u1", []string{"ord_1"})
	assert.ErrorIs(t, err, verification.ErrExpired)
}

func TestPaymentData_OnlyWhenVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.hold(t, "u1")

	_, err := f.gate.PaymentData(ctx, out.Token, "u1")
	assert.ErrorIs(t, err, verification.ErrNotFound)

	_, err = f.gate.Verify(ctx, out.Token, "u1", f.outbox.code(out.Token))
	require.NoError(t, err)

	c, err := f.gate.PaymentData(ctx, out.Token, "u1")
	require.NoError(t, err)
	assert.Equal(t, examplePayload, string(c.EscrowedPayload))

	_, err = f.gate.PaymentData(ctx, out.Token, "u2")
	assert.ErrorIs(t, err, verification.ErrNotFound)
}

func TestVerify_LockoutExpiresChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.hold(t, "u1")
	code := f.outbox.code(out.Token)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 4; i++ {
		_, err := f.gate.Verify(ctx, out.Token, "u1", wrong)
		require.ErrorIs(t, err, otp.ErrInvalidCode)
	}
	_, err := f.gate.Verify(ctx, out.Token, "u1", wrong)
	assert.ErrorIs(t, err, otp.ErrAttemptsExhausted)

	_, err = f.gate.Verify(ctx, out.Token, "u1", code)
	assert.ErrorIs(t, err, verification.ErrExpired)
	assert.Empty(t, f.releaser.calls())
}
