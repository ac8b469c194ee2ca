package fulfillment

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/gift-voucher/internal/apperr"
	"github.com/xenking/gift-voucher/internal/artifact"
	"github.com/xenking/gift-voucher/internal/domain/order"
	"github.com/xenking/gift-voucher/internal/domain/voucher"
	"github.com/xenking/gift-voucher/internal/notify"
	"github.com/xenking/gift-voucher/internal/storage/memory"
)

// --- Mock implementations ---

type fakeRenderer struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (r *fakeRenderer) Render(_ context.Context, o *order.Order) (*artifact.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		return nil, r.fail
	}
	return &artifact.Artifact{
		ID:       "art-" + o.ID + "-" + strconv.Itoa(r.calls),
		OrderID:  o.ID,
		FileName: "voucher.pdf",
		PDF:      []byte("%PDF"),
		View:     &artifact.View{},
	}, nil
}

func (r *fakeRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type sendAttempt struct {
	recipient  notify.Recipient
	artifactID string
}

// recordingDispatcher records one attempt per recipient and fails the
// first failures calls entirely.
type recordingDispatcher struct {
	mu       sync.Mutex
	calls    int
	failures int
	attempts []sendAttempt
}

func (d *recordingDispatcher) DispatchAll(_ context.Context, o *order.Order, a *artifact.Artifact) (*notify.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	res := &notify.Result{OrderID: o.ID, ArtifactID: a.ID}
	var err error
	if d.failures > 0 {
		d.failures--
		err = errors.New("smtp down")
	}
	for _, r := range notify.Recipients {
		d.attempts = append(d.attempts, sendAttempt{recipient: r, artifactID: a.ID})
		res.Outcomes = append(res.Outcomes, notify.Outcome{Recipient: r, Err: err})
	}
	if err != nil {
		return res, errors.Wrap(notify.ErrDispatch, "all failed")
	}
	return res, nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// --- Helpers ---

type fixture struct {
	db         *memory.DB
	renderer   *fakeRenderer
	dispatcher *recordingDispatcher
	orch       *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memory.New()
	f := &fixture{
		db:         db,
		renderer:   &fakeRenderer{},
		dispatcher: &recordingDispatcher{},
	}
	f.orch = NewOrchestrator(Config{MaxAttempts: 3, Backoff: time.Millisecond}, db.Orders(), db.Artifacts(), f.renderer, f.dispatcher)
	f.createOrder(t, "o1", "AAAA-BBBB-CCCC-DDDD")
	return f
}

func (f *fixture) createOrder(t *testing.T, id, code string) {
	t.Helper()
	require.NoError(t, f.db.Orders().Create(context.Background(),
		&order.Order{
			ID:          id,
			VoucherID:   "v-" + id,
			Payment:     order.Payment{Status: order.PaymentPending, Amount: decimal.NewFromInt(25), Currency: "USD"},
			Fulfillment: order.Fulfillment{State: order.FulfillmentNone},
		},
		&voucher.Voucher{
			ID:        "v-" + id,
			Code:      code,
			Status:    voucher.StatusActive,
			ExpiresAt: time.Now().Add(30 * 24 * time.Hour),
		},
	))
}

// --- Tests ---

func TestOnPaymentOutcome_CascadeRunsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.orch.OnPaymentOutcome(ctx, "o1", order.OutcomeCompleted)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentCompleted, o.Payment.Status)
	assert.Equal(t, order.FulfillmentDelivered, o.Fulfillment.State)

	o, err = f.orch.OnPaymentOutcome(ctx, "o1", order.OutcomeCompleted)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentCompleted, o.Payment.Status)

	assert.Equal(t, 1, f.renderer.count())
	assert.Equal(t, 1, f.dispatcher.count())
}

func TestOnPaymentOutcome_TerminalStatesAreFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.orch.OnPaymentOutcome(ctx, "o1", order.OutcomeFailed)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentFailed, o.Payment.Status)

	o, err = f.orch.OnPaymentOutcome(ctx, "o1", order.OutcomeCompleted)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentFailed, o.Payment.Status)
	assert.Zero(t, f.dispatcher.count())
}

func TestOnPaymentOutcome_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.OnPaymentOutcome(ctx, "o1", order.OutcomeCompleted)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.dispatcher.count())
}

func TestPaidOrderScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.OnPaymentOutcome(ctx, "o1", order.OutcomeCompleted)
	require.NoError(t, err)

	o, err := f.db.Orders().Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.PaymentCompleted, o.Payment.Status)

	v, err := f.db.Vouchers().Get(ctx, o.VoucherID)
	require.NoError(t, err)
	assert.Equal(t, voucher.StatusActive, v.Status, "payment and redemption are independent")

	require.Len(t, f.dispatcher.attempts, 3)
	for _, a := range f.dispatcher.attempts {
		assert.Equal(t, o.Fulfillment.ArtifactID, a.artifactID)
	}
}

func TestOnPaymentOutcome_RenderFailure(t *testing.T) {
	f := newFixture(t)
	f.renderer.fail = apperr.External("renderer", errors.New("chromium crashed"))
	ctx := context.Background()

	_, err := f.orch.OnPaymentOutcome(ctx, "o1", order.OutcomeCompleted)
	require.Error(t, err)
	assert.Equal(t, apperr.KindExternal, apperr.KindOf(err))
	assert.Zero(t, f.dispatcher.count(), "no notification after a render failure")

	o, err := f.db.Orders().Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.PaymentCompleted, o.Payment.Status, "payment transition is kept")
	assert.Equal(t, order.FulfillmentFailed, o.Fulfillment.State)
	assert.Contains(t, o.Fulfillment.LastError, "chromium crashed")

	f.renderer.fail = nil
	res, err := f.orch.Resend(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Delivered())

	o, err = f.db.Orders().Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentDelivered, o.Fulfillment.State)
}

func TestResend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Resend(ctx, "o1")
	require.ErrorIs(t, err, order.ErrNotPaid)

	_, err = f.orch.Resend(ctx, "missing")
	require.ErrorIs(t, err, order.ErrNotFound)

	_, err = f.orch.OnPaymentOutcome(ctx, "o1", order.OutcomeCompleted)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.orch.Resend(ctx, "o1")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.dispatcher.count(), "resend is not gated")
	assert.Equal(t, 3, f.renderer.count())
}

func TestArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Artifact(ctx, "o1")
	require.ErrorIs(t, err, order.ErrNotPaid)

	_, _, err = f.db.Orders().TransitionPayment(ctx, "o1", order.PaymentCompleted, time.Now())
	require.NoError(t, err)

	a, err := f.orch.Artifact(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.renderer.count(), "rendered on demand")

	again, err := f.orch.Artifact(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)
	assert.Equal(t, 1, f.renderer.count(), "stored artifact is reused")
}

func TestQueue_HandsOffAndRetries(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.failures = 1
	q := NewQueue(Config{Workers: 2, QueueSize: 4, MaxAttempts: 3, Backoff: time.Millisecond, SweepInterval: time.Hour}, f.orch)
	f.orch.Attach(q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	o, err := f.orch.OnPaymentOutcome(ctx, "o1", order.OutcomeCompleted)
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentQueued, o.Fulfillment.State, "returns before the cascade runs")

	require.Eventually(t, func() bool {
		o, err := f.db.Orders().Get(context.Background(), "o1")
		return err == nil && o.Fulfillment.State == order.FulfillmentDelivered
	}, 5*time.Second, 5*time.Millisecond)

	o, err = f.db.Orders().Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, 2, o.Fulfillment.Attempts)
	assert.Equal(t, 2, f.dispatcher.count())
}

func TestQueue_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.failures = 100
	_, _, err := f.db.Orders().TransitionPayment(context.Background(), "o1", order.PaymentCompleted, time.Now())
	require.NoError(t, err)

	q := NewQueue(Config{MaxAttempts: 3, Backoff: time.Millisecond}, f.orch)
	q.process(context.Background(), "o1")

	o, err := f.db.Orders().Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentFailed, o.Fulfillment.State)
	assert.Equal(t, 3, o.Fulfillment.Attempts)
	assert.Equal(t, 3, f.dispatcher.count())

	assert.Zero(t, q.Sweep(context.Background()), "exhausted orders are not swept")
}

func TestQueue_SweepRecoversQueuedOrders(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "o2", "EEEE-FFFF-GGGG-HHHH")
	ctx := context.Background()
	for _, id := range []string{"o1", "o2"} {
		_, _, err := f.db.Orders().TransitionPayment(ctx, id, order.PaymentCompleted, time.Now())
		require.NoError(t, err)
	}

	q := NewQueue(Config{QueueSize: 1}, f.orch)
	assert.Equal(t, 1, q.Sweep(ctx), "sweep stops when the queue is full")
	assert.False(t, q.Schedule("o3"))

	q.process(ctx, <-q.ch)
	assert.Equal(t, 1, q.Sweep(ctx))
	q.process(ctx, <-q.ch)

	for _, id := range []string{"o1", "o2"} {
		o, err := f.db.Orders().Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, order.FulfillmentDelivered, o.Fulfillment.State)
	}
	assert.Equal(t, 2, f.dispatcher.count())
}

func TestResend_OverwritesRunningRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.db.Orders().TransitionPayment(ctx, "o1", order.PaymentCompleted, time.Now())
	require.NoError(t, err)
	claimed, ok, err := f.db.Orders().ClaimFulfillment(ctx, "o1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, order.FulfillmentRunning, claimed.Fulfillment.State)

	_, err = f.orch.Resend(ctx, "o1")
	require.NoError(t, err)

	got, err := f.db.Orders().Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentDelivered, got.Fulfillment.State, "last writer wins")
	assert.Equal(t, claimed.Fulfillment.Attempts+1, got.Fulfillment.Attempts)
	assert.Equal(t, 1, f.dispatcher.count())
}
