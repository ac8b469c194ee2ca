package voucher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRepo mimics the conditional update of the real store under one mutex.
type mockRepo struct {
	mu       sync.Mutex
	byCode   map[string]*Voucher
	expired  []string
	redeemed int
}

func newMockRepo(vs ...*Voucher) *mockRepo {
	m := &mockRepo{byCode: make(map[string]*Voucher)}
	for _, v := range vs {
		m.byCode[v.Code] = v
	}
	return m
}

func (m *mockRepo) Get(_ context.Context, id string) (*Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.byCode {
		if v.ID == id {
			c := *v
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) GetByCode(_ context.Context, code string) (*Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	c := *v
	return &c, nil
}

func (m *mockRepo) MarkRedeemed(_ context.Context, code string, now time.Time) (*Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.byCode[code]
	switch {
	case !ok:
		return nil, ErrNotFound
	case v.Expired(now):
		return nil, ErrExpired
	case v.Status != StatusActive:
		return nil, ErrInvalidState
	}
	v.Status = StatusRedeemed
	v.RedeemedAt = &now
	m.redeemed++
	c := *v
	return &c, nil
}

func (m *mockRepo) MarkExpired(_ context.Context, code string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.byCode[code]; ok && v.Status == StatusActive && v.Expired(now) {
		v.Status = StatusExpired
		m.expired = append(m.expired, code)
	}
	return nil
}

const testCode = "ABCD-EFGH-JKLM-NPQR"

var fixedNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestVoucher(status Status, expiresAt time.Time) *Voucher {
	return &Voucher{
		ID:        "v1",
		StoreID:   "s1",
		ProductID: "p1",
		Code:      testCode,
		Status:    status,
		ExpiresAt: expiresAt,
	}
}

func newTestRedeemer(repo Repository) *Redeemer {
	r := NewRedeemer(repo)
	r.now = func() time.Time { return fixedNow }
	return r
}

func TestRedeem_OnceThenInvalidState(t *testing.T) {
	repo := newMockRepo(newTestVoucher(StatusActive, fixedNow.Add(30*24*time.Hour)))
	r := newTestRedeemer(repo)
	ctx := context.Background()

	v, err := r.Redeem(ctx, testCode)
	require.NoError(t, err)
	assert.Equal(t, StatusRedeemed, v.Status)
	require.NotNil(t, v.RedeemedAt)
	assert.Equal(t, fixedNow, *v.RedeemedAt)

	_, err = r.Redeem(ctx, testCode)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRedeem_ExpiredWhileStoredActive(t *testing.T) {
	repo := newMockRepo(newTestVoucher(StatusActive, fixedNow.Add(-time.Minute)))
	r := newTestRedeemer(repo)

	_, err := r.Redeem(context.Background(), testCode)
	require.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, []string{testCode}, repo.expired, "attempt records the time-derived transition")
	assert.Zero(t, repo.redeemed)
}

func TestRedeem_ExpiryWinsOverRedeemed(t *testing.T) {
	repo := newMockRepo(newTestVoucher(StatusRedeemed, fixedNow.Add(-time.Hour)))
	r := newTestRedeemer(repo)

	_, err := r.Redeem(context.Background(), testCode)
	require.ErrorIs(t, err, ErrExpired)
	assert.Empty(t, repo.expired, "redeemed is terminal")
}

func TestRedeem_Errors(t *testing.T) {
	tests := []struct {
		name    string
		voucher *Voucher
		code    string
		wantErr error
	}{
		{name: "unknown code", code: "2222-3333-4444-5555", wantErr: ErrNotFound},
		{name: "malformed code", code: "nope", wantErr: ErrInvalidCode},
		{
			name:    "stored expired",
			voucher: newTestVoucher(StatusExpired, fixedNow.Add(time.Hour)),
			code:    testCode,
			wantErr: ErrInvalidState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockRepo()
			if tt.voucher != nil {
				repo = newMockRepo(tt.voucher)
			}
			_, err := newTestRedeemer(repo).Redeem(context.Background(), tt.code)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRedeem_AcceptsScannedURL(t *testing.T) {
	repo := newMockRepo(newTestVoucher(StatusActive, fixedNow.Add(time.Hour)))
	r := newTestRedeemer(repo)

	v, err := r.Redeem(context.Background(), "https://gift.example.com/redeem/abcd-efgh-jklm-npqr")
	require.NoError(t, err)
	assert.Equal(t, StatusRedeemed, v.Status)
}

func TestRedeem_Concurrent(t *testing.T) {
	repo := newMockRepo(newTestVoucher(StatusActive, fixedNow.Add(30*24*time.Hour)))
	r := newTestRedeemer(repo)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		invalid   int
	)
	start := make(chan struct{})
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := r.Redeem(context.Background(), testCode)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInvalidState):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, invalid)
	assert.Equal(t, 1, repo.redeemed)
}

func TestEffectiveStatus(t *testing.T) {
	assert.Equal(t, StatusActive, newTestVoucher(StatusActive, fixedNow.Add(time.Hour)).EffectiveStatus(fixedNow))
	assert.Equal(t, StatusExpired, newTestVoucher(StatusActive, fixedNow.Add(-time.Hour)).EffectiveStatus(fixedNow))
	assert.Equal(t, StatusRedeemed, newTestVoucher(StatusRedeemed, fixedNow.Add(-time.Hour)).EffectiveStatus(fixedNow))
}
