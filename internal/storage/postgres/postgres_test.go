//go:build integration

package postgres

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/xenking/gift-voucher/internal/artifact"
	"github.com/xenking/gift-voucher/internal/domain/catalog"
	"github.com/xenking/gift-voucher/internal/domain/order"
	"github.com/xenking/gift-voucher/internal/domain/voucher"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:17-alpine",
		tcpostgres.WithDatabase("voucher"),
		tcpostgres.WithUsername("voucher"),
		tcpostgres.WithPassword("voucher"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("connection string: %v", err)
	}
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrations are not idempotent: %v", err)
	}

	code := m.Run()

	testPool.Close()
	if err := testcontainers.TerminateContainer(ctr); err != nil {
		log.Printf("terminate postgres: %v", err)
	}
	os.Exit(code)
}

var seedOnce sync.Once

func seedCatalog(t *testing.T) {
	t.Helper()
	seedOnce.Do(func() {
		ctx := context.Background()
		repo := NewCatalogRepository(testPool)
		require.NoError(t, repo.UpsertStore(ctx, catalog.Store{ID: "s1", Name: "Flower Shop", Email: "shop@example.com"}))
		require.NoError(t, repo.UpsertProduct(ctx, catalog.Product{
			ID: "p1", StoreID: "s1", Name: "Bouquet", Price: decimal.RequireFromString("25.50"), ValidityDays: 30,
		}))
	})
}

func createOrder(t *testing.T, id, code string, expires time.Time) {
	t.Helper()
	seedCatalog(t)
	now := time.Now().UTC()
	v := &voucher.Voucher{
		ID: "v-" + id, StoreID: "s1", ProductID: "p1", Code: code, Status: voucher.StatusActive,
		ExpiresAt: expires, QRPayload: "https://gift.example.com/redeem/" + code, QRImage: []byte("png"),
		Receiver: voucher.Party{Name: "Bob", Email: "bob@example.com"}, Template: voucher.TemplateClassic,
		CreatedAt: now,
	}
	o := &order.Order{
		ID: id, VoucherID: v.ID,
		Payment: order.Payment{
			Status: order.PaymentPending, PayerEmail: "ann@example.com",
			Amount: decimal.RequireFromString("25.50"), Currency: "USD",
		},
		Fulfillment: order.Fulfillment{State: order.FulfillmentNone},
		CreatedAt:   now,
	}
	require.NoError(t, NewOrderRepository(testPool).Create(context.Background(), o, v))
}

func TestCatalog(t *testing.T) {
	seedCatalog(t)
	ctx := context.Background()
	repo := NewCatalogRepository(testPool)

	p, err := repo.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("25.50").Equal(p.Price))
	assert.Equal(t, 30, p.ValidityDays)

	_, err = repo.GetStore(ctx, "missing")
	require.ErrorIs(t, err, catalog.ErrStoreNotFound)
	_, err = repo.GetCustomer(ctx, "missing")
	require.ErrorIs(t, err, catalog.ErrCustomerNotFound)
}

func TestOrderCreate_CodeConflictRollsBack(t *testing.T) {
	createOrder(t, "pg-o1", "PGAA-BBBB-CCCC-DDDD", time.Now().Add(time.Hour))

	ctx := context.Background()
	repo := NewOrderRepository(testPool)
	err := repo.Create(ctx,
		&order.Order{ID: "pg-o2", VoucherID: "v-pg-o2", Payment: order.Payment{
			Status: order.PaymentPending, PayerEmail: "a@b.c", Amount: decimal.NewFromInt(1), Currency: "USD",
		}, Fulfillment: order.Fulfillment{State: order.FulfillmentNone}, CreatedAt: time.Now()},
		&voucher.Voucher{ID: "v-pg-o2", StoreID: "s1", ProductID: "p1", Code: "PGAA-BBBB-CCCC-DDDD",
			Status: voucher.StatusActive, ExpiresAt: time.Now(), QRImage: []byte("x"), CreatedAt: time.Now()},
	)
	require.ErrorIs(t, err, voucher.ErrCodeConflict)

	_, err = repo.Get(ctx, "pg-o2")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestTransitionPayment_ConcurrentDeliveries(t *testing.T) {
	createOrder(t, "pg-o3", "PGEE-FFFF-GGGG-HHHH", time.Now().Add(time.Hour))
	ctx := context.Background()
	repo := NewOrderRepository(testPool)

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := repo.TransitionPayment(ctx, "pg-o3", order.PaymentCompleted, time.Now())
			assert.NoError(t, err)
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())

	o, err := repo.Get(ctx, "pg-o3")
	require.NoError(t, err)
	assert.Equal(t, order.PaymentCompleted, o.Payment.Status)
	assert.Equal(t, order.FulfillmentQueued, o.Fulfillment.State)
	require.NotNil(t, o.Payment.PaidAt)

	require.ErrorIs(t, repo.AttachCheckout(ctx, "pg-o3", "pref", "mp"), order.ErrAlreadyPaid)
	require.ErrorIs(t, repo.AttachCheckout(ctx, "missing", "pref", "mp"), order.ErrNotFound)
}

func TestFulfillmentClaim(t *testing.T) {
	createOrder(t, "pg-o4", "PGJJ-KKKK-LLLL-MMMM", time.Now().Add(time.Hour))
	ctx := context.Background()
	repo := NewOrderRepository(testPool)

	_, _, err := repo.TransitionPayment(ctx, "pg-o4", order.PaymentCompleted, time.Now())
	require.NoError(t, err)

	ids, err := repo.ListUnfulfilled(ctx, 3, time.Now().Add(-time.Minute), 100)
	require.NoError(t, err)
	assert.Contains(t, ids, "pg-o4")

	o, ok, err := repo.ClaimFulfillment(ctx, "pg-o4", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, o.Fulfillment.Attempts)

	_, ok, err = repo.ClaimFulfillment(ctx, "pg-o4", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Now().UTC()
	require.NoError(t, repo.FinishFulfillment(ctx, "pg-o4", order.Fulfillment{
		State: order.FulfillmentDelivered, Attempts: 1, ArtifactID: "a1", DeliveredAt: &at,
	}))
	o, err = repo.Get(ctx, "pg-o4")
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentDelivered, o.Fulfillment.State)
	assert.Equal(t, "a1", o.Fulfillment.ArtifactID)

	_, ok, err = repo.ClaimFulfillment(ctx, "pg-o4", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "delivered cascades are never claimed again")
}

func TestVoucherRedeem_ConcurrentOnce(t *testing.T) {
	createOrder(t, "pg-o5", "PGNN-PPPP-QQQQ-RRRR", time.Now().Add(time.Hour))
	ctx := context.Background()
	repo := NewVoucherRepository(testPool)

	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.MarkRedeemed(ctx, "PGNN-PPPP-QQQQ-RRRR", time.Now())
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, voucher.ErrInvalidState):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(7), rejected.Load())
}

func TestVoucherRedeem_Expired(t *testing.T) {
	createOrder(t, "pg-o6", "PGSS-TTTT-UUUU-VVVV", time.Now().Add(-time.Hour))
	ctx := context.Background()
	repo := NewVoucherRepository(testPool)

	_, err := repo.MarkRedeemed(ctx, "PGSS-TTTT-UUUU-VVVV", time.Now())
	require.ErrorIs(t, err, voucher.ErrExpired)

	require.NoError(t, repo.MarkExpired(ctx, "PGSS-TTTT-UUUU-VVVV", time.Now()))
	v, err := repo.GetByCode(ctx, "PGSS-TTTT-UUUU-VVVV")
	require.NoError(t, err)
	assert.Equal(t, voucher.StatusExpired, v.Status)

	_, err = repo.MarkRedeemed(ctx, "ZZZZ-ZZZZ-ZZZZ-ZZZZ", time.Now())
	require.ErrorIs(t, err, voucher.ErrNotFound)
}

func TestArtifactStore(t *testing.T) {
	createOrder(t, "pg-o7", "PGWW-XXXX-YYYY-ZZZZ", time.Now().Add(time.Hour))
	ctx := context.Background()
	store := NewArtifactRepository(testPool)

	_, err := store.Latest(ctx, "pg-o7")
	require.ErrorIs(t, err, artifact.ErrNotFound)

	base := time.Now().UTC()
	require.NoError(t, store.Save(ctx, &artifact.Artifact{ID: "pa1", OrderID: "pg-o7", FileName: "v.pdf", PDF: []byte("first"), CreatedAt: base}))
	require.NoError(t, store.Save(ctx, &artifact.Artifact{ID: "pa2", OrderID: "pg-o7", FileName: "v.pdf", PDF: []byte("second"), CreatedAt: base.Add(time.Second)}))

	a, err := store.Latest(ctx, "pg-o7")
	require.NoError(t, err)
	assert.Equal(t, "pa2", a.ID)
	assert.Equal(t, []byte("second"), a.PDF)
}
