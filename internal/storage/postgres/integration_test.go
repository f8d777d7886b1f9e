//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/shoply/promo-engine/internal/promotion"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "promo",
				"POSTGRES_PASSWORD": "promo",
				"POSTGRES_DB":       "promo",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	url := fmt.Sprintf("postgres://promo:promo@%s:%s/promo?sslmode=disable", host, port.Port())
	pool, err = NewPool(ctx, url)
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}
	defer pool.Close()

	if err := RunMigrations(ctx, pool); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	return m.Run()
}

func newPromo(kind promotion.DiscountKind, mutate func(*promotion.Promotion)) *promotion.Promotion {
	p := &promotion.Promotion{
		ID:     uuid.NewString(),
		Code:   "IT-" + uuid.NewString()[:8],
		Kind:   kind,
		Value:  decimal.NewFromInt(10),
		Active: true,
	}
	if mutate != nil {
		mutate(p)
	}
	return p
}

func TestPromotionRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewPromotionRepository(pool)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	p := newPromo(promotion.KindBuyXGetY, func(p *promotion.Promotion) {
		p.BuyQuantity = 2
		p.GetQuantity = 1
		p.ProductIDs = []string{"prod-b", "prod-a"}
		p.StartAt = &start
		p.EndAt = &end
		p.MaxUsage = 100
	})
	require.NoError(t, repo.Upsert(ctx, p))

	got, found, err := repo.FindByID(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, p.Code, got.Code)
	assert.Equal(t, promotion.KindBuyXGetY, got.Kind)
	assert.Equal(t, 2, got.BuyQuantity)
	assert.Equal(t, 1, got.GetQuantity)
	// Scope order is preserved, not sorted.
	assert.Equal(t, []string{"prod-b", "prod-a"}, got.ProductIDs)
	require.NotNil(t, got.StartAt)
	assert.True(t, got.StartAt.Equal(start))
	assert.Equal(t, 100, got.MaxUsage)

	t.Run("code lookup is case-insensitive", func(t *testing.T) {
		got, found, err := repo.FindByCode(ctx, "it-"+p.Code[3:])
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, p.ID, got.ID)
	})

	t.Run("miss reports found=false without error", func(t *testing.T) {
		_, found, err := repo.FindByCode(ctx, "NO-SUCH-CODE")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("upsert replaces the scope", func(t *testing.T) {
		p.ProductIDs = []string{"prod-c"}
		require.NoError(t, repo.Upsert(ctx, p))

		got, _, err := repo.FindByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"prod-c"}, got.ProductIDs)
	})
}

func TestPromotionRepositoryListByProduct(t *testing.T) {
	ctx := context.Background()
	repo := NewPromotionRepository(pool)

	productID := "list-" + uuid.NewString()[:8]
	unscoped := newPromo(promotion.KindPercentage, nil)
	scoped := newPromo(promotion.KindFixed, func(p *promotion.Promotion) {
		p.ProductIDs = []string{productID}
	})
	other := newPromo(promotion.KindFixed, func(p *promotion.Promotion) {
		p.ProductIDs = []string{"some-other-product"}
	})
	for _, p := range []*promotion.Promotion{unscoped, scoped, other} {
		require.NoError(t, repo.Upsert(ctx, p))
	}

	promos, err := repo.ListByProduct(ctx, productID)
	require.NoError(t, err)

	ids := make(map[string]bool, len(promos))
	for _, p := range promos {
		ids[p.ID] = true
	}
	assert.True(t, ids[unscoped.ID], "unscoped promotion should apply everywhere")
	assert.True(t, ids[scoped.ID])
	assert.False(t, ids[other.ID])
}

func TestUsageLedgerRecord(t *testing.T) {
	ctx := context.Background()
	repo := NewPromotionRepository(pool)
	ledger := NewUsageLedger(pool)

	p := newPromo(promotion.KindPercentage, func(p *promotion.Promotion) {
		p.MaxUsage = 2
	})
	require.NoError(t, repo.Upsert(ctx, p))

	rec := promotion.UsageRecord{
		PromotionID: p.ID,
		OrderID:     "order-1",
		UserID:      "user-1",
		Amount:      decimal.NewFromInt(5),
		UsedAt:      time.Now(),
	}
	require.NoError(t, ledger.Record(ctx, rec, p.MaxUsage))

	t.Run("same order is rejected as duplicate, not counted", func(t *testing.T) {
		err := ledger.Record(ctx, rec, p.MaxUsage)
		assert.ErrorIs(t, err, promotion.ErrDuplicateUsage)

		n, err := ledger.Count(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("cap is enforced at write time", func(t *testing.T) {
		rec2 := rec
		rec2.OrderID = "order-2"
		require.NoError(t, ledger.Record(ctx, rec2, p.MaxUsage))

		rec3 := rec
		rec3.OrderID = "order-3"
		err := ledger.Record(ctx, rec3, p.MaxUsage)
		assert.ErrorIs(t, err, promotion.ErrUsageLimitReached)
	})

	t.Run("unknown promotion", func(t *testing.T) {
		bad := rec
		bad.PromotionID = uuid.NewString()
		err := ledger.Record(ctx, bad, 0)
		assert.ErrorIs(t, err, promotion.ErrPromotionNotFound)
	})

	t.Run("per-user count ignores anonymous records", func(t *testing.T) {
		n, err := ledger.CountByUser(ctx, p.ID, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = ledger.CountByUser(ctx, p.ID, "")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestUsageLedgerLastSlotRace(t *testing.T) {
	ctx := context.Background()
	repo := NewPromotionRepository(pool)
	ledger := NewUsageLedger(pool)

	p := newPromo(promotion.KindPercentage, func(p *promotion.Promotion) {
		p.MaxUsage = 1
	})
	require.NoError(t, repo.Upsert(ctx, p))

	var g errgroup.Group
	results := make([]error, 8)
	for i := range results {
		g.Go(func() error {
			results[i] = ledger.Record(ctx, promotion.UsageRecord{
				PromotionID: p.ID,
				OrderID:     fmt.Sprintf("race-order-%d", i),
				Amount:      decimal.NewFromInt(1),
				UsedAt:      time.Now(),
			}, p.MaxUsage)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var succeeded int
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, promotion.ErrUsageLimitReached)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one writer should take the last slot")

	n, err := ledger.Count(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
