// Command seed-db loads promotions from a JSON file into PostgreSQL,
// running migrations first. Intended for local development and demos.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shoply/promo-engine/internal/promotion"
	"github.com/shoply/promo-engine/internal/storage/postgres"
)

type promotionJSON struct {
	ID          string          `json:"id"`
	Code        string          `json:"code"`
	Kind        string          `json:"kind"`
	Value       decimal.Decimal `json:"value"`
	BuyQuantity int             `json:"buy_quantity"`
	GetQuantity int             `json:"get_quantity"`
	ProductIDs  []string        `json:"product_ids"`
	StartAt     *time.Time      `json:"start_at"`
	EndAt       *time.Time      `json:"end_at"`
	Active      *bool           `json:"active"`
	MaxUsage    int             `json:"max_usage"`
}

func main() {
	var (
		databaseURL string
		seedFile    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedFile, "promotions-file", "db/seed/promotions.json", "path to promotions JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, seedFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, seedFile string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	return seedPromotions(ctx, postgres.NewPromotionRepository(pool), seedFile)
}

func seedPromotions(ctx context.Context, repo *postgres.PromotionRepository, seedFile string) error {
	slog.Info("reading promotions file", slog.String("path", seedFile))

	data, err := os.ReadFile(seedFile)
	if err != nil {
		return errors.Wrap(err, "read promotions file")
	}

	var entries []promotionJSON
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.Wrap(err, "parse promotions JSON")
	}

	slog.Info("upserting promotions", slog.Int("count", len(entries)))

	for _, e := range entries {
		p, err := toPromotion(e)
		if err != nil {
			return errors.Wrapf(err, "promotion %q", e.Code)
		}
		if err := repo.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert promotion %s", p.Code)
		}
		slog.Info("upserted promotion", slog.String("id", p.ID), slog.String("code", p.Code))
	}

	return nil
}

func toPromotion(e promotionJSON) (*promotion.Promotion, error) {
	kind := promotion.DiscountKind(e.Kind)
	if !kind.Supported() {
		return nil, errors.Errorf("unsupported kind %q", e.Kind)
	}

	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	// Seed entries default to active unless the file says otherwise.
	active := true
	if e.Active != nil {
		active = *e.Active
	}

	return &promotion.Promotion{
		ID:          id,
		Code:        e.Code,
		Kind:        kind,
		Value:       e.Value,
		BuyQuantity: e.BuyQuantity,
		GetQuantity: e.GetQuantity,
		ProductIDs:  e.ProductIDs,
		StartAt:     e.StartAt,
		EndAt:       e.EndAt,
		Active:      active,
		MaxUsage:    e.MaxUsage,
	}, nil
}
