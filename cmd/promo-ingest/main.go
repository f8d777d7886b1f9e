// Command promo-ingest validates bulk promo code drops and loads them.
//
// Marketing delivers several gzip files of generated codes. A code counts as
// genuine only when it appears in at least two of the files; the rest are
// noise from the generator. Genuine codes are upserted as promotions and a
// bloom filter of them is written for the API server's lookup fast path.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/shoply/promo-engine/internal/promotion"
	"github.com/shoply/promo-engine/internal/storage/postgres"
)

const (
	bloomCapacity = 120_000_000
	bloomFPR      = 0.001
	numFiles      = 3
	progressEvery = 10_000_000
	minCodeLen    = 8
	maxCodeLen    = 10
)

// codeRule maps a known campaign code to its discount terms. Unknown genuine
// codes fall back to defaultRule.
type codeRule struct {
	kind  promotion.DiscountKind
	value string
}

var codeRules = map[string]codeRule{
	"FIFTYOFF": {kind: promotion.KindPercentage, value: "50"},
	"SIXTYOFF": {kind: promotion.KindPercentage, value: "60"},
	"GNULINUX": {kind: promotion.KindPercentage, value: "15"},
	"HAPPYHRS": {kind: promotion.KindPercentage, value: "18"},
	"OVER9000": {kind: promotion.KindFixed, value: "9"},
	"SHIPFREE": {kind: promotion.KindFreeShipping, value: "0"},
}

var defaultRule = codeRule{kind: promotion.KindPercentage, value: "10"}

// fileResult holds candidate codes found in a single file during pass 2.
type fileResult struct {
	candidates map[string]uint
}

func main() {
	var (
		dataDir     string
		databaseURL string
		filterOut   string
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing codesN.gz files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env); empty skips the DB load")
	flag.StringVar(&filterOut, "filter-out", "codes.bloom", "path to write the bloom filter of genuine codes")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, filterOut); err != nil {
		slog.Error("promo ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("promo ingest completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL, filterOut string) error {
	files := make([]string, numFiles)
	for i := range files {
		files[i] = filepath.Join(dataDir, fmt.Sprintf("codes%d.gz", i+1))
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	// Pass 1: one bloom filter per file.
	filters, err := buildFilters(ctx, files)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}

	// Pass 2: re-stream and keep codes present in 2+ files.
	genuine, err := findGenuineCodes(ctx, files, filters)
	if err != nil {
		return errors.Wrap(err, "find genuine codes")
	}
	slog.Info("genuine codes found", slog.Int("count", len(genuine)))

	if err := writeFilter(filterOut, genuine); err != nil {
		return errors.Wrap(err, "write bloom filter")
	}
	slog.Info("wrote bloom filter", slog.String("path", filterOut))

	if databaseURL == "" {
		slog.Info("no database URL, skipping DB load")
		return nil
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	if err := writePromotions(ctx, postgres.NewPromotionRepository(pool), genuine); err != nil {
		return errors.Wrap(err, "write promotions")
	}
	return nil
}

func buildFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(buildFilterForFile(ctx, i, f, filters))
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

func buildFilterForFile(ctx context.Context, idx int, path string, filters []*bloom.BloomFilter) func() error {
	return func() error {
		filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
		var count uint64

		if err := streamGzFile(ctx, path, func(code string) {
			if len(code) >= minCodeLen && len(code) <= maxCodeLen {
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress",
						slog.Int("file", idx+1),
						slog.Uint64("codes", count),
					)
				}
			}
		}); err != nil {
			return errors.Wrapf(err, "build filter for file %d", idx+1)
		}

		slog.Info("pass 1 complete",
			slog.Int("file", idx+1),
			slog.Uint64("total_codes", count),
		)

		filters[idx] = filter
		return nil
	}
}

// findGenuineCodes re-streams each file and checks codes against the OTHER
// files' bloom filters. A code is genuine if it appears in 2 or more files.
func findGenuineCodes(ctx context.Context, files []string, filters []*bloom.BloomFilter) ([]string, error) {
	results := make([]fileResult, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(findCandidatesInFile(ctx, i, f, filters, results))
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge per-file presence bitmasks.
	merged := make(map[string]uint)
	for _, r := range results {
		for code, mask := range r.candidates {
			merged[code] |= mask
		}
	}

	var genuine []string
	for code, mask := range merged {
		if bits.OnesCount(mask) >= 2 {
			genuine = append(genuine, code)
		}
	}
	return genuine, nil
}

func findCandidatesInFile(
	ctx context.Context,
	idx int,
	path string,
	filters []*bloom.BloomFilter,
	results []fileResult,
) func() error {
	return func() error {
		candidates := make(map[string]uint)
		fileBit := uint(1) << uint(idx)
		var count uint64

		if err := streamGzFile(ctx, path, func(code string) {
			if len(code) < minCodeLen || len(code) > maxCodeLen {
				return
			}

			count++
			if count%progressEvery == 0 {
				slog.Info("pass 2 progress",
					slog.Int("file", idx+1),
					slog.Uint64("codes", count),
				)
			}

			for j, f := range filters {
				if j == idx {
					continue
				}
				if f.TestString(code) {
					candidates[code] |= fileBit
					break
				}
			}
		}); err != nil {
			return errors.Wrapf(err, "scan file %d for candidates", idx+1)
		}

		slog.Info("pass 2 complete",
			slog.Int("file", idx+1),
			slog.Uint64("total_codes", count),
			slog.Int("candidates", len(candidates)),
		)

		results[idx] = fileResult{candidates: candidates}
		return nil
	}
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

// writeFilter builds one combined filter over the genuine codes. Codes are
// stored uppercased to match the server's lookup normalization.
func writeFilter(path string, codes []string) error {
	filter := bloom.NewWithEstimates(uint(max(len(codes), 1)), bloomFPR)
	for _, code := range codes {
		filter.AddString(strings.ToUpper(code))
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() { _ = f.Close() }()

	if _, err := filter.WriteTo(f); err != nil {
		return errors.Wrap(err, "write filter")
	}
	return f.Close()
}

// writePromotions upserts all genuine codes into the database.
func writePromotions(ctx context.Context, repo *postgres.PromotionRepository, codes []string) error {
	slog.Info("writing promotions to database", slog.Int("count", len(codes)))

	for i, code := range codes {
		rule, ok := codeRules[code]
		if !ok {
			rule = defaultRule
		}

		value, err := decimal.NewFromString(rule.value)
		if err != nil {
			return errors.Wrapf(err, "parse value for code %s", code)
		}

		// Deterministic ID so re-running the ingest updates rows in place.
		p := &promotion.Promotion{
			ID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.ToUpper(code))).String(),
			Code:   strings.ToUpper(code),
			Kind:   rule.kind,
			Value:  value,
			Active: true,
		}
		if err := repo.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert promotion %s", code)
		}

		if (i+1)%100 == 0 || i+1 == len(codes) {
			slog.Info("write progress", slog.Int("written", i+1), slog.Int("total", len(codes)))
		}
	}
	return nil
}
