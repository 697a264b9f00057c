// Package batch partitions bulk entity collections into size- and
// concurrency-bounded batches so each transaction stays inside the backend's
// timeout budget. The bigger the backfill, the smaller and less concurrent
// the batches.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config is the execution plan for one bulk operation.
type Config struct {
	BatchSize      int
	MaxConcurrency int
	Timeout        time.Duration
}

// Tier maps a total-volume threshold to a plan. Tiers are evaluated in
// descending Above order; the first match wins.
type Tier struct {
	Above int
	Plan  Config
}

// DefaultTiers shrink batch size and concurrency monotonically as volume
// grows, trading transaction count for per-transaction duration.
var DefaultTiers = []Tier{
	{Above: 10000, Plan: Config{BatchSize: 200, MaxConcurrency: 2, Timeout: 60 * time.Second}},
	{Above: 5000, Plan: Config{BatchSize: 300, MaxConcurrency: 3, Timeout: 45 * time.Second}},
	{Above: 1000, Plan: Config{BatchSize: 400, MaxConcurrency: 4, Timeout: 30 * time.Second}},
	{Above: 0, Plan: Config{BatchSize: 500, MaxConcurrency: 5, Timeout: 15 * time.Second}},
}

// progressEvery controls how often cumulative progress is logged.
const progressEvery = 5

// Plan picks the execution plan for the given total item count.
func Plan(total int, tiers []Tier) Config {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	for _, t := range tiers {
		if total > t.Above {
			return t.Plan
		}
	}
	return tiers[len(tiers)-1].Plan
}

// Run partitions items per plan and executes fn once per batch with bounded
// concurrency. Each invocation receives a context carrying the per-batch
// timeout. A failed batch is collected, not fatal: sibling batches keep
// running and Run returns the joined batch errors at the end.
func Run[T any](ctx context.Context, logger *zap.Logger, op string, items []T, plan Config, fn func(ctx context.Context, batch []T) error) error {
	if len(items) == 0 {
		return nil
	}
	if plan.BatchSize <= 0 {
		plan = Plan(len(items), nil)
	}

	batches := partition(items, plan.BatchSize)
	runID := uuid.NewString()
	if logger != nil {
		logger.Info("bulk operation scheduled",
			zap.String("op", op),
			zap.String("run_id", runID),
			zap.Int("items", len(items)),
			zap.Int("batches", len(batches)),
			zap.Int("batch_size", plan.BatchSize),
			zap.Int("concurrency", plan.MaxConcurrency))
	}

	errs := make([]error, len(batches))
	var done atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(plan.MaxConcurrency)
	for i, b := range batches {
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(ctx, plan.Timeout)
			defer cancel()

			if err := fn(bctx, b); err != nil {
				errs[i] = fmt.Errorf("%s batch %d/%d (%d items): %w", op, i+1, len(batches), len(b), err)
			}

			if n := int(done.Add(1)); logger != nil && (n%progressEvery == 0 || n == len(batches)) {
				logger.Info("bulk operation progress",
					zap.String("op", op),
					zap.String("run_id", runID),
					zap.Int("batches_done", n),
					zap.Int("batches_total", len(batches)),
					zap.Int("percent", n*100/len(batches)))
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func partition[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
