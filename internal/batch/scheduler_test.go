package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanTiersMonotonic(t *testing.T) {
	small := Plan(100, nil)
	mid := Plan(2000, nil)
	big := Plan(7000, nil)
	huge := Plan(50000, nil)

	assert.Greater(t, small.BatchSize, mid.BatchSize)
	assert.Greater(t, mid.BatchSize, big.BatchSize)
	assert.Greater(t, big.BatchSize, huge.BatchSize)

	assert.Greater(t, small.MaxConcurrency, huge.MaxConcurrency)
	assert.Less(t, small.Timeout, huge.Timeout)
}

func TestRunProcessesAllItems(t *testing.T) {
	items := make([]int, 47)
	for i := range items {
		items[i] = i
	}

	var mu sync.Mutex
	seen := map[int]bool{}
	plan := Config{BatchSize: 10, MaxConcurrency: 3, Timeout: time.Second}
	err := Run(context.Background(), nil, "test", items, plan, func(ctx context.Context, b []int) error {
		mu.Lock()
		defer mu.Unlock()
		for _, v := range b {
			seen[v] = true
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 47)
}

func TestRunBatchIsolation(t *testing.T) {
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}

	var mu sync.Mutex
	var committed []int
	boom := errors.New("tx aborted")
	plan := Config{BatchSize: 34, MaxConcurrency: 1, Timeout: time.Second}

	call := 0
	err := Run(context.Background(), nil, "test", items, plan, func(ctx context.Context, b []int) error {
		call++
		if call == 2 {
			return boom
		}
		mu.Lock()
		committed = append(committed, b...)
		mu.Unlock()
		return nil
	})

	// Batch 2 failed; batches 1 and 3 still committed.
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, committed, 100-34)
}

func TestRunBoundedConcurrency(t *testing.T) {
	items := make([]int, 50)
	plan := Config{BatchSize: 5, MaxConcurrency: 2, Timeout: time.Second}

	var mu sync.Mutex
	inFlight, peak := 0, 0
	err := Run(context.Background(), nil, "test", items, plan, func(ctx context.Context, b []int) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, 2)
}

func TestRunBatchContextCarriesTimeout(t *testing.T) {
	plan := Config{BatchSize: 10, MaxConcurrency: 1, Timeout: time.Minute}
	err := Run(context.Background(), nil, "test", []int{1}, plan, func(ctx context.Context, b []int) error {
		dl, ok := ctx.Deadline()
		if !ok {
			return errors.New("missing deadline")
		}
		if time.Until(dl) > time.Minute {
			return errors.New("deadline too far out")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRunEmpty(t *testing.T) {
	err := Run(context.Background(), nil, "test", nil, Config{}, func(ctx context.Context, b []int) error {
		t.Fatal("fn must not run for empty input")
		return nil
	})
	require.NoError(t, err)
}
