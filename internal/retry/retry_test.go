package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), nil, "upsert", Options{MaxAttempts: 3, BaseDelay: time.Millisecond}, Transient,
		func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("database is locked")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "two retries then success")
}

func TestDoNonTransientNoRetry(t *testing.T) {
	attempts := 0
	permanent := errors.New("UNIQUE constraint failed: contacts.session_id")
	err := Do(context.Background(), nil, "upsert", Options{MaxAttempts: 5, BaseDelay: time.Millisecond}, Transient,
		func(ctx context.Context) error {
			attempts++
			return permanent
		})
	assert.Equal(t, 1, attempts)
	assert.Same(t, permanent, err, "error must propagate unchanged")
}

func TestDoExhaustionReturnsLastError(t *testing.T) {
	attempts := 0
	last := errors.New("deadlock detected")
	err := Do(context.Background(), nil, "bulk upsert", Options{MaxAttempts: 3, BaseDelay: time.Millisecond}, Transient,
		func(ctx context.Context) error {
			attempts++
			return last
		})
	assert.Equal(t, 3, attempts)
	assert.Same(t, last, err)
}

func TestDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, nil, "upsert", Options{MaxAttempts: 3, BaseDelay: time.Hour}, Transient,
		func(ctx context.Context) error {
			return errors.New("database is locked")
		})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", errors.Join(errors.New("tx"), context.DeadlineExceeded), true},
		{"conflict keyword", errors.New("write Conflict on chats"), true},
		{"plain", errors.New("no such table"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Transient(tc.err))
		})
	}
}
