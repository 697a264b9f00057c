// Package retry wraps storage operations with bounded exponential-backoff
// retry for transient failures (lock contention, deadlocks, tx timeouts).
package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Options bound the retry loop.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultOptions matches the tuning used for single-record writes.
var DefaultOptions = Options{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
}

// Classifier decides whether an error is worth retrying.
type Classifier func(error) bool

// Transient reports whether err is a transient storage conflict: SQLite
// busy/locked codes, a transaction deadline, or a conflict keyword in the
// message. Anything else propagates immediately.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrProtocol:
			return true
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"deadlock", "database is locked", "conflict", "try again"} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// Do runs fn, retrying transient failures with exponential backoff plus
// jitter. Attempt n waits BaseDelay * 2^(n-1). Non-transient errors and
// context cancellation return immediately; exhausting attempts returns the
// last error unchanged so callers can still classify it.
func Do(ctx context.Context, logger *zap.Logger, op string, opts Options, classify Classifier, fn func(context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultOptions.BaseDelay
	}
	if classify == nil {
		classify = Transient
	}

	var lastErr error
	delay := opts.BaseDelay
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !classify(lastErr) || attempt == opts.MaxAttempts {
			break
		}
		if logger != nil {
			logger.Warn("transient storage error, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
		}

		jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return lastErr
}
