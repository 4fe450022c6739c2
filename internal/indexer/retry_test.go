package indexer

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		base    time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{attempt: 1, base: 100 * time.Millisecond, max: time.Second, want: 100 * time.Millisecond},
		{attempt: 2, base: 100 * time.Millisecond, max: time.Second, want: 200 * time.Millisecond},
		{attempt: 4, base: 100 * time.Millisecond, max: time.Second, want: 800 * time.Millisecond},
		{attempt: 5, base: 100 * time.Millisecond, max: time.Second, want: time.Second},
		{attempt: 60, base: 100 * time.Millisecond, max: time.Second, want: time.Second},
		{attempt: 3, base: 0, max: time.Second, want: 0},
	}
	for _, tc := range tests {
		if got := retryDelay(tc.attempt, tc.base, tc.max); got != tc.want {
			t.Errorf("retryDelay(%d, %s, %s) = %s, want %s", tc.attempt, tc.base, tc.max, got, tc.want)
		}
	}
}

func TestWithRetry(t *testing.T) {
	errBoom := errors.New("boom")

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		var retried []int
		err := withRetry(context.Background(), 3, time.Millisecond, time.Millisecond,
			func(attempt int, err error) { retried = append(retried, attempt) },
			func(context.Context) error {
				calls++
				if calls < 3 {
					return errBoom
				}
				return nil
			})
		if err != nil {
			t.Fatalf("withRetry: %v", err)
		}
		if calls != 3 || len(retried) != 2 || retried[1] != 2 {
			t.Fatalf("calls = %d, retried = %v", calls, retried)
		}
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), 2, time.Millisecond, time.Millisecond, nil,
			func(context.Context) error {
				calls++
				return errBoom
			})
		if !errors.Is(err, errBoom) {
			t.Fatalf("err = %v, want %v", err, errBoom)
		}
		if calls != 3 {
			t.Fatalf("calls = %d, want 3", calls)
		}
	})

	t.Run("stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := withRetry(ctx, 10, time.Hour, time.Hour, func(int, error) { cancel() },
			func(context.Context) error {
				calls++
				return errBoom
			})
		if !errors.Is(err, errBoom) {
			t.Fatalf("err = %v, want %v", err, errBoom)
		}
		if calls != 1 {
			t.Fatalf("calls = %d, want 1", calls)
		}
	})
}
