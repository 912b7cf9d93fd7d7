package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "AutoDCA-Chain/internal/errors"
)

func retryableErr(msg string) error {
	return xerrors.New(xerrors.CodeNetworkTimeout, msg)
}

func TestSucceedsAfterRetryableFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), "op", Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return retryableErr("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	wantErr := xerrors.New(xerrors.CodeInvalidArgument, "bad input")
	err := Do(context.Background(), "op", Policy{MaxAttempts: 5, InitialDelay: time.Millisecond}, func(context.Context) error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want original error", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestExhaustionWrapsLastError(t *testing.T) {
	err := Do(context.Background(), "op", Policy{MaxAttempts: 2, InitialDelay: time.Millisecond}, func(context.Context) error {
		return retryableErr("still failing")
	})
	if xerrors.CodeOf(err) != xerrors.CodeRetriesExhausted {
		t.Fatalf("code = %s, want RETRIES_EXHAUSTED", xerrors.CodeOf(err))
	}
}

func TestContextCancellationWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, "op", Policy{MaxAttempts: 10, InitialDelay: time.Hour}, func(context.Context) error {
		attempts++
		return retryableErr("slow")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 before cancellation", attempts)
	}
}
