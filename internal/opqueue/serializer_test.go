package opqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueueRunsJobsSequentially(t *testing.T) {
	serializer := New()
	ctx := context.Background()

	const jobs = 20
	var counter int64
	order := make([]int64, 0, jobs)
	var orderMu sync.Mutex

	results := make([]<-chan error, 0, jobs)
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := serializer.Enqueue(ctx, func(context.Context) error {
				seq := atomic.AddInt64(&counter, 1)
				orderMu.Lock()
				order = append(order, seq)
				orderMu.Unlock()
				return nil
			})
			orderMu.Lock()
			results = append(results, ch)
			orderMu.Unlock()
		}()
	}
	wg.Wait()

	for _, ch := range results {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("job failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("job did not settle in time")
		}
	}

	if len(order) != jobs {
		t.Fatalf("expected %d executions, got %d", jobs, len(order))
	}
	for i, seq := range order {
		if seq != int64(i+1) {
			t.Fatalf("execution order corrupted at %d: got %d", i, seq)
		}
	}
}

func TestFailingJobDoesNotAbortQueue(t *testing.T) {
	serializer := New()
	ctx := context.Background()

	boom := errors.New("boom")
	first := serializer.Enqueue(ctx, func(context.Context) error { return boom })

	ran := false
	second := serializer.Enqueue(ctx, func(context.Context) error {
		ran = true
		return nil
	})

	if err := <-first; !errors.Is(err, boom) {
		t.Fatalf("expected first job error, got %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second job should succeed, got %v", err)
	}
	if !ran {
		t.Fatal("second job never ran after first failure")
	}
}

func TestExecutingFlagOnlyWhileRunning(t *testing.T) {
	serializer := New()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	running := serializer.Enqueue(ctx, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	queued := serializer.Enqueue(ctx, func(context.Context) error { return nil })

	<-started
	if !serializer.Executing() {
		t.Fatal("expected executing flag while job body runs")
	}
	if serializer.Pending() != 1 {
		t.Fatalf("expected 1 queued job, got %d", serializer.Pending())
	}

	close(release)
	<-running
	<-queued
	if serializer.Executing() {
		t.Fatal("executing flag must clear after drain")
	}
}

func TestCancelledJobIsSkipped(t *testing.T) {
	serializer := New()

	release := make(chan struct{})
	blocker := serializer.Enqueue(context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	skipped := serializer.Enqueue(cancelled, func(context.Context) error {
		t.Error("cancelled job must not run")
		return nil
	})

	close(release)
	<-blocker
	if err := <-skipped; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCloseSettlesQueuedJobs(t *testing.T) {
	serializer := New()

	release := make(chan struct{})
	blocker := serializer.Enqueue(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	queued := serializer.Enqueue(context.Background(), func(context.Context) error { return nil })
	serializer.Close()

	if err := <-queued; !errors.Is(err, ErrSerializerClosed) {
		t.Fatalf("expected ErrSerializerClosed for queued job, got %v", err)
	}
	rejected := serializer.Enqueue(context.Background(), func(context.Context) error { return nil })
	if err := <-rejected; !errors.Is(err, ErrSerializerClosed) {
		t.Fatalf("expected ErrSerializerClosed for new job, got %v", err)
	}

	close(release)
	if err := <-blocker; err != nil {
		t.Fatalf("in-flight job should complete, got %v", err)
	}
}
