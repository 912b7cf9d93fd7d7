package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartValidatesConfig(t *testing.T) {
	s := New()
	defer s.Dispose()

	if err := s.Start(Config{Interval: 0, OnExecute: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected error for non-positive interval")
	}
	if err := s.Start(Config{Interval: time.Second}); err == nil {
		t.Fatal("expected error for missing OnExecute")
	}
}

func TestStartReportsActiveAndNextFire(t *testing.T) {
	s := New()
	defer s.Dispose()

	var statuses []Status
	var mu sync.Mutex
	before := time.Now()
	err := s.Start(Config{
		Interval:  time.Hour,
		OnExecute: func(context.Context) error { return nil },
		OnStatusChange: func(status Status) {
			mu.Lock()
			statuses = append(statuses, status)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 1 {
		t.Fatalf("expected immediate status report, got %d", len(statuses))
	}
	if !statuses[0].Active {
		t.Fatal("expected active=true right after start")
	}
	want := before.Add(time.Hour)
	if statuses[0].NextExecutionTime.Before(want.Add(-time.Second)) || statuses[0].NextExecutionTime.After(want.Add(time.Second)) {
		t.Fatalf("unexpected next execution time: %v", statuses[0].NextExecutionTime)
	}
}

func TestFailingTickKeepsScheduleAlive(t *testing.T) {
	s := New()
	defer s.Dispose()

	var errCount int32
	var tickCount int32
	err := s.Start(Config{
		Interval: 20 * time.Millisecond,
		OnExecute: func(context.Context) error {
			if atomic.AddInt32(&tickCount, 1) == 1 {
				return errors.New("tick 1 failed")
			}
			return nil
		},
		OnError: func(error) { atomic.AddInt32(&errCount, 1) },
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&tickCount) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&tickCount) < 2 {
		t.Fatal("schedule stopped after a failing tick")
	}
	if atomic.LoadInt32(&errCount) != 1 {
		t.Fatalf("expected OnError exactly once, got %d", atomic.LoadInt32(&errCount))
	}
	if !s.Status().Active {
		t.Fatal("scheduler must stay active after a failed tick")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := New()
	defer s.Dispose()

	if err := s.Start(Config{Interval: time.Hour, OnExecute: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
	s.Stop()

	status := s.Status()
	if status.Active {
		t.Fatal("expected inactive after stop")
	}
	if !status.NextExecutionTime.IsZero() {
		t.Fatalf("expected cleared next execution time, got %v", status.NextExecutionTime)
	}
}

func TestUpdateIntervalReschedulesWithoutDoubleFire(t *testing.T) {
	s := New()
	defer s.Dispose()

	var fires int32
	if err := s.Start(Config{
		Interval:  time.Hour,
		OnExecute: func(context.Context) error { atomic.AddInt32(&fires, 1); return nil },
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := s.UpdateInterval(30 * time.Millisecond); err != nil {
		t.Fatalf("update interval: %v", err)
	}
	status := s.Status()
	if !status.Active {
		t.Fatal("update interval must keep the scheduler active")
	}
	if status.IntervalSeconds != 0 {
		// 30ms 取整后为 0 秒，这里只验证激活状态保持。
		t.Logf("interval seconds rounded to %d", status.IntervalSeconds)
	}

	time.Sleep(100 * time.Millisecond)
	got := atomic.LoadInt32(&fires)
	if got < 1 {
		t.Fatal("rescheduled timer never fired")
	}

	s.Stop()
	settled := atomic.LoadInt32(&fires)
	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&fires) != settled {
		t.Fatal("timer fired after stop")
	}
}

func TestStopLeavesRunningTickUninterrupted(t *testing.T) {
	s := New()
	defer s.Dispose()

	entered := make(chan struct{})
	release := make(chan struct{})
	errCh := make(chan error, 1)
	err := s.Start(Config{
		Interval: 10 * time.Millisecond,
		OnExecute: func(ctx context.Context) error {
			close(entered)
			select {
			case <-ctx.Done():
			case <-release:
			}
			errCh <- ctx.Err()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	<-entered
	s.Stop()
	// 给错误的取消传播留出时间窗口，再放行回调。
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Stop 打断了执行中的回调: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("回调未结束")
	}
}

func TestDisposeCancelsRunningTick(t *testing.T) {
	s := New()

	entered := make(chan struct{})
	errCh := make(chan error, 1)
	err := s.Start(Config{
		Interval: 10 * time.Millisecond,
		OnExecute: func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			errCh <- ctx.Err()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	<-entered
	done := make(chan struct{})
	go func() {
		s.Dispose()
		close(done)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected callback ctx error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispose 没有取消执行中的回调")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispose 未在回调返回后结束")
	}
}

func TestUpdateIntervalNoopWhenStopped(t *testing.T) {
	s := New()
	defer s.Dispose()

	if err := s.UpdateInterval(time.Second); err != nil {
		t.Fatalf("update on stopped scheduler must be a no-op, got %v", err)
	}
	if s.Status().Active {
		t.Fatal("no-op update must not activate the scheduler")
	}
}

func TestStartWhileActiveReplacesPriorRun(t *testing.T) {
	s := New()
	defer s.Dispose()

	var firstFires int32
	if err := s.Start(Config{
		Interval:  25 * time.Millisecond,
		OnExecute: func(context.Context) error { atomic.AddInt32(&firstFires, 1); return nil },
	}); err != nil {
		t.Fatalf("first start: %v", err)
	}

	var secondFires int32
	if err := s.Start(Config{
		Interval:  25 * time.Millisecond,
		OnExecute: func(context.Context) error { atomic.AddInt32(&secondFires, 1); return nil },
	}); err != nil {
		t.Fatalf("second start: %v", err)
	}

	snapshot := atomic.LoadInt32(&firstFires)
	time.Sleep(120 * time.Millisecond)
	if atomic.LoadInt32(&firstFires) != snapshot {
		t.Fatal("first run kept firing after restart")
	}
	if atomic.LoadInt32(&secondFires) == 0 {
		t.Fatal("second run never fired")
	}
}
