// Package scheduler 提供可热调整周期的定时执行器。调度器只决定
// "什么时候做"，具体做什么由调用方的回调给出，手动模式与策略
// 模式因此共用同一套机制。
package scheduler

import (
	"context"
	"sync"
	"time"

	xerrors "AutoDCA-Chain/internal/errors"
)

// Status 描述调度器对外可见的状态。
type Status struct {
	Active            bool
	IntervalSeconds   int64
	NextExecutionTime time.Time
}

// Config 描述一次调度运行的参数。
type Config struct {
	Interval time.Duration
	// OnExecute 在每个周期到点时被调用。回调返回错误不会停止
	// 调度，错误交给 OnError 处理。
	OnExecute func(ctx context.Context) error
	// OnError 接收单次执行失败。可以为空。
	OnError func(err error)
	// OnStatusChange 在激活状态或下次执行时间变化时被调用。可以为空。
	OnStatusChange func(status Status)
}

// Scheduler 是显式实例化的定时器，通过 Dispose 释放。
type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	timer    *time.Timer
	active   bool
	nextFire time.Time
	// cancel 只作废当前调度轮次：Stop/UpdateInterval 用它阻止旧定时器
	// 再触发或重排，不影响执行中的回调。
	cancel context.CancelFunc
	// execCtx 贯穿实例生命周期，交给 OnExecute；只有 Dispose 取消它。
	execCtx    context.Context
	execCancel context.CancelFunc
	running    sync.WaitGroup
	disposed   bool
}

// New 创建一个未启动的调度器。
func New() *Scheduler {
	execCtx, execCancel := context.WithCancel(context.Background())
	return &Scheduler{execCtx: execCtx, execCancel: execCancel}
}

// Start 启动调度。若已处于激活状态，先停止上一轮；同一实例永远
// 不会存在两个并发定时器。
func (s *Scheduler) Start(cfg Config) error {
	if cfg.Interval <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "调度周期必须为正数")
	}
	if cfg.OnExecute == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "必须提供 OnExecute 回调")
	}

	s.Stop()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return xerrors.New(xerrors.CodeInvalidArgument, "调度器已销毁")
	}
	round, cancel := context.WithCancel(context.Background())
	s.cfg = cfg
	s.cancel = cancel
	s.active = true
	s.nextFire = time.Now().Add(cfg.Interval)
	s.timer = time.AfterFunc(cfg.Interval, func() { s.fire(round) })
	status := s.statusLocked()
	notify := cfg.OnStatusChange
	s.mu.Unlock()

	if notify != nil {
		notify(status)
	}
	return nil
}

// fire 执行一次回调并在其结束后重排下一轮。回调执行期间不会有
// 第二次触发：定时器只在回调结束时才被重新设置。round 只用来判定
// 本轮是否已被 Stop/UpdateInterval 作废；回调本身拿到的是实例级
// 上下文，执行中不会因 Stop 被打断。
func (s *Scheduler) fire(round context.Context) {
	s.mu.Lock()
	if !s.active || round.Err() != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	execCtx := s.execCtx
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	if err := cfg.OnExecute(execCtx); err != nil {
		// 单次执行失败绝不终止调度循环，必须到达 OnError。
		if cfg.OnError != nil {
			cfg.OnError(err)
		}
	}

	s.mu.Lock()
	if !s.active || round.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.nextFire = time.Now().Add(s.cfg.Interval)
	s.timer = time.AfterFunc(s.cfg.Interval, func() { s.fire(round) })
	status := s.statusLocked()
	notify := s.cfg.OnStatusChange
	s.mu.Unlock()

	if notify != nil {
		notify(status)
	}
}

// Stop 取消后续触发。正在执行中的回调不会被打断，只是之后不再
// 触发。重复调用是幂等的。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.nextFire = time.Time{}
	status := s.statusLocked()
	notify := s.cfg.OnStatusChange
	s.mu.Unlock()

	if notify != nil {
		notify(status)
	}
}

// UpdateInterval 在激活状态下原子地取消当前待触发的定时器并按新
// 周期重排，激活状态保持不变。非激活状态下是空操作。
func (s *Scheduler) UpdateInterval(interval time.Duration) error {
	if interval <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "调度周期必须为正数")
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.cfg.Interval = interval
	if s.timer != nil {
		s.timer.Stop()
	}
	round, cancel := context.WithCancel(context.Background())
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.nextFire = time.Now().Add(interval)
	s.timer = time.AfterFunc(interval, func() { s.fire(round) })
	status := s.statusLocked()
	notify := s.cfg.OnStatusChange
	s.mu.Unlock()

	if notify != nil {
		notify(status)
	}
	return nil
}

// Status 返回当前状态快照。
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Scheduler) statusLocked() Status {
	return Status{
		Active:            s.active,
		IntervalSeconds:   int64(s.cfg.Interval / time.Second),
		NextExecutionTime: s.nextFire,
	}
}

// Dispose 停止调度、取消执行中回调的上下文并等待其返回，之后实例
// 不可再启动。
func (s *Scheduler) Dispose() {
	s.Stop()
	s.mu.Lock()
	s.disposed = true
	execCancel := s.execCancel
	s.mu.Unlock()
	if execCancel != nil {
		execCancel()
	}
	s.running.Wait()
}
