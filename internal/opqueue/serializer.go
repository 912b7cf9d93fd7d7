// Package opqueue 提供单飞行任务串行器：同一时刻最多只有一笔链上
// 操作在执行。底层执行通道是按 nonce 排序的单一账户，并发提交会
// 互相覆盖，所以在编排器层面做 FIFO 串行比直接协调 nonce 更简单
// 也更可移植。
package opqueue

import (
	"context"
	"sync"

	xerrors "AutoDCA-Chain/internal/errors"
)

// Job 是一笔待串行执行的链上操作。
type Job func(ctx context.Context) error

// ErrSerializerClosed 表示串行器已关闭，不再接受新任务。
var ErrSerializerClosed = xerrors.New(CodeSerializerClosed, "operation serializer closed")

const CodeSerializerClosed xerrors.Code = "OPERATION_SERIALIZER_CLOSED"

func init() {
	xerrors.Register(CodeSerializerClosed, xerrors.Attributes{
		Message:   "operation serializer closed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

type pendingJob struct {
	ctx    context.Context
	job    Job
	result chan error
}

// Serializer 维护 FIFO 任务队列和单一执行位。
type Serializer struct {
	mu        sync.Mutex
	queue     []*pendingJob
	draining  bool
	executing bool
	closed    bool
}

// New 创建串行器。
func New() *Serializer {
	return &Serializer{}
}

// Enqueue 将任务追加到队列尾部，并返回在该任务结束（成功或失败）
// 时收到结果的通道。多个调用方可以并发入队，任务始终按提交顺序
// 逐一执行；单个任务的失败只传递给它自己的通道，不影响后续任务。
func (s *Serializer) Enqueue(ctx context.Context, job Job) <-chan error {
	result := make(chan error, 1)
	if job == nil {
		result <- xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
		return result
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		result <- ErrSerializerClosed
		return result
	}
	s.queue = append(s.queue, &pendingJob{ctx: ctx, job: job, result: result})
	// 重入保护：任何时刻只允许一个 drain 循环存在。
	startDrain := !s.draining
	if startDrain {
		s.draining = true
	}
	s.mu.Unlock()

	if startDrain {
		go s.drain()
	}
	return result
}

// drain 逐个取出并等待任务完成，队列清空后退出。
func (s *Serializer) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.executing = true
		s.mu.Unlock()

		var err error
		if next.ctx.Err() != nil {
			// 任务还没开始就被取消，直接结算，不执行。
			err = next.ctx.Err()
		} else {
			err = next.job(next.ctx)
		}

		s.mu.Lock()
		s.executing = false
		s.mu.Unlock()

		next.result <- err
	}
}

// Executing 报告是否有任务正在执行。排队等待中的任务不计入。
func (s *Serializer) Executing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executing
}

// Pending 返回排队等待的任务数量。
func (s *Serializer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close 拒绝后续入队，并让尚未开始的任务以 ErrSerializerClosed 结算。
// 正在执行中的任务不会被打断。
func (s *Serializer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	dropped := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, pending := range dropped {
		pending.result <- ErrSerializerClosed
	}
}
