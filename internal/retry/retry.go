// Package retry 提供指数退避的有界重试。只有被统一错误类型标记
// 为可重试的失败才会触发下一次尝试。
package retry

import (
	"context"
	"log/slog"
	"time"

	xerrors "AutoDCA-Chain/internal/errors"
	"AutoDCA-Chain/pkg/logger"
)

// Policy 描述一次重试的边界。零值字段采用下面的默认值。
type Policy struct {
	// MaxAttempts 是包含首次调用在内的总尝试次数，默认 3。
	MaxAttempts int
	// InitialDelay 是第一次重试前的等待，默认 500ms。
	InitialDelay time.Duration
	// MaxDelay 是退避等待的上限，默认 30s。
	MaxDelay time.Duration
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Do 按策略执行 fn。不可重试的错误立刻返回；尝试次数耗尽时返回
// RETRIES_EXHAUSTED 包裹的最后一个错误；ctx 取消优先于一切。
func Do(ctx context.Context, name string, policy Policy, fn func(ctx context.Context) error) error {
	p := policy.normalized()
	delay := p.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !xerrors.RetryableError(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		logger.L().Warn("操作失败，准备重试",
			slog.String("operation", name),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", lastErr),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr, "重试次数耗尽: "+name)
}
