// Package trail 把决策、审计与执行事件发布到复盘通道。发布是
// 尽力而为的旁路动作：通道故障只记录日志，绝不影响主流程。
package trail

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"AutoDCA-Chain/pkg/logger"
)

// 事件类别。
const (
	EventDecision  = "decision"
	EventAudit     = "audit"
	EventExecution = "execution"
	EventGrant     = "grant"
)

// Event 是一条复盘事件。Payload 必须可被 JSON 序列化。
type Event struct {
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// Publisher 是复盘通道的统一接口。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// LogPublisher 把事件写入复盘日志，是未配置消息队列时的缺省实现。
type LogPublisher struct{}

// Publish 实现 Publisher 接口。
func (LogPublisher) Publish(_ context.Context, event Event) error {
	encoded, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	logger.Trail().Info("复盘事件",
		slog.String("kind", event.Kind),
		slog.Time("occurred_at", event.OccurredAt),
		slog.String("payload", string(encoded)),
	)
	return nil
}

// Close 实现 Publisher 接口。
func (LogPublisher) Close() error { return nil }

// Emit 是发布的便捷入口：自动补齐时间戳并吞掉发布错误。
func Emit(ctx context.Context, pub Publisher, kind string, payload any) {
	if pub == nil {
		return
	}
	event := Event{Kind: kind, OccurredAt: time.Now(), Payload: payload}
	if err := pub.Publish(ctx, event); err != nil {
		logger.L().Warn("复盘事件发布失败",
			slog.String("kind", kind),
			slog.Any("error", err),
		)
	}
}
