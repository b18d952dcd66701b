package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "listen-engine/internal/errors"
	"listen-engine/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelAudit Channel = "audit"
	ChannelRedis Channel = "redis"
)

// DefaultRedisChannel 是 Redis 通知默认发布的频道。
const DefaultRedisChannel = "pipeline_notifications"

// Event 描述一次需要通知的事件：用户通知动作或执行失败告警。
type Event struct {
	Code       xerrors.Code      `json:"code,omitempty"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	PipelineID string            `json:"pipeline_id"`
	UserID     string            `json:"user_id"`
	StepID     string            `json:"step_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// FromError 根据统一错误构造告警事件，错误码、严重程度与附加信息取自错误本身。
func FromError(err error, pipelineID, userID, stepID string) Event {
	event := Event{
		Code:       xerrors.CodeUnknown,
		Severity:   xerrors.SeverityCritical,
		PipelineID: pipelineID,
		UserID:     userID,
		StepID:     stepID,
		OccurredAt: time.Now().UTC(),
	}
	if err == nil {
		return event
	}
	event.Message = err.Error()
	if e, ok := xerrors.From(err); ok {
		event.Code = e.Code()
		event.Severity = e.Severity()
		event.Metadata = e.Metadata()
	}
	return event
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher，同一渠道后注册的通知器覆盖先注册的。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Channels 返回已注册的渠道，按名称排序。
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	out := make([]Channel, 0, len(d.notifiers))
	for ch := range d.notifiers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Notify 将事件广播至所有注册渠道，单个渠道失败不影响其余渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(xerrors.CodeNotification, errors.Join(errs...), "通知投递失败",
			xerrors.WithMetadata("pipeline_id", event.PipelineID))
	}
	return nil
}

// LogNotifier 把事件写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回审计渠道。
func (n *LogNotifier) Channel() Channel { return ChannelAudit }

// Notify 写入一条审计记录。
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	log := logger.Audit()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	attrs := []any{
		slog.String("pipeline_id", event.PipelineID),
		slog.String("user_id", event.UserID),
		slog.String("severity", string(event.Severity)),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if event.Code != "" {
		attrs = append(attrs, slog.String("code", string(event.Code)))
	}
	if event.StepID != "" {
		attrs = append(attrs, slog.String("step_id", event.StepID))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String("meta."+k, v))
	}
	log.InfoContext(ctx, event.Message, attrs...)
	return nil
}

// RedisNotifier 把事件以 JSON 形式发布到 Redis 频道，供推送服务订阅。
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisNotifier 创建 Redis 通知器，channel 为空时使用 DefaultRedisChannel。
func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Channel 返回 Redis 渠道。
func (n *RedisNotifier) Channel() Channel { return ChannelRedis }

// Notify 发布事件。
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.client == nil {
		logger.L().Warn("RedisNotifier 未正确配置，跳过发送", slog.String("pipeline_id", event.PipelineID))
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}
