package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/evaluator"
	"listen-engine/internal/observability/alerting"
	"listen-engine/internal/pipeline"
	"listen-engine/internal/store"
	"listen-engine/pkg/logger"
)

// OrderExecutor 提交兑换订单并返回交易哈希。
type OrderExecutor interface {
	ExecuteOrder(ctx context.Context, order pipeline.SwapOrder, userID, walletAddress, pubkey string) (string, error)
}

// StepAdvancer 是 Advancer 的默认实现：求值前沿步骤的条件，执行满足条件的步骤动作，
// 推进或终止流水线，并在状态变化后写回存储。
type StepAdvancer struct {
	store     store.Store
	executor  OrderExecutor
	evaluator *evaluator.Evaluator
	notifier  alerting.Dispatcher
	alerter   alerting.Dispatcher
	logger    *slog.Logger
}

// AdvancerOption 定义可选配置。
type AdvancerOption func(*StepAdvancer)

// WithEvaluator 替换条件求值器。
func WithEvaluator(ev *evaluator.Evaluator) AdvancerOption {
	return func(a *StepAdvancer) {
		if ev != nil {
			a.evaluator = ev
		}
	}
}

// WithNotifier 配置通知动作的投递渠道。
func WithNotifier(d alerting.Dispatcher) AdvancerOption {
	return func(a *StepAdvancer) {
		if d != nil {
			a.notifier = d
		}
	}
}

// WithAlertDispatcher 配置动作失败时的告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) AdvancerOption {
	return func(a *StepAdvancer) {
		a.alerter = d
	}
}

// WithAdvancerLogger 指定日志输出。
func WithAdvancerLogger(l *slog.Logger) AdvancerOption {
	return func(a *StepAdvancer) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewStepAdvancer 构造 StepAdvancer。通知默认写入审计日志。
func NewStepAdvancer(st store.Store, executor OrderExecutor, opts ...AdvancerOption) *StepAdvancer {
	a := &StepAdvancer{
		store:     st,
		executor:  executor,
		evaluator: evaluator.New(),
		notifier:  alerting.NewFanout(&alerting.LogNotifier{}),
		logger:    logger.Named("advancer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Advance 依次处理前沿中的步骤。条件求值出错时错误记录在步骤上、步骤留在前沿；动作失败时
// 步骤与流水线均标记为 Failed。ctx 只在步骤之间检查，外部调用不会被取消打断。
func (a *StepAdvancer) Advance(ctx context.Context, p *pipeline.Pipeline, prices evaluator.Prices) (bool, error) {
	if p == nil {
		return false, xerrors.New(xerrors.CodeInvalidPipeline, "流水线为空")
	}
	if p.Status.Terminal() {
		return true, nil
	}
	calls := context.WithoutCancel(ctx)

	var (
		frontier = make([]uuid.UUID, 0, len(p.CurrentSteps))
		seen     = make(map[uuid.UUID]struct{}, len(p.CurrentSteps))
		dirty     bool
		firstErr  error
		submitted []string
	)
	push := func(ids ...uuid.UUID) {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			frontier = append(frontier, id)
		}
	}

	for i, id := range p.CurrentSteps {
		if ctx.Err() != nil {
			push(p.CurrentSteps[i:]...)
			if firstErr == nil {
				firstErr = xerrors.Wrap(xerrors.CodeInterrupted, ctx.Err(), "求值被中断",
					xerrors.WithMetadata("pipeline_id", p.ID.String()))
			}
			break
		}
		step := p.Steps[id]
		if step == nil || step.Status != pipeline.StatusPending {
			dirty = true
			continue
		}

		ok, err := a.evaluator.EvaluateConditions(step.Conditions, prices)
		if err != nil {
			step.RecordError(err)
			dirty = true
			push(id)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			push(id)
			continue
		}

		txHash, err := a.perform(calls, p, step)
		dirty = true
		if err != nil {
			step.Fail(err)
			p.Status = pipeline.StatusFailed
			push(p.CurrentSteps[i:]...)
			firstErr = err
			logger.Audit().Warn("步骤执行失败",
				slog.String("pipeline_id", p.ID.String()),
				slog.String("user_id", p.UserID),
				slog.String("step_id", id.String()),
				slog.String("action", pipeline.ActionKind(step.Action)),
				slog.String("error_code", string(xerrors.CodeOf(err))),
				slog.String("error", err.Error()),
			)
			a.emitAlert(calls, p, step, err)
			break
		}
		step.Complete(txHash)
		if txHash != "" {
			submitted = append(submitted, txHash)
		}
		logger.Audit().Info("步骤已完成",
			slog.String("pipeline_id", p.ID.String()),
			slog.String("user_id", p.UserID),
			slog.String("step_id", id.String()),
			slog.String("action", pipeline.ActionKind(step.Action)),
			slog.String("tx_hash", txHash),
		)
		push(step.NextSteps...)
	}

	p.CurrentSteps = frontier
	if p.Status == pipeline.StatusPending && len(frontier) == 0 {
		p.Status = pipeline.StatusCompleted
		dirty = true
		logger.Audit().Info("流水线已完成",
			slog.String("pipeline_id", p.ID.String()),
			slog.String("user_id", p.UserID),
		)
	}

	if dirty {
		if err := a.store.Save(calls, p); err != nil {
			return false, a.saveFailed(calls, p, submitted, err)
		}
	}
	return p.Status.Terminal(), firstErr
}

// saveFailed 包装写回失败。本轮已有交易提交时，存储中的记录仍停留在提交前的状态，
// 交易哈希写入审计日志、错误元数据与告警，供人工对账。
func (a *StepAdvancer) saveFailed(ctx context.Context, p *pipeline.Pipeline, submitted []string, cause error) error {
	opts := []xerrors.Option{xerrors.WithMetadata("pipeline_id", p.ID.String())}
	if len(submitted) > 0 {
		opts = append(opts, xerrors.WithMetadata("tx_hashes", strings.Join(submitted, ",")))
	}
	err := xerrors.Wrap(xerrors.CodeStorageFailure, cause, "保存流水线失败", opts...)
	a.logger.Error("保存流水线失败",
		slog.String("pipeline_id", p.ID.String()),
		slog.Any("tx_hashes", submitted),
		slog.Any("error", cause),
	)
	if len(submitted) == 0 {
		return err
	}
	logger.Audit().Error("交易已提交但保存流水线失败",
		slog.String("pipeline_id", p.ID.String()),
		slog.String("user_id", p.UserID),
		slog.Any("tx_hashes", submitted),
		slog.String("error", cause.Error()),
	)
	if a.alerter != nil {
		if aerr := a.alerter.Notify(ctx, alerting.FromError(err, p.ID.String(), p.UserID, "")); aerr != nil {
			a.logger.Warn("发送告警失败", slog.String("pipeline_id", p.ID.String()), slog.Any("error", aerr))
		}
	}
	return err
}

func (a *StepAdvancer) perform(ctx context.Context, p *pipeline.Pipeline, step *pipeline.Step) (string, error) {
	switch action := step.Action.(type) {
	case pipeline.SwapOrder:
		return a.executeOrder(ctx, p, action)
	case pipeline.PaymentOrder:
		return a.executeOrder(ctx, p, action.AsSwap())
	case pipeline.Notification:
		err := a.notifier.Notify(ctx, alerting.Event{
			Message:    action.Message,
			Severity:   xerrors.SeverityInfo,
			PipelineID: p.ID.String(),
			UserID:     p.UserID,
			StepID:     step.ID.String(),
			OccurredAt: time.Now().UTC(),
		})
		if err != nil && xerrors.CodeOf(err) != xerrors.CodeNotification {
			err = xerrors.Wrap(xerrors.CodeNotification, err, "投递通知失败")
		}
		return "", err
	default:
		return "", xerrors.New(xerrors.CodeInvalidPipeline, fmt.Sprintf("不支持的动作类型 %T", step.Action))
	}
}

func (a *StepAdvancer) executeOrder(ctx context.Context, p *pipeline.Pipeline, order pipeline.SwapOrder) (string, error) {
	if a.executor == nil {
		return "", xerrors.New(xerrors.CodeInitialization, "未配置订单执行器")
	}
	return a.executor.ExecuteOrder(ctx, order, p.UserID, p.WalletAddress, p.Pubkey)
}

func (a *StepAdvancer) emitAlert(ctx context.Context, p *pipeline.Pipeline, step *pipeline.Step, cause error) {
	if a.alerter == nil {
		return
	}
	event := alerting.FromError(cause, p.ID.String(), p.UserID, step.ID.String())
	if event.Metadata == nil {
		event.Metadata = make(map[string]string)
	}
	event.Metadata["action"] = pipeline.ActionKind(step.Action)
	if err := a.alerter.Notify(ctx, event); err != nil {
		a.logger.Warn("发送告警失败", slog.String("pipeline_id", p.ID.String()), slog.Any("error", err))
	}
}
