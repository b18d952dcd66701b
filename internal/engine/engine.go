// Package engine 实现价格驱动的流水线调度：资产索引、批量读取、逐流水线互斥求值与优雅停机。
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/evaluator"
	"listen-engine/internal/feed"
	"listen-engine/internal/observability/metrics"
	"listen-engine/internal/pipeline"
	"listen-engine/internal/store"
	"listen-engine/pkg/logger"
)

const (
	// DefaultBatchSize 是一次批量读取的最大记录数。
	DefaultBatchSize = 10
	// DefaultDrainInterval 是停机时轮询在途求值数量的间隔。
	DefaultDrainInterval = 100 * time.Millisecond
)

// Advancer 推进一条流水线的状态机，返回流水线是否已进入终态。
type Advancer interface {
	Advance(ctx context.Context, p *pipeline.Pipeline, prices evaluator.Prices) (bool, error)
}

// Engine 持有调度所需的全部共享状态。
type Engine struct {
	store    store.Store
	advancer Advancer

	prices     *PriceCache
	index      *AssetIndex
	processing *DedupSet
	revisions  *Revisions
	pending    atomic.Int64

	stopCtx  context.Context
	stop     context.CancelFunc
	stopOnce sync.Once

	batchSize     int
	drainInterval time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// Option 定义可选配置。
type Option func(*Engine)

// WithBatchSize 设置批量读取的大小。
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithDrainInterval 设置停机轮询间隔。
func WithDrainInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.drainInterval = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics 配置调度指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New 构造 Engine。
func New(st store.Store, advancer Advancer, opts ...Option) *Engine {
	stopCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		store:         st,
		advancer:      advancer,
		prices:        NewPriceCache(),
		index:         &AssetIndex{},
		processing:    NewDedupSet(),
		revisions:     NewRevisions(),
		stopCtx:       stopCtx,
		stop:          stop,
		batchSize:     DefaultBatchSize,
		drainInterval: DefaultDrainInterval,
		logger:        logger.Named("engine"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Prices 返回价格缓存。
func (e *Engine) Prices() *PriceCache { return e.prices }

// Index 返回资产索引。
func (e *Engine) Index() *AssetIndex { return e.index }

// Pending 返回在途求值数量。
func (e *Engine) Pending() int64 { return e.pending.Load() }

// Rebuild 从存储加载全部流水线并重建资产索引。已进入终态的流水线不再登记。
func (e *Engine) Rebuild(ctx context.Context) error {
	if e.store == nil {
		return xerrors.New(xerrors.CodeInitialization, "未配置流水线存储")
	}
	all, err := e.store.GetAll(ctx)
	if err != nil {
		return err
	}
	indexed, skipped := 0, 0
	for _, p := range all {
		if p == nil {
			continue
		}
		if p.Status.Terminal() {
			skipped++
			continue
		}
		e.indexPipeline(p)
		indexed++
	}
	e.metrics.SetIndexed(e.index.Len())
	e.logger.Info("资产索引已重建",
		slog.Int("loaded", len(all)),
		slog.Int("indexed", indexed),
		slog.Int("skipped_terminal", skipped),
	)
	return nil
}

func (e *Engine) indexPipeline(p *pipeline.Pipeline) {
	key := p.DedupKey()
	for _, asset := range p.Assets() {
		e.index.Add(asset, key)
	}
}

// AddPipeline 持久化流水线并把其引用的资产登记到索引。
func (e *Engine) AddPipeline(ctx context.Context, p *pipeline.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if e.store == nil {
		return xerrors.New(xerrors.CodeInitialization, "未配置流水线存储")
	}
	if err := e.store.Save(ctx, p); err != nil {
		return err
	}
	e.indexPipeline(p)
	e.metrics.SetIndexed(e.index.Len())
	logger.Audit().Info("流水线已创建",
		slog.String("pipeline_id", p.ID.String()),
		slog.String("user_id", p.UserID),
		slog.Int("steps", len(p.Steps)),
		slog.Any("assets", p.Assets()),
	)
	return nil
}

// ListPipelines 返回某个用户的全部流水线。
func (e *Engine) ListPipelines(ctx context.Context, userID string) ([]*pipeline.Pipeline, error) {
	if e.store == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "未配置流水线存储")
	}
	return e.store.ListByUser(ctx, userID)
}

// HandlePriceUpdate 处理一条价格：先取候选快照再更新价格缓存，随后分批读取记录并为每条可处理的
// 流水线派生一个求值单元。派生的单元只通过在途计数被观察。
func (e *Engine) HandlePriceUpdate(ctx context.Context, tick feed.Tick) error {
	start := time.Now()
	defer func() { e.metrics.ObservePriceUpdate(time.Since(start)) }()

	candidates := e.index.Snapshot(pipeline.NowAsset, tick.Asset)
	e.prices.Set(tick.Asset, tick.Price)

	for lo := 0; lo < len(candidates); lo += e.batchSize {
		hi := min(lo+e.batchSize, len(candidates))
		chunk := candidates[lo:hi]
		revs := e.revisions.Snapshot(chunk)
		records, err := e.store.GetMany(ctx, chunk)
		if err != nil {
			return err
		}
		for i, p := range records {
			if p == nil || i >= len(chunk) {
				continue
			}
			if err := e.admit(ctx, tick.Asset, chunk[i], p, revs[i]); err != nil {
				return err
			}
		}
	}
	e.logger.Debug("价格已处理",
		slog.String("asset", tick.Asset),
		slog.Float64("price", tick.Price),
		slog.Uint64("slot", tick.Slot),
		slog.Int("candidates", len(candidates)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// admit 对一条候选记录做状态与去重检查，通过后派生求值单元。批量读取发生在占用去重键之前，
// 若期间有单元结束（计数变化），在持有去重键的情况下重新读取该记录。
func (e *Engine) admit(ctx context.Context, asset, key string, p *pipeline.Pipeline, rev uint64) error {
	if p.Status != pipeline.StatusPending {
		e.retire(key, p)
		e.metrics.RecordEvaluation(metrics.ResultSkipped)
		return nil
	}
	if !e.processing.TryClaim(key) {
		e.logger.Warn("流水线正在处理中，跳过", slog.String("dedup_key", key))
		return nil
	}
	if e.revisions.Get(key) != rev {
		fresh, err := e.store.GetMany(ctx, []string{key})
		if err != nil {
			e.processing.Release(key)
			return err
		}
		if len(fresh) == 0 || fresh[0] == nil {
			e.processing.Release(key)
			return nil
		}
		p = fresh[0]
		if p.Status != pipeline.StatusPending {
			e.processing.Release(key)
			e.retire(key, p)
			e.metrics.RecordEvaluation(metrics.ResultSkipped)
			return nil
		}
	}
	e.metrics.SetPending(e.pending.Add(1))
	go e.runUnit(asset, key, p)
	return nil
}

// retire 把已进入终态的流水线从它引用的全部资产桶中移除。
func (e *Engine) retire(key string, p *pipeline.Pipeline) {
	for _, asset := range p.Assets() {
		e.index.Remove(asset, key)
	}
	e.metrics.SetIndexed(e.index.Len())
}

type outcome struct {
	done bool
	err  error
}

// runUnit 让推进调用与停机信号竞争。停机时推进在步骤之间观察到取消，单元等待其返回后再释放
// 去重键，被中断的求值不视为终态。
func (e *Engine) runUnit(asset, key string, p *pipeline.Pipeline) {
	defer func() {
		e.revisions.Bump(key)
		e.processing.Release(key)
		e.metrics.SetPending(e.pending.Add(-1))
	}()

	result := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- outcome{err: xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("求值单元崩溃: %v", r))}
			}
		}()
		done, err := e.advancer.Advance(e.stopCtx, p, e.prices.Snapshot())
		result <- outcome{done: done, err: err}
	}()

	var out outcome
	select {
	case out = <-result:
	case <-e.stopCtx.Done():
		e.logger.Info("停机中，中断流水线求值", slog.String("dedup_key", key))
		out = <-result
		out.done = false
		e.metrics.RecordEvaluation(metrics.ResultInterrupted)
		if out.err != nil {
			e.logger.Error("被中断的求值返回错误", slog.String("dedup_key", key), slog.Any("error", out.err))
		}
		return
	}

	switch {
	case out.err != nil && out.done:
		e.metrics.RecordEvaluation(metrics.ResultFailed)
	case out.err != nil:
		e.metrics.RecordEvaluation(metrics.ResultError)
	case out.done:
		e.metrics.RecordEvaluation(metrics.ResultCompleted)
	default:
		e.metrics.RecordEvaluation(metrics.ResultPending)
	}
	if out.err != nil {
		e.logger.Error("流水线求值失败", slog.String("dedup_key", key), slog.Any("error", out.err))
	}
	if out.done {
		e.index.Remove(asset, key)
		e.retire(key, p)
	}
}

// Run 消费价格与命令，直到两个通道都关闭或 ctx 结束。单条价格或命令的失败只记录日志。
func (e *Engine) Run(ctx context.Context, ticks <-chan feed.Tick, commands <-chan Command) error {
	for ticks != nil || commands != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			e.handleCommand(ctx, cmd)
		case tick, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			if err := e.HandlePriceUpdate(ctx, tick); err != nil {
				e.logger.Error("处理价格失败", slog.String("asset", tick.Asset), slog.Any("error", err))
			}
		}
	}
	e.logger.Info("价格与命令通道均已关闭，调度循环退出")
	return nil
}

// Shutdown 通知所有在途单元停止，并以固定间隔轮询直到在途数量归零。没有超时上限。
func (e *Engine) Shutdown() {
	e.stopOnce.Do(e.stop)
	ticker := time.NewTicker(e.drainInterval)
	defer ticker.Stop()
	for {
		n := e.pending.Load()
		if n <= 0 {
			break
		}
		e.logger.Info("等待在途求值完成", slog.Int64("pending", n))
		<-ticker.C
	}
	e.logger.Info("全部求值已完成")
}
