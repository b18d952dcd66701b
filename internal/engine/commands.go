package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/pipeline"
)

// Command 是调度循环接受的命令。每个命令携带一个单次使用的应答通道。
type Command interface {
	command()
}

// AddPipelineCommand 持久化并登记一条流水线。
type AddPipelineCommand struct {
	Pipeline *pipeline.Pipeline
	Reply    chan<- AddPipelineResult
}

// AddPipelineResult 是 AddPipelineCommand 的应答。
type AddPipelineResult struct {
	ID  uuid.UUID
	Err error
}

// ListPipelinesCommand 列出某个用户的全部流水线。
type ListPipelinesCommand struct {
	UserID string
	Reply  chan<- ListPipelinesResult
}

// ListPipelinesResult 是 ListPipelinesCommand 的应答。
type ListPipelinesResult struct {
	Pipelines []*pipeline.Pipeline
	Err       error
}

// GetPipelineCommand 读取单条流水线。尚未实现，处理时进程终止。
type GetPipelineCommand struct {
	UserID     string
	PipelineID uuid.UUID
	Reply      chan<- GetPipelineResult
}

// GetPipelineResult 是 GetPipelineCommand 的应答。
type GetPipelineResult struct {
	Pipeline *pipeline.Pipeline
	Err      error
}

// DeletePipelineCommand 删除单条流水线。尚未实现，处理时进程终止。
type DeletePipelineCommand struct {
	UserID     string
	PipelineID uuid.UUID
	Reply      chan<- error
}

func (AddPipelineCommand) command()    {}
func (ListPipelinesCommand) command()  {}
func (GetPipelineCommand) command()    {}
func (DeletePipelineCommand) command() {}

func (e *Engine) handleCommand(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case AddPipelineCommand:
		var id uuid.UUID
		err := e.AddPipeline(ctx, c.Pipeline)
		if err == nil {
			id = c.Pipeline.ID
		} else {
			e.logger.Error("创建流水线失败", slog.Any("error", err))
		}
		reply(c.Reply, AddPipelineResult{ID: id, Err: err})
	case ListPipelinesCommand:
		pipelines, err := e.ListPipelines(ctx, c.UserID)
		if err != nil {
			e.logger.Error("查询用户流水线失败", slog.String("user_id", c.UserID), slog.Any("error", err))
		} else {
			e.logger.Debug("查询用户流水线", slog.String("user_id", c.UserID), slog.Int("count", len(pipelines)))
		}
		reply(c.Reply, ListPipelinesResult{Pipelines: pipelines, Err: err})
	case GetPipelineCommand:
		panic(xerrors.New(xerrors.CodeNotImplemented, "GetPipeline 尚未实现"))
	case DeletePipelineCommand:
		panic(xerrors.New(xerrors.CodeNotImplemented, "DeletePipeline 尚未实现"))
	default:
		e.logger.Warn("未知命令", slog.String("type", fmt.Sprintf("%T", cmd)))
	}
}

// reply 不阻塞调度循环：应答通道应带一个缓冲，调用方放弃等待时应答被丢弃。
func reply[T any](ch chan<- T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
	}
}

// Client 通过命令通道与调度循环交互。
type Client struct {
	commands chan<- Command
}

// NewClient 构造 Client。
func NewClient(commands chan<- Command) *Client {
	return &Client{commands: commands}
}

// AddPipeline 提交流水线并等待其 ID。
func (c *Client) AddPipeline(ctx context.Context, p *pipeline.Pipeline) (uuid.UUID, error) {
	ch := make(chan AddPipelineResult, 1)
	res, err := call(ctx, c.commands, AddPipelineCommand{Pipeline: p, Reply: ch}, ch)
	if err != nil {
		return uuid.Nil, err
	}
	return res.ID, res.Err
}

// ListPipelines 查询用户的全部流水线。
func (c *Client) ListPipelines(ctx context.Context, userID string) ([]*pipeline.Pipeline, error) {
	ch := make(chan ListPipelinesResult, 1)
	res, err := call(ctx, c.commands, ListPipelinesCommand{UserID: userID, Reply: ch}, ch)
	if err != nil {
		return nil, err
	}
	return res.Pipelines, res.Err
}

func call[T any](ctx context.Context, commands chan<- Command, cmd Command, ch <-chan T) (T, error) {
	var zero T
	select {
	case commands <- cmd:
	case <-ctx.Done():
		return zero, xerrors.Wrap(xerrors.CodeInterrupted, ctx.Err(), "发送命令失败")
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return zero, xerrors.Wrap(xerrors.CodeInterrupted, ctx.Err(), "等待命令应答失败")
	}
}
