package store

import (
	"context"
	"encoding/json"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/pipeline"
)

// Store 抽象了流水线记录的持久化。记录以去重键 user_id:pipeline_id 寻址，
// 同一条记录的写入以最后一次为准，不提供跨记录事务。
type Store interface {
	// GetAll 扫描全部流水线记录。
	GetAll(ctx context.Context) ([]*pipeline.Pipeline, error)
	// Save 写入（或覆盖）一条流水线记录。
	Save(ctx context.Context, p *pipeline.Pipeline) error
	// GetMany 在一次往返中批量读取记录，返回值与 keys 按下标对齐，缺失的记录为 nil。
	GetMany(ctx context.Context, keys []string) ([]*pipeline.Pipeline, error)
	// ListByUser 返回某个用户的全部流水线。
	ListByUser(ctx context.Context, userID string) ([]*pipeline.Pipeline, error)
	Close() error
}

func encode(p *pipeline.Pipeline) ([]byte, error) {
	if p == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "pipeline 不能为空")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidPipeline, err, "编码流水线失败",
			xerrors.WithMetadata("pipeline_id", p.ID.String()))
	}
	return raw, nil
}

func decode(raw []byte) (*pipeline.Pipeline, error) {
	var p pipeline.Pipeline
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidPipeline, err, "解码流水线失败")
	}
	return &p, nil
}
