package store

import (
	"context"
	"sort"
	"sync"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/pipeline"
)

// MemoryStore 以内存方式保存流水线，主要用于测试与本地运行。
// 记录以 JSON 形式保存，读写双方互不共享指针。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(_ context.Context, p *pipeline.Pipeline) error {
	raw, err := encode(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[p.DedupKey()] = raw
	return nil
}

// GetMany 实现 Store 接口。
func (m *MemoryStore) GetMany(_ context.Context, keys []string) ([]*pipeline.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*pipeline.Pipeline, len(keys))
	for i, k := range keys {
		raw, ok := m.records[k]
		if !ok {
			continue
		}
		p, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// GetAll 实现 Store 接口，结果按创建时间排序。
func (m *MemoryStore) GetAll(_ context.Context) ([]*pipeline.Pipeline, error) {
	return m.filter(func(*pipeline.Pipeline) bool { return true })
}

// ListByUser 实现 Store 接口。
func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*pipeline.Pipeline, error) {
	if userID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user_id 不能为空")
	}
	return m.filter(func(p *pipeline.Pipeline) bool { return p.UserID == userID })
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) filter(keep func(*pipeline.Pipeline) bool) ([]*pipeline.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*pipeline.Pipeline, 0, len(m.records))
	for _, raw := range m.records {
		p, err := decode(raw)
		if err != nil {
			return nil, err
		}
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
