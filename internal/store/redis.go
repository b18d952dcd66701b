package store

import (
	"context"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/pipeline"
	"listen-engine/pkg/logger"
)

const (
	defaultRedisPrefix = "pipeline:"
	defaultScanCount   = 500
)

// RedisOption 自定义 RedisStore。
type RedisOption func(*RedisStore)

// WithPrefix 设置记录键前缀，默认 "pipeline:"。
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithScanCount 设置 SCAN 每批返回的建议条数。
func WithScanCount(count int64) RedisOption {
	return func(s *RedisStore) {
		if count > 0 {
			s.scanCount = count
		}
	}
}

// WithRedisLogger 替换默认日志记录器。
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		if l != nil {
			s.log = l
		}
	}
}

// RedisStore 以 JSON 字符串形式把流水线保存在 Redis 中。
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	scanCount int64
	log       *slog.Logger
	owned     bool
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// NewRedisStore 建立连接并校验可用性。
func NewRedisStore(ctx context.Context, cfg RedisConfig, opts ...RedisOption) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 地址不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 Redis")
	}
	s := NewRedisStoreFromClient(client, opts...)
	s.owned = true
	return s, nil
}

// NewRedisStoreFromClient 复用已有的客户端，Close 不会关闭该客户端。
func NewRedisStoreFromClient(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		prefix:    defaultRedisPrefix,
		scanCount: defaultScanCount,
		log:       logger.Named("store.redis"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) key(dedupKey string) string {
	return s.prefix + dedupKey
}

// Save 实现 Store 接口。
func (s *RedisStore) Save(ctx context.Context, p *pipeline.Pipeline) error {
	raw, err := encode(p)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(p.DedupKey()), raw, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入流水线失败",
			xerrors.WithMetadata("pipeline_id", p.ID.String()))
	}
	return nil
}

// GetMany 实现 Store 接口，使用单条 MGET 完成批量读取。
func (s *RedisStore) GetMany(ctx context.Context, keys []string) ([]*pipeline.Pipeline, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	return s.mget(ctx, full)
}

// GetAll 实现 Store 接口。
func (s *RedisStore) GetAll(ctx context.Context) ([]*pipeline.Pipeline, error) {
	return s.scan(ctx, s.prefix+"*")
}

// ListByUser 实现 Store 接口。
func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]*pipeline.Pipeline, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user_id 不能为空")
	}
	all, err := s.scan(ctx, s.prefix+escapeGlob(userID)+":*")
	if err != nil {
		return nil, err
	}
	// 用户 ID 本身可能包含冒号，前缀匹配会带出其他用户的记录。
	out := all[:0]
	for _, p := range all {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

// Close 关闭自行创建的客户端。
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) scan(ctx context.Context, match string) ([]*pipeline.Pipeline, error) {
	var (
		cursor uint64
		out    []*pipeline.Pipeline
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, s.scanCount).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描流水线失败")
		}
		if len(keys) > 0 {
			batch, err := s.mget(ctx, keys)
			if err != nil {
				return nil, err
			}
			for _, p := range batch {
				if p != nil {
					out = append(out, p)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) mget(ctx context.Context, keys []string) ([]*pipeline.Pipeline, error) {
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量读取流水线失败")
	}
	out := make([]*pipeline.Pipeline, len(keys))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		p, err := decode([]byte(str))
		if err != nil {
			s.log.Warn("跳过无法解码的流水线记录", slog.String("key", keys[i]), slog.Any("error", err))
			continue
		}
		out[i] = p
	}
	return out, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
