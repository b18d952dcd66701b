package store

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/pipeline"
	"listen-engine/pkg/logger"
)

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 把流水线记录保存在 pipelines 表中，完整记录以 JSON 存放于 record 列。
type MySQLStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewMySQLStore 打开连接、校验可用性并初始化表结构。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	s, err := NewMySQLStoreFromDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewMySQLStoreFromDB 基于已有连接池构造存储并初始化表结构。
func NewMySQLStoreFromDB(ctx context.Context, db *sql.DB) (*MySQLStore, error) {
	s := &MySQLStore{db: db, log: logger.Named("store.mysql")}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) initSchema(ctx context.Context) error {
	statements, err := schemaStatements()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载建表脚本失败")
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 pipelines 表失败")
		}
	}
	return nil
}

const upsertPipelineSQL = `INSERT INTO pipelines (dedup_key, user_id, pipeline_id, status, record, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE status = VALUES(status), record = VALUES(record), updated_at = VALUES(updated_at)`

// Save 实现 Store 接口。
func (s *MySQLStore) Save(ctx context.Context, p *pipeline.Pipeline) error {
	raw, err := encode(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertPipelineSQL,
		p.DedupKey(),
		p.UserID,
		p.ID.String(),
		string(p.Status),
		string(raw),
		p.CreatedAt.Unix(),
		time.Now().Unix(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入流水线失败",
			xerrors.WithMetadata("pipeline_id", p.ID.String()))
	}
	return nil
}

// GetMany 实现 Store 接口，使用单条 IN 查询完成批量读取。
func (s *MySQLStore) GetMany(ctx context.Context, keys []string) ([]*pipeline.Pipeline, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	found, err := s.query(ctx, "SELECT dedup_key, record FROM pipelines WHERE dedup_key IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	out := make([]*pipeline.Pipeline, len(keys))
	for i, k := range keys {
		out[i] = found[k]
	}
	return out, nil
}

// GetAll 实现 Store 接口。
func (s *MySQLStore) GetAll(ctx context.Context) ([]*pipeline.Pipeline, error) {
	found, err := s.queryList(ctx, "SELECT dedup_key, record FROM pipelines ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	return found, nil
}

// ListByUser 实现 Store 接口。
func (s *MySQLStore) ListByUser(ctx context.Context, userID string) ([]*pipeline.Pipeline, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user_id 不能为空")
	}
	return s.queryList(ctx, "SELECT dedup_key, record FROM pipelines WHERE user_id = ? ORDER BY created_at", userID)
}

// Close 关闭底层连接池。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) query(ctx context.Context, stmt string, args ...any) (map[string]*pipeline.Pipeline, error) {
	list, keys, err := s.scanRows(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*pipeline.Pipeline, len(list))
	for i, p := range list {
		out[keys[i]] = p
	}
	return out, nil
}

func (s *MySQLStore) queryList(ctx context.Context, stmt string, args ...any) ([]*pipeline.Pipeline, error) {
	list, _, err := s.scanRows(ctx, stmt, args...)
	return list, err
}

func (s *MySQLStore) scanRows(ctx context.Context, stmt string, args ...any) ([]*pipeline.Pipeline, []string, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询流水线失败")
	}
	defer rows.Close()

	var (
		list []*pipeline.Pipeline
		keys []string
	)
	for rows.Next() {
		var key, record string
		if err := rows.Scan(&key, &record); err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取流水线失败")
		}
		p, err := decode([]byte(record))
		if err != nil {
			s.log.Warn("跳过无法解码的流水线记录", slog.String("key", key), slog.Any("error", err))
			continue
		}
		list = append(list, p)
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历流水线失败")
	}
	return list, keys, nil
}
