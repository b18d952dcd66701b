package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"listen-engine/pkg/logger"
)

func newRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	opts = append([]RedisOption{WithRedisLogger(logger.Nop()), WithScanCount(1)}, opts...)
	return NewRedisStoreFromClient(client, opts...), mr
}

func TestRedisStoreContract(t *testing.T) {
	s, _ := newRedisStore(t)
	runStoreContract(t, s)
}

func TestRedisStoreKeyLayout(t *testing.T) {
	s, mr := newRedisStore(t)
	p := samplePipeline(t, "did:privy:alice")
	if err := s.Save(context.Background(), p); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mr.Exists("pipeline:did:privy:alice:" + p.ID.String()) {
		t.Fatalf("expected record under pipeline:<user>:<id>, keys=%v", mr.Keys())
	}
}

func TestRedisStoreListByUserIgnoresPrefixCollisions(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	short := samplePipeline(t, "did:privy")
	long := samplePipeline(t, "did:privy:alice")
	if err := s.Save(ctx, short); err != nil {
		t.Fatalf("save short: %v", err)
	}
	if err := s.Save(ctx, long); err != nil {
		t.Fatalf("save long: %v", err)
	}
	listed, err := s.ListByUser(ctx, "did:privy")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != short.ID {
		t.Fatalf("expected only the exact user's pipeline, got %d", len(listed))
	}
}

func TestRedisStoreSkipsCorruptRecords(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	p := samplePipeline(t, "alice")
	if err := s.Save(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mr.Set("pipeline:alice:broken", "{not json"); err != nil {
		t.Fatalf("seed corrupt record: %v", err)
	}
	got, err := s.GetMany(ctx, []string{"alice:broken", p.DedupKey()})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if got[0] != nil || got[1] == nil {
		t.Fatalf("expected corrupt slot to be nil and valid slot populated, got %+v", got)
	}
}

func TestRedisStoreCustomPrefix(t *testing.T) {
	s, mr := newRedisStore(t, WithPrefix("listen:pipeline:"))
	p := samplePipeline(t, "alice")
	if err := s.Save(context.Background(), p); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mr.Exists("listen:pipeline:" + p.DedupKey()) {
		t.Fatalf("expected custom prefix, keys=%v", mr.Keys())
	}
}
