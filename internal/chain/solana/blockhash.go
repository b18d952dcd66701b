// Package solana keeps a fresh network blockhash and stamps it into pre-built
// transactions immediately before submission.
package solana

import (
	"context"
	"log/slog"
	"sync"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	xerrors "listen-engine/internal/errors"
	"listen-engine/pkg/logger"
)

// DefaultMaxAge bounds how stale a cached blockhash may be before Latest refetches.
const DefaultMaxAge = 20 * time.Second

// Fetcher is the subset of the Solana RPC client used by the cache.
type Fetcher interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

// Option customises a BlockhashCache.
type Option func(*BlockhashCache)

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) Option {
	return func(c *BlockhashCache) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *BlockhashCache) {
		if now != nil {
			c.now = now
		}
	}
}

// BlockhashCache serves the most recent finalized blockhash.
type BlockhashCache struct {
	fetcher Fetcher
	maxAge  time.Duration
	now     func() time.Time
	log     *slog.Logger

	mu        sync.RWMutex
	hash      solanago.Hash
	fetchedAt time.Time
}

// NewBlockhashCache builds a cache backed by an RPC endpoint.
func NewBlockhashCache(rpcURL string, opts ...Option) *BlockhashCache {
	return NewBlockhashCacheWithFetcher(rpc.New(rpcURL), opts...)
}

// NewBlockhashCacheWithFetcher builds a cache over an arbitrary fetcher.
func NewBlockhashCacheWithFetcher(f Fetcher, opts ...Option) *BlockhashCache {
	c := &BlockhashCache{
		fetcher: f,
		maxAge:  DefaultMaxAge,
		now:     time.Now,
		log:     logger.Named("blockhash"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Latest returns the cached blockhash, refreshing it first when it is older than the max age.
func (c *BlockhashCache) Latest(ctx context.Context) (solanago.Hash, error) {
	c.mu.RLock()
	hash, at := c.hash, c.fetchedAt
	c.mu.RUnlock()
	if hash != (solanago.Hash{}) && c.now().Sub(at) < c.maxAge {
		return hash, nil
	}
	return c.Refresh(ctx)
}

// Refresh fetches a new blockhash and stores it.
func (c *BlockhashCache) Refresh(ctx context.Context) (solanago.Hash, error) {
	res, err := c.fetcher.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solanago.Hash{}, xerrors.Wrap(xerrors.CodeBlockhash, err, "get latest blockhash")
	}
	if res == nil || res.Value == nil || res.Value.Blockhash == (solanago.Hash{}) {
		return solanago.Hash{}, xerrors.New(xerrors.CodeBlockhash, "empty blockhash response")
	}
	c.mu.Lock()
	c.hash = res.Value.Blockhash
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return res.Value.Blockhash, nil
}

// Run refreshes the cache every interval until ctx is cancelled.
func (c *BlockhashCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if _, err := c.Refresh(ctx); err != nil {
		c.log.Warn("initial blockhash refresh failed", slog.Any("error", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("blockhash refresh failed", slog.Any("error", err))
			}
		}
	}
}
