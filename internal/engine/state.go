package engine

import (
	"sort"
	"sync"

	"listen-engine/internal/evaluator"
)

// AssetIndex 把资产映射到关注该资产的流水线去重键。每个资产一个独立的桶，
// 不同资产之间互不争用。
type AssetIndex struct {
	buckets sync.Map // asset -> *bucket
}

type bucket struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (i *AssetIndex) bucket(asset string, create bool) *bucket {
	if b, ok := i.buckets.Load(asset); ok {
		return b.(*bucket)
	}
	if !create {
		return nil
	}
	b, _ := i.buckets.LoadOrStore(asset, &bucket{keys: make(map[string]struct{})})
	return b.(*bucket)
}

// Add 把去重键登记到资产桶中。
func (i *AssetIndex) Add(asset, key string) {
	b := i.bucket(asset, true)
	b.mu.Lock()
	b.keys[key] = struct{}{}
	b.mu.Unlock()
}

// Remove 仅从给定资产的桶中移除去重键。空桶保留，避免与并发 Add 竞争。
func (i *AssetIndex) Remove(asset, key string) {
	b := i.bucket(asset, false)
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.keys, key)
	b.mu.Unlock()
}

// Contains 判断资产桶中是否存在去重键。
func (i *AssetIndex) Contains(asset, key string) bool {
	b := i.bucket(asset, false)
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.keys[key]
	return ok
}

// Snapshot 按参数顺序返回多个资产桶的并集拷贝，桶内按字典序，重复的键只保留第一次出现。
func (i *AssetIndex) Snapshot(assets ...string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, asset := range assets {
		b := i.bucket(asset, false)
		if b == nil {
			continue
		}
		b.mu.Lock()
		keys := make([]string, 0, len(b.keys))
		for k := range b.keys {
			keys = append(keys, k)
		}
		b.mu.Unlock()
		sort.Strings(keys)
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// Len 返回索引中不同去重键的数量。
func (i *AssetIndex) Len() int {
	seen := make(map[string]struct{})
	i.buckets.Range(func(_, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		for k := range b.keys {
			seen[k] = struct{}{}
		}
		b.mu.Unlock()
		return true
	})
	return len(seen)
}

// DedupSet 记录正在求值的流水线。持有去重键是修改该流水线的充要条件。
type DedupSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewDedupSet 创建空集合。
func NewDedupSet() *DedupSet {
	return &DedupSet{keys: make(map[string]struct{})}
}

// TryClaim 尝试占用去重键，已被占用时返回 false。
func (d *DedupSet) TryClaim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.keys[key]; ok {
		return false
	}
	d.keys[key] = struct{}{}
	return true
}

// Release 释放去重键。
func (d *DedupSet) Release(key string) {
	d.mu.Lock()
	delete(d.keys, key)
	d.mu.Unlock()
}

// Held 判断去重键是否被占用。
func (d *DedupSet) Held(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.keys[key]
	return ok
}

// Revisions 为每个去重键记录已结束的求值单元次数。单元在释放去重键之前递增计数，
// 读取记录前后的计数不同说明读到的记录可能已被该单元改写。条目不删除，
// 删除后计数归零会与读取前的零值相等。
type Revisions struct {
	mu   sync.Mutex
	revs map[string]uint64
}

// NewRevisions 创建空的计数表。
func NewRevisions() *Revisions {
	return &Revisions{revs: make(map[string]uint64)}
}

// Bump 递增去重键的计数。
func (r *Revisions) Bump(key string) {
	r.mu.Lock()
	r.revs[key]++
	r.mu.Unlock()
}

// Get 返回去重键当前的计数。
func (r *Revisions) Get(key string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revs[key]
}

// Snapshot 按顺序返回一组去重键的计数。
func (r *Revisions) Snapshot(keys []string) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(keys))
	for i, k := range keys {
		out[i] = r.revs[k]
	}
	return out
}

// PriceCache 保存每个资产最近一次观测到的价格，后写覆盖先写，不做持久化。
type PriceCache struct {
	mu     sync.RWMutex
	prices evaluator.Prices
}

// NewPriceCache 创建空缓存。
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(evaluator.Prices)}
}

// Set 更新资产价格。
func (c *PriceCache) Set(asset string, price float64) {
	c.mu.Lock()
	c.prices[asset] = price
	c.mu.Unlock()
}

// Snapshot 返回当前价格的拷贝。
func (c *PriceCache) Snapshot() evaluator.Prices {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(evaluator.Prices, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}
