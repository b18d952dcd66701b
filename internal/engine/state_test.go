package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssetIndexSnapshotUnion(t *testing.T) {
	idx := &AssetIndex{}
	idx.Add("NOW", "u:b")
	idx.Add("SOL", "u:a")
	idx.Add("SOL", "u:b")
	idx.Add("ETH", "u:c")

	require.Equal(t, []string{"u:b", "u:a"}, idx.Snapshot("NOW", "SOL"))
	require.Equal(t, []string{"u:c"}, idx.Snapshot("NOW", "ETH")[1:])
	require.Empty(t, idx.Snapshot("BTC"))
	require.Equal(t, 3, idx.Len())
}

func TestAssetIndexRemoveIsPerBucket(t *testing.T) {
	idx := &AssetIndex{}
	idx.Add("SOL", "u:a")
	idx.Add("NOW", "u:a")

	idx.Remove("SOL", "u:a")
	idx.Remove("BTC", "u:a")

	require.False(t, idx.Contains("SOL", "u:a"))
	require.True(t, idx.Contains("NOW", "u:a"))
	require.Equal(t, 1, idx.Len())
}

func TestDedupSetClaim(t *testing.T) {
	d := NewDedupSet()
	require.True(t, d.TryClaim("k"))
	require.False(t, d.TryClaim("k"))
	require.True(t, d.Held("k"))
	d.Release("k")
	require.False(t, d.Held("k"))
	require.True(t, d.TryClaim("k"))
}

func TestPriceCacheSnapshotIsCopy(t *testing.T) {
	c := NewPriceCache()
	c.Set("SOL", 90)
	snap := c.Snapshot()
	c.Set("SOL", 101)

	require.Equal(t, 90.0, snap["SOL"])
	require.Equal(t, 101.0, c.Snapshot()["SOL"])
}

func TestRevisionsCountPerKey(t *testing.T) {
	r := NewRevisions()
	require.Equal(t, uint64(0), r.Get("k"))
	r.Bump("k")
	r.Bump("k")
	r.Bump("j")

	require.Equal(t, uint64(2), r.Get("k"))
	require.Equal(t, []uint64{2, 0, 1}, r.Snapshot([]string{"k", "x", "j"}))
}
