package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardMapDefaultRouting(t *testing.T) {
	m, err := NewShardMap("")
	require.NoError(t, err)

	assert.Equal(t, 0, m.Version())
	assert.Equal(t, 1, m.ShardForKey(1))
	assert.Equal(t, 2, m.ShardForKey(3001))
	assert.Equal(t, 0, m.ShardForKey(999999))
}

func TestShardMapInstall(t *testing.T) {
	m, err := NewShardMap("")
	require.NoError(t, err)

	require.NoError(t, m.Install(1, map[int]int{5: 2, 3001: 3}))
	assert.Equal(t, 1, m.Version())
	assert.Equal(t, 2, m.ShardForKey(5))
	assert.Equal(t, 3, m.ShardForKey(3001))
	assert.Equal(t, 1, m.ShardForKey(6))

	// Stale and equal versions are rejected and leave routing untouched.
	assert.Error(t, m.Install(1, nil))
	assert.Error(t, m.Install(0, map[int]int{7: 3}))
	assert.Equal(t, 2, m.ShardForKey(5))

	// Overrides matching the default partitioning are dropped, as are
	// assignments to shards that do not exist.
	require.NoError(t, m.Install(2, map[int]int{5: 1, 9: 99}))
	assert.Equal(t, 2, m.Version())
	assert.Equal(t, 1, m.ShardForKey(5))
	assert.Equal(t, 1, m.ShardForKey(9))
	assert.Empty(t, m.Snapshot().Overrides)
}

func TestShardMapPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardmap.json")

	m, err := NewShardMap(path)
	require.NoError(t, err)
	require.NoError(t, m.Install(3, map[int]int{10: 3}))

	reloaded, err := NewShardMap(path)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.Version())
	assert.Equal(t, 3, reloaded.ShardForKey(10))
}

func TestShardMapSnapshotIsACopy(t *testing.T) {
	m, err := NewShardMap("")
	require.NoError(t, err)
	require.NoError(t, m.Install(1, map[int]int{5: 2}))

	snap := m.Snapshot()
	snap.Overrides[5] = 3
	assert.Equal(t, 2, m.ShardForKey(5))
}
