package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardledger/config"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	shardMap, err := config.NewShardMap("")
	require.NoError(t, err)
	return New(shardMap)
}

func TestLeaderForFallsBackToHint(t *testing.T) {
	c := newTestClient(t)

	assert.Equal(t, config.LeaderHint(1), c.leaderFor(1))
	assert.Equal(t, config.LeaderHint(2), c.leaderFor(2))
}

func TestNoteLeader(t *testing.T) {
	c := newTestClient(t)

	c.noteLeader(1, config.Ballot{Epoch: 2, NodeID: 3})
	assert.Equal(t, 3, c.leaderFor(1))

	// A zero ballot teaches nothing.
	c.noteLeader(1, config.Ballot{})
	assert.Equal(t, 3, c.leaderFor(1))

	c.noteLeader(1, config.Ballot{Epoch: 3, NodeID: 2})
	assert.Equal(t, 2, c.leaderFor(1))
}

func TestWriteCacheServesReadYourWrites(t *testing.T) {
	c := newTestClient(t)

	_, ok := c.cachedBalance(5)
	assert.False(t, ok)

	c.noteWritten(map[int]int{5: 7, 6: 13})
	balance, ok := c.cachedBalance(5)
	assert.True(t, ok)
	assert.Equal(t, 7, balance)

	// Later writes overwrite earlier cached balances.
	c.noteWritten(map[int]int{5: 4})
	balance, ok = c.cachedBalance(5)
	assert.True(t, ok)
	assert.Equal(t, 4, balance)

	c.noteWritten(nil)
	balance, ok = c.cachedBalance(6)
	assert.True(t, ok)
	assert.Equal(t, 13, balance)
}

func TestTerminalOutcomes(t *testing.T) {
	assert.True(t, terminal(config.OutcomeCommitted))
	assert.True(t, terminal(config.OutcomeAborted))
	assert.True(t, terminal(config.OutcomeSkipped))
	assert.False(t, terminal(config.OutcomePending))
	assert.False(t, terminal(""))
}

func TestInstallShardMapReroutesSubmits(t *testing.T) {
	c := newTestClient(t)

	require.NoError(t, c.InstallShardMap(config.ShardMapUpdate{Version: 1, Overrides: map[int]int{5: 2}}))
	assert.Equal(t, 2, c.ShardMap().ShardForKey(5))
	assert.Error(t, c.InstallShardMap(config.ShardMapUpdate{Version: 1, Overrides: nil}))
}
