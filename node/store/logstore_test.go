package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardledger/config"
)

func openTestLogStore(t *testing.T) *LogStore {
	t.Helper()
	l, err := OpenLogStore(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogStoreAppendAndEntries(t *testing.T) {
	l := openTestLogStore(t)

	// Out of order on purpose; Entries returns slot order.
	for _, slot := range []int{3, 1, 2} {
		err := l.Append(config.LogEntry{
			Ballot: config.Ballot{Epoch: 1, NodeID: 1},
			Slot:   slot,
			Status: config.StatusRegular,
			Txn:    config.Transaction{ID: "t", Sender: slot, Receiver: slot + 1, Amount: 1},
		})
		require.NoError(t, err)
	}

	entries, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, i+1, entry.Slot)
	}

	maxSlot, err := l.MaxSlot()
	require.NoError(t, err)
	assert.Equal(t, 3, maxSlot)
}

func TestLogStoreOverwritesSlot(t *testing.T) {
	l := openTestLogStore(t)

	require.NoError(t, l.Append(config.LogEntry{Ballot: config.Ballot{Epoch: 1, NodeID: 1}, Slot: 1, Status: config.StatusRegular}))
	require.NoError(t, l.Append(config.LogEntry{Ballot: config.Ballot{Epoch: 2, NodeID: 2}, Slot: 1, Status: config.StatusNoOp}))

	entries, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, config.Ballot{Epoch: 2, NodeID: 2}, entries[0].Ballot)
	assert.Equal(t, config.StatusNoOp, entries[0].Status)
}

func TestLogStoreReset(t *testing.T) {
	l := openTestLogStore(t)

	require.NoError(t, l.Append(config.LogEntry{Slot: 1}))
	require.NoError(t, l.Reset())

	entries, err := l.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)

	maxSlot, err := l.MaxSlot()
	require.NoError(t, err)
	assert.Equal(t, 0, maxSlot)
}
