package commitment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardledger/config"
	"shardledger/node/store"
)

func openTestWAL(t *testing.T) (*store.Store, *WALManager) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "balances.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Seed(1, 10, 10))

	wal := NewWALManager(s.DB())
	require.NoError(t, wal.EnsureTables())
	return s, wal
}

func TestWALRecordAndBeforeImages(t *testing.T) {
	_, wal := openTestWAL(t)

	require.NoError(t, wal.Record("txn-1", 3, 10, config.PhasePrepare, config.RoleCoordinator))
	require.NoError(t, wal.Record("txn-1", 7, 10, config.PhasePrepare, config.RoleParticipant))
	require.NoError(t, wal.Record("txn-2", 3, 8, config.PhasePrepare, config.RoleCoordinator))

	images, err := wal.BeforeImages("txn-1")
	require.NoError(t, err)
	assert.Equal(t, map[int]int{3: 10, 7: 10}, images)

	images, err = wal.BeforeImages("txn-2")
	require.NoError(t, err)
	assert.Equal(t, map[int]int{3: 8}, images)
}

func TestWALRecordIsIdempotent(t *testing.T) {
	_, wal := openTestWAL(t)

	require.NoError(t, wal.Record("txn-1", 3, 10, config.PhasePrepare, config.RoleCoordinator))
	require.NoError(t, wal.Record("txn-1", 3, 10, config.PhasePrepare, config.RoleCoordinator))

	images, err := wal.BeforeImages("txn-1")
	require.NoError(t, err)
	assert.Equal(t, map[int]int{3: 10}, images)
}

// The before image and the tentative debit must land in the same sqlite
// transaction, so a crash between them cannot leave a debit with no undo
// record.
func TestWALRecordTxAtomicWithEffect(t *testing.T) {
	s, wal := openTestWAL(t)

	tx, err := s.Begin()
	require.NoError(t, err)
	before, err := s.BalanceIn(tx, 5)
	require.NoError(t, err)
	require.NoError(t, wal.RecordTx(tx, "txn-1", 5, before, config.PhasePrepare, config.RoleCoordinator))
	require.NoError(t, s.DebitIn(tx, 5, 4))
	require.NoError(t, tx.Commit())

	balance, err := s.Balance(5)
	require.NoError(t, err)
	assert.Equal(t, 6, balance)
	images, err := wal.BeforeImages("txn-1")
	require.NoError(t, err)
	assert.Equal(t, map[int]int{5: 10}, images)

	// Rolled back: neither the debit nor the record survives.
	tx, err = s.Begin()
	require.NoError(t, err)
	require.NoError(t, wal.RecordTx(tx, "txn-9", 6, 10, config.PhasePrepare, config.RoleCoordinator))
	require.NoError(t, s.DebitIn(tx, 6, 4))
	require.NoError(t, tx.Rollback())

	balance, err = s.Balance(6)
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
	images, err = wal.BeforeImages("txn-9")
	require.NoError(t, err)
	assert.Empty(t, images)
}

func TestWALClear(t *testing.T) {
	_, wal := openTestWAL(t)

	require.NoError(t, wal.Record("txn-1", 1, 10, config.PhasePrepare, config.RoleCoordinator))
	require.NoError(t, wal.Record("txn-2", 2, 10, config.PhasePrepare, config.RoleParticipant))

	require.NoError(t, wal.Clear("txn-1"))
	images, err := wal.BeforeImages("txn-1")
	require.NoError(t, err)
	assert.Empty(t, images)
	images, err = wal.BeforeImages("txn-2")
	require.NoError(t, err)
	assert.Len(t, images, 1)

	require.NoError(t, wal.ClearAll())
	images, err = wal.BeforeImages("txn-2")
	require.NoError(t, err)
	assert.Empty(t, images)
}
