package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "balances.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Seed(1, 20, 10))
	return s
}

func TestSeedAndBalance(t *testing.T) {
	s := openTestStore(t)

	for _, key := range []int{1, 10, 20} {
		balance, err := s.Balance(key)
		require.NoError(t, err)
		assert.Equal(t, 10, balance)
	}

	_, err := s.Balance(21)
	assert.Error(t, err)
}

func TestTransfer(t *testing.T) {
	s := openTestStore(t)

	ok, reason, written := s.Transfer(1, 2, 4)
	require.True(t, ok, reason)
	assert.Equal(t, 6, written[1])
	assert.Equal(t, 14, written[2])

	balance, err := s.Balance(1)
	require.NoError(t, err)
	assert.Equal(t, 6, balance)
	balance, err = s.Balance(2)
	require.NoError(t, err)
	assert.Equal(t, 14, balance)
}

func TestTransferInsufficientFunds(t *testing.T) {
	s := openTestStore(t)

	ok, reason, _ := s.Transfer(1, 2, 11)
	assert.False(t, ok)
	assert.Equal(t, "InsufficientFunds", reason)

	// Neither side changed.
	balance, err := s.Balance(1)
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
	balance, err = s.Balance(2)
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
}

func TestSetAndDelete(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set(50, 7))
	balance, err := s.Balance(50)
	require.NoError(t, err)
	assert.Equal(t, 7, balance)

	require.NoError(t, s.Set(50, 9))
	balance, err = s.Balance(50)
	require.NoError(t, err)
	assert.Equal(t, 9, balance)

	require.NoError(t, s.Delete(50))
	_, err = s.Balance(50)
	assert.Error(t, err)
}

func TestModifiedTracking(t *testing.T) {
	s := openTestStore(t)

	s.Transfer(3, 4, 2)
	require.NoError(t, s.Set(5, 1))
	assert.Equal(t, []int{3, 4, 5}, s.ModifiedKeys())

	reset := s.ResetModified(10)
	assert.Equal(t, 3, reset)
	assert.Empty(t, s.ModifiedKeys())

	balance, err := s.Balance(5)
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
}

func TestTransactionScopedOps(t *testing.T) {
	s := openTestStore(t)

	tx, err := s.Begin()
	require.NoError(t, err)
	balance, err := s.BalanceIn(tx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
	require.NoError(t, s.DebitIn(tx, 1, 3))
	require.NoError(t, s.CreditIn(tx, 2, 3))
	require.NoError(t, tx.Commit())

	balance, err = s.Balance(1)
	require.NoError(t, err)
	assert.Equal(t, 7, balance)
	balance, err = s.Balance(2)
	require.NoError(t, err)
	assert.Equal(t, 13, balance)
}

func TestTransactionRollback(t *testing.T) {
	s := openTestStore(t)

	tx, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, s.DebitIn(tx, 1, 5))
	require.NoError(t, tx.Rollback())

	balance, err := s.Balance(1)
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
}
