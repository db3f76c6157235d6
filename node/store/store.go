package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyRetries = 8
	sqliteBusyDelay   = 20 * time.Millisecond
)

// Store is a node's private balances database. Only committed log entries
// reach it; cross-node consistency flows through the replicated log, never
// through this store.
type Store struct {
	db *sql.DB

	stmtSelect *sql.Stmt
	stmtDebit  *sql.Stmt
	stmtCredit *sql.Stmt

	modMu    sync.RWMutex
	modified map[int]bool
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, modified: make(map[int]bool)}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS balances (key INTEGER PRIMARY KEY, balance INTEGER)`); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) prepareStatements() error {
	var err error
	if s.stmtSelect, err = s.db.Prepare("SELECT balance FROM balances WHERE key = ?"); err != nil {
		return err
	}
	if s.stmtDebit, err = s.db.Prepare("UPDATE balances SET balance = balance - ? WHERE key = ?"); err != nil {
		return err
	}
	if s.stmtCredit, err = s.db.Prepare("UPDATE balances SET balance = balance + ? WHERE key = ?"); err != nil {
		return err
	}
	return nil
}

// Seed fills [keyStart, keyEnd] with the initial balance, replacing whatever
// is there.
func (s *Store) Seed(keyStart, keyEnd, balance int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare("INSERT OR REPLACE INTO balances(key, balance) VALUES(?, ?)")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for key := keyStart; key <= keyEnd; key++ {
		if _, err := stmt.Exec(key, balance); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy")
}

func (s *Store) Balance(key int) (int, error) {
	var balance int
	if err := s.stmtSelect.QueryRow(key).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// Transfer debits sender and credits receiver atomically. The insufficient
// funds check is the local invariant 2PC prepare also relies on. Written
// holds the post-transfer balances of the touched keys.
func (s *Store) Transfer(sender, receiver, amount int) (bool, string, map[int]int) {
	if amount == 0 {
		return true, "", nil
	}
	for attempt := 0; attempt < sqliteBusyRetries; attempt++ {
		tx, err := s.db.Begin()
		if err != nil {
			if isBusy(err) {
				time.Sleep(sqliteBusyDelay)
				continue
			}
			return false, "DBBeginFailed", nil
		}
		var senderBalance int
		if err := tx.Stmt(s.stmtSelect).QueryRow(sender).Scan(&senderBalance); err != nil {
			tx.Rollback()
			if isBusy(err) {
				time.Sleep(sqliteBusyDelay)
				continue
			}
			return false, "DBReadFailed", nil
		}
		if senderBalance < amount {
			tx.Rollback()
			return false, "InsufficientFunds", nil
		}
		if _, err := tx.Stmt(s.stmtDebit).Exec(amount, sender); err != nil {
			tx.Rollback()
			if isBusy(err) {
				time.Sleep(sqliteBusyDelay)
				continue
			}
			return false, "DBWriteFailed", nil
		}
		if _, err := tx.Stmt(s.stmtCredit).Exec(amount, receiver); err != nil {
			tx.Rollback()
			if isBusy(err) {
				time.Sleep(sqliteBusyDelay)
				continue
			}
			return false, "DBWriteFailed", nil
		}
		if err := tx.Commit(); err != nil {
			tx.Rollback()
			if isBusy(err) {
				time.Sleep(sqliteBusyDelay)
				continue
			}
			return false, "CommitFailed", nil
		}
		s.MarkModified(sender)
		s.MarkModified(receiver)
		written := map[int]int{
			sender:   senderBalance - amount,
			receiver: 0,
		}
		if receiverBalance, err := s.Balance(receiver); err == nil {
			written[receiver] = receiverBalance
		}
		return true, "", written
	}
	return false, "DBBusy", nil
}

func (s *Store) Set(key, balance int) error {
	_, err := s.db.Exec("INSERT INTO balances(key, balance) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET balance = excluded.balance", key, balance)
	if err != nil {
		return err
	}
	s.MarkModified(key)
	return nil
}

func (s *Store) Delete(key int) error {
	if _, err := s.db.Exec("DELETE FROM balances WHERE key = ?", key); err != nil {
		return err
	}
	s.modMu.Lock()
	delete(s.modified, key)
	s.modMu.Unlock()
	return nil
}

func (s *Store) MarkModified(key int) {
	s.modMu.Lock()
	s.modified[key] = true
	s.modMu.Unlock()
}

func (s *Store) ModifiedKeys() []int {
	s.modMu.RLock()
	keys := make([]int, 0, len(s.modified))
	for key := range s.modified {
		keys = append(keys, key)
	}
	s.modMu.RUnlock()
	sort.Ints(keys)
	return keys
}

// ResetModified puts every modified key back to the seed balance and clears
// the modified set. Used between workload sets.
func (s *Store) ResetModified(balance int) int {
	keys := s.ModifiedKeys()
	for _, key := range keys {
		s.db.Exec("UPDATE balances SET balance = ? WHERE key = ?", balance, key)
	}
	s.modMu.Lock()
	s.modified = make(map[int]bool)
	s.modMu.Unlock()
	return len(keys)
}

// DB exposes the handle for the 2PC undo-WAL, which must record before
// images inside the same sqlite transaction as the tentative effect.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Begin() (*sql.Tx, error) {
	return s.db.Begin()
}

func (s *Store) BalanceIn(tx *sql.Tx, key int) (int, error) {
	var balance int
	err := tx.Stmt(s.stmtSelect).QueryRow(key).Scan(&balance)
	return balance, err
}

func (s *Store) DebitIn(tx *sql.Tx, key, amount int) error {
	_, err := tx.Stmt(s.stmtDebit).Exec(amount, key)
	return err
}

func (s *Store) CreditIn(tx *sql.Tx, key, amount int) error {
	_, err := tx.Stmt(s.stmtCredit).Exec(amount, key)
	return err
}

func (s *Store) Close() error {
	if s.stmtSelect != nil {
		s.stmtSelect.Close()
	}
	if s.stmtDebit != nil {
		s.stmtDebit.Close()
	}
	if s.stmtCredit != nil {
		s.stmtCredit.Close()
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DumpModified renders "key:balance" pairs for the console.
func (s *Store) DumpModified() string {
	keys := s.ModifiedKeys()
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		balance, err := s.Balance(key)
		if err != nil {
			continue
		}
		pairs = append(pairs, fmt.Sprintf("%d:%d", key, balance))
	}
	if len(pairs) == 0 {
		return "<no keys modified>"
	}
	return strings.Join(pairs, ", ")
}
