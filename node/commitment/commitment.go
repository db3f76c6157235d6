package commitment

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"shardledger/config"
)

type PrepareRequest struct {
	Txn              config.Transaction
	TxnID            string
	CoordinatorID    int
	CoordinatorShard int
	ParticipantShard int
}

type PrepareResponse struct {
	TxnID            string
	Ready            bool
	ParticipantSlot  int
	Reason           string
	ParticipantPhase config.TwoPCPhase
	LeaderID         int
}

type DecisionRequest struct {
	TxnID            string
	Decision         config.TwoPCPhase
	CoordinatorSlot  int
	ParticipantSlot  int
	CoordinatorShard int
	ParticipantShard int
	Txn              config.Transaction
}

type DecisionResponse struct {
	TxnID    string
	Ack      bool
	Reason   string
	LeaderID int
}

type TwoPCStatusRequest struct {
	TxnID string
}

type TwoPCStatusResponse struct {
	TxnID            string
	Known            bool
	Phase            config.TwoPCPhase
	Decision         config.TwoPCPhase
	Role             config.TwoPCRole
	Slot             int
	CoordinatorShard int
	ParticipantShard int
}

// TransactionState tracks one cross-shard transaction on this node, for
// duplicate suppression and for the participant's decision timer.
type TransactionState struct {
	Txn                  config.Transaction
	TxnID                string
	CoordinatorSlot      int
	ParticipantSlot      int
	ParticipantLeaderID  int
	Role                 config.TwoPCRole
	Phase                config.TwoPCPhase
	Decision             config.TwoPCPhase
	CoordinatorShard     int
	ParticipantShard     int
	CreatedAt            time.Time
	Deadline             time.Time
	Timer                *time.Timer
	LastError            string
	AcknowledgedDecision bool
	CleanupAt            time.Time
}

// WALManager keeps before-images of keys touched by a tentative 2PC effect
// so an abort can restore them. Records ride in the same sqlite transaction
// as the effect itself.
type WALManager struct {
	db *sql.DB
	mu sync.Mutex
}

func NewWALManager(db *sql.DB) *WALManager {
	return &WALManager{db: db}
}

func (w *WALManager) EnsureTables() error {
	if w == nil || w.db == nil {
		return fmt.Errorf("wal manager not initialized")
	}
	_, err := w.db.Exec(`CREATE TABLE IF NOT EXISTS wal_records (
		txn_id TEXT NOT NULL,
		key INTEGER NOT NULL,
		before_value INTEGER NOT NULL,
		phase TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY(txn_id, key, phase, role)
	)`)
	return err
}

func (w *WALManager) Record(txnID string, key, before int, phase config.TwoPCPhase, role config.TwoPCRole) error {
	if w == nil || w.db == nil {
		return fmt.Errorf("wal manager not initialized")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.db.Exec(`INSERT OR REPLACE INTO wal_records(txn_id, key, before_value, phase, role, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		txnID, key, before, string(phase), string(role), time.Now().UnixNano())
	return err
}

// RecordTx writes the before-image inside the caller's transaction so the
// image and the tentative effect are atomic.
func (w *WALManager) RecordTx(tx *sql.Tx, txnID string, key, before int, phase config.TwoPCPhase, role config.TwoPCRole) error {
	if w == nil {
		return fmt.Errorf("wal manager not initialized")
	}
	if tx == nil {
		return w.Record(txnID, key, before, phase, role)
	}
	_, err := tx.Exec(`INSERT OR REPLACE INTO wal_records(txn_id, key, before_value, phase, role, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		txnID, key, before, string(phase), string(role), time.Now().UnixNano())
	return err
}

func (w *WALManager) BeforeImages(txnID string) (map[int]int, error) {
	if w == nil || w.db == nil {
		return nil, fmt.Errorf("wal manager not initialized")
	}
	rows, err := w.db.Query(`SELECT key, before_value FROM wal_records WHERE txn_id = ?`, txnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	images := make(map[int]int)
	for rows.Next() {
		var key, before int
		if err := rows.Scan(&key, &before); err != nil {
			return nil, err
		}
		images[key] = before
	}
	return images, rows.Err()
}

func (w *WALManager) Clear(txnID string) error {
	if w == nil || w.db == nil {
		return fmt.Errorf("wal manager not initialized")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.db.Exec(`DELETE FROM wal_records WHERE txn_id = ?`, txnID)
	return err
}

func (w *WALManager) ClearAll() error {
	if w == nil || w.db == nil {
		return fmt.Errorf("wal manager not initialized")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.db.Exec(`DELETE FROM wal_records`)
	return err
}
