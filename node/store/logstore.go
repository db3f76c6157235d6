package store

import (
	"encoding/binary"
	"encoding/json"
	"sort"

	bolt "go.etcd.io/bbolt"

	"shardledger/config"
)

const logBucket = "log"

// LogStore persists a node's accept log so it survives a restart: one entry
// per slot, later ballots overwriting earlier ones. Recovery still runs
// against peers after reload; the persisted log just shortens it.
type LogStore struct {
	db *bolt.DB
}

func OpenLogStore(path string) (*LogStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(logBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &LogStore{db: db}, nil
}

func slotKey(slot int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(slot))
	return key
}

func (l *LogStore) Append(entry config.LogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(logBucket)).Put(slotKey(entry.Slot), raw)
	})
}

func (l *LogStore) Entries() ([]config.LogEntry, error) {
	var entries []config.LogEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(logBucket)).ForEach(func(_, raw []byte) error {
			var entry config.LogEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Slot < entries[j].Slot })
	return entries, nil
}

func (l *LogStore) MaxSlot() (int, error) {
	maxSlot := 0
	err := l.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket([]byte(logBucket)).Cursor()
		if key, _ := cursor.Last(); key != nil {
			maxSlot = int(binary.BigEndian.Uint64(key))
		}
		return nil
	})
	return maxSlot, err
}

func (l *LogStore) Reset() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(logBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(logBucket))
		return err
	})
}

func (l *LogStore) Close() error {
	return l.db.Close()
}
