package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// ShardMap is the versioned key→shard assignment. Version 0 is the default
// contiguous partitioning with no overrides; every reshard installs a
// strictly higher version. Routing reads are lock-protected snapshots; the
// map is mutated only through Install.
type ShardMap struct {
	mu        sync.RWMutex
	version   int
	overrides map[int]int
	path      string
}

type shardMapFile struct {
	Version   int            `json:"version"`
	Overrides map[string]int `json:"overrides"`
}

// NewShardMap loads the persisted map at path if one exists; path may be
// empty for a purely in-memory map (tests, short-lived clients).
func NewShardMap(path string) (*ShardMap, error) {
	m := &ShardMap{overrides: make(map[int]int), path: path}
	if path == "" {
		return m, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	var file shardMapFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse shard map %s: %w", path, err)
	}
	m.version = file.Version
	for keyStr, shardID := range file.Overrides {
		key, err := strconv.Atoi(keyStr)
		if err != nil {
			continue
		}
		if shardID >= 1 && shardID <= ShardCount() {
			m.overrides[key] = shardID
		}
	}
	return m, nil
}

func (m *ShardMap) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// ShardForKey routes a key under the current version. Returns 0 for keys
// outside every shard's range.
func (m *ShardMap) ShardForKey(key int) int {
	m.mu.RLock()
	if shardID, ok := m.overrides[key]; ok {
		m.mu.RUnlock()
		return shardID
	}
	m.mu.RUnlock()
	return DefaultShardForKey(key)
}

// Install replaces the override table under a new version. Installs at or
// below the current version are rejected: a node must never route with a
// map older than one it has already seen.
func (m *ShardMap) Install(version int, overrides map[int]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version <= m.version {
		return fmt.Errorf("stale shard map version %d (current %d)", version, m.version)
	}
	next := make(map[int]int, len(overrides))
	for key, shardID := range overrides {
		if shardID < 1 || shardID > ShardCount() {
			continue
		}
		if shardID == DefaultShardForKey(key) {
			continue
		}
		next[key] = shardID
	}
	m.version = version
	m.overrides = next
	return m.persistLocked()
}

func (m *ShardMap) persistLocked() error {
	if m.path == "" {
		return nil
	}
	file := shardMapFile{Version: m.version, Overrides: make(map[string]int, len(m.overrides))}
	for key, shardID := range m.overrides {
		file.Overrides[strconv.Itoa(key)] = shardID
	}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(m.path, raw, 0o644)
}

// Snapshot returns the current version and a copy of the overrides, for
// broadcasting to nodes after a reshard.
func (m *ShardMap) Snapshot() ShardMapUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	overrides := make(map[int]int, len(m.overrides))
	for key, shardID := range m.overrides {
		overrides[key] = shardID
	}
	return ShardMapUpdate{Version: m.version, Overrides: overrides}
}
