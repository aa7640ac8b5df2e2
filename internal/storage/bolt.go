// Package storage persists last-known tool inventories and invocation
// statistics in a local bbolt database. The live registry never reads from
// here on the hot path; the cache exists so restarts and diagnostics can see
// what a server offered before it went away.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const dbFileName = "mcpbridge.db"

var (
	bucketTools = []byte("tools")
	bucketStats = []byte("stats")
)

// CachedTool is the persisted summary of one tool.
type CachedTool struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CachedAt    time.Time `json:"cached_at"`
}

// InvocationStats aggregates calls to one tool.
type InvocationStats struct {
	Calls      int64     `json:"calls"`
	Errors     int64     `json:"errors"`
	LastCalled time.Time `json:"last_called"`
	TotalMs    int64     `json:"total_ms"`
}

// BoltStore wraps the bbolt database.
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// Open creates or opens the database under dataDir.
func Open(dataDir string, logger *zap.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	path := filepath.Join(dataDir, dbFileName)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketTools, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	logger.Debug("storage opened", zap.String("path", path))
	return &BoltStore{db: db, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveServerTools replaces the cached inventory for a server.
func (s *BoltStore) SaveServerTools(serverID string, tools []CachedTool) error {
	data, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("failed to serialize tools for %s: %w", serverID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTools).Put([]byte(serverID), data)
	})
}

// GetServerTools returns the cached inventory for a server, or nil when the
// server was never cached.
func (s *BoltStore) GetServerTools(serverID string) ([]CachedTool, error) {
	var tools []CachedTool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTools).Get([]byte(serverID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &tools)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load cached tools for %s: %w", serverID, err)
	}
	return tools, nil
}

// DeleteServerTools drops the cached inventory for a removed server.
func (s *BoltStore) DeleteServerTools(serverID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTools).Delete([]byte(serverID))
	})
}

// CachedServers lists the server IDs with a cached inventory.
func (s *BoltStore) CachedServers() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTools).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// RecordInvocation folds one tool call into the stats. The key is
// "<serverID>:<toolName>".
func (s *BoltStore) RecordInvocation(serverID, toolName string, success bool, elapsed time.Duration) error {
	key := []byte(serverID + ":" + toolName)
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketStats)

		var stats InvocationStats
		if data := bucket.Get(key); data != nil {
			if err := json.Unmarshal(data, &stats); err != nil {
				// Corrupt record, start over rather than fail the call path.
				s.logger.Warn("resetting corrupt stats record", zap.String("key", string(key)))
				stats = InvocationStats{}
			}
		}

		stats.Calls++
		if !success {
			stats.Errors++
		}
		stats.LastCalled = time.Now()
		stats.TotalMs += elapsed.Milliseconds()

		data, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

// GetInvocationStats returns all per-tool statistics keyed by
// "<serverID>:<toolName>".
func (s *BoltStore) GetInvocationStats() (map[string]InvocationStats, error) {
	out := make(map[string]InvocationStats)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStats).ForEach(func(k, v []byte) error {
			var stats InvocationStats
			if err := json.Unmarshal(v, &stats); err != nil {
				return nil // skip corrupt records
			}
			out[string(k)] = stats
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
