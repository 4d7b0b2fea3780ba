// Package store implements an operator-facing archive of completed
// workflow executions, backed by BoltDB — grounded on the teacher's
// persistence.go WorkflowStore (bucket layout, mem-cache-then-disk read
// path, prefix-scan time-range queries), trimmed to the execution-archive
// half this module needs: workflows here are generated per-instruction,
// not hand-authored and versioned, so there is no workflow-definition
// bucket or version history to keep.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lumenforge/agentflow/internal/types"
)

var (
	bucketExecutions = []byte("executions")
	bucketIndexes    = []byte("indexes")
)

// Store is a BoltDB-backed archive of terminal workflow executions.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	executionCache map[string]*types.Workflow
	maxCacheSize   int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open opens (or creates) the BoltDB file at dbPath/executions.db.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoGrowSync:   false,
		FreelistType: bbolt.FreelistArrayType,
	}

	db, err := bbolt.Open(dbPath+"/executions.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketExecutions, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("agentflow_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("agentflow_store_write_ms")
	cacheHits, _ := meter.Int64Counter("agentflow_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("agentflow_store_cache_misses_total")

	return &Store{
		db:             db,
		executionCache: make(map[string]*types.Workflow),
		maxCacheSize:   1000,
		readLatency:    readLatency,
		writeLatency:   writeLatency,
		cacheHits:      cacheHits,
		cacheMisses:    cacheMisses,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Archive persists a terminal workflow and indexes it by instruction id and
// completion time for range queries.
func (s *Store) Archive(ctx context.Context, wf types.Workflow) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "archive")))
	}()

	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	completedAt := time.Now()
	if wf.CompletedAt != nil {
		completedAt = *wf.CompletedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExecutions).Put([]byte(wf.ID), data); err != nil {
			return err
		}
		indexKey := fmt.Sprintf("%s:%d:%s", wf.InstructionID, completedAt.UnixNano(), wf.ID)
		return tx.Bucket(bucketIndexes).Put([]byte(indexKey), []byte(wf.ID))
	})
	if err != nil {
		return fmt.Errorf("write execution: %w", err)
	}

	if len(s.executionCache) >= s.maxCacheSize {
		s.evictOldestLocked()
	}
	wfCopy := wf
	s.executionCache[wf.ID] = &wfCopy
	return nil
}

// Get retrieves one archived workflow execution by id.
func (s *Store) Get(ctx context.Context, workflowID string) (types.Workflow, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get")))
	}()

	s.mu.RLock()
	if wf, found := s.executionCache[workflowID]; found {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1)
		return *wf, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1)

	var wf types.Workflow
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(workflowID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return types.Workflow{}, false, fmt.Errorf("read execution: %w", err)
	}
	if !found {
		return types.Workflow{}, false, nil
	}

	s.mu.Lock()
	wfCopy := wf
	s.executionCache[workflowID] = &wfCopy
	s.mu.Unlock()
	return wf, true, nil
}

// ListByInstruction returns archived executions for instructionID whose
// completion time falls within [start, end], oldest-first cursor order,
// capped at limit — the teacher's hasPrefix index-scan pattern.
func (s *Store) ListByInstruction(ctx context.Context, instructionID string, start, end time.Time, limit int) ([]types.Workflow, error) {
	out := make([]types.Workflow, 0, limit)

	err := s.db.View(func(tx *bbolt.Tx) error {
		indexBucket := tx.Bucket(bucketIndexes)
		execBucket := tx.Bucket(bucketExecutions)

		prefix := []byte(instructionID + ":")
		cursor := indexBucket.Cursor()

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			data := execBucket.Get(v)
			if data == nil {
				continue
			}
			var wf types.Workflow
			if err := json.Unmarshal(data, &wf); err != nil {
				continue
			}
			if wf.CompletedAt == nil || wf.CompletedAt.Before(start) || wf.CompletedAt.After(end) {
				continue
			}
			out = append(out, wf)
			count++
		}
		return nil
	})
	return out, err
}

// Stats reports basic archive size information.
func (s *Store) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	_ = s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		if b := tx.Bucket(bucketExecutions); b != nil {
			stats["executions_count"] = b.Stats().KeyN
		}
		return nil
	})
	s.mu.RLock()
	stats["cache_size"] = len(s.executionCache)
	s.mu.RUnlock()
	return stats
}

func (s *Store) evictOldestLocked() {
	var oldestID string
	var oldestTime time.Time
	for id, wf := range s.executionCache {
		t := wf.CreatedAt
		if oldestID == "" || t.Before(oldestTime) {
			oldestID, oldestTime = id, t
		}
	}
	if oldestID != "" {
		delete(s.executionCache, oldestID)
	}
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
