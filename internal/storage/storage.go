// Package storage implements the StorageSubsystem: a thin,
// content-addressed wrapper over a pluggable Adapter. Incremental writes
// keyed by content hash (idempotent), periodic compaction into a
// snapshot, read-all-then-apply-in-any-order loads.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/knirvcorp/automerge-repo-go/internal/crdt"
	"github.com/knirvcorp/automerge-repo-go/internal/docid"
	"github.com/knirvcorp/automerge-repo-go/internal/logging"
	"github.com/knirvcorp/automerge-repo-go/internal/monitoring"
	"github.com/knirvcorp/automerge-repo-go/internal/wire"
)

const (
	segSnapshot    = "snapshot"
	segIncremental = "incremental"
	segSyncState   = "sync-state"
)

// Adapter is the external key-value backend contract. Keys are path
// vectors of strings; all operations are async-capable and may fail.
type Adapter interface {
	Load(key []string) ([]byte, error)
	Save(key []string, value []byte) error
	Remove(key []string) error
	LoadRange(prefix []string) (map[string][]byte, error)
	RemoveRange(prefix []string) error
	ID() wire.StorageID
}

// CompactionThreshold is the default number of incremental writes a
// document accumulates before Subsystem folds them into a fresh snapshot.
const CompactionThreshold = 32

// Subsystem is the StorageSubsystem.
type Subsystem struct {
	adapter   Adapter
	factory   crdt.Factory
	threshold int
	logger    *logging.Logger
	metrics   *monitoring.Metrics

	mu          sync.Mutex
	incremental map[docid.ID]int // pending incremental count per document
	savedHeads  map[docid.ID][]string
}

// New constructs a Subsystem over adapter using factory to (de)serialize
// documents. threshold <= 0 uses CompactionThreshold.
func New(adapter Adapter, factory crdt.Factory, threshold int, logger *logging.Logger, metrics *monitoring.Metrics) *Subsystem {
	if threshold <= 0 {
		threshold = CompactionThreshold
	}
	return &Subsystem{
		adapter:     adapter,
		factory:     factory,
		threshold:   threshold,
		logger:      logger,
		metrics:     metrics,
		incremental: make(map[docid.ID]int),
		savedHeads:  make(map[docid.ID][]string),
	}
}

// ID returns the backing adapter's stable StorageID.
func (s *Subsystem) ID() wire.StorageID { return s.adapter.ID() }

// LoadDoc reads the snapshot (if any) plus every incremental change and
// applies them — CRDT commutativity means the apply order does not matter.
// Returns (nil, nil) when nothing is stored for id.
func (s *Subsystem) LoadDoc(id docid.ID) (crdt.Doc, error) {
	if s.metrics != nil {
		start := time.Now()
		defer func() { s.metrics.StorageLoadLatency.Observe(time.Since(start).Seconds()) }()
	}
	snapKey := s.key(id, segSnapshot)
	snapBytes, err := s.adapter.Load(snapKey)
	if err != nil {
		return nil, s.fail("load snapshot", err)
	}

	var doc crdt.Doc
	if snapBytes != nil {
		doc, err = s.factory.Load(snapBytes)
		if err != nil {
			return nil, s.fail("decode snapshot", err)
		}
	}

	incPrefix := []string{id.String(), segIncremental}
	incs, err := s.adapter.LoadRange(incPrefix)
	if err != nil {
		return nil, s.fail("load incrementals", err)
	}
	if doc == nil && len(incs) == 0 {
		return nil, nil
	}
	if doc == nil {
		doc = s.factory.New()
	}
	for _, blob := range incs {
		fragment, err := s.factory.Load(blob)
		if err != nil {
			s.warn("decode incremental (skipped)", err)
			continue
		}
		if err := doc.Merge(fragment); err != nil {
			s.warn("merge incremental (skipped)", err)
		}
	}

	s.mu.Lock()
	s.incremental[id] = len(incs)
	s.savedHeads[id] = doc.Heads()
	s.mu.Unlock()

	return doc, nil
}

// SaveDoc persists any changes in doc not yet observed by this Subsystem
// for id, writing an incremental keyed by the content hash of the diff so
// re-persisting an already-stored change is a no-op, then compacts into a
// fresh snapshot once the incremental count crosses the threshold.
func (s *Subsystem) SaveDoc(id docid.ID, doc crdt.Doc) error {
	if s.metrics != nil {
		start := time.Now()
		defer func() { s.metrics.StorageSaveLatency.Observe(time.Since(start).Seconds()) }()
	}
	s.mu.Lock()
	lastHeads := append([]string(nil), s.savedHeads[id]...)
	s.mu.Unlock()

	heads := doc.Heads()
	if headsEqual(lastHeads, heads) {
		return nil
	}

	diff, err := doc.Diff(lastHeads, heads)
	if err != nil {
		return s.fail("diff", err)
	}
	if len(diff) > 0 {
		hash := contentHash(diff)
		if err := s.adapter.Save(s.key(id, segIncremental, hash), diff); err != nil {
			return s.fail("save incremental", err)
		}
		if s.metrics != nil {
			s.metrics.StorageSaves.Inc()
		}
	}

	s.mu.Lock()
	s.incremental[id]++
	s.savedHeads[id] = heads
	count := s.incremental[id]
	s.mu.Unlock()

	if count >= s.threshold {
		return s.compact(id, doc)
	}
	return nil
}

func (s *Subsystem) compact(id docid.ID, doc crdt.Doc) error {
	snap := doc.Save()
	if err := s.adapter.Save(s.key(id, segSnapshot), snap); err != nil {
		return s.fail("save compacted snapshot", err)
	}
	if err := s.adapter.RemoveRange([]string{id.String(), segIncremental}); err != nil {
		s.warn("remove stale incrementals after compaction", err)
	}
	s.mu.Lock()
	s.incremental[id] = 0
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.StorageCompactions.Inc()
	}
	if s.logger != nil {
		s.logger.WithDocumentID(id.String()).Info("compacted document into snapshot")
	}
	return nil
}

// RemoveDoc deletes every key stored under id's prefix.
func (s *Subsystem) RemoveDoc(id docid.ID) error {
	if err := s.adapter.RemoveRange([]string{id.String()}); err != nil {
		return s.fail("remove doc", err)
	}
	s.mu.Lock()
	delete(s.incremental, id)
	delete(s.savedHeads, id)
	s.mu.Unlock()
	return nil
}

// LoadSyncState returns the persisted sync-state blob for (id, storageID),
// or nil if none is stored.
func (s *Subsystem) LoadSyncState(id docid.ID, storageID wire.StorageID) ([]byte, error) {
	data, err := s.adapter.Load(s.key(id, segSyncState, string(storageID)))
	if err != nil {
		return nil, s.fail("load sync state", err)
	}
	return data, nil
}

// SaveSyncState persists a sync-state blob for (id, storageID).
func (s *Subsystem) SaveSyncState(id docid.ID, storageID wire.StorageID, data []byte) error {
	if err := s.adapter.Save(s.key(id, segSyncState, string(storageID)), data); err != nil {
		return s.fail("save sync state", err)
	}
	return nil
}

func (s *Subsystem) key(id docid.ID, segments ...string) []string {
	return append([]string{id.String()}, segments...)
}

func (s *Subsystem) fail(op string, err error) error {
	if s.metrics != nil {
		s.metrics.Errors.Inc()
	}
	if s.logger != nil {
		s.logger.WithError(err).Error("storage operation failed: " + op)
	}
	return fmt.Errorf("%w: %s: %v", wire.ErrStorageFailure, op, err)
}

func (s *Subsystem) warn(op string, err error) {
	if s.logger != nil {
		s.logger.WithError(err).Warn("storage: " + op)
	}
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func headsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
