package gossip

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

type storeEntry struct {
	record NodeRecord

	// updatedAt is the time the record was last replaced.
	updatedAt time.Time

	// transitionedAt is the time the node became dead or left. Only set while
	// the record is terminal.
	transitionedAt time.Time
}

// MergeResult describes the outcome of merging a record into the store.
type MergeResult struct {
	// Merged indicates whether the store view changed.
	Merged bool

	// Previous is the record replaced by the merge. Only set if Exists is
	// true.
	Previous NodeRecord

	// Exists indicates whether the store held a record for the node before
	// the merge.
	Exists bool
}

// Store contains the known record of each node in the cluster, including the
// local node.
//
// The store is a pure merge function over (term, severity), so applying the
// same or an older record is a no-op, and records can be applied in any order
// to converge on the same view.
//
// Store is safe for concurrent use. Records returned are copies so callers
// never observe a partially updated record.
type Store struct {
	localID string

	entries map[string]*storeEntry

	// mu protects the above fields.
	mu sync.RWMutex
}

func NewStore(localID string) *Store {
	return &Store{
		localID: localID,
		entries: make(map[string]*storeEntry),
	}
}

func (s *Store) LocalID() string {
	return s.localID
}

// Upsert merges the given record into the store and returns whether the view
// of the node changed.
func (s *Store) Upsert(record NodeRecord) bool {
	return s.UpsertAt(record, time.Now()).Merged
}

// UpsertAt merges the given record into the store using now as the time of
// the change.
func (s *Store) UpsertAt(record NodeRecord, now time.Time) MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[record.ID]
	if !ok {
		entry = &storeEntry{
			record:    record.clone(),
			updatedAt: now,
		}
		if record.Status.Terminal() {
			entry.transitionedAt = now
		}
		s.entries[record.ID] = entry
		return MergeResult{Merged: true}
	}

	if !record.Supersedes(entry.record) {
		return MergeResult{
			Merged:   false,
			Previous: entry.record.clone(),
			Exists:   true,
		}
	}

	previous := entry.record
	entry.record = record.clone()
	entry.updatedAt = now

	switch {
	case !record.Status.Terminal():
		entry.transitionedAt = time.Time{}
	case !previous.Status.Terminal():
		entry.transitionedAt = now
	}
	// Moving between dead and left keeps the original transition time so
	// a node can't be kept around forever by alternating tombstones.

	return MergeResult{
		Merged:   true,
		Previous: previous.clone(),
		Exists:   true,
	}
}

func (s *Store) Get(id string) (NodeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return NodeRecord{}, false
	}
	return entry.record.clone(), true
}

// List returns all known records, including tombstones, sorted by ID.
func (s *Store) List() []NodeRecord {
	s.mu.RLock()
	records := make([]NodeRecord, 0, len(s.entries))
	for _, entry := range s.entries {
		records = append(records, entry.record.clone())
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
	return records
}

// Peers returns the remote records whose status matches one of the given
// statuses. If no statuses are given all remote records are returned.
func (s *Store) Peers(statuses ...Status) []NodeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []NodeRecord
	for id, entry := range s.entries {
		if id == s.localID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, entry.record.Status) {
			continue
		}
		records = append(records, entry.record.clone())
	}
	return records
}

// SnapshotSample returns up to k remote records chosen uniformly at random
// without replacement.
func (s *Store) SnapshotSample(k int) []NodeRecord {
	if k <= 0 {
		return nil
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		if id == s.localID {
			continue
		}
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	// Partial Fisher-Yates shuffle, we only need the first k.
	if k > len(ids) {
		k = len(ids)
	}
	for i := 0; i != k; i++ {
		j := i + rand.Intn(len(ids)-i)
		ids[i], ids[j] = ids[j], ids[i]
	}

	// The records may have been replaced or reaped since the IDs were copied,
	// which is fine since we only need a sample of the latest state.
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]NodeRecord, 0, k)
	for _, id := range ids[:k] {
		entry, ok := s.entries[id]
		if !ok {
			continue
		}
		records = append(records, entry.record.clone())
	}
	return records
}

// Reap removes dead and left records that transitioned before
// now - tombstoneTTL, and returns the removed records.
//
// The local node is never reaped.
func (s *Store) Reap(now time.Time, tombstoneTTL time.Duration) []NodeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-tombstoneTTL)

	var reaped []NodeRecord
	for id, entry := range s.entries {
		if id == s.localID {
			continue
		}
		if !entry.record.Status.Terminal() {
			continue
		}
		if !entry.transitionedAt.Before(cutoff) {
			continue
		}

		delete(s.entries, id)
		reaped = append(reaped, entry.record)
	}
	return reaped
}

// StatusCounts returns the number of known nodes with each status.
func (s *Store) StatusCounts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int)
	for _, entry := range s.entries {
		counts[entry.record.Status]++
	}
	return counts
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

func containsStatus(statuses []Status, status Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
