package gossip

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Upsert(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		s := NewStore("local")

		record := NodeRecord{
			ID:     "node-a",
			Addr:   "10.26.104.56:8003",
			Term:   1,
			Status: StatusAlive,
		}
		assert.True(t, s.Upsert(record))
		assert.False(t, s.Upsert(record))

		stored, ok := s.Get("node-a")
		require.True(t, ok)
		assert.Equal(t, record, stored)
	})

	t.Run("stale record ignored", func(t *testing.T) {
		s := NewStore("local")

		assert.True(t, s.Upsert(NodeRecord{
			ID: "node-a", Addr: "10.26.104.56:8003", Term: 2, Status: StatusDead,
		}))
		assert.False(t, s.Upsert(NodeRecord{
			ID: "node-a", Addr: "10.26.104.56:8003", Term: 1, Status: StatusAlive,
		}))

		stored, ok := s.Get("node-a")
		require.True(t, ok)
		assert.Equal(t, StatusDead, stored.Status)
		assert.Equal(t, uint64(2), stored.Term)
	})

	t.Run("severity tie break", func(t *testing.T) {
		alive := NodeRecord{
			ID: "node-a", Addr: "10.26.104.56:8003", Term: 5, Status: StatusAlive,
		}
		dead := NodeRecord{
			ID: "node-a", Addr: "10.26.104.56:8003", Term: 5, Status: StatusDead,
		}

		for _, order := range [][]NodeRecord{
			{alive, dead},
			{dead, alive},
		} {
			s := NewStore("local")
			for _, record := range order {
				s.Upsert(record)
			}

			stored, ok := s.Get("node-a")
			require.True(t, ok)
			assert.Equal(t, StatusDead, stored.Status)
		}
	})

	t.Run("merge result", func(t *testing.T) {
		s := NewStore("local")

		now := time.Now()
		first := NodeRecord{
			ID: "node-a", Addr: "10.26.104.56:8003", Term: 1, Status: StatusAlive,
		}
		result := s.UpsertAt(first, now)
		assert.Equal(t, MergeResult{Merged: true}, result)

		second := NodeRecord{
			ID: "node-a", Addr: "10.26.104.56:8003", Term: 2, Status: StatusSuspect,
		}
		result = s.UpsertAt(second, now)
		assert.True(t, result.Merged)
		assert.True(t, result.Exists)
		assert.Equal(t, first, result.Previous)
	})

	t.Run("returns copies", func(t *testing.T) {
		s := NewStore("local")

		metadata := []byte("foo")
		s.Upsert(NodeRecord{
			ID:       "node-a",
			Addr:     "10.26.104.56:8003",
			Metadata: metadata,
			Term:     1,
			Status:   StatusAlive,
		})
		metadata[0] = 'x'

		stored, _ := s.Get("node-a")
		assert.Equal(t, []byte("foo"), stored.Metadata)

		stored.Metadata[0] = 'y'
		stored, _ = s.Get("node-a")
		assert.Equal(t, []byte("foo"), stored.Metadata)
	})
}

// Tests applying the same set of records in any order converges on the same
// view.
func TestStore_Commutative(t *testing.T) {
	var records []NodeRecord
	for i := 0; i != 4; i++ {
		nodeID := fmt.Sprintf("node-%d", i)
		for term := uint64(1); term <= 3; term++ {
			for _, status := range []Status{
				StatusAlive, StatusSuspect, StatusDead, StatusLeft,
			} {
				// Include conflicting records with the same term and
				// status.
				for _, metadata := range []string{"old", "new"} {
					records = append(records, NodeRecord{
						ID:       nodeID,
						Addr:     fmt.Sprintf("10.26.104.%d:8003", i),
						Metadata: []byte(metadata),
						Term:     term,
						Status:   status,
					})
				}
			}
		}
	}

	expected := NewStore("local")
	for _, record := range records {
		expected.Upsert(record)
	}

	for i := 0; i != 50; i++ {
		shuffled := append([]NodeRecord(nil), records...)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		s := NewStore("local")
		for _, record := range shuffled {
			s.Upsert(record)
		}
		assert.Equal(t, expected.List(), s.List())
	}

	// Every node converges on the greatest term with the most severe status.
	for _, record := range expected.List() {
		assert.Equal(t, uint64(3), record.Term)
		assert.Equal(t, StatusDead, record.Status)
	}
}

// Tests the stored term for a node never decreases.
func TestStore_MonotonicTerm(t *testing.T) {
	s := NewStore("local")

	var last uint64
	for i := 0; i != 1000; i++ {
		s.Upsert(NodeRecord{
			ID:     "node-a",
			Addr:   "10.26.104.56:8003",
			Term:   uint64(rand.Intn(100)),
			Status: Status(rand.Intn(4) + 1),
		})

		stored, ok := s.Get("node-a")
		require.True(t, ok)
		assert.GreaterOrEqual(t, stored.Term, last)
		last = stored.Term
	}
}

func TestStore_SnapshotSample(t *testing.T) {
	s := NewStore("local")
	s.Upsert(NodeRecord{
		ID: "local", Addr: "10.26.104.1:8003", Term: 1, Status: StatusAlive,
	})
	for i := 0; i != 10; i++ {
		s.Upsert(NodeRecord{
			ID:     fmt.Sprintf("node-%d", i),
			Addr:   fmt.Sprintf("10.26.104.%d:8003", i+10),
			Term:   1,
			Status: StatusAlive,
		})
	}

	t.Run("excludes local", func(t *testing.T) {
		for i := 0; i != 20; i++ {
			sample := s.SnapshotSample(11)
			assert.Len(t, sample, 10)
			for _, record := range sample {
				assert.NotEqual(t, "local", record.ID)
			}
		}
	})

	t.Run("no duplicates", func(t *testing.T) {
		sample := s.SnapshotSample(5)
		assert.Len(t, sample, 5)

		seen := make(map[string]struct{})
		for _, record := range sample {
			_, ok := seen[record.ID]
			assert.False(t, ok)
			seen[record.ID] = struct{}{}
		}
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, s.SnapshotSample(0))
		assert.Empty(t, NewStore("local").SnapshotSample(5))
	})
}

func TestStore_Reap(t *testing.T) {
	t.Run("tombstone ttl", func(t *testing.T) {
		s := NewStore("local")

		start := time.Unix(1000, 0)
		s.UpsertAt(NodeRecord{
			ID: "node-a", Addr: "10.26.104.56:8003", Term: 2, Status: StatusDead,
		}, start)

		assert.Empty(t, s.Reap(start.Add(time.Second*59), time.Minute))
		_, ok := s.Get("node-a")
		assert.True(t, ok)

		reaped := s.Reap(start.Add(time.Second*61), time.Minute)
		require.Len(t, reaped, 1)
		assert.Equal(t, "node-a", reaped[0].ID)
		_, ok = s.Get("node-a")
		assert.False(t, ok)
	})

	t.Run("exactly at ttl retained", func(t *testing.T) {
		s := NewStore("local")

		start := time.Unix(1000, 0)
		s.UpsertAt(NodeRecord{
			ID: "node-a", Addr: "10.26.104.56:8003", Term: 2, Status: StatusLeft,
		}, start)

		assert.Empty(t, s.Reap(start.Add(time.Minute), time.Minute))
	})

	t.Run("live nodes retained", func(t *testing.T) {
		s := NewStore("local")

		start := time.Unix(1000, 0)
		s.UpsertAt(NodeRecord{
			ID: "node-a", Addr: "10.26.104.56:8003", Term: 1, Status: StatusAlive,
		}, start)
		s.UpsertAt(NodeRecord{
			ID: "node-b", Addr: "10.26.104.57:8003", Term: 1, Status: StatusSuspect,
		}, start)

		assert.Empty(t, s.Reap(start.Add(time.Hour), time.Minute))
		assert.Equal(t, 2, s.Len())
	})

	t.Run("local never reaped", func(t *testing.T) {
		s := NewStore("local")

		start := time.Unix(1000, 0)
		s.UpsertAt(NodeRecord{
			ID: "local", Addr: "10.26.104.56:8003", Term: 1, Status: StatusLeft,
		}, start)

		assert.Empty(t, s.Reap(start.Add(time.Hour), time.Minute))
	})

	t.Run("revived node retained", func(t *testing.T) {
		s := NewStore("local")

		start := time.Unix(1000, 0)
		s.UpsertAt(NodeRecord{
			ID: "node-a", Addr: "10.26.104.56:8003", Term: 2, Status: StatusDead,
		}, start)
		s.UpsertAt(NodeRecord{
			ID: "node-a", Addr: "10.26.104.56:8003", Term: 3, Status: StatusAlive,
		}, start.Add(time.Second))

		assert.Empty(t, s.Reap(start.Add(time.Hour), time.Minute))
	})

	t.Run("dead to left keeps transition time", func(t *testing.T) {
		s := NewStore("local")

		start := time.Unix(1000, 0)
		s.UpsertAt(NodeRecord{
			ID: "node-a", Addr: "10.26.104.56:8003", Term: 2, Status: StatusLeft,
		}, start)
		s.UpsertAt(NodeRecord{
			ID: "node-a", Addr: "10.26.104.56:8003", Term: 3, Status: StatusDead,
		}, start.Add(time.Second*30))

		assert.Len(t, s.Reap(start.Add(time.Second*61), time.Minute), 1)
	})
}

func TestStore_Peers(t *testing.T) {
	s := NewStore("local")
	s.Upsert(NodeRecord{ID: "local", Addr: "a:1", Term: 1, Status: StatusAlive})
	s.Upsert(NodeRecord{ID: "node-a", Addr: "b:1", Term: 1, Status: StatusAlive})
	s.Upsert(NodeRecord{ID: "node-b", Addr: "c:1", Term: 1, Status: StatusSuspect})
	s.Upsert(NodeRecord{ID: "node-c", Addr: "d:1", Term: 1, Status: StatusDead})

	assert.Len(t, s.Peers(), 3)
	assert.Len(t, s.Peers(StatusAlive, StatusSuspect), 2)

	dead := s.Peers(StatusDead)
	require.Len(t, dead, 1)
	assert.Equal(t, "node-c", dead[0].ID)

	assert.Equal(t, map[Status]int{
		StatusAlive:   2,
		StatusSuspect: 1,
		StatusDead:    1,
	}, s.StatusCounts())
}

// Tests concurrent upserts converge on the same view as applying the records
// sequentially, while other goroutines read and reap the store.
func TestStore_Concurrent(t *testing.T) {
	var records []NodeRecord
	for i := 0; i != 8; i++ {
		nodeID := fmt.Sprintf("node-%d", i)
		for term := uint64(1); term <= 5; term++ {
			for _, status := range []Status{StatusAlive, StatusSuspect} {
				for _, metadata := range []string{"a", "b"} {
					records = append(records, NodeRecord{
						ID:       nodeID,
						Addr:     fmt.Sprintf("10.26.104.%d:8003", i),
						Metadata: []byte(metadata),
						Term:     term,
						Status:   status,
					})
				}
			}
		}
	}

	expected := NewStore("local")
	for _, record := range records {
		expected.Upsert(record)
	}

	s := NewStore("local")
	s.Upsert(NodeRecord{ID: "local", Addr: "10.26.104.1:8003", Term: 1, Status: StatusAlive})

	var wg sync.WaitGroup
	for i := 0; i != 8; i++ {
		shuffled := append([]NodeRecord(nil), records...)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, record := range shuffled {
				s.Upsert(record)
			}
		}()
	}

	done := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i != 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}

				for _, record := range s.SnapshotSample(4) {
					assert.NotEqual(t, "local", record.ID)
				}
				// Nothing is terminal so nothing is reaped.
				assert.Empty(t, s.Reap(time.Now(), 0))
				_ = s.List()
			}
		}()
	}

	wg.Wait()
	close(done)
	readers.Wait()

	for _, record := range expected.List() {
		stored, ok := s.Get(record.ID)
		require.True(t, ok)
		assert.True(t, record.Equal(stored), "node %s", record.ID)
		assert.Equal(t, uint64(5), stored.Term)
		assert.Equal(t, StatusSuspect, stored.Status)
		assert.Equal(t, []byte("b"), stored.Metadata)
	}
	assert.Equal(t, 9, s.Len())
}
