package gossip

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDetector returns a failure detector tracking node-1, which was last
// acknowledged at start.
func testDetector(t *testing.T, start time.Time, maxMissedProbes int) (*failureDetector, *Store) {
	t.Helper()

	store := NewStore("local")
	detector := newFailureDetector(store, time.Second*2, time.Second*3, maxMissedProbes)

	record := NodeRecord{
		ID:     "node-1",
		Addr:   "10.26.104.56:8003",
		Term:   10,
		Status: StatusAlive,
	}
	store.UpsertAt(record, start)
	_, published, err := detector.Observe(record, start)
	require.NoError(t, err)
	require.False(t, published)

	return detector, store
}

func TestFailureDetector_Tick(t *testing.T) {
	start := time.Unix(1000, 0)

	t.Run("alive within probe timeout", func(t *testing.T) {
		detector, _ := testDetector(t, start, 3)

		_, _, err := detector.ReportMiss("node-1", start.Add(time.Second))
		require.NoError(t, err)

		records, err := detector.Tick(start.Add(time.Second * 2))
		require.NoError(t, err)
		assert.Empty(t, records)

		state, ok := detector.State("node-1")
		require.True(t, ok)
		assert.Equal(t, StatusAlive, state.Status)
	})

	t.Run("no misses", func(t *testing.T) {
		detector, _ := testDetector(t, start, 3)

		// Without an unacknowledged request the node isn't suspected, even
		// if it hasn't been contacted within the timeout.
		records, err := detector.Tick(start.Add(time.Second * 10))
		require.NoError(t, err)
		assert.Empty(t, records)

		state, _ := detector.State("node-1")
		assert.Equal(t, StatusAlive, state.Status)
		assert.Nil(t, state.SuspicionDeadline)
	})

	t.Run("suspect then ack", func(t *testing.T) {
		detector, store := testDetector(t, start, 3)

		_, _, err := detector.ReportMiss("node-1", start.Add(time.Second))
		require.NoError(t, err)

		records, err := detector.Tick(start.Add(time.Millisecond * 2500))
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, StatusSuspect, records[0].Status)
		assert.Equal(t, uint64(11), records[0].Term)
		store.Upsert(records[0])

		state, _ := detector.State("node-1")
		assert.Equal(t, StatusSuspect, state.Status)
		require.NotNil(t, state.SuspicionDeadline)
		assert.Equal(t, start.Add(time.Second*5), *state.SuspicionDeadline)

		record, published, err := detector.Ack("node-1", start.Add(time.Millisecond*2700))
		require.NoError(t, err)
		require.True(t, published)
		assert.Equal(t, StatusAlive, record.Status)
		assert.Equal(t, uint64(12), record.Term)

		state, _ = detector.State("node-1")
		assert.Equal(t, StatusAlive, state.Status)
		assert.Equal(t, uint64(12), state.Term)
		assert.Nil(t, state.SuspicionDeadline)
	})

	t.Run("suspicion starts at first miss", func(t *testing.T) {
		detector, _ := testDetector(t, start, 3)

		// The node wasn't contacted for 8s, then missed a request.
		_, _, err := detector.ReportMiss("node-1", start.Add(time.Second*8))
		require.NoError(t, err)

		records, err := detector.Tick(start.Add(time.Millisecond * 8100))
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, StatusSuspect, records[0].Status)

		state, _ := detector.State("node-1")
		require.NotNil(t, state.SuspicionDeadline)
		assert.Equal(t, start.Add(time.Second*11), *state.SuspicionDeadline)
	})

	t.Run("dead after suspicion timeout", func(t *testing.T) {
		detector, store := testDetector(t, start, 3)

		_, _, err := detector.ReportMiss("node-1", start.Add(time.Second))
		require.NoError(t, err)

		records, err := detector.Tick(start.Add(time.Millisecond * 2500))
		require.NoError(t, err)
		require.Len(t, records, 1)
		store.Upsert(records[0])

		// Still suspect before the deadline.
		records, err = detector.Tick(start.Add(time.Millisecond * 4999))
		require.NoError(t, err)
		assert.Empty(t, records)

		records, err = detector.Tick(start.Add(time.Second * 5))
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, StatusDead, records[0].Status)
		assert.Equal(t, uint64(12), records[0].Term)
	})

	t.Run("refutation in store", func(t *testing.T) {
		detector, store := testDetector(t, start, 3)

		_, _, err := detector.ReportMiss("node-1", start.Add(time.Second))
		require.NoError(t, err)

		records, err := detector.Tick(start.Add(time.Millisecond * 2500))
		require.NoError(t, err)
		require.Len(t, records, 1)
		store.Upsert(records[0])

		// The owner refuted the suspicion and the refutation was merged,
		// but not yet observed by the detector.
		refuted := NodeRecord{
			ID: "node-1", Addr: "10.26.104.56:8003", Term: 12, Status: StatusAlive,
		}
		require.True(t, store.Upsert(refuted))

		records, err = detector.Tick(start.Add(time.Second * 5))
		require.NoError(t, err)
		assert.Empty(t, records)

		state, _ := detector.State("node-1")
		assert.Equal(t, StatusAlive, state.Status)
		assert.Equal(t, uint64(12), state.Term)

		record, _ := store.Get("node-1")
		assert.Equal(t, StatusAlive, record.Status)
		assert.Equal(t, uint64(12), record.Term)

		// A late observe of the refutation publishes nothing.
		_, published, err := detector.Observe(refuted, start.Add(time.Second*5))
		require.NoError(t, err)
		assert.False(t, published)
	})

	t.Run("suspect and dead in one tick", func(t *testing.T) {
		detector, _ := testDetector(t, start, 3)

		_, _, err := detector.ReportMiss("node-1", start.Add(time.Second))
		require.NoError(t, err)

		records, err := detector.Tick(start.Add(time.Second * 6))
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, StatusDead, records[0].Status)

		state, _ := detector.State("node-1")
		assert.Equal(t, StatusDead, state.Status)
	})

	t.Run("dead is terminal", func(t *testing.T) {
		detector, _ := testDetector(t, start, 3)

		_, _, err := detector.ReportMiss("node-1", start.Add(time.Second))
		require.NoError(t, err)

		records, err := detector.Tick(start.Add(time.Second * 6))
		require.NoError(t, err)
		require.Len(t, records, 1)

		_, published, err := detector.Ack("node-1", start.Add(time.Second*7))
		require.NoError(t, err)
		assert.False(t, published)

		records, err = detector.Tick(start.Add(time.Second * 20))
		require.NoError(t, err)
		assert.Empty(t, records)

		state, _ := detector.State("node-1")
		assert.Equal(t, StatusDead, state.Status)
	})

	t.Run("term overflow", func(t *testing.T) {
		store := NewStore("local")
		detector := newFailureDetector(store, time.Second*2, time.Second*3, 3)

		record := NodeRecord{
			ID:     "node-1",
			Addr:   "10.26.104.56:8003",
			Term:   math.MaxUint64,
			Status: StatusAlive,
		}
		store.UpsertAt(record, start)
		_, _, err := detector.Observe(record, start)
		require.NoError(t, err)
		_, _, err = detector.ReportMiss("node-1", start.Add(time.Second))
		require.NoError(t, err)

		_, err = detector.Tick(start.Add(time.Second * 6))
		assert.ErrorIs(t, err, ErrTermOverflow)
	})
}

func TestFailureDetector_ReportMiss(t *testing.T) {
	start := time.Unix(1000, 0)

	t.Run("suspect after max missed probes", func(t *testing.T) {
		detector, _ := testDetector(t, start, 3)

		for i := 0; i != 2; i++ {
			_, published, err := detector.ReportMiss("node-1", start)
			require.NoError(t, err)
			assert.False(t, published)
		}

		record, published, err := detector.ReportMiss("node-1", start.Add(time.Second))
		require.NoError(t, err)
		require.True(t, published)
		assert.Equal(t, StatusSuspect, record.Status)
		assert.Equal(t, uint64(11), record.Term)

		state, _ := detector.State("node-1")
		require.NotNil(t, state.SuspicionDeadline)
		assert.Equal(t, start.Add(time.Second*4), *state.SuspicionDeadline)
	})

	t.Run("refutation in store", func(t *testing.T) {
		detector, store := testDetector(t, start, 1)

		require.True(t, store.Upsert(NodeRecord{
			ID: "node-1", Addr: "10.26.104.56:8003", Term: 11, Status: StatusAlive,
		}))

		_, published, err := detector.ReportMiss("node-1", start.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, published)

		state, _ := detector.State("node-1")
		assert.Equal(t, StatusAlive, state.Status)
		assert.Equal(t, uint64(11), state.Term)
		assert.Equal(t, 0, state.MissedProbes)
	})

	t.Run("ack resets misses", func(t *testing.T) {
		detector, _ := testDetector(t, start, 3)

		for i := 0; i != 2; i++ {
			_, _, err := detector.ReportMiss("node-1", start)
			require.NoError(t, err)
		}
		_, _, err := detector.Ack("node-1", start)
		require.NoError(t, err)

		_, published, err := detector.ReportMiss("node-1", start)
		require.NoError(t, err)
		assert.False(t, published)

		state, _ := detector.State("node-1")
		assert.Equal(t, 1, state.MissedProbes)
	})

	t.Run("unknown node", func(t *testing.T) {
		detector, _ := testDetector(t, start, 1)

		_, published, err := detector.ReportMiss("node-2", start)
		require.NoError(t, err)
		assert.False(t, published)
	})
}

func TestFailureDetector_Observe(t *testing.T) {
	start := time.Unix(1000, 0)

	t.Run("alive record with new term is indirect ack", func(t *testing.T) {
		detector, _ := testDetector(t, start, 3)

		_, _, err := detector.ReportMiss("node-1", start.Add(time.Millisecond*500))
		require.NoError(t, err)

		_, published, err := detector.Observe(NodeRecord{
			ID: "node-1", Addr: "10.26.104.56:8003", Term: 11, Status: StatusAlive,
		}, start.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, published)

		state, _ := detector.State("node-1")
		assert.Equal(t, start.Add(time.Second), state.LastAck)
		assert.Equal(t, 0, state.MissedProbes)

		// Acked at 1s so not suspected at 2.5s.
		records, err := detector.Tick(start.Add(time.Millisecond * 2500))
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("alive record with same term is not an ack", func(t *testing.T) {
		detector, _ := testDetector(t, start, 3)

		_, _, err := detector.ReportMiss("node-1", start.Add(time.Millisecond*500))
		require.NoError(t, err)

		// Old gossip about the node doesn't keep it alive.
		_, _, err = detector.Observe(NodeRecord{
			ID: "node-1", Addr: "10.26.104.56:8003", Term: 10, Status: StatusAlive,
		}, start.Add(time.Second))
		require.NoError(t, err)

		state, _ := detector.State("node-1")
		assert.Equal(t, start, state.LastAck)
		assert.Equal(t, 1, state.MissedProbes)

		records, err := detector.Tick(start.Add(time.Millisecond * 2500))
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, StatusSuspect, records[0].Status)
	})

	t.Run("stale alive record ignored", func(t *testing.T) {
		detector, _ := testDetector(t, start, 3)

		_, _, err := detector.Observe(NodeRecord{
			ID: "node-1", Addr: "10.26.104.56:8003", Term: 9, Status: StatusAlive,
		}, start.Add(time.Second))
		require.NoError(t, err)

		state, _ := detector.State("node-1")
		assert.Equal(t, start, state.LastAck)
	})

	t.Run("alive refutes suspicion", func(t *testing.T) {
		detector, store := testDetector(t, start, 3)

		_, _, err := detector.ReportMiss("node-1", start.Add(time.Second))
		require.NoError(t, err)

		records, err := detector.Tick(start.Add(time.Millisecond * 2500))
		require.NoError(t, err)
		require.Len(t, records, 1)
		store.Upsert(records[0])

		// The owner refuted with a greater term that has already been
		// merged.
		refuted := NodeRecord{
			ID: "node-1", Addr: "10.26.104.56:8003", Term: 12, Status: StatusAlive,
		}
		store.Upsert(refuted)

		_, published, err := detector.Observe(refuted, start.Add(time.Second*3))
		require.NoError(t, err)
		assert.False(t, published)

		state, _ := detector.State("node-1")
		assert.Equal(t, StatusAlive, state.Status)
		assert.Equal(t, uint64(12), state.Term)
	})

	t.Run("alive with equal term refutes suspicion", func(t *testing.T) {
		detector, store := testDetector(t, start, 3)

		_, _, err := detector.ReportMiss("node-1", start.Add(time.Second))
		require.NoError(t, err)

		records, err := detector.Tick(start.Add(time.Millisecond * 2500))
		require.NoError(t, err)
		require.Len(t, records, 1)
		store.Upsert(records[0])

		// Suspected at term 11, then reported alive by another node at
		// term 11.
		record, published, err := detector.Observe(NodeRecord{
			ID: "node-1", Addr: "10.26.104.56:8003", Term: 11, Status: StatusAlive,
		}, start.Add(time.Millisecond*2700))
		require.NoError(t, err)
		require.True(t, published)
		assert.Equal(t, StatusAlive, record.Status)
		assert.Equal(t, uint64(12), record.Term)

		state, _ := detector.State("node-1")
		assert.Equal(t, StatusAlive, state.Status)
		assert.Equal(t, uint64(12), state.Term)
	})

	t.Run("alive with older term doesn't refute suspicion", func(t *testing.T) {
		detector, store := testDetector(t, start, 3)

		_, _, err := detector.ReportMiss("node-1", start.Add(time.Second))
		require.NoError(t, err)

		records, err := detector.Tick(start.Add(time.Millisecond * 2500))
		require.NoError(t, err)
		require.Len(t, records, 1)
		store.Upsert(records[0])

		// The alive record from before the suspicion.
		_, published, err := detector.Observe(NodeRecord{
			ID: "node-1", Addr: "10.26.104.56:8003", Term: 10, Status: StatusAlive,
		}, start.Add(time.Millisecond*2700))
		require.NoError(t, err)
		assert.False(t, published)

		state, _ := detector.State("node-1")
		assert.Equal(t, StatusSuspect, state.Status)
	})

	t.Run("third party suspicion", func(t *testing.T) {
		detector, _ := testDetector(t, start, 3)

		now := start.Add(time.Second)
		_, published, err := detector.Observe(NodeRecord{
			ID: "node-1", Addr: "10.26.104.56:8003", Term: 10, Status: StatusSuspect,
		}, now)
		require.NoError(t, err)
		assert.False(t, published)

		state, _ := detector.State("node-1")
		assert.Equal(t, StatusSuspect, state.Status)
		require.NotNil(t, state.SuspicionDeadline)
		assert.Equal(t, now.Add(time.Second*3), *state.SuspicionDeadline)

		records, err := detector.Tick(now.Add(time.Second * 3))
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, StatusDead, records[0].Status)
	})

	t.Run("dead record", func(t *testing.T) {
		detector, _ := testDetector(t, start, 3)

		_, _, err := detector.Observe(NodeRecord{
			ID: "node-1", Addr: "10.26.104.56:8003", Term: 11, Status: StatusDead,
		}, start)
		require.NoError(t, err)

		state, _ := detector.State("node-1")
		assert.Equal(t, StatusDead, state.Status)

		// Alive with the same term doesn't revive.
		_, _, err = detector.Observe(NodeRecord{
			ID: "node-1", Addr: "10.26.104.56:8003", Term: 11, Status: StatusAlive,
		}, start)
		require.NoError(t, err)
		state, _ = detector.State("node-1")
		assert.Equal(t, StatusDead, state.Status)

		// Alive with a greater term revives.
		_, _, err = detector.Observe(NodeRecord{
			ID: "node-1", Addr: "10.26.104.56:8003", Term: 12, Status: StatusAlive,
		}, start)
		require.NoError(t, err)
		state, _ = detector.State("node-1")
		assert.Equal(t, StatusAlive, state.Status)
		assert.Equal(t, uint64(12), state.Term)
	})

	t.Run("local node ignored", func(t *testing.T) {
		detector, _ := testDetector(t, start, 3)

		_, published, err := detector.Observe(NodeRecord{
			ID: "local", Addr: "10.26.104.1:8003", Term: 1, Status: StatusSuspect,
		}, start)
		require.NoError(t, err)
		assert.False(t, published)

		_, ok := detector.State("local")
		assert.False(t, ok)
	})
}

func TestFailureDetector_Remove(t *testing.T) {
	start := time.Unix(1000, 0)
	detector, _ := testDetector(t, start, 3)

	_, _, err := detector.Observe(NodeRecord{
		ID: "node-1", Addr: "10.26.104.56:8003", Term: 11, Status: StatusLeft,
	}, start)
	require.NoError(t, err)
	state, ok := detector.State("node-1")
	require.True(t, ok)
	assert.Equal(t, StatusLeft, state.Status)

	detector.Remove("node-1")
	_, ok = detector.State("node-1")
	assert.False(t, ok)
}
