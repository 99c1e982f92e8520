package gossip

import (
	"math"
	"sort"
	"sync"
)

type broadcast struct {
	nodeID    string
	transmits int
	// seq orders broadcasts with equal transmits so newer broadcasts are sent
	// first.
	seq uint64
}

// broadcastQueue contains the nodes whose records recently changed and must
// be prioritised when building a gossip payload.
//
// Each change is retransmitted a limited number of times, which scales with
// the log of the cluster size so the change has a high probability of
// reaching every node.
type broadcastQueue struct {
	broadcasts map[string]*broadcast
	seq        uint64

	// mu protects the above fields.
	mu sync.Mutex

	retransmitMult int
}

func newBroadcastQueue(retransmitMult int) *broadcastQueue {
	return &broadcastQueue{
		broadcasts:     make(map[string]*broadcast),
		retransmitMult: retransmitMult,
	}
}

// Offer queues the record of the node with the given ID to be broadcast.
//
// If the node is already queued, its transmit count is reset since the
// previously queued change has been superseded.
func (q *broadcastQueue) Offer(nodeID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	q.broadcasts[nodeID] = &broadcast{
		nodeID:    nodeID,
		transmits: 0,
		seq:       q.seq,
	}
}

// Next returns up to limit node IDs to broadcast, preferring those with the
// fewest transmissions.
func (q *broadcastQueue) Next(limit int, clusterSize int) []string {
	if limit <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	queued := make([]*broadcast, 0, len(q.broadcasts))
	for _, b := range q.broadcasts {
		queued = append(queued, b)
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].transmits != queued[j].transmits {
			return queued[i].transmits < queued[j].transmits
		}
		return queued[i].seq > queued[j].seq
	})

	retransmitLimit := q.retransmitLimit(clusterSize)

	var nodeIDs []string
	for _, b := range queued {
		if len(nodeIDs) == limit {
			break
		}

		nodeIDs = append(nodeIDs, b.nodeID)

		b.transmits++
		if b.transmits >= retransmitLimit {
			delete(q.broadcasts, b.nodeID)
		}
	}
	return nodeIDs
}

// Remove discards any queued broadcast for the node.
func (q *broadcastQueue) Remove(nodeID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.broadcasts, nodeID)
}

func (q *broadcastQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.broadcasts)
}

func (q *broadcastQueue) retransmitLimit(clusterSize int) int {
	scale := int(math.Ceil(math.Log10(float64(clusterSize + 1))))
	if scale < 1 {
		scale = 1
	}
	limit := q.retransmitMult * scale
	if limit < 1 {
		limit = 1
	}
	return limit
}
