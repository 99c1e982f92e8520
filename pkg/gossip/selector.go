package gossip

import (
	"math/rand"
	"sync"
)

// roundRobin selects live peers in a random order, visiting every peer once
// before reshuffling. So each live peer is sent a request at least once every
// N rounds, for N known peers, and a failed node is detected even if it's
// never chosen at random.
type roundRobin struct {
	ids []string

	// mu protects the above fields.
	mu sync.Mutex

	store *Store
}

func newRoundRobin(store *Store) *roundRobin {
	return &roundRobin{
		store: store,
	}
}

// Next returns the next live peer, or false if there are no live peers.
func (r *roundRobin) Next() (NodeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	refilled := false
	for {
		for len(r.ids) > 0 {
			id := r.ids[0]
			r.ids = r.ids[1:]

			// Skip nodes that failed, left or were reaped since the peers
			// were shuffled.
			record, ok := r.store.Get(id)
			if ok && record.Status.Live() {
				return record, true
			}
		}

		if refilled {
			return NodeRecord{}, false
		}
		refilled = true

		peers := r.store.Peers(StatusAlive, StatusSuspect)
		r.ids = r.ids[:0]
		for _, peer := range peers {
			r.ids = append(r.ids, peer.ID)
		}
		rand.Shuffle(len(r.ids), func(i, j int) {
			r.ids[i], r.ids[j] = r.ids[j], r.ids[i]
		})
	}
}
