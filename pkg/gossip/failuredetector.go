package gossip

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Liveness is the failure detector state of a node.
type Liveness struct {
	Status Status `json:"status"`

	// Term is the latest term the detector has seen for the node.
	Term uint64 `json:"term"`

	// LastAck is the last time the node was known to be alive, either from a
	// message sent by the node or an alive record about the node with a new
	// term.
	LastAck time.Time `json:"last_ack"`

	// MissedProbes is the number of failed sends or unacknowledged requests
	// since the last ack.
	MissedProbes int `json:"missed_probes"`

	// missedAt is the time of the first miss since the last ack.
	missedAt time.Time

	// SuspicionDeadline is the time a suspected node is declared dead unless
	// it refutes the suspicion. Only set while the node is suspect.
	SuspicionDeadline *time.Time `json:"suspicion_deadline,omitempty"`
}

// failureDetector tracks the liveness of remote nodes.
//
// Each node moves from alive to suspect when a request to the node went
// unacknowledged and the node hasn't been acknowledged in time, then from
// suspect to dead if the suspicion isn't refuted within the suspicion timeout.
// Dead and left are terminal.
//
// Suspecting a node increments its term, so an alive record with the same
// term as the suspicion was published after the suspicion and refutes it.
//
// The detector never writes to the store. Instead each method returns the
// record that must be published to disseminate a transition.
type failureDetector struct {
	nodes map[string]*Liveness

	// mu protects the above fields.
	mu sync.Mutex

	store *Store

	probeTimeout     time.Duration
	suspicionTimeout time.Duration
	maxMissedProbes  int
}

func newFailureDetector(
	store *Store,
	probeTimeout time.Duration,
	suspicionTimeout time.Duration,
	maxMissedProbes int,
) *failureDetector {
	return &failureDetector{
		nodes:            make(map[string]*Liveness),
		store:            store,
		probeTimeout:     probeTimeout,
		suspicionTimeout: suspicionTimeout,
		maxMissedProbes:  maxMissedProbes,
	}
}

// Observe updates the liveness of the node described by a record received
// via gossip.
//
// An alive record with a greater term than the last known term is an
// indirect ack. An alive record with a term at least the term of a suspicion
// refutes it, and the returned record must be published.
func (d *failureDetector) Observe(
	record NodeRecord,
	now time.Time,
) (NodeRecord, bool, error) {
	if record.ID == d.store.LocalID() {
		return NodeRecord{}, false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[record.ID]
	if !ok {
		node = &Liveness{
			Status:  record.Status,
			Term:    record.Term,
			LastAck: now,
		}
		if record.Status == StatusSuspect {
			node.SuspicionDeadline = deadline(now.Add(d.suspicionTimeout))
		}
		d.nodes[record.ID] = node
		return NodeRecord{}, false, nil
	}

	switch record.Status {
	case StatusAlive:
		if node.Status.Terminal() {
			// A greater term means the node has rejoined or refuted being
			// declared dead, unless the store holds a newer tombstone.
			if record.Term > node.Term {
				current, ok := d.store.Get(record.ID)
				if !ok || current.Status == StatusAlive {
					d.reset(node, record.Term, now)
				}
			}
			return NodeRecord{}, false, nil
		}
		if record.Term < node.Term {
			return NodeRecord{}, false, nil
		}

		if node.Status == StatusAlive {
			// Old gossip about a failed node keeps circulating with the
			// same term, so only a new term counts as an ack.
			if record.Term > node.Term {
				node.Term = record.Term
				node.acked(now)
			}
			return NodeRecord{}, false, nil
		}

		// If the owner already refuted the suspicion with a greater term
		// theres nothing to publish. Nor if the node has since been declared
		// dead, which is observed separately.
		current, ok := d.store.Get(record.ID)
		if ok && current.Status == StatusAlive && current.Term >= record.Term {
			d.reset(node, current.Term, now)
			return NodeRecord{}, false, nil
		}
		if ok && current.Status.Terminal() && current.Term >= record.Term {
			return NodeRecord{}, false, nil
		}
		published, err := d.publish(record.ID, node, StatusAlive, true)
		if err != nil {
			return NodeRecord{}, false, err
		}
		d.reset(node, published.Term, now)
		return published, true, nil

	case StatusSuspect:
		if node.Status != StatusAlive || record.Term < node.Term {
			return NodeRecord{}, false, nil
		}
		node.Status = StatusSuspect
		node.Term = record.Term
		node.SuspicionDeadline = deadline(now.Add(d.suspicionTimeout))
		return NodeRecord{}, false, nil

	case StatusDead, StatusLeft:
		if record.Term < node.Term {
			return NodeRecord{}, false, nil
		}
		if node.Status.Terminal() {
			node.Term = record.Term
			return NodeRecord{}, false, nil
		}
		node.Status = record.Status
		node.Term = record.Term
		node.SuspicionDeadline = nil
		return NodeRecord{}, false, nil
	}

	return NodeRecord{}, false, nil
}

// Ack records a message was received directly from the node with the given
// ID. If the node was suspect it becomes alive again and the returned record
// must be published.
func (d *failureDetector) Ack(
	nodeID string,
	now time.Time,
) (NodeRecord, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[nodeID]
	if !ok || node.Status.Terminal() {
		return NodeRecord{}, false, nil
	}

	if node.Status == StatusAlive {
		node.acked(now)
		return NodeRecord{}, false, nil
	}
	if d.refuted(nodeID, node, now) {
		return NodeRecord{}, false, nil
	}

	published, err := d.publish(nodeID, node, StatusAlive, true)
	if err != nil {
		// Still count the ack so the node isn't declared dead, though we
		// can't publish the refutation.
		node.acked(now)
		return NodeRecord{}, false, err
	}
	d.reset(node, published.Term, now)
	return published, true, nil
}

// ReportMiss records a failed attempt to communicate with the node, such as
// a failed send or an unacknowledged request. Once the number of misses
// reaches the limit an alive node becomes suspect.
func (d *failureDetector) ReportMiss(
	nodeID string,
	now time.Time,
) (NodeRecord, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[nodeID]
	if !ok || node.Status.Terminal() {
		return NodeRecord{}, false, nil
	}

	if d.refuted(nodeID, node, now) {
		return NodeRecord{}, false, nil
	}

	if node.MissedProbes == 0 {
		node.missedAt = now
	}
	node.MissedProbes++
	if node.Status != StatusAlive || node.MissedProbes < d.maxMissedProbes {
		return NodeRecord{}, false, nil
	}

	published, err := d.publish(nodeID, node, StatusSuspect, true)
	if err != nil {
		return NodeRecord{}, false, err
	}
	node.Status = StatusSuspect
	node.Term = published.Term
	node.SuspicionDeadline = deadline(now.Add(d.suspicionTimeout))
	return published, true, nil
}

// Tick updates the liveness of each node at the given time and returns the
// records to publish.
func (d *failureDetector) Tick(now time.Time) ([]NodeRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var records []NodeRecord
	var errs error
	for id, node := range d.nodes {
		var record NodeRecord
		var publish bool

		if node.Status.Terminal() || d.refuted(id, node, now) {
			continue
		}

		if node.Status == StatusAlive &&
			node.MissedProbes > 0 &&
			now.Sub(node.LastAck) > d.probeTimeout {
			suspected, err := d.publish(id, node, StatusSuspect, true)
			if err != nil {
				errs = errors.Join(errs, fmt.Errorf("suspect: %s: %w", id, err))
				continue
			}
			// The suspicion window starts once the node is overdue,
			// rather than when we noticed, so a delayed tick doesn't extend
			// the time to detect a failure. Though it never starts before
			// the first miss.
			start := node.LastAck.Add(d.probeTimeout)
			if node.missedAt.After(start) {
				start = node.missedAt
			}
			node.Status = StatusSuspect
			node.Term = suspected.Term
			node.SuspicionDeadline = deadline(start.Add(d.suspicionTimeout))
			record = suspected
			publish = true
		}

		if node.Status == StatusSuspect &&
			node.SuspicionDeadline != nil &&
			!now.Before(*node.SuspicionDeadline) {
			dead, err := d.publish(id, node, StatusDead, true)
			if err != nil {
				errs = errors.Join(errs, fmt.Errorf("dead: %s: %w", id, err))
			} else {
				node.Status = StatusDead
				node.Term = dead.Term
				node.SuspicionDeadline = nil
				record = dead
				publish = true
			}
		}

		if publish {
			records = append(records, record)
		}
	}
	return records, errs
}

// Remove discards state on the given node.
func (d *failureDetector) Remove(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.nodes, nodeID)
}

// State returns the liveness state of the node with the given ID.
func (d *failureDetector) State(nodeID string) (Liveness, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[nodeID]
	if !ok {
		return Liveness{}, false
	}
	state := *node
	if node.SuspicionDeadline != nil {
		deadline := *node.SuspicionDeadline
		state.SuspicionDeadline = &deadline
	}
	return state, true
}

// refuted returns whether the store already holds an alive record for the
// node with a greater term than the detector has seen, in which case the
// node is reset to that term.
//
// A refutation is merged into the store before it is observed by the
// detector, so without this check a transition published in between would
// be based on the refuted record.
//
// The caller must hold mu.
func (d *failureDetector) refuted(nodeID string, node *Liveness, now time.Time) bool {
	record, ok := d.store.Get(nodeID)
	if !ok || record.Status != StatusAlive || record.Term <= node.Term {
		return false
	}
	d.reset(node, record.Term, now)
	return true
}

// publish builds a new record for the node with the given status from the
// latest record in the store. If bump is true the term is incremented past
// both the stored and detector terms.
//
// The caller must hold mu.
func (d *failureDetector) publish(
	nodeID string,
	node *Liveness,
	status Status,
	bump bool,
) (NodeRecord, error) {
	record, ok := d.store.Get(nodeID)
	if !ok {
		return NodeRecord{}, fmt.Errorf("unknown node: %s", nodeID)
	}

	term := record.Term
	if node.Term > term {
		term = node.Term
	}
	if bump {
		if term == math.MaxUint64 {
			return NodeRecord{}, ErrTermOverflow
		}
		term++
	}

	record.Term = term
	record.Status = status
	return record, nil
}

// reset marks the node alive at the given term.
//
// The caller must hold mu.
func (d *failureDetector) reset(node *Liveness, term uint64, now time.Time) {
	node.Status = StatusAlive
	node.Term = term
	node.SuspicionDeadline = nil
	node.acked(now)
}

func (l *Liveness) acked(now time.Time) {
	l.LastAck = now
	l.MissedProbes = 0
	l.missedAt = time.Time{}
}

func deadline(t time.Time) *time.Time {
	return &t
}
