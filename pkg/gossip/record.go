package gossip

import (
	"bytes"
	"fmt"
)

// Status is the liveness status of a node.
type Status uint8

const (
	StatusAlive Status = iota + 1
	StatusSuspect
	StatusDead
	StatusLeft
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspect:
		return "suspect"
	case StatusDead:
		return "dead"
	case StatusLeft:
		return "left"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	status, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// Valid returns whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s >= StatusAlive && s <= StatusLeft
}

// Live returns whether a node with the status is still a cluster member.
func (s Status) Live() bool {
	return s == StatusAlive || s == StatusSuspect
}

// Terminal returns whether the node has failed or left.
func (s Status) Terminal() bool {
	return s == StatusDead || s == StatusLeft
}

// severity orders statuses with equal terms, where the more failed status
// wins so liveness doesn't flip-flop.
func (s Status) severity() int {
	switch s {
	case StatusAlive:
		return 1
	case StatusSuspect:
		return 2
	case StatusLeft:
		return 3
	case StatusDead:
		return 4
	default:
		return 0
	}
}

func ParseStatus(s string) (Status, error) {
	switch s {
	case "alive":
		return StatusAlive, nil
	case "suspect":
		return StatusSuspect, nil
	case "dead":
		return StatusDead, nil
	case "left":
		return StatusLeft, nil
	default:
		return 0, fmt.Errorf("unknown status: %s", s)
	}
}

// NodeRecord is the known state of a node at a given term.
//
// Records are never modified once published. A node updates its record by
// publishing a replacement with a greater term.
type NodeRecord struct {
	// ID is a unique identifier for the node.
	ID string `json:"id"`

	// Addr is the gossip address of the node.
	Addr string `json:"addr"`

	// Metadata contains opaque application defined attributes.
	Metadata []byte `json:"metadata,omitempty"`

	// Term is the version of the record. The owning node increments the
	// term when it republishes its own state. Other nodes increment it when
	// they publish a status transition for the node.
	Term uint64 `json:"term"`

	Status Status `json:"status"`
}

// Supersedes returns whether r should replace other. The record with the
// greater term wins, and with equal terms the more severe status wins.
//
// Records with the same term and status but different contents are ordered
// by address then metadata, so every node picks the same record regardless
// of the order they arrive.
func (r NodeRecord) Supersedes(other NodeRecord) bool {
	if r.Term != other.Term {
		return r.Term > other.Term
	}
	if r.Status != other.Status {
		return r.Status.severity() > other.Status.severity()
	}
	if r.Addr != other.Addr {
		return r.Addr > other.Addr
	}
	return bytes.Compare(r.Metadata, other.Metadata) > 0
}

// Equal returns whether r and other have the same contents.
func (r NodeRecord) Equal(other NodeRecord) bool {
	return r.ID == other.ID &&
		r.Addr == other.Addr &&
		r.Term == other.Term &&
		r.Status == other.Status &&
		bytes.Equal(r.Metadata, other.Metadata)
}

func (r NodeRecord) clone() NodeRecord {
	if r.Metadata != nil {
		r.Metadata = append([]byte(nil), r.Metadata...)
	}
	return r
}

// validate checks the record received from a remote node is well formed.
func (r NodeRecord) validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	if r.Addr == "" {
		return fmt.Errorf("%w: %s: missing addr", ErrMalformedRecord, r.ID)
	}
	if !r.Status.Valid() {
		return fmt.Errorf(
			"%w: %s: invalid status: %d", ErrMalformedRecord, r.ID, r.Status,
		)
	}
	return nil
}
