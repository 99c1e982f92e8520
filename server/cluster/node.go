package cluster

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NodeMetadata contains the application state each node attaches to its
// gossip record.
type NodeMetadata struct {
	// AdminAddr is the advertised admin address.
	//
	// The address is immutable.
	AdminAddr string `json:"admin_addr"`
}

func (m *NodeMetadata) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return b, nil
}

func DecodeNodeMetadata(b []byte) (*NodeMetadata, error) {
	var m NodeMetadata
	if len(b) == 0 {
		return &m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return &m, nil
}

// GenerateNodeID generates a unique node ID with the given prefix.
func GenerateNodeID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + id[:12]
}
