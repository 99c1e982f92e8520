package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/andydunstall/swarm/pkg/gossip"
	"github.com/andydunstall/swarm/server/cluster"
)

type Cluster struct {
	client *Client
}

func NewCluster(client *Client) *Cluster {
	return &Cluster{
		client: client,
	}
}

// Members returns the alive and suspect nodes known by the server.
func (c *Cluster) Members(ctx context.Context) ([]gossip.NodeRecord, error) {
	var members []gossip.NodeRecord
	if err := c.get(ctx, "/status/cluster/members", &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *Cluster) Member(ctx context.Context, nodeID string) (*cluster.MemberStatus, error) {
	var member cluster.MemberStatus
	if err := c.get(ctx, "/status/cluster/members/"+nodeID, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// Nodes returns all nodes known by the server, including dead and left
// nodes.
func (c *Cluster) Nodes(ctx context.Context) ([]gossip.NodeRecord, error) {
	var nodes []gossip.NodeRecord
	if err := c.get(ctx, "/status/cluster/nodes", &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *Cluster) LocalNode(ctx context.Context) (*gossip.NodeRecord, error) {
	var node gossip.NodeRecord
	if err := c.get(ctx, "/status/cluster/nodes/local", &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (c *Cluster) get(ctx context.Context, path string, v interface{}) error {
	r, err := c.client.Request(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
