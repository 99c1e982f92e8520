package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/andydunstall/swarm/pkg/gossip"
	"github.com/andydunstall/swarm/pkg/log"
)

type AdminConfig struct {
	// BindAddr is the address to bind to listen for incoming HTTP connections.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the address to advertise to other nodes.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`
}

func (c *AdminConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	return nil
}

func (c *AdminConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"admin.bind-addr",
		c.BindAddr,
		`
The host/port to listen for incoming admin connections.

If the host is unspecified it defaults to all listeners, such as
'--admin.bind-addr :8002' will listen on '0.0.0.0:8002'`,
	)
	fs.StringVar(
		&c.AdvertiseAddr,
		"admin.advertise-addr",
		c.AdvertiseAddr,
		`
Admin listen address to advertise to other nodes in the cluster.

Such as if the listen address is ':8002', the advertised address may be
'10.26.104.45:8002' or 'node1.cluster:8002'.

By default, if the bind address includes an IP to bind to that will be used.
If the bind address does not include an IP (such as ':8002') the nodes
private IP will be used, such as a bind address of ':8002' may have an
advertise address of '10.26.104.14:8002'.`,
	)
}

type ClusterConfig struct {
	// NodeID is a unique identifier for this node in the cluster.
	NodeID string `json:"node_id" yaml:"node_id"`

	// NodeIDPrefix is a node ID prefix, where the rest of the node ID is
	// generated to ensure uniqueness.
	NodeIDPrefix string `json:"node_id_prefix" yaml:"node_id_prefix"`

	// Join contains a list of addresses of members in the cluster to join.
	Join []string `json:"join" yaml:"join"`

	// JoinTimeout is the maximum duration to attempt to join the cluster.
	JoinTimeout time.Duration `json:"join_timeout" yaml:"join_timeout"`

	AbortIfJoinFails bool `json:"abort_if_join_fails" yaml:"abort_if_join_fails"`

	Gossip gossip.Config `json:"gossip" yaml:"gossip"`
}

func (c *ClusterConfig) Validate() error {
	if c.NodeID != "" && c.NodeIDPrefix != "" {
		return fmt.Errorf("cannot specify both node ID and node ID prefix")
	}
	if c.JoinTimeout == 0 {
		return fmt.Errorf("missing join timeout")
	}
	if err := c.Gossip.Validate(); err != nil {
		return fmt.Errorf("gossip: %w", err)
	}
	return nil
}

func (c *ClusterConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.NodeID,
		"cluster.node-id",
		c.NodeID,
		`
A unique identifier for the node in the cluster.

By default a random ID will be generated for the node.`,
	)
	fs.StringVar(
		&c.NodeIDPrefix,
		"cluster.node-id-prefix",
		c.NodeIDPrefix,
		`
A prefix for the node ID.

A unique random identifier is generated for the node and appended to the
given prefix.

Such as you could use the node or pod name as a prefix, then add a unique
identifier to ensure the node ID is unique across restarts.`,
	)
	fs.StringSliceVar(
		&c.Join,
		"cluster.join",
		c.Join,
		`
A list of addresses of members in the cluster to join.

This may be either addresses of specific nodes, such as
'--cluster.join 10.26.104.14,10.26.104.75', or a domain that resolves to
the addresses of the nodes in the cluster (e.g. a Kubernetes headless
service), such as '--cluster.join swarm.prod-swarm-ns'.

Each address must include the host, and may optionally include a port. If no
port is given, the gossip port of this node is used.

Note each node propagates membership information to the other known nodes,
so the initial set of configured members only needs to be a subset of nodes.`,
	)
	fs.DurationVar(
		&c.JoinTimeout,
		"cluster.join-timeout",
		c.JoinTimeout,
		`
Maximum duration to attempt to join the cluster.`,
	)
	fs.BoolVar(
		&c.AbortIfJoinFails,
		"cluster.abort-if-join-fails",
		c.AbortIfJoinFails,
		`
Whether the server node should abort if it is configured with nodes to join
(excluding itself) but fails to join any members.`,
	)

	c.Gossip.RegisterFlags(fs, "cluster")
}

type Config struct {
	Cluster ClusterConfig `json:"cluster" yaml:"cluster"`

	Admin AdminConfig `json:"admin" yaml:"admin"`

	Log log.Config `json:"log" yaml:"log"`

	// GracePeriod is the duration to gracefully shutdown the server. During
	// the grace period, the node announces it is leaving the cluster and waits
	// for active admin requests to complete.
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`
}

func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			JoinTimeout:      time.Minute,
			AbortIfJoinFails: true,
			Gossip:           *gossip.Default(),
		},
		Admin: AdminConfig{
			BindAddr: ":8002",
		},
		Log: log.Config{
			Level: "info",
		},
		GracePeriod: time.Minute,
	}
}

func (c *Config) Validate() error {
	if err := c.Cluster.Validate(); err != nil {
		return fmt.Errorf("cluster: %w", err)
	}
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	if c.GracePeriod == 0 {
		return fmt.Errorf("missing grace period")
	}

	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	c.Cluster.RegisterFlags(fs)

	c.Admin.RegisterFlags(fs)

	c.Log.RegisterFlags(fs)

	fs.DurationVar(
		&c.GracePeriod,
		"grace-period",
		c.GracePeriod,
		`
Maximum duration after a shutdown signal is received (SIGTERM or
SIGINT) to gracefully shutdown the server node before terminating.
This includes announcing to the cluster the node is leaving and handling
in-progress admin requests.`,
	)
}
