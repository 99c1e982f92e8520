package gossip

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// BindAddr is the address to bind to listen for gossip traffic.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the address to advertise to other nodes.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`

	// Interval is the rate to initiate a gossip round.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Fanout is the number of live nodes to gossip with each round.
	Fanout int `json:"fanout" yaml:"fanout"`

	// PushPull indicates whether the randomly selected receivers of a gossip
	// round reply with their own state. The round-robin receiver always
	// replies.
	PushPull bool `json:"push_pull" yaml:"push_pull"`

	// AckTimeout is the duration to wait for a push-pull reply before
	// considering the request missed.
	AckTimeout time.Duration `json:"ack_timeout" yaml:"ack_timeout"`

	// ProbeTimeout is the duration without an ack before a node that missed a
	// request is suspected.
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`

	// SuspicionTimeout is the duration a node is suspected before it is
	// declared dead.
	SuspicionTimeout time.Duration `json:"suspicion_timeout" yaml:"suspicion_timeout"`

	// MaxMissedProbes is the number of consecutive missed probes before a
	// node is suspected.
	MaxMissedProbes int `json:"max_missed_probes" yaml:"max_missed_probes"`

	// TombstoneTTL is the duration dead and left nodes are retained.
	TombstoneTTL time.Duration `json:"tombstone_ttl" yaml:"tombstone_ttl"`

	// ReapInterval is the rate to remove expired tombstones.
	ReapInterval time.Duration `json:"reap_interval" yaml:"reap_interval"`

	// MaxPacketSize is the maximum size of any packet sent.
	MaxPacketSize int `json:"max_packet_size" yaml:"max_packet_size"`

	// MaxPayloadRecords is the maximum number of records in a gossip payload.
	MaxPayloadRecords int `json:"max_payload_records" yaml:"max_payload_records"`

	// RetransmitMult is the multiplier for the number of times a changed
	// record is prioritised in gossip payloads.
	RetransmitMult int `json:"retransmit_mult" yaml:"retransmit_mult"`

	// MaxConcurrentInbound is the maximum number of received payloads
	// handled concurrently.
	MaxConcurrentInbound int `json:"max_concurrent_inbound" yaml:"max_concurrent_inbound"`

	// TermSeed is the initial term of the local node. If zero, the term is
	// seeded from the current time.
	TermSeed uint64 `json:"term_seed" yaml:"term_seed"`
}

func Default() *Config {
	return &Config{
		BindAddr:             ":8003",
		Interval:             time.Millisecond * 500,
		Fanout:               3,
		PushPull:             true,
		AckTimeout:           time.Second,
		ProbeTimeout:         time.Second * 5,
		SuspicionTimeout:     time.Second * 10,
		MaxMissedProbes:      3,
		TombstoneTTL:         time.Minute,
		ReapInterval:         time.Second * 5,
		MaxPacketSize:        1400,
		MaxPayloadRecords:    32,
		RetransmitMult:       4,
		MaxConcurrentInbound: 16,
	}
}

func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	if c.Interval == 0 {
		return fmt.Errorf("missing interval")
	}
	if c.Fanout <= 0 {
		return fmt.Errorf("fanout must be positive")
	}
	if c.PushPull && c.AckTimeout == 0 {
		return fmt.Errorf("missing ack timeout")
	}
	if c.ProbeTimeout == 0 {
		return fmt.Errorf("missing probe timeout")
	}
	if c.SuspicionTimeout == 0 {
		return fmt.Errorf("missing suspicion timeout")
	}
	// The suspected node needs a few rounds to receive the suspicion and
	// refute it.
	if c.SuspicionTimeout < c.Interval*2 {
		return fmt.Errorf(
			"suspicion timeout must be at least twice the interval: %s < %s",
			c.SuspicionTimeout, c.Interval*2,
		)
	}
	if c.MaxMissedProbes <= 0 {
		return fmt.Errorf("max missed probes must be positive")
	}
	if c.TombstoneTTL == 0 {
		return fmt.Errorf("missing tombstone ttl")
	}
	if c.ReapInterval == 0 {
		return fmt.Errorf("missing reap interval")
	}
	if c.MaxPacketSize == 0 {
		return fmt.Errorf("missing max packet size")
	}
	if c.MaxPayloadRecords <= 0 {
		return fmt.Errorf("max payload records must be positive")
	}
	if c.RetransmitMult <= 0 {
		return fmt.Errorf("retransmit mult must be positive")
	}
	if c.MaxConcurrentInbound <= 0 {
		return fmt.Errorf("max concurrent inbound must be positive")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	prefix = prefix + ".gossip."

	fs.StringVar(
		&c.BindAddr,
		prefix+"bind-addr",
		c.BindAddr,
		`
The host/port to listen for inter-node gossip traffic.

If the host is unspecified it defaults to all listeners, such as
a bind address ':8003' will listen on '0.0.0.0:8003'`,
	)

	fs.StringVar(
		&c.AdvertiseAddr,
		prefix+"advertise-addr",
		c.AdvertiseAddr,
		`
Gossip listen address to advertise to other nodes in the cluster. This is the
address other nodes will used to gossip with the node.

Such as if the listen address is ':8003', the advertised address may be
'10.26.104.45:8003' or 'node1.cluster:8003'.

By default, if the bind address includes an IP to bind to that will be used.
If the bind address does not include an IP (such as ':8003') the nodes
private IP will be used, such as a bind address of ':8003' may have an
advertise address of '10.26.104.14:8003'.`,
	)

	fs.DurationVar(
		&c.Interval,
		prefix+"interval",
		c.Interval,
		`
The interval to initiate rounds of gossip.

Each gossip round selects '--cluster.gossip.fanout' known nodes to
synchronize with.`,
	)

	fs.IntVar(
		&c.Fanout,
		prefix+"fanout",
		c.Fanout,
		`
The number of live nodes to gossip with each round.`,
	)

	fs.BoolVar(
		&c.PushPull,
		prefix+"push-pull",
		c.PushPull,
		`
Whether nodes reply to gossip with their own state (push-pull), rather than
only sending state (push).

Push-pull converges faster at the cost of a reply per gossip message. Either
way one node each round, selected in round-robin order, is always asked to
reply so unacknowledged requests are detected.`,
	)

	fs.DurationVar(
		&c.AckTimeout,
		prefix+"ack-timeout",
		c.AckTimeout,
		`
The duration to wait for a push-pull reply before counting the request as a
missed probe.`,
	)

	fs.DurationVar(
		&c.ProbeTimeout,
		prefix+"probe-timeout",
		c.ProbeTimeout,
		`
The duration without hearing from a node, either directly or via a new
record, before the node is suspected of failing. The node is only suspected
once a request to it has gone unacknowledged.`,
	)

	fs.DurationVar(
		&c.SuspicionTimeout,
		prefix+"suspicion-timeout",
		c.SuspicionTimeout,
		`
The duration a node is suspected before it is declared dead.

This gives the suspected node time to learn about the suspicion and refute
it, so should be a few multiples of the gossip interval.`,
	)

	fs.IntVar(
		&c.MaxMissedProbes,
		prefix+"max-missed-probes",
		c.MaxMissedProbes,
		`
The number of consecutive failed or unacknowledged messages to a node before
it is suspected, even if the probe timeout hasn't elapsed.`,
	)

	fs.DurationVar(
		&c.TombstoneTTL,
		prefix+"tombstone-ttl",
		c.TombstoneTTL,
		`
The duration to retain dead and left nodes before removing them.

Retaining nodes lets the failure propagate through the cluster, otherwise
stale gossip could resurrect the node.`,
	)

	fs.DurationVar(
		&c.ReapInterval,
		prefix+"reap-interval",
		c.ReapInterval,
		`
The interval to remove dead and left nodes whose tombstone TTL expired.`,
	)

	fs.IntVar(
		&c.MaxPacketSize,
		prefix+"max-packet-size",
		c.MaxPacketSize,
		`
The maximum size of any packet sent.

Depending on your networks MTU you may be able to increase to include more data
in each packet.`,
	)

	fs.IntVar(
		&c.MaxPayloadRecords,
		prefix+"max-payload-records",
		c.MaxPayloadRecords,
		`
The maximum number of node records to include in each gossip message.`,
	)

	fs.IntVar(
		&c.RetransmitMult,
		prefix+"retransmit-mult",
		c.RetransmitMult,
		`
The multiplier for the number of gossip rounds a changed node record is
prioritised for. The number of rounds is the multiplier scaled by the log of
the cluster size.`,
	)

	fs.IntVar(
		&c.MaxConcurrentInbound,
		prefix+"max-concurrent-inbound",
		c.MaxConcurrentInbound,
		`
The maximum number of received gossip messages to handle concurrently.

When exceeded, reading from the network is paused until a message completes.`,
	)

	fs.Uint64Var(
		&c.TermSeed,
		prefix+"term-seed",
		c.TermSeed,
		`
The initial term of the local node record.

By default the term is seeded from the current time in milliseconds, so a
restarted node always publishes a greater term than before it restarted.`,
	)
}
