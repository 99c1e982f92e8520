package gossip

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/andydunstall/swarm/pkg/backoff"
	"github.com/andydunstall/swarm/pkg/log"
)

const (
	// leaveNotifyLimit is the number of nodes to notify when leaving.
	leaveNotifyLimit = 3

	joinRetries    = 3
	joinMinBackoff = time.Millisecond * 100
	joinMaxBackoff = time.Second
)

// pendingRequest is a push-pull request awaiting a reply.
type pendingRequest struct {
	// nodeID is the ID of the node the request was sent to, or empty if the
	// node is unknown (such as when joining).
	nodeID string
	sentAt time.Time
	// replyCh receives the ID of the replying node, if a caller is waiting
	// for the reply.
	replyCh chan string
}

type options struct {
	codec    Codec
	metadata []byte
}

type Option interface {
	apply(*options)
}

type codecOption struct {
	codec Codec
}

func (o codecOption) apply(opts *options) {
	opts.codec = o.codec
}

// WithCodec sets the codec used to encode records. Defaults to MsgpackCodec.
func WithCodec(codec Codec) Option {
	return codecOption{codec: codec}
}

type metadataOption []byte

func (o metadataOption) apply(opts *options) {
	opts.metadata = o
}

// WithMetadata sets the initial metadata of the local node.
func WithMetadata(metadata []byte) Option {
	return metadataOption(metadata)
}

// Gossip manages cluster membership and failure detection for the local
// node by periodically exchanging node records with random peers.
type Gossip struct {
	localID string

	store           *Store
	failureDetector *failureDetector
	broadcasts      *broadcastQueue
	watchers        *watchers
	targets         *roundRobin

	// localMu serialises updates to the local record.
	localMu sync.Mutex

	pending map[uint64]*pendingRequest
	// pendingMu protects pending.
	pendingMu sync.Mutex
	seq       *atomic.Uint64

	transport Transport
	codec     Codec

	// inbound bounds the number of received payloads handled concurrently.
	inbound *semaphore.Weighted

	// sendMu is held for reading while sending so Shutdown can wait for
	// in-flight sends.
	sendMu sync.RWMutex

	config *Config

	metrics *Metrics

	logger log.Logger

	started *atomic.Bool
	closed  *atomic.Bool

	shutdownCh     chan struct{}
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup
}

func New(
	nodeID string,
	config *Config,
	transport Transport,
	logger log.Logger,
	opts ...Option,
) *Gossip {
	options := options{
		codec: MsgpackCodec{},
	}
	for _, o := range opts {
		o.apply(&options)
	}

	logger = logger.WithSubsystem("gossip")

	addr := config.AdvertiseAddr
	if addr == "" {
		addr = config.BindAddr
	}

	term := config.TermSeed
	if term == 0 {
		term = uint64(time.Now().UnixMilli())
	}

	store := NewStore(nodeID)
	store.Upsert(NodeRecord{
		ID:       nodeID,
		Addr:     addr,
		Metadata: options.metadata,
		Term:     term,
		Status:   StatusAlive,
	})

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	return &Gossip{
		localID: nodeID,
		store:   store,
		failureDetector: newFailureDetector(
			store,
			config.ProbeTimeout,
			config.SuspicionTimeout,
			config.MaxMissedProbes,
		),
		broadcasts:     newBroadcastQueue(config.RetransmitMult),
		watchers:       newWatchers(),
		targets:        newRoundRobin(store),
		pending:        make(map[uint64]*pendingRequest),
		seq:            atomic.NewUint64(0),
		transport:      transport,
		codec:          options.codec,
		inbound:        semaphore.NewWeighted(int64(config.MaxConcurrentInbound)),
		config:         config,
		metrics:        newMetrics(),
		logger:         logger,
		started:        atomic.NewBool(false),
		closed:         atomic.NewBool(false),
		shutdownCh:     make(chan struct{}),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}
}

// Start begins receiving payloads and gossiping.
//
// Returns ErrAlreadyStarted if already started, or ErrShutdown if shut down.
func (g *Gossip) Start() error {
	if g.closed.Load() {
		return ErrShutdown
	}
	if !g.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	local := g.LocalNode()
	g.logger.Info(
		"starting gossip",
		zap.String("node-id", local.ID),
		zap.String("addr", local.Addr),
		zap.Uint64("term", local.Term),
	)

	g.transport.Receive(g.onReceive)

	g.wg.Add(3)
	go g.scheduleFunc(g.config.Interval, g.gossipRound)
	go g.scheduleFunc(g.config.Interval, g.updateLiveness)
	go g.scheduleFunc(g.config.ReapInterval, g.reap)

	return nil
}

// Shutdown stops gossiping and waits for in-flight rounds, received payloads
// and sends to complete. No payloads are sent once Shutdown returns.
//
// To leave gracefully, first call Leave, otherwise other nodes in the
// cluster will detect this node as failed rather than as having left.
//
// Returns ErrNotStarted if Start was never called. Calling Shutdown again
// does nothing.
func (g *Gossip) Shutdown() error {
	if !g.started.Load() {
		return ErrNotStarted
	}
	if !g.closed.CompareAndSwap(false, true) {
		// Already shut down.
		return nil
	}

	g.transport.Receive(nil)

	close(g.shutdownCh)
	g.shutdownCancel()

	// Wait for the scheduled loops.
	g.wg.Wait()

	// Wait for received payloads being handled by acquiring every slot.
	_ = g.inbound.Acquire(context.Background(), int64(g.config.MaxConcurrentInbound))

	// Wait for in-flight sends. Any later send will see closed.
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	g.logger.Info("gossip shut down")

	return nil
}

// Join attempts to join an existing cluster by synchronising with the nodes
// at the given addresses.
//
// The addresses may contain either IP addresses or domain names. When a domain
// name is used, the domain is resolved and each resolved IP address is
// attempted. If the port is omitted the bind port is used.
//
// Returns the IDs of joined nodes. Or if addresses were provided but no
// nodes could be joined an error is returned. Note if a domain was provided
// that only resolved to the current node then Join will return nil.
func (g *Gossip) Join(ctx context.Context, addrs []string) ([]string, error) {
	if !g.started.Load() {
		return nil, ErrNotStarted
	}
	if g.closed.Load() {
		return nil, ErrShutdown
	}
	if len(addrs) == 0 {
		return nil, nil
	}

	localAddr := g.LocalNode().Addr

	var resolved []string
	for _, unresolvedAddr := range addrs {
		unresolvedAddr = g.ensurePort(unresolvedAddr)
		resolvedAddrs, err := resolveAddr(unresolvedAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve: %s: %w", unresolvedAddr, err)
		}

		if len(resolvedAddrs) == 0 {
			g.logger.Warn(
				"join: domain did not resolve any addresses",
				zap.String("addr", unresolvedAddr),
			)
			continue
		}

		for _, addr := range resolvedAddrs {
			if addr == localAddr {
				// Ignore ourselves.
				continue
			}
			resolved = append(resolved, addr)
		}
	}

	var joined []string
	var lastJoinErr error
	var mu sync.Mutex

	var group errgroup.Group
	for _, addr := range resolved {
		group.Go(func() error {
			nodeID, err := g.join(ctx, addr)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				lastJoinErr = err

				g.logger.Warn(
					"failed to join node",
					zap.String("addr", addr),
					zap.Error(err),
				)
				return nil
			}

			joined = append(joined, nodeID)
			return nil
		})
	}
	_ = group.Wait()

	// Return an error if we couldn't join any resolved addresses (if there
	// were no resolved addresses return nil).
	if len(joined) == 0 && lastJoinErr != nil {
		return nil, lastJoinErr
	}
	return joined, nil
}

// Leave gracefully leaves the cluster.
//
// This blocks while it attempts to notify up to 3 nodes in the cluster that
// the node is leaving to ensure the status update is propagated.
//
// After the node has left its state should not be updated again.
//
// Returns an error if no nodes could be notified.
func (g *Gossip) Leave(ctx context.Context) error {
	if !g.started.Load() {
		return ErrNotStarted
	}
	if g.closed.Load() {
		return ErrShutdown
	}

	if err := g.updateLocal(func(local *NodeRecord) {
		local.Status = StatusLeft
	}); err != nil {
		return fmt.Errorf("update local: %w", err)
	}

	peers := g.store.Peers(StatusAlive, StatusSuspect)
	rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})

	notified := 0
	var lastLeaveErr error
	for _, peer := range peers {
		if _, err := g.pushPull(ctx, peer.Addr); err != nil {
			g.logger.Warn(
				"failed to send leave to node",
				zap.String("node-id", peer.ID),
				zap.Error(err),
			)
			lastLeaveErr = err
			continue
		}

		g.logger.Info(
			"notified node of leave",
			zap.String("node-id", peer.ID),
		)

		notified++
		if notified == leaveNotifyLimit {
			// If we've notified 3 nodes thats enough to be confident the
			// update will be propagated.
			return nil
		}
	}

	if notified > 0 {
		return nil
	}
	return lastLeaveErr
}

// UpdateMetadata republishes the local node with the given metadata.
func (g *Gossip) UpdateMetadata(metadata []byte) error {
	return g.updateLocal(func(local *NodeRecord) {
		local.Metadata = append([]byte(nil), metadata...)
	})
}

// LocalNode returns the record of the local node.
func (g *Gossip) LocalNode() NodeRecord {
	// The local node is never reaped.
	record, _ := g.store.Get(g.localID)
	return record
}

// Members returns the alive and suspect nodes, including the local node,
// sorted by ID.
func (g *Gossip) Members() []NodeRecord {
	var members []NodeRecord
	for _, record := range g.store.List() {
		if record.Status.Live() {
			members = append(members, record)
		}
	}
	return members
}

// Member returns the known record of the node with the given ID.
func (g *Gossip) Member(id string) (NodeRecord, bool) {
	return g.store.Get(id)
}

// Nodes returns all known nodes, including dead and left nodes that haven't
// been reaped, sorted by ID.
func (g *Gossip) Nodes() []NodeRecord {
	return g.store.List()
}

// Liveness returns the failure detector state of the node with the given
// ID.
func (g *Gossip) Liveness(id string) (Liveness, bool) {
	return g.failureDetector.State(id)
}

// Subscribe registers a watcher to be notified of node changes. Returns a
// function to unsubscribe.
func (g *Gossip) Subscribe(watcher Watcher) func() {
	return g.watchers.Add(watcher)
}

func (g *Gossip) Metrics() *Metrics {
	return g.metrics
}

// scheduleFunc calls f at the given interval until shutdown.
func (g *Gossip) scheduleFunc(interval time.Duration, f func()) {
	defer g.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Add 10% jitter to avoid nodes synchronising.
			var jitter time.Duration
			if interval.Milliseconds() > 0 {
				jitterMs := (rand.Int63() % interval.Milliseconds()) / 10
				jitter = time.Duration(jitterMs) * time.Millisecond
			}
			select {
			case <-time.After(jitter):
				f()
			case <-g.shutdownCh:
				return
			}

		case <-g.shutdownCh:
			return
		}
	}
}

// gossipRound initiates a round of gossip.
//
// One of the peers each round is the next live peer in round-robin order,
// which is always sent a request so it acknowledges the round directly. The
// rest are chosen at random.
func (g *Gossip) gossipRound() {
	target, ok := g.targets.Next()

	var peers []NodeRecord
	for _, peer := range g.store.Peers(StatusAlive, StatusSuspect) {
		if ok && peer.ID == target.ID {
			continue
		}
		peers = append(peers, peer)
	}
	rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	fanout := g.config.Fanout
	if ok {
		fanout--
	}
	if len(peers) > fanout {
		peers = peers[:fanout]
	}

	// Select a random dead node to gossip with.
	//
	// We continue to gossip with dead nodes until they are reaped to avoid
	// the case where a healthy node that was partitioned never learns it
	// was declared dead so never refutes.
	dead := g.store.Peers(StatusDead)
	if len(dead) > 0 {
		peers = append(peers, dead[rand.Intn(len(dead))])
	}

	if !ok && len(peers) == 0 {
		return
	}

	records := g.payloadRecords()
	if ok {
		g.gossip(target, records, true)
	}
	for _, peer := range peers {
		g.gossip(peer, records, g.config.PushPull)
	}
}

// gossip sends the encoded records to the given peer. A failure to send is
// reported to the failure detector rather than returned.
//
// If request is true the peer must reply, and a missing reply is reported to
// the failure detector once the ack timeout expires.
func (g *Gossip) gossip(peer NodeRecord, records [][]byte, request bool) {
	header := g.header()
	header.Request = request
	if header.Request {
		header.Seq = g.seq.Inc()
	}

	b, n, err := encodePayload(header, records, g.config.MaxPacketSize)
	if err != nil {
		g.logger.Error("failed to encode payload", zap.Error(err))
		return
	}

	if header.Request {
		g.addPending(header.Seq, &pendingRequest{
			nodeID: peer.ID,
			sentAt: time.Now(),
		})
	}

	if err := g.send(peer.Addr, b); err != nil {
		g.metrics.SendErrors.Inc()
		g.logger.Debug(
			"failed to send gossip",
			zap.String("node-id", peer.ID),
			zap.String("addr", peer.Addr),
			zap.Error(err),
		)

		if header.Request {
			g.removePending(header.Seq)
		}
		g.reportMiss(peer.ID)
		return
	}

	g.metrics.RecordsOutbound.Add(float64(n))
}

// payloadRecords returns the encoded records to gossip.
//
// The local record is always included first, followed by recently changed
// records, then a random sample of the remaining records. Since the payload
// is truncated if it exceeds the max packet size, the random sample is
// dropped first.
func (g *Gossip) payloadRecords() [][]byte {
	limit := g.config.MaxPayloadRecords

	records := []NodeRecord{g.LocalNode()}
	included := map[string]struct{}{
		g.localID: {},
	}

	for _, id := range g.broadcasts.Next(limit-1, g.store.Len()) {
		if _, ok := included[id]; ok {
			continue
		}
		record, ok := g.store.Get(id)
		if !ok {
			continue
		}
		records = append(records, record)
		included[id] = struct{}{}
	}

	for _, record := range g.store.SnapshotSample(limit) {
		if len(records) >= limit {
			break
		}
		if _, ok := included[record.ID]; ok {
			continue
		}
		records = append(records, record)
		included[record.ID] = struct{}{}
	}

	encoded := make([][]byte, 0, len(records))
	for _, record := range records {
		b, err := g.codec.Encode(record)
		if err != nil {
			g.logger.Error(
				"failed to encode record",
				zap.String("node-id", record.ID),
				zap.Error(err),
			)
			continue
		}
		encoded = append(encoded, b)
	}
	return encoded
}

// onReceive is called by the transport for each received payload. It blocks
// while the maximum number of payloads are being handled.
func (g *Gossip) onReceive(b []byte, from string) {
	if err := g.inbound.Acquire(g.shutdownCtx, 1); err != nil {
		return
	}
	if g.closed.Load() {
		g.inbound.Release(1)
		return
	}

	g.metrics.InboundInFlight.Inc()
	go func() {
		defer g.inbound.Release(1)
		defer g.metrics.InboundInFlight.Dec()

		g.handlePayload(b, from)
	}()
}

func (g *Gossip) handlePayload(b []byte, from string) {
	g.metrics.PacketBytesInbound.Add(float64(len(b)))

	header, encoded, err := decodePayload(b)
	if err != nil {
		g.metrics.DecodeErrors.Inc()
		g.logger.Warn(
			"failed to decode payload",
			zap.String("addr", from),
			zap.Int("records", len(encoded)),
			zap.Error(err),
		)
		if header.NodeID == "" {
			return
		}
		// Continue with the records decoded before the error.
	}

	if header.NodeID == g.localID {
		return
	}

	now := time.Now()
	for _, b := range encoded {
		record, err := g.codec.Decode(b)
		if err != nil {
			g.metrics.DecodeErrors.Inc()
			g.logger.Warn(
				"failed to decode record",
				zap.String("addr", from),
				zap.String("node-id", header.NodeID),
				zap.Error(err),
			)
			continue
		}
		g.metrics.RecordsInbound.Inc()

		g.receiveRecord(record, now)
	}

	// Receiving a payload from the node is proof the node is alive.
	g.ack(header.NodeID, now)

	if header.Ack != 0 {
		g.resolvePending(header.Ack, header.NodeID)
	}

	if header.Request {
		g.reply(header)
	}
}

// reply sends our own payload in response to a push-pull request.
func (g *Gossip) reply(request payloadHeader) {
	header := g.header()
	header.Ack = request.Seq

	b, n, err := encodePayload(header, g.payloadRecords(), g.config.MaxPacketSize)
	if err != nil {
		g.logger.Error("failed to encode payload", zap.Error(err))
		return
	}

	if err := g.send(request.Addr, b); err != nil {
		g.metrics.SendErrors.Inc()
		g.logger.Debug(
			"failed to send reply",
			zap.String("node-id", request.NodeID),
			zap.String("addr", request.Addr),
			zap.Error(err),
		)
		g.reportMiss(request.NodeID)
		return
	}

	g.metrics.RecordsOutbound.Add(float64(n))
}

func (g *Gossip) receiveRecord(record NodeRecord, now time.Time) {
	if record.ID == g.localID {
		g.refute(record)
		return
	}

	if record.Status.Terminal() {
		if _, ok := g.store.Get(record.ID); !ok {
			// The node is unknown or was already reaped. Adding a tombstone
			// would only resurrect it.
			return
		}
	}

	// Records that don't change the store are only observed if alive, since
	// an alive record with the same term as a suspicion refutes it.
	if !g.apply(record, now) && record.Status != StatusAlive {
		return
	}

	published, ok, err := g.failureDetector.Observe(record, now)
	if err != nil {
		g.logger.Warn(
			"failed to refute suspicion",
			zap.String("node-id", record.ID),
			zap.Error(err),
		)
		return
	}
	if ok {
		g.apply(published, now)
	}
}

// refute republishes the local node as alive with a greater term if another
// node considers it suspect or dead, knows a greater term (such as from
// before the node restarted), or has a different record with the same term.
func (g *Gossip) refute(record NodeRecord) {
	g.localMu.Lock()
	defer g.localMu.Unlock()

	local := g.LocalNode()
	if local.Status == StatusLeft {
		// Once we've left, don't contradict it.
		return
	}
	if record.Term < local.Term {
		return
	}
	if record.Term == local.Term && record.Equal(local) {
		return
	}

	if record.Term == math.MaxUint64 {
		g.logger.Error(
			"failed to refute",
			zap.Uint64("term", record.Term),
			zap.Error(ErrTermOverflow),
		)
		return
	}

	g.logger.Info(
		"refuting local node status",
		zap.String("status", record.Status.String()),
		zap.Uint64("term", record.Term),
	)

	local.Term = record.Term + 1
	local.Status = StatusAlive
	g.apply(local, time.Now())
}

func (g *Gossip) ack(nodeID string, now time.Time) {
	published, ok, err := g.failureDetector.Ack(nodeID, now)
	if err != nil {
		g.logger.Warn(
			"failed to publish alive",
			zap.String("node-id", nodeID),
			zap.Error(err),
		)
		return
	}
	if ok {
		g.apply(published, now)
	}
}

func (g *Gossip) reportMiss(nodeID string) {
	now := time.Now()
	published, ok, err := g.failureDetector.ReportMiss(nodeID, now)
	if err != nil {
		g.logger.Warn(
			"failed to publish suspect",
			zap.String("node-id", nodeID),
			zap.Error(err),
		)
		return
	}
	if ok {
		g.apply(published, now)
	}
}

// updateLiveness expires unacknowledged requests and updates the liveness of
// each node.
func (g *Gossip) updateLiveness() {
	now := time.Now()

	for _, nodeID := range g.expirePending(now) {
		g.metrics.AckTimeouts.Inc()
		g.reportMiss(nodeID)
	}

	records, err := g.failureDetector.Tick(now)
	if err != nil {
		g.logger.Warn("failed to update liveness", zap.Error(err))
	}
	for _, record := range records {
		g.apply(record, now)
	}

	g.metrics.updateNodes(g.store.StatusCounts())
}

// reap removes expired dead and left nodes.
func (g *Gossip) reap() {
	reaped := g.store.Reap(time.Now(), g.config.TombstoneTTL)
	for _, record := range reaped {
		g.failureDetector.Remove(record.ID)
		g.broadcasts.Remove(record.ID)

		g.logger.Debug(
			"node expired",
			zap.String("node-id", record.ID),
			zap.String("status", record.Status.String()),
		)

		g.watchers.Notify(Event{Type: EventExpired, Record: record})
	}
}

// apply merges the record into the store. If the record changed the store, it
// is queued for broadcast and watchers are notified.
func (g *Gossip) apply(record NodeRecord, now time.Time) bool {
	result := g.store.UpsertAt(record, now)
	if !result.Merged {
		return false
	}

	g.metrics.RecordsMerged.Inc()
	g.broadcasts.Offer(record.ID)

	if !result.Exists {
		g.metrics.Transitions.WithLabelValues(record.Status.String()).Inc()
		g.logger.Info(
			"node joined",
			zap.String("node-id", record.ID),
			zap.String("addr", record.Addr),
			zap.String("status", record.Status.String()),
		)

		g.watchers.Notify(Event{Type: EventJoin, Record: record})
		return true
	}

	if result.Previous.Status != record.Status {
		g.metrics.Transitions.WithLabelValues(record.Status.String()).Inc()
		g.logger.Info(
			"node status updated",
			zap.String("node-id", record.ID),
			zap.String("previous", result.Previous.Status.String()),
			zap.String("status", record.Status.String()),
			zap.Uint64("term", record.Term),
		)
	}

	g.watchers.Notify(Event{
		Type:     EventUpdate,
		Record:   record,
		Previous: result.Previous,
	})
	return true
}

// updateLocal republishes the local record with an incremented term after
// applying f.
func (g *Gossip) updateLocal(f func(local *NodeRecord)) error {
	g.localMu.Lock()
	defer g.localMu.Unlock()

	local := g.LocalNode()
	if local.Status == StatusLeft {
		return fmt.Errorf("node has left")
	}
	if local.Term == math.MaxUint64 {
		return ErrTermOverflow
	}

	f(&local)
	local.Term++
	g.apply(local, time.Now())
	return nil
}

// join attempts to synchronise with the node at the given address, retrying
// with backoff.
func (g *Gossip) join(ctx context.Context, addr string) (string, error) {
	retry := backoff.New(joinRetries, joinMinBackoff, joinMaxBackoff)
	for {
		nodeID, err := g.pushPull(ctx, addr)
		if err == nil {
			return nodeID, nil
		}
		if !retry.Wait(ctx) {
			return "", err
		}
	}
}

// pushPull sends our payload to the given address and waits for the reply.
// Returns the ID of the replying node.
func (g *Gossip) pushPull(ctx context.Context, addr string) (string, error) {
	header := g.header()
	header.Request = true
	header.Seq = g.seq.Inc()

	b, _, err := encodePayload(header, g.payloadRecords(), g.config.MaxPacketSize)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}

	replyCh := make(chan string, 1)
	g.addPending(header.Seq, &pendingRequest{
		sentAt:  time.Now(),
		replyCh: replyCh,
	})
	defer g.removePending(header.Seq)

	if err := g.send(addr, b); err != nil {
		g.metrics.SendErrors.Inc()
		return "", fmt.Errorf("send: %w", err)
	}

	timer := time.NewTimer(g.ackTimeout())
	defer timer.Stop()

	select {
	case nodeID := <-replyCh:
		return nodeID, nil
	case <-timer.C:
		return "", fmt.Errorf("%s: timed out waiting for reply", addr)
	case <-ctx.Done():
		return "", ctx.Err()
	case <-g.shutdownCh:
		return "", ErrShutdown
	}
}

func (g *Gossip) send(addr string, b []byte) error {
	g.sendMu.RLock()
	defer g.sendMu.RUnlock()

	if g.closed.Load() {
		return ErrShutdown
	}

	ctx, cancel := context.WithTimeout(g.shutdownCtx, g.ackTimeout())
	defer cancel()

	if err := g.transport.Send(ctx, addr, b); err != nil {
		return err
	}
	g.metrics.PacketBytesOutbound.Add(float64(len(b)))
	return nil
}

func (g *Gossip) header() payloadHeader {
	local := g.LocalNode()
	return payloadHeader{
		NodeID: local.ID,
		Addr:   local.Addr,
	}
}

func (g *Gossip) ackTimeout() time.Duration {
	if g.config.AckTimeout != 0 {
		return g.config.AckTimeout
	}
	return g.config.Interval
}

func (g *Gossip) addPending(seq uint64, req *pendingRequest) {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()

	g.pending[seq] = req
}

func (g *Gossip) removePending(seq uint64) {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()

	delete(g.pending, seq)
}

// resolvePending marks the request with the given sequence number as
// acknowledged.
func (g *Gossip) resolvePending(seq uint64, nodeID string) {
	g.pendingMu.Lock()
	req, ok := g.pending[seq]
	if ok {
		delete(g.pending, seq)
	}
	g.pendingMu.Unlock()

	if ok && req.replyCh != nil {
		// Buffered so never blocks.
		select {
		case req.replyCh <- nodeID:
		default:
		}
	}
}

// expirePending removes requests that weren't acknowledged within the ack
// timeout and returns the IDs of the nodes that didn't reply.
func (g *Gossip) expirePending(now time.Time) []string {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()

	var missed []string
	for seq, req := range g.pending {
		if now.Sub(req.sentAt) <= g.ackTimeout() {
			continue
		}
		// Requests with a waiting caller are removed by the caller.
		if req.replyCh != nil {
			continue
		}
		delete(g.pending, seq)
		missed = append(missed, req.nodeID)
	}
	return missed
}

// ensurePort adds the configured bind port to addr if addr doesn't already
// have a port.
func (g *Gossip) ensurePort(addr string) string {
	if strings.Contains(addr, ":") {
		return addr
	}

	_, bindPort, err := net.SplitHostPort(g.config.BindAddr)
	if err != nil {
		// The bind address has already been validated.
		return addr
	}

	return addr + ":" + bindPort
}

// resolveAddr resolves the given address, which may be a domain pointing
// to multiple IP addresses.
func resolveAddr(addr string) ([]string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid addr: %s: %w", addr, err)
	}

	// If the address already contains an IP address, do nothing.
	if ip := net.ParseIP(host); ip != nil {
		return []string{addr}, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("lookup host: %s: %w", host, err)
	}

	var addrs []string
	for _, ip := range ips {
		addrs = append(addrs, net.JoinHostPort(ip.String(), port))
	}
	return addrs, nil
}
