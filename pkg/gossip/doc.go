// Package gossip manages cluster membership and failure detection for the
// local node.
//
// Each node is described by a NodeRecord, versioned by a term. The owning
// node increments its term whenever it republishes its record, and other
// nodes increment it when they suspect the node, declare it dead or refute
// a suspicion. Nodes periodically exchange records with random peers, plus
// one peer in round-robin order, and merge received records into their
// Store, so every node converges on the same view of the cluster.
//
// When a node doesn't acknowledge a request and isn't heard from in time it
// is first suspected, giving it a chance to refute the
// suspicion by publishing its record with a greater term, before being
// declared dead. Dead and left nodes are retained as tombstones until
// the tombstone TTL expires to stop stale gossip resurrecting them.
package gossip
