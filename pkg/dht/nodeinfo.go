package dht

import (
	"time"

	"github.com/montana2ab/myriadmesh/node/pkg/identity"
)

// AdapterAddress is a local-only (never shared) transport endpoint for a
// peer, keyed by adapter type.
type AdapterAddress struct {
	AdapterType uint8
	Address     string
}

// Capabilities is the set of capability flags a node advertises; the
// public-safe projection strips addresses and keeps only these flags
// (§3 NodeInfo).
type Capabilities struct {
	SupportsOnion  bool
	SupportsI2P    bool
	MaxMessageSize uint32
}

// NodeInfo is the full local DHT record (§3).
type NodeInfo struct {
	NodeId             identity.NodeId
	PoWNonce           uint64
	Adapters           []AdapterAddress // local only, stripped from PublicNodeInfo
	LastSeen           time.Time
	RTTMillis          uint32
	ConsecutiveFailures uint32
	Reputation         *Reputation
	Capabilities       Capabilities
	FirstSeen          time.Time
	TotalSuccesses     uint64
}

// NewNodeInfo builds a record with PoW already verified by the caller.
func NewNodeInfo(nodeId identity.NodeId, powNonce uint64, now time.Time) *NodeInfo {
	return &NodeInfo{
		NodeId:     nodeId,
		PoWNonce:   powNonce,
		LastSeen:   now,
		FirstSeen:  now,
		Reputation: NewReputation(now),
	}
}

// PublicNodeInfo is the public-safe projection: adapter addresses are
// stripped, only capability flags are shared (§3).
type PublicNodeInfo struct {
	NodeId       identity.NodeId
	Capabilities Capabilities
	Reputation   float64
}

// Public projects NodeInfo to its shareable form.
func (n *NodeInfo) Public() PublicNodeInfo {
	score := n.Reputation.CachedScore
	return PublicNodeInfo{
		NodeId:       n.NodeId,
		Capabilities: n.Capabilities,
		Reputation:   score,
	}
}
