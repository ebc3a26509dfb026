// Package dht implements the Kademlia substrate: k-buckets and XOR-distance
// routing, proof-of-work admission, Byzantine-resistant reputation, and
// TTL-bounded storage (component F).
package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/montana2ab/myriadmesh/node/pkg/identity"
)

// NumBuckets is one bucket per bit of NodeId length (§3): 64 bytes * 8.
const NumBuckets = identity.NodeIDSize * 8

// DefaultBucketCapacity is the default k-bucket size k (§3, default 20).
const DefaultBucketCapacity = 20

// XORDistance computes the bitwise XOR distance between two NodeIds
// (§8: d(a,b) = d(b,a); d(a,a) = 0, trivially satisfied by XOR).
func XORDistance(a, b identity.NodeId) identity.NodeId {
	var out identity.NodeId
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// BucketIndex returns the position of the most significant differing bit
// between local and remote, i.e. the MSB position of the first nonzero
// byte of their XOR distance (§3, §4.F). Returns -1 if the ids are equal.
func BucketIndex(local, remote identity.NodeId) int {
	dist := XORDistance(local, remote)
	for byteIdx, b := range dist {
		if b == 0 {
			continue
		}
		bitInByte := bitsLeadingZero(b)
		return NumBuckets - 1 - (byteIdx*8 + bitInByte)
	}
	return -1
}

// bucketEntry wraps a NodeInfo with the insertion/refresh timestamp used
// for LRU-like ordering.
type bucketEntry struct {
	info       *NodeInfo
	lastTouched time.Time
}

// KBucket holds up to capacity entries, ordered oldest-first (§3).
type KBucket struct {
	capacity int
	entries  []*bucketEntry
}

func newKBucket(capacity int) *KBucket {
	return &KBucket{capacity: capacity}
}

func (kb *KBucket) indexOf(id identity.NodeId) int {
	for i, e := range kb.entries {
		if e.info.NodeId == id {
			return i
		}
	}
	return -1
}

func (kb *KBucket) full() bool { return len(kb.entries) >= kb.capacity }

// RoutingTable is the full Kademlia table: NumBuckets buckets, one per bit
// of the local node's NodeId length (§3, §4.F).
type RoutingTable struct {
	mu      sync.RWMutex
	local   identity.NodeId
	buckets [NumBuckets]*KBucket

	// Probe is called when a bucket is full and a newcomer arrives, to
	// decide whether the oldest entry is still alive. A nil Probe always
	// reports the oldest entry as alive (newcomer dropped), matching the
	// conservative default described in §4.F.
	Probe func(id identity.NodeId) (alive bool)
}

// NewRoutingTable creates an empty table centered on local.
func NewRoutingTable(local identity.NodeId) *RoutingTable {
	rt := &RoutingTable{local: local}
	for i := range rt.buckets {
		rt.buckets[i] = newKBucket(DefaultBucketCapacity)
	}
	return rt
}

// AddOrUpdate never inserts self and refuses records whose proof of work
// does not verify; refreshes position/timestamp if already present;
// otherwise applies the k-bucket admission rule when the target bucket is
// full: probe the oldest entry, evict on no-response, else drop the
// newcomer (§3, §4.F).
func (rt *RoutingTable) AddOrUpdate(info *NodeInfo, now time.Time) bool {
	if info.NodeId == rt.local {
		return false
	}
	if !VerifyPoW(info.NodeId, info.PoWNonce) {
		return false
	}
	idx := BucketIndex(rt.local, info.NodeId)
	if idx < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	bucket := rt.buckets[idx]
	if pos := bucket.indexOf(info.NodeId); pos >= 0 {
		bucket.entries[pos].info = info
		bucket.entries[pos].lastTouched = now
		return true
	}

	if !bucket.full() {
		bucket.entries = append(bucket.entries, &bucketEntry{info: info, lastTouched: now})
		return true
	}

	oldest := bucket.entries[0]
	alive := true
	if rt.Probe != nil {
		alive = rt.Probe(oldest.info.NodeId)
	}
	if alive {
		return false
	}
	bucket.entries = append(bucket.entries[1:], &bucketEntry{info: info, lastTouched: now})
	return true
}

// Remove drops id from its bucket, if present.
func (rt *RoutingTable) Remove(id identity.NodeId) {
	idx := BucketIndex(rt.local, id)
	if idx < 0 {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	bucket := rt.buckets[idx]
	if pos := bucket.indexOf(id); pos >= 0 {
		bucket.entries = append(bucket.entries[:pos], bucket.entries[pos+1:]...)
	}
}

// distanceEntry pairs a node with its distance to a target, for sorting.
type distanceEntry struct {
	info     *NodeInfo
	distance identity.NodeId
}

func lessDistance(a, b identity.NodeId) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// FindKClosest is exact: collect all nodes, sort by XOR distance to
// target, take first k. Ties break by numerically smaller NodeId (§4.F).
func (rt *RoutingTable) FindKClosest(target identity.NodeId, k int) []*NodeInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	all := make([]distanceEntry, 0)
	for _, bucket := range rt.buckets {
		for _, e := range bucket.entries {
			all = append(all, distanceEntry{info: e.info, distance: XORDistance(e.info.NodeId, target)})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].distance != all[j].distance {
			return lessDistance(all[i].distance, all[j].distance)
		}
		return lessDistance(all[i].info.NodeId, all[j].info.NodeId)
	})

	if k > len(all) {
		k = len(all)
	}
	out := make([]*NodeInfo, k)
	for i := 0; i < k; i++ {
		out[i] = all[i].info
	}
	return out
}

// Count returns the total number of nodes across all buckets.
func (rt *RoutingTable) Count() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, bucket := range rt.buckets {
		n += len(bucket.entries)
	}
	return n
}
