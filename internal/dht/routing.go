package dht

import (
	"sort"
	"sync"
	"time"
)

// K is the Kademlia bucket capacity.
const K = 8

// BucketCount is the number of 160-bit buckets.
const BucketCount = 160

// InsertResult reports the outcome of inserting a node into the table.
type InsertResult int

const (
	Accepted InsertResult = iota
	Rejected
)

// RoutingTable holds 160 k-buckets keyed by bucket_index(self, id).
// Grounded on the teacher's dht/routing.go, simplified to the spec's
// insert contract: existing id touches last_seen; fresh id into a
// non-full bucket appends; a full bucket rejects outright (no splitting,
// no least-recently-seen eviction probing).
type RoutingTable struct {
	self    NodeID
	buckets [BucketCount][]*NodeInfo
	mu      sync.RWMutex
}

// NewRoutingTable creates an empty table for self.
func NewRoutingTable(self NodeID) *RoutingTable {
	return &RoutingTable{self: self}
}

// Insert adds or refreshes node, per the contract above.
func (rt *RoutingTable) Insert(node *NodeInfo) InsertResult {
	if node.ID == rt.self {
		return Rejected
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := clampBucket(BucketIndex(rt.self, node.ID))
	bucket := rt.buckets[idx]
	for _, existing := range bucket {
		if existing.ID == node.ID {
			existing.LastSeen = node.LastSeen
			existing.Addr = node.Addr
			return Accepted
		}
	}
	if len(bucket) >= K {
		return Rejected
	}
	rt.buckets[idx] = append(bucket, node)
	return Accepted
}

func clampBucket(idx int) int {
	if idx < 0 {
		return 0
	}
	if idx > BucketCount-1 {
		return BucketCount - 1
	}
	return idx
}

// Remove deletes a node by id, if present.
func (rt *RoutingTable) Remove(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := clampBucket(BucketIndex(rt.self, id))
	bucket := rt.buckets[idx]
	for i, n := range bucket {
		if n.ID == id {
			rt.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// ClosestNodes returns up to count nodes closest to target by XOR
// distance, across the whole table.
func (rt *RoutingTable) ClosestNodes(target NodeID, count int) []*NodeInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var all []*NodeInfo
	for _, bucket := range rt.buckets {
		all = append(all, bucket...)
	}
	sort.Slice(all, func(i, j int) bool {
		return Less(all[i].ID, all[j].ID, target)
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Size returns the total number of nodes held.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b)
	}
	return n
}

// RemoveStaleNodes evicts every node last seen more than maxAge ago.
// RemoveStaleNodes(0) empties the table outright, since every node's
// last-seen time is necessarily older than "now minus zero".
func (rt *RoutingTable) RemoveStaleNodes(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i, bucket := range rt.buckets {
		fresh := bucket[:0]
		for _, n := range bucket {
			if n.LastSeen.After(cutoff) {
				fresh = append(fresh, n)
			}
		}
		rt.buckets[i] = fresh
	}
}

// AllNodes returns every node currently in the table.
func (rt *RoutingTable) AllNodes() []*NodeInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var all []*NodeInfo
	for _, b := range rt.buckets {
		all = append(all, b...)
	}
	return all
}
