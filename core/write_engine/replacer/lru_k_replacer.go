package replacer

import (
	"sync"

	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
)

type lruKNode struct {
	// history holds at most k timestamps, oldest first.
	history   []uint64
	evictable bool
}

// LRUKReplacer evicts the frame with the largest backward K-distance.
// A frame with fewer than K recorded accesses has infinite distance; ties
// among those go to the frame whose latest access is oldest.
type LRUKReplacer struct {
	mu        sync.Mutex
	nodes     map[pagemanager.FrameID]*lruKNode
	capacity  int
	k         int
	now       uint64
	evictable int
}

// NewLRUKReplacer creates a replacer for frames [0, capacity).
func NewLRUKReplacer(capacity int, k int) *LRUKReplacer {
	if k < 1 {
		k = 1
	}
	return &LRUKReplacer{
		nodes:    make(map[pagemanager.FrameID]*lruKNode, capacity),
		capacity: capacity,
		k:        k,
	}
}

func (r *LRUKReplacer) inRange(frameID pagemanager.FrameID) bool {
	return frameID >= 0 && int(frameID) < r.capacity
}

func (r *LRUKReplacer) RecordAccess(frameID pagemanager.FrameID) {
	if !r.inRange(frameID) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[frameID]
	if !ok {
		node = &lruKNode{history: make([]uint64, 0, r.k)}
		r.nodes[frameID] = node
	}
	if len(node.history) == r.k {
		copy(node.history, node.history[1:])
		node.history = node.history[:r.k-1]
	}
	node.history = append(node.history, r.now)
	r.now++
}

func (r *LRUKReplacer) SetEvictable(frameID pagemanager.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[frameID]
	if !ok || node.evictable == evictable {
		return
	}
	node.evictable = evictable
	if evictable {
		r.evictable++
	} else {
		r.evictable--
	}
}

func (r *LRUKReplacer) Evict() (pagemanager.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		victim    pagemanager.FrameID
		found     bool
		victimInf bool
		// For infinite-distance frames this is the latest access; otherwise it
		// is the K-th most recent access. Smaller wins in both cases.
		victimTS uint64
	)
	for id, node := range r.nodes {
		if !node.evictable {
			continue
		}
		inf := len(node.history) < r.k
		var ts uint64
		if inf {
			ts = node.history[len(node.history)-1]
		} else {
			ts = node.history[0]
		}
		switch {
		case !found:
		case inf && !victimInf:
		case inf == victimInf && ts < victimTS:
		default:
			continue
		}
		victim, victimInf, victimTS, found = id, inf, ts, true
	}
	if !found {
		return 0, false
	}
	delete(r.nodes, victim)
	r.evictable--
	return victim, true
}

func (r *LRUKReplacer) Remove(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[frameID]
	if !ok || !node.evictable {
		return
	}
	delete(r.nodes, frameID)
	r.evictable--
}

func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictable
}
