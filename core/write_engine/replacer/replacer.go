// Package replacer implements the frame replacement policies used by the
// buffer pool to pick eviction victims.
package replacer

import (
	"fmt"
	"strings"

	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
)

// Replacer tracks frame accesses and selects an evictable frame when the
// pool is full. Calls naming a frame the replacer does not know are no-ops.
type Replacer interface {
	// RecordAccess notes that the frame was accessed at the current logical time.
	RecordAccess(frameID pagemanager.FrameID)
	// SetEvictable marks whether the frame may be chosen as a victim.
	SetEvictable(frameID pagemanager.FrameID, evictable bool)
	// Evict selects a victim, forgets its history and returns it.
	// It returns false if no frame is evictable.
	Evict() (pagemanager.FrameID, bool)
	// Remove forgets an evictable frame's history without choosing it as a victim.
	Remove(frameID pagemanager.FrameID)
	// Size returns the number of evictable frames.
	Size() int
}

const (
	PolicyLRUK = "lru-k"
	PolicyLRU  = "lru"

	DefaultK = 2
)

// NewReplacer creates a replacer for a pool of capacity frames.
// The "lru" policy is LRU-K with K fixed at 1.
func NewReplacer(policy string, capacity int, k int) (Replacer, error) {
	switch strings.ToLower(policy) {
	case PolicyLRUK, "":
		if k <= 0 {
			k = DefaultK
		}
		return NewLRUKReplacer(capacity, k), nil
	case PolicyLRU:
		return NewLRUKReplacer(capacity, 1), nil
	default:
		return nil, fmt.Errorf("unknown replacer policy %q", policy)
	}
}
