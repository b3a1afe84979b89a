package btree

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojodb-kernel/core/storage_engine/tuple"
	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodb-kernel/internal/telemetry"
)

// Iterator walks leaf entries in ascending key order. It holds a decoded copy
// of one leaf at a time and no page latches or pins between calls to Next.
//
//	it, err := idx.Iterate(ctx, &from, &to)
//	for it.Next() {
//		use(it.Key(), it.RID())
//	}
//	err = it.Err()
type Iterator struct {
	tree  *BPlusTreeIndex
	start *tuple.Tuple
	end   *tuple.Tuple

	entries []LeafEntry
	pos     int
	next    pagemanager.PageID
	version uint64

	cur     LeafEntry
	started bool
	valid   bool
	done    bool
	err     error
}

// Iterate returns an iterator over keys in [start, end]. A nil start begins
// at the smallest key and a nil end runs to the largest.
func (t *BPlusTreeIndex) Iterate(ctx context.Context, start, end *tuple.Tuple) (it *Iterator, err error) {
	_, done := t.observe(ctx, internaltelemetry.OpIterate)
	defer done(&err)
	for _, k := range []*tuple.Tuple{start, end} {
		if k == nil {
			continue
		}
		if err := t.keySchema.Validate(*k); err != nil {
			return nil, err
		}
	}

	it = &Iterator{tree: t, next: pagemanager.InvalidPageID}
	if start != nil {
		s := start.Canonical()
		it.start = &s
	}
	if end != nil {
		e := end.Canonical()
		it.end = &e
	}
	t.latch.RLock()
	defer t.latch.RUnlock()
	if err := it.seekLocked(it.start, false); err != nil {
		return nil, err
	}
	return it, nil
}

// seekLocked positions the iterator at the first key >= from (> from when
// strict). The caller holds tree.latch shared.
func (it *Iterator) seekLocked(from *tuple.Tuple, strict bool) error {
	t := it.tree
	it.entries, it.pos, it.next = nil, 0, pagemanager.InvalidPageID
	it.version = t.version
	if t.rootPageID == pagemanager.InvalidPageID {
		return nil
	}
	guard, leaf, err := t.findLeaf(from)
	if err != nil {
		return err
	}
	guard.Release()
	it.load(leaf)
	if from == nil {
		return nil
	}
	pos, found := leaf.search(*from)
	if found && strict {
		pos++
	}
	it.pos = pos
	return nil
}

func (it *Iterator) load(leaf *LeafPage) {
	it.entries = leaf.Entries
	it.pos = 0
	it.next = leaf.NextPageID
}

// advanceLocked moves to the next leaf. When the tree has changed since the
// current leaf was copied, the sibling pointer may be stale, so the iterator
// re-seeks past the last key it returned instead.
func (it *Iterator) advanceLocked() error {
	t := it.tree
	if t.version != it.version {
		if !it.started {
			return it.seekLocked(it.start, false)
		}
		last := it.cur.Key
		return it.seekLocked(&last, true)
	}
	guard, err := t.bpm.FetchPageRead(it.next)
	if err != nil {
		return err
	}
	defer guard.Release()
	node, err := Decode(guard.Data(), t.keySchema)
	if err != nil {
		return fmt.Errorf("page %d: %w", it.next, err)
	}
	leaf, ok := node.(*LeafPage)
	if !ok {
		return fmt.Errorf("%w: sibling page %d is not a leaf", flushmanager.ErrInvalidPageData, it.next)
	}
	it.load(leaf)
	return nil
}

// Next advances to the next entry and reports whether there is one.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	for it.pos >= len(it.entries) {
		if it.next == pagemanager.InvalidPageID && it.version == it.tree.currentVersion() {
			return it.finish(nil)
		}
		it.tree.latch.RLock()
		err := it.advanceLocked()
		it.tree.latch.RUnlock()
		if err != nil {
			return it.finish(err)
		}
	}
	e := it.entries[it.pos]
	if it.end != nil && tuple.Order(e.Key, *it.end) > 0 {
		return it.finish(nil)
	}
	it.pos++
	it.cur = e
	it.started = true
	it.valid = true
	return true
}

func (it *Iterator) finish(err error) bool {
	it.done = true
	it.valid = false
	it.err = err
	it.entries = nil
	return false
}

// Key returns the current key. It is only meaningful after Next returned true.
func (it *Iterator) Key() tuple.Tuple { return it.cur.Key }

// RID returns the current record id.
func (it *Iterator) RID() tuple.RID { return it.cur.RID }

// Valid reports whether Key and RID refer to an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Entry returns the current entry, or ErrIteratorInvalid when Next has not
// returned true or the iteration has ended.
func (it *Iterator) Entry() (LeafEntry, error) {
	if !it.valid {
		return LeafEntry{}, flushmanager.ErrIteratorInvalid
	}
	return it.cur, nil
}

func (it *Iterator) Err() error { return it.err }

// Close ends the iteration. Further calls to Next return false.
func (it *Iterator) Close() {
	if !it.done {
		it.finish(nil)
	}
}

func (t *BPlusTreeIndex) currentVersion() uint64 {
	t.latch.RLock()
	defer t.latch.RUnlock()
	return t.version
}
