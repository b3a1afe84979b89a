package btree

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-kernel/core/storage_engine/tuple"
	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodb-kernel/internal/telemetry"
)

// Delete removes key. A missing key fails with ErrKeyNotFound and changes
// nothing.
func (t *BPlusTreeIndex) Delete(ctx context.Context, key tuple.Tuple) (err error) {
	ctx, done := t.observe(ctx, internaltelemetry.OpDelete)
	defer done(&err)
	if err := t.keySchema.Validate(key); err != nil {
		return err
	}
	key = key.Canonical()

	t.latch.Lock()
	defer t.latch.Unlock()
	if t.rootPageID == pagemanager.InvalidPageID {
		return fmt.Errorf("%w: %s", flushmanager.ErrKeyNotFound, key)
	}

	wc := t.newWriteContext()
	if err := t.deleteStaged(ctx, wc, key); err != nil {
		wc.abort()
		return err
	}
	return wc.commit()
}

func (t *BPlusTreeIndex) deleteStaged(ctx context.Context, wc *writeContext, key tuple.Tuple) error {
	path := make([]pathEntry, 0, 4)
	pageID := t.rootPageID
	for {
		node, err := wc.fetch(pageID)
		if err != nil {
			return err
		}
		internal, ok := node.(*InternalPage)
		if !ok {
			break
		}
		if internal.Size() == 0 {
			return fmt.Errorf("%w: internal page %d has no children", flushmanager.ErrInvalidPageData, pageID)
		}
		idx := internal.childIndex(key)
		path = append(path, pathEntry{pageID: pageID, childIdx: idx})
		pageID = internal.Entries[idx].Child
	}

	leaf, err := wc.fetchLeaf(pageID)
	if err != nil {
		return err
	}
	pos, found := leaf.search(key)
	if !found {
		return fmt.Errorf("%w: %s", flushmanager.ErrKeyNotFound, key)
	}
	leaf.Entries = slices.Delete(leaf.Entries, pos, pos+1)
	wc.markDirty(pageID)

	var node BPlusTreePage = leaf
	for level := len(path); ; level-- {
		if level == 0 {
			t.shrinkRoot(wc, pageID, node)
			return nil
		}
		if node.Size() >= minSize(node) {
			return nil
		}

		parentID := path[level-1].pageID
		parent, err := wc.fetchInternal(parentID)
		if err != nil {
			return err
		}
		idx := path[level-1].childIdx
		fixed, err := t.rebalance(ctx, wc, parent, parentID, idx, pageID, node)
		if err != nil {
			return err
		}
		if fixed {
			return nil
		}
		pageID, node = parentID, parent
	}
}

// shrinkRoot collapses a root that has become empty or has a single child.
func (t *BPlusTreeIndex) shrinkRoot(wc *writeContext, rootID pagemanager.PageID, root BPlusTreePage) {
	switch n := root.(type) {
	case *LeafPage:
		if n.Size() == 0 {
			wc.drop(rootID)
			wc.setRoot(pagemanager.InvalidPageID)
			t.logger.Debug("Tree is now empty", zap.Uint32("old_root_page_id", uint32(rootID)))
		}
	case *InternalPage:
		if n.Size() == 1 {
			child := n.Entries[0].Child
			wc.drop(rootID)
			wc.setRoot(child)
			t.logger.Debug("Collapsed root", zap.Uint32("old_root_page_id", uint32(rootID)), zap.Uint32("root_page_id", uint32(child)))
		}
	}
}

// rebalance fixes the underflowing child at parent.Entries[idx]. It borrows
// from the left sibling, then the right, and merges when neither can lend.
// It reports true when the parent is unaffected (a redistribution); after a
// merge the parent has lost an entry and may underflow in turn.
func (t *BPlusTreeIndex) rebalance(ctx context.Context, wc *writeContext, parent *InternalPage, parentID pagemanager.PageID, idx int, nodeID pagemanager.PageID, node BPlusTreePage) (bool, error) {
	if parent.Entries[idx].Child != nodeID {
		return false, fmt.Errorf("%w: page %d does not point to child %d at slot %d", flushmanager.ErrInvalidPageData, parentID, nodeID, idx)
	}
	kind := node.PageHeader().PageType.String()

	var left, right BPlusTreePage
	var leftID, rightID pagemanager.PageID
	if idx > 0 {
		leftID = parent.Entries[idx-1].Child
		sibling, err := t.fetchSibling(wc, leftID, node)
		if err != nil {
			return false, err
		}
		left = sibling
		if left.Size() > minSize(left) {
			t.borrowFromLeft(parent, idx, left, node)
			wc.markDirty(leftID)
			wc.markDirty(nodeID)
			wc.markDirty(parentID)
			t.metrics.RedistributionsCounter.Add(ctx, 1, internaltelemetry.NodeKindAttributes(kind))
			t.logger.Debug("Borrowed from left sibling", zap.Uint32("page_id", uint32(nodeID)), zap.Uint32("sibling_page_id", uint32(leftID)))
			return true, nil
		}
	}
	if idx+1 < parent.Size() {
		rightID = parent.Entries[idx+1].Child
		sibling, err := t.fetchSibling(wc, rightID, node)
		if err != nil {
			return false, err
		}
		right = sibling
		if right.Size() > minSize(right) {
			t.borrowFromRight(parent, idx, node, right)
			wc.markDirty(rightID)
			wc.markDirty(nodeID)
			wc.markDirty(parentID)
			t.metrics.RedistributionsCounter.Add(ctx, 1, internaltelemetry.NodeKindAttributes(kind))
			t.logger.Debug("Borrowed from right sibling", zap.Uint32("page_id", uint32(nodeID)), zap.Uint32("sibling_page_id", uint32(rightID)))
			return true, nil
		}
	}

	switch {
	case left != nil:
		t.merge(parent, idx, left, node)
		wc.markDirty(leftID)
		wc.drop(nodeID)
		t.logger.Debug("Merged into left sibling", zap.Uint32("page_id", uint32(nodeID)), zap.Uint32("sibling_page_id", uint32(leftID)))
	case right != nil:
		t.merge(parent, idx+1, node, right)
		wc.markDirty(nodeID)
		wc.drop(rightID)
		t.logger.Debug("Merged right sibling", zap.Uint32("page_id", uint32(nodeID)), zap.Uint32("sibling_page_id", uint32(rightID)))
	default:
		return false, fmt.Errorf("%w: internal page %d has a single child", flushmanager.ErrInvalidPageData, parentID)
	}
	wc.markDirty(parentID)
	t.metrics.MergesCounter.Add(ctx, 1, internaltelemetry.NodeKindAttributes(kind))
	return false, nil
}

func (t *BPlusTreeIndex) fetchSibling(wc *writeContext, pageID pagemanager.PageID, like BPlusTreePage) (BPlusTreePage, error) {
	sibling, err := wc.fetch(pageID)
	if err != nil {
		return nil, err
	}
	if got, want := sibling.PageHeader().PageType, like.PageHeader().PageType; got != want {
		return nil, fmt.Errorf("%w: sibling page %d is %s, expected %s", flushmanager.ErrInvalidPageData, pageID, got, want)
	}
	return sibling, nil
}

// borrowFromLeft moves the last entry of left to the front of node, which
// sits at parent.Entries[idx].
func (t *BPlusTreeIndex) borrowFromLeft(parent *InternalPage, idx int, left, node BPlusTreePage) {
	switch l := left.(type) {
	case *LeafPage:
		n := node.(*LeafPage)
		moved := l.Entries[len(l.Entries)-1]
		l.Entries = l.Entries[:len(l.Entries)-1]
		n.Entries = slices.Insert(n.Entries, 0, moved)
		parent.Entries[idx].Key = moved.Key
	case *InternalPage:
		n := node.(*InternalPage)
		moved := l.Entries[len(l.Entries)-1]
		l.Entries = l.Entries[:len(l.Entries)-1]
		// The old separator comes down as the key of node's old first child,
		// and the borrowed key goes up.
		n.Entries[0].Key = parent.Entries[idx].Key
		n.Entries = slices.Insert(n.Entries, 0, InternalEntry{Key: t.sentinel(), Child: moved.Child})
		parent.Entries[idx].Key = moved.Key
	}
}

// borrowFromRight moves the first entry of right to the end of node, which
// sits at parent.Entries[idx].
func (t *BPlusTreeIndex) borrowFromRight(parent *InternalPage, idx int, node, right BPlusTreePage) {
	switch r := right.(type) {
	case *LeafPage:
		n := node.(*LeafPage)
		n.Entries = append(n.Entries, r.Entries[0])
		r.Entries = slices.Delete(r.Entries, 0, 1)
		parent.Entries[idx+1].Key = r.Entries[0].Key
	case *InternalPage:
		n := node.(*InternalPage)
		n.Entries = append(n.Entries, InternalEntry{Key: parent.Entries[idx+1].Key, Child: r.Entries[0].Child})
		parent.Entries[idx+1].Key = r.Entries[1].Key
		r.Entries = slices.Delete(r.Entries, 0, 1)
		r.Entries[0].Key = t.sentinel()
	}
}

// merge folds right into left and removes right's entry, parent.Entries[sep].
func (t *BPlusTreeIndex) merge(parent *InternalPage, sep int, left, right BPlusTreePage) {
	switch l := left.(type) {
	case *LeafPage:
		r := right.(*LeafPage)
		l.Entries = append(l.Entries, r.Entries...)
		l.NextPageID = r.NextPageID
	case *InternalPage:
		r := right.(*InternalPage)
		l.Entries = append(l.Entries, InternalEntry{Key: parent.Entries[sep].Key, Child: r.Entries[0].Child})
		l.Entries = append(l.Entries, r.Entries[1:]...)
	}
	parent.Entries = slices.Delete(parent.Entries, sep, sep+1)
}
