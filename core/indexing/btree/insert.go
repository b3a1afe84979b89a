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

// Insert adds key -> rid. Keys are unique: inserting an existing key fails
// with ErrKeyAlreadyExists and leaves the stored RID unchanged.
func (t *BPlusTreeIndex) Insert(ctx context.Context, key tuple.Tuple, rid tuple.RID) (err error) {
	ctx, done := t.observe(ctx, internaltelemetry.OpInsert)
	defer done(&err)
	if err := t.checkKey(key); err != nil {
		return err
	}
	key = key.Canonical()

	t.latch.Lock()
	defer t.latch.Unlock()

	wc := t.newWriteContext()
	if t.rootPageID == pagemanager.InvalidPageID {
		leaf := NewLeafPage(t.leafMax)
		leaf.Entries = append(leaf.Entries, LeafEntry{Key: key, RID: rid})
		rootID, err := wc.create(leaf)
		if err != nil {
			wc.abort()
			return fmt.Errorf("failed to allocate root leaf: %w", err)
		}
		wc.setRoot(rootID)
		if err := wc.commit(); err != nil {
			return err
		}
		t.logger.Debug("Started new tree", zap.Uint32("root_page_id", uint32(rootID)))
		return nil
	}

	if err := t.insertStaged(ctx, wc, key, rid); err != nil {
		wc.abort()
		return err
	}
	return wc.commit()
}

func (t *BPlusTreeIndex) insertStaged(ctx context.Context, wc *writeContext, key tuple.Tuple, rid tuple.RID) error {
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
	if found {
		return fmt.Errorf("%w: %s", flushmanager.ErrKeyAlreadyExists, key)
	}
	leaf.Entries = slices.Insert(leaf.Entries, pos, LeafEntry{Key: key, RID: rid})
	wc.markDirty(pageID)
	if leaf.Size() <= t.leafMax {
		return nil
	}

	// The leaf overflowed: split it and carry separators up the path.
	separator, rightID, err := t.splitLeaf(wc, leaf)
	if err != nil {
		return err
	}
	t.metrics.SplitsCounter.Add(ctx, 1, internaltelemetry.NodeKindAttributes(PageTypeLeaf.String()))
	t.logger.Debug("Split leaf", zap.Uint32("page_id", uint32(pageID)), zap.Uint32("new_page_id", uint32(rightID)))

	for level := len(path) - 1; level >= 0; level-- {
		parentID := path[level].pageID
		parent, err := wc.fetchInternal(parentID)
		if err != nil {
			return err
		}
		parent.Entries = slices.Insert(parent.Entries, path[level].childIdx+1, InternalEntry{Key: separator, Child: rightID})
		wc.markDirty(parentID)
		if parent.Size() <= t.internalMax {
			return nil
		}
		if separator, rightID, err = t.splitInternal(wc, parent); err != nil {
			return err
		}
		t.metrics.SplitsCounter.Add(ctx, 1, internaltelemetry.NodeKindAttributes(PageTypeInternal.String()))
		t.logger.Debug("Split internal node", zap.Uint32("page_id", uint32(parentID)), zap.Uint32("new_page_id", uint32(rightID)))
	}

	// The root itself split.
	oldRoot := t.rootPageID
	root := NewInternalPage(t.internalMax)
	root.Entries = append(root.Entries,
		InternalEntry{Key: t.sentinel(), Child: oldRoot},
		InternalEntry{Key: separator, Child: rightID},
	)
	newRootID, err := wc.create(root)
	if err != nil {
		return fmt.Errorf("failed to allocate new root: %w", err)
	}
	wc.setRoot(newRootID)
	t.logger.Debug("Grew tree", zap.Uint32("old_root_page_id", uint32(oldRoot)), zap.Uint32("root_page_id", uint32(newRootID)))
	return nil
}

// splitPoint is how many entries the left half keeps out of n.
func splitPoint(n int) int { return (n + 1) / 2 }

// splitLeaf moves the upper half of an overflowing leaf to a new right
// sibling and returns the sibling's first key as the separator.
func (t *BPlusTreeIndex) splitLeaf(wc *writeContext, leaf *LeafPage) (tuple.Tuple, pagemanager.PageID, error) {
	mid := splitPoint(leaf.Size())
	right := NewLeafPage(t.leafMax)
	right.Entries = append(right.Entries, leaf.Entries[mid:]...)
	right.NextPageID = leaf.NextPageID

	rightID, err := wc.create(right)
	if err != nil {
		return tuple.Tuple{}, pagemanager.InvalidPageID, err
	}
	leaf.Entries = slices.Clip(leaf.Entries[:mid])
	leaf.NextPageID = rightID
	return right.Entries[0].Key, rightID, nil
}

// splitInternal moves the upper half of an overflowing internal node to a new
// right sibling. The first key of that half is promoted and its slot becomes
// the sibling's sentinel.
func (t *BPlusTreeIndex) splitInternal(wc *writeContext, node *InternalPage) (tuple.Tuple, pagemanager.PageID, error) {
	mid := splitPoint(node.Size())
	right := NewInternalPage(t.internalMax)
	right.Entries = append(right.Entries, node.Entries[mid:]...)
	promoted := right.Entries[0].Key
	right.Entries[0].Key = t.sentinel()

	rightID, err := wc.create(right)
	if err != nil {
		return tuple.Tuple{}, pagemanager.InvalidPageID, err
	}
	node.Entries = slices.Clip(node.Entries[:mid])
	return promoted, rightID, nil
}
