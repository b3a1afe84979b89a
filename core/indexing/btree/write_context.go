package btree

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-kernel/core/storage_engine/tuple"
	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb-kernel/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
)

// writeContext stages one Insert or Delete. Every page it touches stays
// write-latched and pinned until commit or abort, and all modifications are
// made to decoded copies. Pages are only rewritten in commit, after every
// staged node has encoded successfully, so a failed operation leaves the
// tree exactly as it was.
type writeContext struct {
	tree    *BPlusTreeIndex
	guards  map[pagemanager.PageID]*memtable.WritePageGuard
	nodes   map[pagemanager.PageID]BPlusTreePage
	dirty   []pagemanager.PageID
	created []pagemanager.PageID
	dropped []pagemanager.PageID

	root        pagemanager.PageID
	rootChanged bool
}

// pathEntry records an internal node on the descent and which child was taken.
type pathEntry struct {
	pageID   pagemanager.PageID
	childIdx int
}

func (t *BPlusTreeIndex) newWriteContext() *writeContext {
	return &writeContext{
		tree:   t,
		guards: make(map[pagemanager.PageID]*memtable.WritePageGuard),
		nodes:  make(map[pagemanager.PageID]BPlusTreePage),
		root:   t.rootPageID,
	}
}

// fetch returns the staged copy of pageID, latching and decoding it on first use.
func (wc *writeContext) fetch(pageID pagemanager.PageID) (BPlusTreePage, error) {
	if node, ok := wc.nodes[pageID]; ok {
		return node, nil
	}
	guard, err := wc.tree.bpm.FetchPageWrite(pageID)
	if err != nil {
		return nil, err
	}
	wc.guards[pageID] = guard
	node, err := Decode(guard.Data(), wc.tree.keySchema)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", pageID, err)
	}
	wc.nodes[pageID] = node
	return node, nil
}

func (wc *writeContext) fetchLeaf(pageID pagemanager.PageID) (*LeafPage, error) {
	node, err := wc.fetch(pageID)
	if err != nil {
		return nil, err
	}
	leaf, ok := node.(*LeafPage)
	if !ok {
		return nil, fmt.Errorf("%w: page %d is %s, expected leaf", flushmanager.ErrInvalidPageData, pageID, node.PageHeader().PageType)
	}
	return leaf, nil
}

func (wc *writeContext) fetchInternal(pageID pagemanager.PageID) (*InternalPage, error) {
	node, err := wc.fetch(pageID)
	if err != nil {
		return nil, err
	}
	internal, ok := node.(*InternalPage)
	if !ok {
		return nil, fmt.Errorf("%w: page %d is %s, expected internal", flushmanager.ErrInvalidPageData, pageID, node.PageHeader().PageType)
	}
	if internal.Size() == 0 {
		return nil, fmt.Errorf("%w: internal page %d has no children", flushmanager.ErrInvalidPageData, pageID)
	}
	return internal, nil
}

// create allocates a page for node and stages it.
func (wc *writeContext) create(node BPlusTreePage) (pagemanager.PageID, error) {
	guard, err := wc.tree.bpm.NewPageGuarded()
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	pageID := guard.PageID()
	wc.guards[pageID] = guard
	wc.nodes[pageID] = node
	wc.created = append(wc.created, pageID)
	wc.markDirty(pageID)
	return pageID, nil
}

func (wc *writeContext) markDirty(pageID pagemanager.PageID) {
	for _, id := range wc.dirty {
		if id == pageID {
			return
		}
	}
	wc.dirty = append(wc.dirty, pageID)
}

// drop schedules pageID for deletion once the operation commits.
func (wc *writeContext) drop(pageID pagemanager.PageID) {
	wc.dropped = append(wc.dropped, pageID)
}

func (wc *writeContext) setRoot(pageID pagemanager.PageID) {
	wc.root = pageID
	wc.rootChanged = true
}

func (wc *writeContext) isDropped(pageID pagemanager.PageID) bool {
	for _, id := range wc.dropped {
		if id == pageID {
			return true
		}
	}
	return false
}

// commit encodes every dirty node, then writes them and the root pointer.
func (wc *writeContext) commit() error {
	t := wc.tree
	images := make(map[pagemanager.PageID][]byte, len(wc.dirty))
	for _, pageID := range wc.dirty {
		if wc.isDropped(pageID) {
			continue
		}
		node := wc.nodes[pageID]
		node.PageHeader().CurrentSize = uint32(node.Size())
		buf, err := Encode(node)
		if err != nil {
			wc.abort()
			return fmt.Errorf("page %d: %w", pageID, err)
		}
		images[pageID] = buf
	}

	var header *memtable.WritePageGuard
	if wc.rootChanged {
		var err error
		if header, err = t.bpm.FetchPageWrite(t.headerPageID); err != nil {
			wc.abort()
			return fmt.Errorf("failed to latch index header page: %w", err)
		}
	}

	for pageID, buf := range images {
		guard := wc.guards[pageID]
		copy(guard.Data(), buf)
		guard.MarkDirty()
	}
	if header != nil {
		t.writeHeader(header.Data(), wc.root)
		header.MarkDirty()
		header.Release()
		t.rootPageID = wc.root
	}
	wc.releaseAll()

	for _, pageID := range wc.dropped {
		if err := t.bpm.DeletePage(pageID); err != nil {
			t.logger.Warn("Failed to free index page", zap.Uint32("page_id", uint32(pageID)), zap.Error(err))
		}
	}
	t.version++
	return nil
}

// abort discards every staged change and frees pages allocated by this
// operation.
func (wc *writeContext) abort() {
	wc.releaseAll()
	for _, pageID := range wc.created {
		if err := wc.tree.bpm.DeletePage(pageID); err != nil {
			wc.tree.logger.Warn("Failed to free page of aborted index operation", zap.Uint32("page_id", uint32(pageID)), zap.Error(err))
		}
	}
	wc.created = nil
}

func (wc *writeContext) releaseAll() {
	for pageID, guard := range wc.guards {
		guard.Release()
		delete(wc.guards, pageID)
	}
}

func (t *BPlusTreeIndex) sentinel() tuple.Tuple {
	return tuple.Empty(t.keySchema)
}
