package memtable

import (
	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
)

// ReadPageGuard holds one pin and the shared latch of a page. Release drops
// both; it is safe to call more than once, so `defer g.Release()` can sit
// next to an explicit early release.
type ReadPageGuard struct {
	bpm      *BufferPoolManager
	page     *pagemanager.Page
	pageID   pagemanager.PageID
	released bool
}

func (g *ReadPageGuard) PageID() pagemanager.PageID { return g.pageID }

// Data returns the page contents. The slice must not be used after Release.
func (g *ReadPageGuard) Data() []byte { return g.page.GetData() }

func (g *ReadPageGuard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.page.RUnlock()
	if err := g.bpm.UnpinPage(g.pageID, false); err != nil {
		g.bpm.logger.Error("Read guard release failed", zap.Uint32("page_id", uint32(g.pageID)), zap.Error(err))
	}
}

// WritePageGuard holds one pin and the exclusive latch of a page. Callers
// that modify Data must call MarkDirty before Release.
type WritePageGuard struct {
	bpm      *BufferPoolManager
	page     *pagemanager.Page
	pageID   pagemanager.PageID
	dirty    bool
	released bool
}

func (g *WritePageGuard) PageID() pagemanager.PageID { return g.pageID }

// Data returns the mutable page contents. The slice must not be used after Release.
func (g *WritePageGuard) Data() []byte { return g.page.GetData() }

func (g *WritePageGuard) MarkDirty() { g.dirty = true }

func (g *WritePageGuard) IsDirty() bool { return g.dirty }

func (g *WritePageGuard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.page.Unlock()
	if err := g.bpm.UnpinPage(g.pageID, g.dirty); err != nil {
		g.bpm.logger.Error("Write guard release failed", zap.Uint32("page_id", uint32(g.pageID)), zap.Error(err))
	}
}

// FetchPageRead pins pageID and acquires its shared latch.
func (bpm *BufferPoolManager) FetchPageRead(pageID pagemanager.PageID) (*ReadPageGuard, error) {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.RLock()
	return &ReadPageGuard{bpm: bpm, page: page, pageID: pageID}, nil
}

// FetchPageWrite pins pageID and acquires its exclusive latch.
func (bpm *BufferPoolManager) FetchPageWrite(pageID pagemanager.PageID) (*WritePageGuard, error) {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.Lock()
	return &WritePageGuard{bpm: bpm, page: page, pageID: pageID}, nil
}

// NewPageGuarded allocates a page like NewPage and returns it write-latched.
// The guard starts dirty.
func (bpm *BufferPoolManager) NewPageGuarded() (*WritePageGuard, error) {
	page, pageID, err := bpm.NewPage()
	if err != nil {
		return nil, err
	}
	page.Lock()
	return &WritePageGuard{bpm: bpm, page: page, pageID: pageID, dirty: true}, nil
}
