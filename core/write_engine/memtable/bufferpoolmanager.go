package memtable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
	"github.com/sushant-115/gojodb-kernel/core/write_engine/replacer"
	internaltelemetry "github.com/sushant-115/gojodb-kernel/internal/telemetry"
	"github.com/sushant-115/gojodb-kernel/pkg/logger"
)

// DiskManager is the block device the buffer pool reads from and writes to.
type DiskManager interface {
	ReadPage(pageID pagemanager.PageID, pageData []byte) error
	WritePage(pageID pagemanager.PageID, pageData []byte) error
	AllocatePage() (pagemanager.PageID, error)
	DeallocatePage(pageID pagemanager.PageID) error
	Sync() error
}

// Backupper is implemented by disk managers that can copy their backing file.
type Backupper interface {
	Backup(ctx context.Context, dstPath string, bytesPerSecond int64) (string, error)
}

// BufferPoolStats is a point-in-time snapshot of the pool.
type BufferPoolStats struct {
	PoolSize  int
	Resident  int
	Pinned    int
	Dirty     int
	Free      int
	Evictable int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
}

// Option configures a BufferPoolManager.
type Option func(*BufferPoolManager)

// WithReplacer overrides the default LRU-K (K=2) replacer.
func WithReplacer(r replacer.Replacer) Option {
	return func(bpm *BufferPoolManager) { bpm.replacer = r }
}

// WithMetrics records pool activity on the given instruments.
func WithMetrics(m *internaltelemetry.BufferPoolMetrics) Option {
	return func(bpm *BufferPoolManager) { bpm.metrics = m }
}

// BufferPoolManager manages a fixed set of in-memory frames and moves pages
// between them and the DiskManager.
//
// mu guards the page table, the free list, the replacer and every frame's
// metadata. Page contents are guarded by each page's own latch, which is
// never acquired while mu is held.
type BufferPoolManager struct {
	diskManager DiskManager
	replacer    replacer.Replacer
	poolSize    int
	pages       []*pagemanager.Page
	pageTable   map[pagemanager.PageID]pagemanager.FrameID
	freeList    []pagemanager.FrameID // Frames holding no page
	mu          sync.Mutex
	logger      *zap.Logger
	metrics     *internaltelemetry.BufferPoolMetrics
	closed      bool

	hits, misses, evictions, flushes uint64

	flusherCancel context.CancelFunc
	flusherWG     sync.WaitGroup
}

// NewBufferPoolManager creates a pool of poolSize frames over diskManager.
func NewBufferPoolManager(poolSize int, diskManager DiskManager, l *zap.Logger, opts ...Option) (*BufferPoolManager, error) {
	if poolSize <= 0 {
		return nil, fmt.Errorf("%w: pool size must be positive, got %d", flushmanager.ErrInvalidConfig, poolSize)
	}
	if diskManager == nil {
		return nil, fmt.Errorf("%w: disk manager cannot be nil", flushmanager.ErrInvalidConfig)
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		poolSize:    poolSize,
		pages:       make([]*pagemanager.Page, poolSize),
		pageTable:   make(map[pagemanager.PageID]pagemanager.FrameID, poolSize),
		freeList:    make([]pagemanager.FrameID, 0, poolSize),
		logger:      logger.OrNop(l).With(zap.String("component", "buffer_pool")),
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage()
		bpm.freeList = append(bpm.freeList, pagemanager.FrameID(i))
	}
	for _, opt := range opts {
		opt(bpm)
	}
	if bpm.replacer == nil {
		bpm.replacer = replacer.NewLRUKReplacer(poolSize, replacer.DefaultK)
	}
	if bpm.metrics == nil {
		bpm.metrics = internaltelemetry.NoopBufferPoolMetrics()
	}
	bpm.logger.Info("BufferPoolManager initialized", zap.Int("pool_size", poolSize), zap.Int("page_size", pagemanager.PageSize))
	return bpm, nil
}

// PoolSize returns the number of frames.
func (bpm *BufferPoolManager) PoolSize() int { return bpm.poolSize }

// acquireFrameLocked returns an empty frame, taking one from the free list if
// possible and otherwise evicting a victim chosen by the replacer. A dirty
// victim is written back first; if that fails the victim stays resident.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) acquireFrameLocked() (pagemanager.FrameID, error) {
	if len(bpm.freeList) > 0 {
		frameID := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameID, nil
	}

	frameID, ok := bpm.replacer.Evict()
	if !ok {
		bpm.metrics.ExhaustedCounter.Add(context.Background(), 1)
		bpm.logger.Warn("Buffer pool exhausted, every frame is pinned")
		return 0, flushmanager.ErrBufferPoolFull
	}
	victim := bpm.pages[frameID]
	victimID := victim.GetPageID()

	if victim.IsDirty() {
		bpm.logger.Debug("Flushing dirty victim", zap.Uint32("page_id", uint32(victimID)), zap.Int("frame", int(frameID)))
		if err := bpm.diskManager.WritePage(victimID, victim.GetData()); err != nil {
			// Put the victim back so the pool stays consistent.
			bpm.replacer.RecordAccess(frameID)
			bpm.replacer.SetEvictable(frameID, true)
			bpm.logger.Error("Failed to flush dirty victim", zap.Uint32("page_id", uint32(victimID)), zap.Error(err))
			return 0, fmt.Errorf("failed to flush dirty victim page %d: %w", victimID, err)
		}
		bpm.flushes++
		bpm.metrics.FlushesCounter.Add(context.Background(), 1)
	}

	delete(bpm.pageTable, victimID)
	victim.Reset()
	bpm.evictions++
	bpm.metrics.EvictionsCounter.Add(context.Background(), 1)
	bpm.logger.Debug("Evicted page", zap.Uint32("page_id", uint32(victimID)), zap.Int("frame", int(frameID)))
	return frameID, nil
}

// installLocked binds page to pageID in frameID with a pin count of one.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) installLocked(frameID pagemanager.FrameID, pageID pagemanager.PageID, dirty bool) *pagemanager.Page {
	page := bpm.pages[frameID]
	page.SetPageID(pageID)
	page.Pin()
	page.SetDirty(dirty)
	page.MarkUpdated(time.Now())
	bpm.pageTable[pageID] = frameID
	bpm.replacer.RecordAccess(frameID)
	bpm.replacer.SetEvictable(frameID, false)
	bpm.metrics.PinnedUpDownCounter.Add(context.Background(), 1)
	return page
}

// pinLocked adds a pin to a resident page and keeps the replacer in sync.
// Internal pins taken for write-back pass access=false so they do not count
// as accesses. This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) pinLocked(frameID pagemanager.FrameID, access bool) *pagemanager.Page {
	page := bpm.pages[frameID]
	if page.GetPinCount() == 0 {
		bpm.replacer.SetEvictable(frameID, false)
		bpm.metrics.PinnedUpDownCounter.Add(context.Background(), 1)
	}
	page.Pin()
	if access {
		bpm.replacer.RecordAccess(frameID)
	}
	return page
}

// unpinLocked drops one pin. This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) unpinLocked(pageID pagemanager.PageID, isDirty bool) error {
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to unpin", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameID]
	if !page.Unpin() {
		bpm.logger.Warn("Attempted to unpin page with pin count 0", zap.Uint32("page_id", uint32(pageID)))
		return fmt.Errorf("%w: page %d", flushmanager.ErrPageNotPinned, pageID)
	}
	if isDirty {
		page.SetDirty(true)
		page.MarkUpdated(time.Now())
	}
	if page.GetPinCount() == 0 {
		bpm.replacer.SetEvictable(frameID, true)
		bpm.metrics.PinnedUpDownCounter.Add(context.Background(), -1)
	}
	return nil
}

// NewPage allocates a fresh page id, binds it to a zeroed frame and returns
// the page pinned once. The page starts dirty so that it reaches disk even
// if the caller never writes to it.
func (bpm *BufferPoolManager) NewPage() (*pagemanager.Page, pagemanager.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return nil, pagemanager.InvalidPageID, flushmanager.ErrClosed
	}

	frameID, err := bpm.acquireFrameLocked()
	if err != nil {
		return nil, pagemanager.InvalidPageID, err
	}
	pageID, err := bpm.diskManager.AllocatePage()
	if err != nil {
		bpm.freeList = append(bpm.freeList, frameID)
		bpm.logger.Error("Failed to allocate new page on disk", zap.Error(err))
		return nil, pagemanager.InvalidPageID, err
	}

	page := bpm.installLocked(frameID, pageID, true)
	bpm.logger.Debug("New page", zap.Uint32("page_id", uint32(pageID)), zap.Int("frame", int(frameID)))
	return page, pageID, nil
}

// FetchPage returns the page pinned once, reading it from disk if it is not
// resident.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	if !pageID.IsValid() {
		return nil, fmt.Errorf("%w: %d", flushmanager.ErrInvalidPageID, pageID)
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return nil, flushmanager.ErrClosed
	}

	if frameID, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pinLocked(frameID, true)
		bpm.hits++
		bpm.metrics.HitsCounter.Add(context.Background(), 1)
		bpm.logger.Debug("Page hit", zap.Uint32("page_id", uint32(pageID)), zap.Uint32("pin_count", page.GetPinCount()))
		return page, nil
	}

	frameID, err := bpm.acquireFrameLocked()
	if err != nil {
		return nil, err
	}
	page := bpm.pages[frameID]
	if err := bpm.diskManager.ReadPage(pageID, page.GetData()); err != nil {
		page.Reset()
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}
	bpm.installLocked(frameID, pageID, false)
	bpm.misses++
	bpm.metrics.MissesCounter.Add(context.Background(), 1)
	bpm.logger.Debug("Page loaded", zap.Uint32("page_id", uint32(pageID)), zap.Int("frame", int(frameID)))
	return page, nil
}

// UnpinPage drops one pin on pageID and ORs isDirty into its dirty flag.
// It fails without side effects if the page is not resident or not pinned.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.unpinLocked(pageID, isDirty)
}

// FlushPage writes the resident page to disk and clears its dirty flag,
// regardless of its pin count.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	if bpm.closed {
		bpm.mu.Unlock()
		return flushmanager.ErrClosed
	}
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.mu.Unlock()
		return fmt.Errorf("%w: page %d not found to flush", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pinLocked(frameID, false)
	bpm.mu.Unlock()

	return bpm.writeBack(page)
}

// writeBack copies a pinned page under its shared latch, writes it out and
// drops the pin taken by the caller. The dirty flag is cleared before the
// copy so that a concurrent writer re-dirties the page on release.
func (bpm *BufferPoolManager) writeBack(page *pagemanager.Page) error {
	pageID := page.GetPageID()

	bpm.mu.Lock()
	page.SetDirty(false)
	bpm.mu.Unlock()

	buf := make([]byte, pagemanager.PageSize)
	page.RLock()
	copy(buf, page.GetData())
	page.RUnlock()

	writeErr := bpm.diskManager.WritePage(pageID, buf)

	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if writeErr != nil {
		page.SetDirty(true)
		bpm.logger.Error("Failed to flush page", zap.Uint32("page_id", uint32(pageID)), zap.Error(writeErr))
	} else {
		bpm.flushes++
		bpm.metrics.FlushesCounter.Add(context.Background(), 1)
	}
	if err := bpm.unpinLocked(pageID, false); err != nil && writeErr == nil {
		return err
	}
	return writeErr
}

// FlushAllPages writes back every resident dirty page and syncs the disk.
// It keeps going after a failure and returns the first error encountered.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	if bpm.closed {
		bpm.mu.Unlock()
		return flushmanager.ErrClosed
	}
	dirty := make([]*pagemanager.Page, 0, len(bpm.pageTable))
	for _, frameID := range bpm.pageTable {
		if bpm.pages[frameID].IsDirty() {
			dirty = append(dirty, bpm.pinLocked(frameID, false))
		}
	}
	bpm.mu.Unlock()

	var firstErr error
	for _, page := range dirty {
		if err := bpm.writeBack(page); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := bpm.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	bpm.logger.Debug("Finished FlushAllPages", zap.Int("pages", len(dirty)))
	return firstErr
}

// DeletePage discards pageID from the pool and returns its id to the disk
// manager. It fails with ErrPagePinned if anyone still holds the page.
func (bpm *BufferPoolManager) DeletePage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return flushmanager.ErrClosed
	}

	if frameID, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameID]
		if page.GetPinCount() > 0 {
			return fmt.Errorf("%w: page %d has pin count %d", flushmanager.ErrPagePinned, pageID, page.GetPinCount())
		}
		delete(bpm.pageTable, pageID)
		bpm.replacer.Remove(frameID)
		page.Reset()
		bpm.freeList = append(bpm.freeList, frameID)
	}
	if err := bpm.diskManager.DeallocatePage(pageID); err != nil {
		return fmt.Errorf("failed to deallocate page %d: %w", pageID, err)
	}
	bpm.logger.Debug("Deleted page", zap.Uint32("page_id", uint32(pageID)))
	return nil
}

// PinCount returns the pin count of a resident page.
func (bpm *BufferPoolManager) PinCount(pageID pagemanager.PageID) (uint32, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return 0, false
	}
	return bpm.pages[frameID].GetPinCount(), true
}

// Stats returns a snapshot of the pool's occupancy and counters.
func (bpm *BufferPoolManager) Stats() BufferPoolStats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	s := BufferPoolStats{
		PoolSize:  bpm.poolSize,
		Resident:  len(bpm.pageTable),
		Free:      len(bpm.freeList),
		Evictable: bpm.replacer.Size(),
		Hits:      bpm.hits,
		Misses:    bpm.misses,
		Evictions: bpm.evictions,
		Flushes:   bpm.flushes,
	}
	for _, frameID := range bpm.pageTable {
		page := bpm.pages[frameID]
		if page.GetPinCount() > 0 {
			s.Pinned++
		}
		if page.IsDirty() {
			s.Dirty++
		}
	}
	return s
}

// Backup flushes every page and then asks the disk manager to copy its file.
func (bpm *BufferPoolManager) Backup(ctx context.Context, dstPath string, bytesPerSecond int64) (string, error) {
	b, ok := bpm.diskManager.(Backupper)
	if !ok {
		return "", fmt.Errorf("%w: disk manager does not support backups", flushmanager.ErrInvalidConfig)
	}
	if err := bpm.FlushAllPages(); err != nil {
		return "", err
	}
	return b.Backup(ctx, dstPath, bytesPerSecond)
}

// Close stops the background flusher, writes back all dirty pages and
// rejects further operations. It does not close the disk manager.
func (bpm *BufferPoolManager) Close() error {
	bpm.stopFlusher()
	err := bpm.FlushAllPages()

	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return nil
	}
	bpm.closed = true
	if err != nil {
		return err
	}
	bpm.logger.Info("BufferPoolManager closed", zap.Uint64("hits", bpm.hits), zap.Uint64("misses", bpm.misses))
	return nil
}
