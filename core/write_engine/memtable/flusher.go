package memtable

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
)

// StartBackgroundFlusher writes back dirty, unpinned pages every interval,
// at most pagesPerSecond pages per second (unlimited when <= 0). It runs
// until ctx is cancelled or the pool is closed. Starting a second flusher
// replaces the first.
func (bpm *BufferPoolManager) StartBackgroundFlusher(ctx context.Context, interval time.Duration, pagesPerSecond int) {
	bpm.stopFlusher()

	ctx, cancel := context.WithCancel(ctx)
	bpm.mu.Lock()
	bpm.flusherCancel = cancel
	bpm.mu.Unlock()

	limit := rate.Inf
	burst := 1
	if pagesPerSecond > 0 {
		limit = rate.Limit(pagesPerSecond)
		burst = pagesPerSecond
	}
	limiter := rate.NewLimiter(limit, burst)

	bpm.flusherWG.Add(1)
	go func() {
		defer bpm.flusherWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		bpm.logger.Info("Background flusher started", zap.Duration("interval", interval), zap.Int("pages_per_second", pagesPerSecond))
		for {
			select {
			case <-ctx.Done():
				bpm.logger.Info("Background flusher stopped")
				return
			case <-ticker.C:
				n := bpm.flushIdlePages(ctx, limiter)
				if n > 0 {
					bpm.logger.Debug("Background flush pass", zap.Int("pages", n))
				}
			}
		}
	}()
}

func (bpm *BufferPoolManager) stopFlusher() {
	bpm.mu.Lock()
	cancel := bpm.flusherCancel
	bpm.flusherCancel = nil
	bpm.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	bpm.flusherWG.Wait()
}

// flushIdlePages writes back dirty pages nobody holds and returns how many
// were written.
func (bpm *BufferPoolManager) flushIdlePages(ctx context.Context, limiter *rate.Limiter) int {
	bpm.mu.Lock()
	candidates := make([]pagemanager.PageID, 0)
	for pageID, frameID := range bpm.pageTable {
		page := bpm.pages[frameID]
		if page.IsDirty() && page.GetPinCount() == 0 {
			candidates = append(candidates, pageID)
		}
	}
	bpm.mu.Unlock()

	written := 0
	for _, pageID := range candidates {
		if err := limiter.Wait(ctx); err != nil {
			return written
		}
		if bpm.flushIfIdle(pageID) {
			written++
		}
	}
	return written
}

// flushIfIdle writes pageID back if it is still resident, dirty and unpinned.
// An unpinned page has no latch holders, so its bytes are read under bpm.mu.
func (bpm *BufferPoolManager) flushIfIdle(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.closed {
		return false
	}
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return false
	}
	page := bpm.pages[frameID]
	if !page.IsDirty() || page.GetPinCount() > 0 {
		return false
	}
	if err := bpm.diskManager.WritePage(pageID, page.GetData()); err != nil {
		bpm.logger.Warn("Background flush failed", zap.Uint32("page_id", uint32(pageID)), zap.Error(err))
		return false
	}
	page.SetDirty(false)
	bpm.flushes++
	bpm.metrics.FlushesCounter.Add(context.Background(), 1)
	return true
}
