package memtable

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
	"github.com/sushant-115/gojodb-kernel/core/write_engine/replacer"
)

// --- Test Helpers ---

// setupBufferPool creates a pool of poolSize frames over a fresh database file.
func setupBufferPool(t *testing.T, poolSize int, opts ...Option) (*BufferPoolManager, *flushmanager.DiskManager) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	dm := flushmanager.NewDiskManager(filepath.Join(t.TempDir(), "bpm.db"), logger)
	_, err = dm.OpenOrCreateFile(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	bpm, err := NewBufferPoolManager(poolSize, dm, logger, opts...)
	require.NoError(t, err)
	return bpm, dm
}

// faultyDisk wraps a DiskManager and fails writes while failWrites is set.
type faultyDisk struct {
	DiskManager
	mu         sync.Mutex
	failWrites bool
}

func (f *faultyDisk) setFailWrites(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = v
}

func (f *faultyDisk) WritePage(pageID pagemanager.PageID, data []byte) error {
	f.mu.Lock()
	fail := f.failWrites
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: injected write failure", flushmanager.ErrIO)
	}
	return f.DiskManager.WritePage(pageID, data)
}

func requirePinCount(t *testing.T, bpm *BufferPoolManager, pageID pagemanager.PageID, want uint32) {
	t.Helper()
	got, ok := bpm.PinCount(pageID)
	require.True(t, ok, "page %d should be resident", pageID)
	require.Equal(t, want, got, "pin count of page %d", pageID)
}

// --- Test Cases ---

func TestNewBufferPoolManager_InvalidConfig(t *testing.T) {
	_, err := NewBufferPoolManager(0, &faultyDisk{}, nil)
	require.ErrorIs(t, err, flushmanager.ErrInvalidConfig)
	_, err = NewBufferPoolManager(4, nil, nil)
	require.ErrorIs(t, err, flushmanager.ErrInvalidConfig)
}

// TestBufferPool_ExhaustionAndRecovery fills a two-frame pool, checks that a
// third allocation fails while both pages are pinned, and that it succeeds by
// evicting once a page is unpinned.
func TestBufferPool_ExhaustionAndRecovery(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)

	// 1. Two new pages fill both frames.
	_, id1, err := bpm.NewPage()
	require.NoError(t, err)
	_, id2, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, 0, bpm.Stats().Free)

	// 2. Both pinned: the pool is exhausted.
	_, _, err = bpm.NewPage()
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)
	assert.Equal(t, flushmanager.KindResource, flushmanager.Kind(err))

	// 3. Unpin one and retry: its frame is reused.
	require.NoError(t, bpm.UnpinPage(id1, false))
	_, id3, err := bpm.NewPage()
	require.NoError(t, err)

	_, resident := bpm.PinCount(id1)
	assert.False(t, resident, "page %d should have been evicted", id1)
	requirePinCount(t, bpm, id2, 1)
	requirePinCount(t, bpm, id3, 1)
	assert.Equal(t, uint64(1), bpm.Stats().Evictions)
}

// TestBufferPool_NewPageZeroed confirms a reused frame is zeroed and a dirty
// victim's bytes survive the round trip through disk.
func TestBufferPool_NewPageZeroed(t *testing.T) {
	bpm, _ := setupBufferPool(t, 1)

	page, id1, err := bpm.NewPage()
	require.NoError(t, err)
	assert.True(t, page.IsDirty())
	copy(page.GetData(), []byte("first page payload"))
	require.NoError(t, bpm.UnpinPage(id1, true))

	page2, id2, err := bpm.NewPage()
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, make([]byte, pagemanager.PageSize), page2.GetData())
	require.NoError(t, bpm.UnpinPage(id2, false))

	page1, err := bpm.FetchPage(id1)
	require.NoError(t, err)
	assert.Equal(t, []byte("first page payload"), page1.GetData()[:18])
	assert.False(t, page1.IsDirty())
	require.NoError(t, bpm.UnpinPage(id1, false))
}

// TestBufferPool_PinCounting covers pin increments on hits and the rejection
// of unpins below zero.
func TestBufferPool_PinCounting(t *testing.T) {
	bpm, _ := setupBufferPool(t, 3)
	_, id, err := bpm.NewPage()
	require.NoError(t, err)

	_, err = bpm.FetchPage(id)
	require.NoError(t, err)
	requirePinCount(t, bpm, id, 2)

	require.NoError(t, bpm.UnpinPage(id, false))
	require.NoError(t, bpm.UnpinPage(id, false))
	requirePinCount(t, bpm, id, 0)

	err = bpm.UnpinPage(id, true)
	require.ErrorIs(t, err, flushmanager.ErrPageNotPinned)
	assert.Equal(t, 0, bpm.Stats().Pinned)

	err = bpm.UnpinPage(999, false)
	require.ErrorIs(t, err, flushmanager.ErrPageNotFound)

	_, err = bpm.FetchPage(pagemanager.InvalidPageID)
	require.ErrorIs(t, err, flushmanager.ErrInvalidPageID)

	stats := bpm.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, 1, stats.Evictable)
}

// TestBufferPool_FetchFromDisk evicts a page and reads it back as a miss.
func TestBufferPool_FetchFromDisk(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)

	ids := make([]pagemanager.PageID, 0, 5)
	for i := 0; i < 5; i++ {
		page, id, err := bpm.NewPage()
		require.NoError(t, err)
		page.GetData()[0] = byte(i + 1)
		ids = append(ids, id)
		require.NoError(t, bpm.UnpinPage(id, true))
	}
	for i, id := range ids {
		page, err := bpm.FetchPage(id)
		require.NoError(t, err)
		assert.Equal(t, byte(i+1), page.GetData()[0])
		require.NoError(t, bpm.UnpinPage(id, false))
	}
	assert.GreaterOrEqual(t, bpm.Stats().Misses, uint64(3))
}

func TestBufferPool_FlushPage(t *testing.T) {
	bpm, dm := setupBufferPool(t, 2)
	page, id, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), "flushed")

	// Flushing ignores the pin count.
	require.NoError(t, bpm.FlushPage(id))
	assert.False(t, page.IsDirty())
	requirePinCount(t, bpm, id, 1)

	buf := make([]byte, pagemanager.PageSize)
	require.NoError(t, dm.ReadPage(id, buf))
	assert.Equal(t, "flushed", string(buf[:7]))

	require.ErrorIs(t, bpm.FlushPage(12345), flushmanager.ErrPageNotFound)
}

func TestBufferPool_FlushAllPages(t *testing.T) {
	bpm, dm := setupBufferPool(t, 4)
	ids := make([]pagemanager.PageID, 0, 3)
	for i := 0; i < 3; i++ {
		page, id, err := bpm.NewPage()
		require.NoError(t, err)
		page.GetData()[100] = byte(0xA0 + i)
		require.NoError(t, bpm.UnpinPage(id, true))
		ids = append(ids, id)
	}
	require.Equal(t, 3, bpm.Stats().Dirty)

	require.NoError(t, bpm.FlushAllPages())
	assert.Equal(t, 0, bpm.Stats().Dirty)
	for i, id := range ids {
		buf := make([]byte, pagemanager.PageSize)
		require.NoError(t, dm.ReadPage(id, buf))
		assert.Equal(t, byte(0xA0+i), buf[100])
	}
}

// TestBufferPool_DeletePage checks the pinned refusal, frame reclamation and
// deallocation on disk.
func TestBufferPool_DeletePage(t *testing.T) {
	bpm, dm := setupBufferPool(t, 2)
	_, id, err := bpm.NewPage()
	require.NoError(t, err)

	err = bpm.DeletePage(id)
	require.ErrorIs(t, err, flushmanager.ErrPagePinned)
	requirePinCount(t, bpm, id, 1)

	require.NoError(t, bpm.UnpinPage(id, true))
	require.NoError(t, bpm.DeletePage(id))

	_, resident := bpm.PinCount(id)
	assert.False(t, resident)
	assert.Equal(t, 2, bpm.Stats().Free)
	assert.Equal(t, 0, bpm.Stats().Evictable)
	assert.True(t, dm.IsDeallocated(id))

	_, err = bpm.FetchPage(id)
	require.ErrorIs(t, err, flushmanager.ErrPageDeallocated)
	assert.Equal(t, 2, bpm.Stats().Free, "failed fetch must return its frame")

	// The freed id is handed out again.
	_, reused, err := bpm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, id, reused)
}

// TestBufferPool_PinnedNeverEvicted keeps a set of pages pinned while many
// other pages churn through the remaining frames.
func TestBufferPool_PinnedNeverEvicted(t *testing.T) {
	bpm, _ := setupBufferPool(t, 4)

	pinned := make([]pagemanager.PageID, 0, 2)
	for i := 0; i < 2; i++ {
		page, id, err := bpm.NewPage()
		require.NoError(t, err)
		page.GetData()[0] = 0xEE
		pinned = append(pinned, id)
	}
	for i := 0; i < 50; i++ {
		_, id, err := bpm.NewPage()
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(id, i%2 == 0))
		for _, p := range pinned {
			requirePinCount(t, bpm, p, 1)
		}
	}
	for _, p := range pinned {
		page, err := bpm.FetchPage(p)
		require.NoError(t, err)
		assert.Equal(t, byte(0xEE), page.GetData()[0])
	}
}

// TestBufferPool_VictimFlushFailure makes write-back fail and checks the
// victim remains resident and tracked, then recovers once writes succeed.
func TestBufferPool_VictimFlushFailure(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	dm := flushmanager.NewDiskManager(filepath.Join(t.TempDir(), "faulty.db"), logger)
	_, err = dm.OpenOrCreateFile(true)
	require.NoError(t, err)
	defer dm.Close()

	disk := &faultyDisk{DiskManager: dm}
	bpm, err := NewBufferPoolManager(1, disk, logger)
	require.NoError(t, err)

	_, id, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id, true))

	disk.setFailWrites(true)
	_, _, err = bpm.NewPage()
	require.ErrorIs(t, err, flushmanager.ErrIO)
	requirePinCount(t, bpm, id, 0)
	assert.Equal(t, 1, bpm.Stats().Evictable)
	assert.Equal(t, 1, bpm.Stats().Dirty)

	require.Error(t, bpm.FlushPage(id))
	assert.Equal(t, 1, bpm.Stats().Dirty, "failed flush keeps the page dirty")

	disk.setFailWrites(false)
	_, id2, err := bpm.NewPage()
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

// TestBufferPool_CustomReplacer plugs in the plain LRU policy.
func TestBufferPool_CustomReplacer(t *testing.T) {
	r, err := replacer.NewReplacer(replacer.PolicyLRU, 2, 0)
	require.NoError(t, err)
	bpm, _ := setupBufferPool(t, 2, WithReplacer(r))

	_, a, err := bpm.NewPage()
	require.NoError(t, err)
	_, b, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(a, true))
	require.NoError(t, bpm.UnpinPage(b, true))

	// Touch a so that b is least recently used.
	_, err = bpm.FetchPage(a)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(a, false))

	_, _, err = bpm.NewPage()
	require.NoError(t, err)
	_, aResident := bpm.PinCount(a)
	_, bResident := bpm.PinCount(b)
	assert.True(t, aResident)
	assert.False(t, bResident)
}

// TestBufferPool_Guards exercises scoped read and write access.
func TestBufferPool_Guards(t *testing.T) {
	bpm, _ := setupBufferPool(t, 4)

	wg, err := bpm.NewPageGuarded()
	require.NoError(t, err)
	id := wg.PageID()
	copy(wg.Data(), "guarded")
	wg.Release()
	wg.Release() // idempotent
	requirePinCount(t, bpm, id, 0)
	require.NoError(t, bpm.FlushPage(id))

	w, err := bpm.FetchPageWrite(id)
	require.NoError(t, err)
	copy(w.Data(), "GUARDED")
	w.MarkDirty()
	w.Release()
	assert.Equal(t, 1, bpm.Stats().Dirty)

	r1, err := bpm.FetchPageRead(id)
	require.NoError(t, err)
	r2, err := bpm.FetchPageRead(id)
	require.NoError(t, err)
	requirePinCount(t, bpm, id, 2)
	assert.Equal(t, "GUARDED", string(r1.Data()[:7]))
	assert.Equal(t, "GUARDED", string(r2.Data()[:7]))
	r1.Release()
	r2.Release()
	requirePinCount(t, bpm, id, 0)
}

// TestBufferPool_ConcurrentAccess hammers a small pool from many goroutines
// and checks that every pin is returned.
func TestBufferPool_ConcurrentAccess(t *testing.T) {
	bpm, _ := setupBufferPool(t, 8)

	ids := make([]pagemanager.PageID, 0, 16)
	for i := 0; i < 16; i++ {
		g, err := bpm.NewPageGuarded()
		require.NoError(t, err)
		ids = append(ids, g.PageID())
		g.Release()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 16)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := ids[(worker*7+i)%len(ids)]
				if i%3 == 0 {
					g, err := bpm.FetchPageWrite(id)
					if err != nil {
						if errors.Is(err, flushmanager.ErrBufferPoolFull) {
							continue
						}
						errCh <- err
						return
					}
					g.Data()[worker]++
					g.MarkDirty()
					g.Release()
					continue
				}
				g, err := bpm.FetchPageRead(id)
				if err != nil {
					if errors.Is(err, flushmanager.ErrBufferPoolFull) {
						continue
					}
					errCh <- err
					return
				}
				_ = g.Data()[0]
				g.Release()
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	assert.Equal(t, 0, bpm.Stats().Pinned)
	require.NoError(t, bpm.FlushAllPages())
}

// TestBufferPool_BackgroundFlusher waits for an idle dirty page to be cleaned.
func TestBufferPool_BackgroundFlusher(t *testing.T) {
	bpm, _ := setupBufferPool(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, id, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id, true))

	bpm.StartBackgroundFlusher(ctx, 10*time.Millisecond, 100)
	require.Eventually(t, func() bool { return bpm.Stats().Dirty == 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, bpm.Close())
}

func TestBufferPool_CloseAndBackup(t *testing.T) {
	bpm, dm := setupBufferPool(t, 2)
	page, id, err := bpm.NewPage()
	require.NoError(t, err)
	copy(page.GetData(), "backup me")
	require.NoError(t, bpm.UnpinPage(id, true))

	dst := filepath.Join(t.TempDir(), "copy.db")
	digest, err := bpm.Backup(context.Background(), dst, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, digest)

	copyDM, err := flushmanager.OpenDiskManager(dst, nil)
	require.NoError(t, err)
	defer copyDM.Close()
	buf := make([]byte, pagemanager.PageSize)
	require.NoError(t, copyDM.ReadPage(id, buf))
	assert.Equal(t, "backup me", string(buf[:9]))

	require.NoError(t, bpm.Close())
	require.NoError(t, bpm.Close())
	_, _, err = bpm.NewPage()
	require.ErrorIs(t, err, flushmanager.ErrClosed)
	_ = dm
}
