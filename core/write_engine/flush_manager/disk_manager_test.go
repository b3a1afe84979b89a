package flushmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
)

// --- Test Helpers ---

// setupDiskManager creates a fresh database file in a temporary directory.
func setupDiskManager(t *testing.T) (*DiskManager, string) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "kernel.db")
	dm := NewDiskManager(path, logger)
	_, err = dm.OpenOrCreateFile(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	return dm, path
}

func filledPage(b byte) []byte {
	data := make([]byte, pagemanager.PageSize)
	for i := range data {
		data[i] = b
	}
	return data
}

// --- Test Cases ---

// TestDiskManager_WriteReadRoundTrip writes several pages and reads them back.
func TestDiskManager_WriteReadRoundTrip(t *testing.T) {
	dm, _ := setupDiskManager(t)

	ids := make([]pagemanager.PageID, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Equal(t, []pagemanager.PageID{1, 2, 3, 4}, ids, "data pages start after the header page")

	for i, id := range ids {
		require.NoError(t, dm.WritePage(id, filledPage(byte(i+1))))
	}
	for i, id := range ids {
		buf := make([]byte, pagemanager.PageSize)
		require.NoError(t, dm.ReadPage(id, buf))
		assert.Equal(t, filledPage(byte(i+1)), buf)
	}
}

// TestDiskManager_ReadNeverWritten verifies that reading an allocated page
// whose current allocation was never written is an I/O error, whether it
// lies past the end of file, in a hole below it, or was reused from the free
// list.
func TestDiskManager_ReadNeverWritten(t *testing.T) {
	dm, path := setupDiskManager(t)
	buf := make([]byte, pagemanager.PageSize)

	// 1. Past the end of file and past NextPageID.
	a, err := dm.AllocatePage()
	require.NoError(t, err)
	require.ErrorIs(t, dm.ReadPage(a, buf), ErrIO)
	require.ErrorIs(t, dm.ReadPage(99, buf), ErrIO)

	// 2. Writing b leaves a as a hole below the end of file.
	b, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, dm.WritePage(b, filledPage(0x3C)))
	require.ErrorIs(t, dm.ReadPage(a, buf), ErrIO)
	require.NoError(t, dm.ReadPage(b, buf))
	assert.Equal(t, filledPage(0x3C), buf)

	// 3. A reused id does not expose the previous allocation's bytes.
	require.NoError(t, dm.DeallocatePage(b))
	reused, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, b, reused)
	require.ErrorIs(t, dm.ReadPage(reused, buf), ErrIO)
	require.NoError(t, dm.WritePage(reused, filledPage(0x4D)))
	require.NoError(t, dm.ReadPage(reused, buf))
	assert.Equal(t, filledPage(0x4D), buf)

	// 4. After reopening, pages inside the file stay readable.
	require.NoError(t, dm.Close())
	reopened, err := OpenDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.ReadPage(b, buf))
	assert.Equal(t, filledPage(0x4D), buf)
	c, err := reopened.AllocatePage()
	require.NoError(t, err)
	require.ErrorIs(t, reopened.ReadPage(c, buf), ErrIO)
}

func TestDiskManager_RejectsBadArguments(t *testing.T) {
	dm, _ := setupDiskManager(t)
	id, err := dm.AllocatePage()
	require.NoError(t, err)

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"short buffer", func() error { return dm.WritePage(id, make([]byte, 10)) }, ErrInvalidPageSize},
		{"header page", func() error { return dm.ReadPage(pagemanager.HeaderPageID, make([]byte, pagemanager.PageSize)) }, ErrInvalidPageID},
		{"invalid id", func() error { return dm.WritePage(pagemanager.InvalidPageID, make([]byte, pagemanager.PageSize)) }, ErrInvalidPageID},
		{"unallocated write", func() error { return dm.WritePage(id+10, make([]byte, pagemanager.PageSize)) }, ErrInvalidPageID},
		{"deallocate unallocated", func() error { return dm.DeallocatePage(id + 10) }, ErrInvalidPageID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.run(), tt.want)
		})
	}
}

// TestDiskManager_FreeListReuse checks LIFO reuse of deallocated ids and the
// use-after-free guard.
func TestDiskManager_FreeListReuse(t *testing.T) {
	dm, _ := setupDiskManager(t)

	for i := 0; i < 3; i++ {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		require.NoError(t, dm.WritePage(id, filledPage(byte(i))))
	}

	require.NoError(t, dm.DeallocatePage(1))
	require.NoError(t, dm.DeallocatePage(3))
	require.ErrorIs(t, dm.DeallocatePage(3), ErrPageDeallocated)
	assert.Equal(t, 2, dm.FreePageCount())
	assert.True(t, dm.IsDeallocated(1))

	require.ErrorIs(t, dm.ReadPage(1, make([]byte, pagemanager.PageSize)), ErrPageDeallocated)
	require.ErrorIs(t, dm.WritePage(3, filledPage(9)), ErrPageDeallocated)

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, pagemanager.PageID(3), id)
	id, err = dm.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, pagemanager.PageID(1), id)
	id, err = dm.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, pagemanager.PageID(4), id)
	assert.Equal(t, 0, dm.FreePageCount())
}

// TestDiskManager_ReopenPersistsHeader closes and reopens the file and checks
// that identity, allocation state, the free list and the catalog pointer survive.
func TestDiskManager_ReopenPersistsHeader(t *testing.T) {
	dm, path := setupDiskManager(t)

	for i := 0; i < 5; i++ {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		require.NoError(t, dm.WritePage(id, filledPage(byte(10+i))))
	}
	require.NoError(t, dm.DeallocatePage(2))
	require.NoError(t, dm.SetCatalogPageID(5))
	fileID := dm.FileID()
	require.NotEqual(t, uuid.Nil, fileID)
	require.NoError(t, dm.Close())

	reopened, err := OpenDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, fileID, reopened.FileID())
	assert.Equal(t, pagemanager.PageID(6), reopened.NextPageID())
	assert.Equal(t, pagemanager.PageID(5), reopened.CatalogPageID())
	assert.True(t, reopened.IsDeallocated(2))

	buf := make([]byte, pagemanager.PageSize)
	require.NoError(t, reopened.ReadPage(4, buf))
	assert.Equal(t, filledPage(13), buf)

	id, err := reopened.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, pagemanager.PageID(2), id)
}

func TestDiskManager_OpenOrCreateFlags(t *testing.T) {
	dm, path := setupDiskManager(t)
	require.NoError(t, dm.Close())

	_, err := NewDiskManager(path, nil).OpenOrCreateFile(true)
	require.ErrorIs(t, err, ErrDBFileExists)

	_, err = NewDiskManager(filepath.Join(t.TempDir(), "missing.db"), nil).OpenOrCreateFile(false)
	require.ErrorIs(t, err, ErrDBFileNotFound)
}

// TestDiskManager_RejectsCorruptHeader overwrites the magic number and
// expects a format error on open.
func TestDiskManager_RejectsCorruptHeader(t *testing.T) {
	dm, path := setupDiskManager(t)
	require.NoError(t, dm.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenDiskManager(path, nil)
	require.ErrorIs(t, err, ErrBadMagic)
	assert.Equal(t, KindFormat, Kind(err))
}

func TestDiskManager_ClosedOperations(t *testing.T) {
	dm, _ := setupDiskManager(t)
	require.NoError(t, dm.Close())
	require.NoError(t, dm.Close(), "double close is a no-op")

	_, err := dm.AllocatePage()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, dm.ReadPage(1, make([]byte, pagemanager.PageSize)), ErrClosed)
	require.ErrorIs(t, dm.Sync(), ErrClosed)
}

// TestDiskManager_Backup copies a synced file and checks the copy opens cleanly.
func TestDiskManager_Backup(t *testing.T) {
	dm, _ := setupDiskManager(t)
	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, dm.WritePage(id, filledPage(0x5A)))

	dst := filepath.Join(t.TempDir(), "backup.db")
	digest, err := dm.Backup(context.Background(), dst, 1<<20)
	require.NoError(t, err)
	assert.Len(t, digest, 64)

	copyDM, err := OpenDiskManager(dst, nil)
	require.NoError(t, err)
	defer copyDM.Close()
	assert.Equal(t, dm.FileID(), copyDM.FileID())
	buf := make([]byte, pagemanager.PageSize)
	require.NoError(t, copyDM.ReadPage(id, buf))
	assert.Equal(t, filledPage(0x5A), buf)
}

// TestDiskManager_BackupIsPointInTime rewrites every page in ascending order,
// one generation after another, while a throttled backup runs. A copy taken at
// a single instant holds generation g+1 on a prefix of the pages and g on the
// rest, so the fill bytes never increase along the file.
func TestDiskManager_BackupIsPointInTime(t *testing.T) {
	dm, _ := setupDiskManager(t)

	// 1. Span several copy chunks.
	const pages = 600
	for i := 0; i < pages; i++ {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		require.NoError(t, dm.WritePage(id, filledPage(0)))
	}

	// 2. Rewrite the pages generation by generation until the backup ends.
	done := make(chan struct{})
	writerErr := make(chan error, 1)
	go func() {
		for gen := 1; gen < 250; gen++ {
			for id := pagemanager.PageID(1); id <= pages; id++ {
				select {
				case <-done:
					writerErr <- nil
					return
				default:
				}
				if err := dm.WritePage(id, filledPage(byte(gen))); err != nil {
					writerErr <- err
					return
				}
			}
		}
		writerErr <- nil
	}()

	dst := filepath.Join(t.TempDir(), "backup.db")
	digest, err := dm.Backup(context.Background(), dst, 4<<20)
	close(done)
	require.NoError(t, err)
	require.NoError(t, <-writerErr)

	// 3. The digest covers the bytes on disk.
	raw, err := os.ReadFile(dst)
	require.NoError(t, err)
	sum := sha256.Sum256(raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)

	// 4. Every page is uniform and the generations form one cut.
	copyDM, err := OpenDiskManager(dst, zap.NewNop())
	require.NoError(t, err)
	defer copyDM.Close()
	buf := make([]byte, pagemanager.PageSize)
	var first, prev byte
	for id := pagemanager.PageID(1); id <= pages; id++ {
		require.NoError(t, copyDM.ReadPage(id, buf))
		require.Equal(t, filledPage(buf[0]), buf, "page %d is torn", id)
		if id == 1 {
			first, prev = buf[0], buf[0]
			continue
		}
		require.LessOrEqual(t, buf[0], prev, "page %d is newer than page %d", id, id-1)
		require.LessOrEqual(t, int(first)-int(buf[0]), 1, "page %d is from another generation", id)
		prev = buf[0]
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindUnknown},
		{errors.New("other"), KindUnknown},
		{fmt.Errorf("%w: frame", ErrBufferPoolFull), KindResource},
		{fmt.Errorf("%w: read", ErrIO), KindIO},
		{fmt.Errorf("decode: %w", ErrUnknownPageType), KindFormat},
		{fmt.Errorf("%w: 42", ErrKeyNotFound), KindLogical},
		{fmt.Errorf("%w: %w", ErrIO, ErrPageDeallocated), KindLogical},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
			assert.NotEmpty(t, Kind(tt.err).String())
		})
	}
}
