package flushmanager

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-kernel/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
	"github.com/sushant-115/gojodb-kernel/pkg/logger"
)

const (
	DBMagic   uint32 = 0x6010DB01
	DBVersion uint32 = 1

	// dbFileHeaderSize is the fixed prefix of page 0; the deallocated page
	// list fills the rest of the page.
	dbFileHeaderSize   = 64
	maxFreeListEntries = (pagemanager.PageSize - dbFileHeaderSize) / 4
)

// DBFileHeader is stored at the start of page 0.
type DBFileHeader struct {
	Magic         uint32
	Version       uint32
	PageSize      uint32
	NextPageID    pagemanager.PageID
	CatalogPageID pagemanager.PageID
	FreeCount     uint32
	FileID        [16]byte
}

// DiskManager performs whole-page reads and writes against a single database
// file at offset PageID*PageSize. Page 0 holds the file header; data pages
// start at 1. Deallocated IDs are kept on a free list and reused LIFO.
//
// written holds the ids whose current allocation has been written at least
// once. It is rebuilt from the file length on open.
type DiskManager struct {
	filePath string
	file     *os.File
	header   DBFileHeader
	freeList []pagemanager.PageID
	freeSet  map[pagemanager.PageID]struct{}
	written  map[pagemanager.PageID]struct{}
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewDiskManager prepares a DiskManager for filePath. Call OpenOrCreateFile
// before any page I/O.
func NewDiskManager(filePath string, l *zap.Logger) *DiskManager {
	return &DiskManager{
		filePath: filePath,
		freeSet:  make(map[pagemanager.PageID]struct{}),
		written:  make(map[pagemanager.PageID]struct{}),
		logger:   logger.OrNop(l).With(zap.String("component", "disk_manager"), zap.String("file", filePath)),
	}
}

// OpenDiskManager opens filePath, creating and initializing it if it does not exist.
func OpenDiskManager(filePath string, logger *zap.Logger) (*DiskManager, error) {
	dm := NewDiskManager(filePath, logger)
	_, statErr := os.Stat(filePath)
	create := errors.Is(statErr, os.ErrNotExist)
	if _, err := dm.OpenOrCreateFile(create); err != nil {
		return nil, err
	}
	return dm, nil
}

// OpenOrCreateFile opens an existing database file (create=false) or creates
// a new one (create=true). It fails with ErrDBFileExists or ErrDBFileNotFound
// when the file's presence does not match create.
func (dm *DiskManager) OpenOrCreateFile(create bool) (*DBFileHeader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	_, statErr := os.Stat(dm.filePath)
	switch {
	case errors.Is(statErr, os.ErrNotExist):
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrDBFileNotFound, dm.filePath)
		}
		file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file
		clear(dm.written)
		dm.header = DBFileHeader{
			Magic:         DBMagic,
			Version:       DBVersion,
			PageSize:      pagemanager.PageSize,
			NextPageID:    1,
			CatalogPageID: pagemanager.InvalidPageID,
			FileID:        uuid.New(),
		}
		if err := dm.writeHeaderLocked(); err != nil {
			_ = file.Close()
			_ = os.Remove(dm.filePath)
			dm.file = nil
			return nil, fmt.Errorf("failed to write initial header: %w", err)
		}
		if err := dm.file.Sync(); err != nil {
			return nil, fmt.Errorf("%w: syncing new file: %v", ErrIO, err)
		}
		dm.logger.Info("Created database file", zap.String("file_id", dm.fileIDLocked().String()))

	case statErr == nil:
		if create {
			return nil, fmt.Errorf("%w: %s", ErrDBFileExists, dm.filePath)
		}
		file, err := os.OpenFile(dm.filePath, os.O_RDWR, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file
		if err := dm.readHeaderLocked(); err != nil {
			_ = file.Close()
			dm.file = nil
			return nil, fmt.Errorf("failed to read database header: %w", err)
		}
		dm.logger.Info("Opened database file",
			zap.String("file_id", dm.fileIDLocked().String()),
			zap.Uint32("next_page_id", uint32(dm.header.NextPageID)),
			zap.Int("free_pages", len(dm.freeList)))

	default:
		return nil, fmt.Errorf("%w: stating file %s: %v", ErrIO, dm.filePath, statErr)
	}

	header := dm.header
	return &header, nil
}

// writeHeaderLocked serializes the header and free list into page 0.
// This method MUST be called with dm.mu locked.
func (dm *DiskManager) writeHeaderLocked() error {
	free := dm.freeList
	if len(free) > maxFreeListEntries {
		// The oldest entries fall off and are never reused.
		dm.logger.Warn("Free list exceeds header capacity, leaking page ids",
			zap.Int("dropped", len(free)-maxFreeListEntries))
		free = free[len(free)-maxFreeListEntries:]
	}
	dm.header.FreeCount = uint32(len(free))

	buf := bytes.NewBuffer(make([]byte, 0, pagemanager.PageSize))
	if err := binary.Write(buf, binary.LittleEndian, &dm.header); err != nil {
		return fmt.Errorf("%w: serializing header: %v", ErrSerialization, err)
	}
	if buf.Len() > dbFileHeaderSize {
		return fmt.Errorf("%w: header serialization size (%d) exceeds declared header size (%d)", ErrSerialization, buf.Len(), dbFileHeaderSize)
	}
	buf.Write(make([]byte, dbFileHeaderSize-buf.Len()))
	for _, id := range free {
		_ = binary.Write(buf, binary.LittleEndian, uint32(id))
	}
	buf.Write(make([]byte, pagemanager.PageSize-buf.Len()))

	if _, err := dm.file.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("%w: writing header to disk: %v", ErrIO, err)
	}
	return nil
}

// readHeaderLocked loads and validates page 0.
// This method MUST be called with dm.mu locked.
func (dm *DiskManager) readHeaderLocked() error {
	data := make([]byte, pagemanager.PageSize)
	n, err := dm.file.ReadAt(data, 0)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: database file is too small (header has %d bytes)", ErrInvalidPageData, n)
		}
		return fmt.Errorf("%w: reading header from disk: %v", ErrIO, err)
	}

	var header DBFileHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("%w: deserializing header: %v", ErrDeserialization, err)
	}
	if header.Magic != DBMagic {
		return fmt.Errorf("%w: expected 0x%x, got 0x%x", ErrBadMagic, DBMagic, header.Magic)
	}
	if header.PageSize != pagemanager.PageSize {
		return fmt.Errorf("%w: file has %d, configured %d", ErrPageSizeMismatch, header.PageSize, pagemanager.PageSize)
	}
	if header.FreeCount > maxFreeListEntries {
		return fmt.Errorf("%w: free list count %d exceeds capacity %d", ErrInvalidPageData, header.FreeCount, maxFreeListEntries)
	}

	dm.header = header
	dm.freeList = make([]pagemanager.PageID, 0, header.FreeCount)
	clear(dm.freeSet)
	for i := uint32(0); i < header.FreeCount; i++ {
		off := dbFileHeaderSize + 4*int(i)
		id := pagemanager.PageID(binary.LittleEndian.Uint32(data[off:]))
		dm.freeList = append(dm.freeList, id)
		dm.freeSet[id] = struct{}{}
	}

	// Every live id below the end of the file has been written before.
	info, err := dm.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stating database file: %v", ErrIO, err)
	}
	end := pagemanager.PageID(min(info.Size()/pagemanager.PageSize, int64(header.NextPageID)))
	clear(dm.written)
	for id := pagemanager.PageID(1); id < end; id++ {
		if _, freed := dm.freeSet[id]; !freed {
			dm.written[id] = struct{}{}
		}
	}
	return nil
}

func (dm *DiskManager) fileIDLocked() uuid.UUID { return uuid.UUID(dm.header.FileID) }

// checkPageLocked validates that pageID names an allocated, live data page
// and that pageData is exactly one page long.
func (dm *DiskManager) checkPageLocked(pageID pagemanager.PageID, pageData []byte) error {
	if dm.file == nil {
		return ErrClosed
	}
	if len(pageData) != pagemanager.PageSize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidPageSize, len(pageData))
	}
	if !pageID.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if _, freed := dm.freeSet[pageID]; freed {
		return fmt.Errorf("%w: page %d", ErrPageDeallocated, pageID)
	}
	return nil
}

// ReadPage reads a page's data from disk into pageData. Reading a page whose
// current allocation was never written fails with ErrIO, including holes
// below the end of the file and reused ids.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkPageLocked(pageID, pageData); err != nil {
		return err
	}
	if pageID >= dm.header.NextPageID {
		return fmt.Errorf("%w: page %d was never allocated", ErrIO, pageID)
	}
	offset := int64(pageID) * pagemanager.PageSize
	if _, ok := dm.written[pageID]; !ok {
		return fmt.Errorf("%w: page %d at offset %d was never written", ErrIO, pageID, offset)
	}
	n, err := dm.file.ReadAt(pageData, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(pageData)) {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: page %d at offset %d was never written", ErrIO, pageID, offset)
		}
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

// WritePage writes pageData to disk at the specified pageID's location.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkPageLocked(pageID, pageData); err != nil {
		return err
	}
	if pageID >= dm.header.NextPageID {
		return fmt.Errorf("%w: page %d was never allocated", ErrInvalidPageID, pageID)
	}
	offset := int64(pageID) * pagemanager.PageSize
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	dm.written[pageID] = struct{}{}
	// Durability is provided by Sync, not by every write.
	return nil
}

// AllocatePage returns a fresh page id, reusing the most recently freed one
// if any. The file is not extended until the page is first written.
func (dm *DiskManager) AllocatePage() (pagemanager.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return pagemanager.InvalidPageID, ErrClosed
	}
	if n := len(dm.freeList); n > 0 {
		id := dm.freeList[n-1]
		dm.freeList = dm.freeList[:n-1]
		delete(dm.freeSet, id)
		return id, nil
	}
	if dm.header.NextPageID == pagemanager.InvalidPageID {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: page id space exhausted", ErrIO)
	}
	id := dm.header.NextPageID
	dm.header.NextPageID++
	return id, nil
}

// DeallocatePage puts pageID on the free list. Its contents are left in place
// but can no longer be read, even after the id is reused.
func (dm *DiskManager) DeallocatePage(pageID pagemanager.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrClosed
	}
	if !pageID.IsValid() || pageID >= dm.header.NextPageID {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if _, freed := dm.freeSet[pageID]; freed {
		return fmt.Errorf("%w: page %d already freed", ErrPageDeallocated, pageID)
	}
	dm.freeList = append(dm.freeList, pageID)
	dm.freeSet[pageID] = struct{}{}
	delete(dm.written, pageID)
	return nil
}

// IsDeallocated reports whether pageID is currently on the free list.
func (dm *DiskManager) IsDeallocated(pageID pagemanager.PageID) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	_, ok := dm.freeSet[pageID]
	return ok
}

// FileID returns the identifier generated when the file was created.
func (dm *DiskManager) FileID() uuid.UUID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.fileIDLocked()
}

// NextPageID returns the id the next non-reused allocation will return.
func (dm *DiskManager) NextPageID() pagemanager.PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.header.NextPageID
}

// FreePageCount returns the number of ids waiting to be reused.
func (dm *DiskManager) FreePageCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.freeList)
}

// CatalogPageID returns the page id recorded with SetCatalogPageID, or
// InvalidPageID.
func (dm *DiskManager) CatalogPageID() pagemanager.PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.header.CatalogPageID
}

// SetCatalogPageID durably records the entry point of higher layers (for
// example the header page of the primary index).
func (dm *DiskManager) SetCatalogPageID(pageID pagemanager.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrClosed
	}
	dm.header.CatalogPageID = pageID
	if err := dm.writeHeaderLocked(); err != nil {
		return err
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing header: %v", ErrIO, err)
	}
	return nil
}

// Sync persists the header and flushes all buffered writes to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrClosed
	}
	if err := dm.writeHeaderLocked(); err != nil {
		return err
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

// Backup syncs the file and copies it to dstPath, throttled to
// bytesPerSecond (unlimited when <= 0). It returns the copy's SHA-256.
//
// The copy runs under dm.mu, so page I/O and allocation block until it
// finishes and the copy is a single point-in-time image.
func (dm *DiskManager) Backup(ctx context.Context, dstPath string, bytesPerSecond int64) (string, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return "", ErrClosed
	}
	if err := dm.writeHeaderLocked(); err != nil {
		return "", err
	}
	if err := dm.file.Sync(); err != nil {
		return "", fmt.Errorf("%w: sync before backup: %v", ErrIO, err)
	}
	dm.logger.Info("Starting backup", zap.String("dst", dstPath), zap.Int64("bytes_per_second", bytesPerSecond))
	digest, err := common.CopyThrottled(ctx, dm.filePath, dstPath, bytesPerSecond)
	if err != nil {
		return "", fmt.Errorf("%w: backup to %s: %v", ErrIO, dstPath, err)
	}
	dm.logger.Info("Backup finished", zap.String("dst", dstPath), zap.String("sha256", digest))
	return digest, nil
}

// Close persists the header, syncs and closes the underlying file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	var firstErr error
	if err := dm.writeHeaderLocked(); err != nil {
		firstErr = err
	}
	if err := dm.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("%w: sync on close: %v", ErrIO, err)
	}
	if err := dm.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("%w: close: %v", ErrIO, err)
	}
	dm.file = nil
	dm.logger.Info("Closed database file")
	return firstErr
}
