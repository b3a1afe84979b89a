package pagemanager

import (
	"math"
	"sync" // For sync.RWMutex
	"time"
)

// --- Page Management ---

const (
	// PageSize is the fixed size of every on-disk page and in-memory frame.
	PageSize = 4096

	// InvalidPageID marks "no page". Page IDs are only ever handed out below it.
	InvalidPageID PageID = math.MaxUint32

	// HeaderPageID is reserved for the database file header.
	HeaderPageID PageID = 0
)

// PageID represents a unique identifier for a page on disk.
type PageID uint32

// IsValid reports whether the id can address a data page.
func (id PageID) IsValid() bool { return id != InvalidPageID && id != HeaderPageID }

// FrameID is an index into the buffer pool's frame array.
type FrameID int

// Page represents an in-memory copy of a disk page held in one frame.
//
// The metadata fields (id, pinCount, isDirty) are owned by the buffer pool and
// are only touched under its mutex. The data slice is protected by latch:
// readers hold it shared, writers hold it exclusive.
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool

	latch     sync.RWMutex
	updatedAt time.Time
}

// NewPage creates an empty frame-sized page that is not bound to any PageID.
func NewPage() *Page {
	return &Page{
		id:   InvalidPageID,
		data: make([]byte, PageSize),
	}
}

// Reset unbinds the page and zeroes its contents so the frame can be reused.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.updatedAt = time.Time{}
	clear(p.data)
}

func (p *Page) GetData() []byte     { return p.data }
func (p *Page) GetPageID() PageID   { return p.id }
func (p *Page) SetPageID(id PageID) { p.id = id }
func (p *Page) IsDirty() bool       { return p.isDirty }
func (p *Page) SetDirty(dirty bool) { p.isDirty = dirty }
func (p *Page) GetPinCount() uint32 { return p.pinCount }

// Pin increments the pin count.
func (p *Page) Pin() { p.pinCount++ }

// Unpin decrements the pin count. It returns false and leaves the count
// untouched if the page was not pinned.
func (p *Page) Unpin() bool {
	if p.pinCount == 0 {
		return false
	}
	p.pinCount--
	return true
}

func (p *Page) MarkUpdated(t time.Time) { p.updatedAt = t }
func (p *Page) GetUpdatedAt() time.Time { return p.updatedAt }

// --- Latch Methods ---

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() { p.latch.Lock() }

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() { p.latch.Unlock() }
