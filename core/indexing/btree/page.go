// Package btree implements a disk-resident B+tree index over pages owned by
// the buffer pool.
package btree

import (
	"github.com/sushant-115/gojodb-kernel/core/storage_engine/tuple"
	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
)

// PageType is the leading tag of every B+tree page.
type PageType uint32

const (
	PageTypeInvalid  PageType = 0
	PageTypeLeaf     PageType = 1
	PageTypeInternal PageType = 2
)

func (t PageType) String() string {
	switch t {
	case PageTypeLeaf:
		return "leaf"
	case PageTypeInternal:
		return "internal"
	default:
		return "invalid"
	}
}

// Header is shared by both page variants.
type Header struct {
	PageType    PageType
	CurrentSize uint32
	MaxSize     uint32
}

// BPlusTreePage is either a *LeafPage or an *InternalPage.
type BPlusTreePage interface {
	PageHeader() *Header
	Size() int
	isBPlusTreePage()
}

// LeafEntry maps a key to the record it indexes.
type LeafEntry struct {
	Key tuple.Tuple
	RID tuple.RID
}

// LeafPage holds sorted entries and links to its right sibling.
type LeafPage struct {
	Header
	NextPageID pagemanager.PageID
	Entries    []LeafEntry
}

// InternalEntry routes keys >= Key to Child. The Key of the first entry is
// a sentinel and is never compared.
type InternalEntry struct {
	Key   tuple.Tuple
	Child pagemanager.PageID
}

// InternalPage holds one entry per child.
type InternalPage struct {
	Header
	Entries []InternalEntry
}

func NewLeafPage(maxSize int) *LeafPage {
	return &LeafPage{
		Header:     Header{PageType: PageTypeLeaf, MaxSize: uint32(maxSize)},
		NextPageID: pagemanager.InvalidPageID,
		Entries:    []LeafEntry{},
	}
}

func NewInternalPage(maxSize int) *InternalPage {
	return &InternalPage{
		Header:  Header{PageType: PageTypeInternal, MaxSize: uint32(maxSize)},
		Entries: []InternalEntry{},
	}
}

func (p *LeafPage) PageHeader() *Header { return &p.Header }
func (p *LeafPage) Size() int           { return len(p.Entries) }
func (p *LeafPage) isBPlusTreePage()    {}

func (p *InternalPage) PageHeader() *Header { return &p.Header }
func (p *InternalPage) Size() int           { return len(p.Entries) }
func (p *InternalPage) isBPlusTreePage()    {}

// minSize is the fewest entries a non-root node may hold.
func minSize(p BPlusTreePage) int {
	return (int(p.PageHeader().MaxSize) + 1) / 2
}

// search returns the position of key in the leaf and whether it is present.
// When absent, the position is where key would be inserted.
func (p *LeafPage) search(key tuple.Tuple) (int, bool) {
	lo, hi := 0, len(p.Entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		switch c := tuple.Order(p.Entries[mid].Key, key); {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// childIndex returns the index of the child whose range contains key: the
// child before the first separator greater than key.
func (p *InternalPage) childIndex(key tuple.Tuple) int {
	lo, hi := 1, len(p.Entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if tuple.Order(p.Entries[mid].Key, key) > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo - 1
}

func (p *InternalPage) indexOfChild(child pagemanager.PageID) int {
	for i, e := range p.Entries {
		if e.Child == child {
			return i
		}
	}
	return -1
}
