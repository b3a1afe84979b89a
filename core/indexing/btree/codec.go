package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/gojodb-kernel/core/storage_engine/tuple"
	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
)

// Page layouts, all integers little-endian u32:
//
//	leaf:     [page_type][current_size][max_size][next_page_id] then current_size x [key][page_id][slot]
//	internal: [page_type][current_size][max_size]               then current_size x [key][child_page_id]
//
// followed by zero padding up to PageSize.
const (
	internalHeaderSize = 12
	leafHeaderSize     = 16
	internalPtrSize    = 4
	leafPtrSize        = tuple.RIDSize
)

// Encode serializes p into a PageSize buffer. The current_size field is
// taken from the number of entries.
func Encode(p BPlusTreePage) ([]byte, error) {
	buf := make([]byte, pagemanager.PageSize)
	if err := EncodeInto(buf, p); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeInto serializes p into buf, which must be exactly PageSize long. buf
// is left untouched on error.
func EncodeInto(buf []byte, p BPlusTreePage) error {
	if len(buf) != pagemanager.PageSize {
		return fmt.Errorf("%w: got %d bytes", flushmanager.ErrInvalidPageSize, len(buf))
	}
	out := make([]byte, 0, pagemanager.PageSize)
	var err error
	switch n := p.(type) {
	case *LeafPage:
		out = appendHeader(out, PageTypeLeaf, len(n.Entries), n.MaxSize)
		out = binary.LittleEndian.AppendUint32(out, uint32(n.NextPageID))
		for i, e := range n.Entries {
			if out, err = tuple.AppendEncode(out, e.Key); err != nil {
				return fmt.Errorf("leaf entry %d: %w", i, err)
			}
			out = tuple.AppendRID(out, e.RID)
		}
	case *InternalPage:
		out = appendHeader(out, PageTypeInternal, len(n.Entries), n.MaxSize)
		for i, e := range n.Entries {
			if out, err = tuple.AppendEncode(out, e.Key); err != nil {
				return fmt.Errorf("internal entry %d: %w", i, err)
			}
			out = binary.LittleEndian.AppendUint32(out, uint32(e.Child))
		}
	default:
		return fmt.Errorf("%w: cannot encode %T", flushmanager.ErrSerialization, p)
	}
	if len(out) > pagemanager.PageSize {
		return fmt.Errorf("%w: node needs %d bytes, page holds %d", flushmanager.ErrSerialization, len(out), pagemanager.PageSize)
	}
	copy(buf, out)
	clear(buf[len(out):])
	return nil
}

func appendHeader(dst []byte, t PageType, size int, maxSize uint32) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(t))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(size))
	return binary.LittleEndian.AppendUint32(dst, maxSize)
}

// PeekPageType returns the page-type tag without decoding the entries.
func PeekPageType(data []byte) (PageType, error) {
	if len(data) != pagemanager.PageSize {
		return PageTypeInvalid, fmt.Errorf("%w: got %d bytes", flushmanager.ErrInvalidPageSize, len(data))
	}
	t := PageType(binary.LittleEndian.Uint32(data))
	if t != PageTypeLeaf && t != PageTypeInternal {
		return PageTypeInvalid, fmt.Errorf("%w: %d", flushmanager.ErrUnknownPageType, uint32(t))
	}
	return t, nil
}

// Decode parses a PageSize buffer into a *LeafPage or *InternalPage whose
// keys conform to keySchema. The result shares no memory with data.
func Decode(data []byte, keySchema *tuple.Schema) (BPlusTreePage, error) {
	t, err := PeekPageType(data)
	if err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(data[4:])
	maxSize := binary.LittleEndian.Uint32(data[8:])
	if size > maxSize {
		return nil, fmt.Errorf("%w: current_size %d exceeds max_size %d", flushmanager.ErrInvalidPageData, size, maxSize)
	}
	ptrSize, off := internalPtrSize, internalHeaderSize
	if t == PageTypeLeaf {
		ptrSize, off = leafPtrSize, leafHeaderSize
	}
	// Every entry takes at least its pointer plus a one-byte null bitmap.
	if uint64(size)*uint64(ptrSize+1) > uint64(len(data)-off) {
		return nil, fmt.Errorf("%w: current_size %d cannot fit in a page", flushmanager.ErrInvalidPageData, size)
	}

	hdr := Header{PageType: t, CurrentSize: size, MaxSize: maxSize}
	if t == PageTypeLeaf {
		leaf := &LeafPage{
			Header:     hdr,
			NextPageID: pagemanager.PageID(binary.LittleEndian.Uint32(data[12:])),
			Entries:    make([]LeafEntry, 0, size),
		}
		for i := uint32(0); i < size; i++ {
			key, n, err := tuple.Decode(data[off:], keySchema)
			if err != nil {
				return nil, fmt.Errorf("leaf entry %d: %w", i, err)
			}
			off += n
			rid, err := tuple.DecodeRID(data[off:])
			if err != nil {
				return nil, fmt.Errorf("leaf entry %d: %w", i, err)
			}
			off += leafPtrSize
			leaf.Entries = append(leaf.Entries, LeafEntry{Key: key, RID: rid})
		}
		return leaf, nil
	}

	internal := &InternalPage{Header: hdr, Entries: make([]InternalEntry, 0, size)}
	for i := uint32(0); i < size; i++ {
		key, n, err := tuple.Decode(data[off:], keySchema)
		if err != nil {
			return nil, fmt.Errorf("internal entry %d: %w", i, err)
		}
		off += n
		if len(data)-off < internalPtrSize {
			return nil, fmt.Errorf("%w: internal entry %d: truncated child pointer", flushmanager.ErrDeserialization, i)
		}
		child := pagemanager.PageID(binary.LittleEndian.Uint32(data[off:]))
		off += internalPtrSize
		internal.Entries = append(internal.Entries, InternalEntry{Key: key, Child: child})
	}
	return internal, nil
}

// maxKeySize is the largest key encoding with which a node of the given
// capacity always fits in a page.
func maxKeySize(leafMax, internalMax int) int {
	leaf := (pagemanager.PageSize-leafHeaderSize)/leafMax - leafPtrSize
	internal := (pagemanager.PageSize-internalHeaderSize)/internalMax - internalPtrSize
	return min(leaf, internal)
}
