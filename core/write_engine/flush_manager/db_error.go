package flushmanager

import "errors"

// --- Error Definitions ---

var (
	// Resource exhaustion.
	ErrBufferPoolFull = errors.New("buffer pool is full and no pages can be evicted")

	// I/O failures.
	ErrIO = errors.New("i/o error")

	// Format and corruption.
	ErrSerialization    = errors.New("error during serialization")
	ErrDeserialization  = errors.New("error during deserialization")
	ErrInvalidPageData  = errors.New("invalid page data")
	ErrInvalidPageSize  = errors.New("page buffer is not exactly one page long")
	ErrUnknownPageType  = errors.New("unknown page type tag")
	ErrBadMagic         = errors.New("invalid magic number")
	ErrPageSizeMismatch = errors.New("database file page size does not match")

	// Logical errors. None of these leave pool or tree state modified.
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrKeyTooLarge      = errors.New("key too large to fit in an index page")
	ErrSchemaMismatch   = errors.New("key does not match index key schema")
	ErrPageNotFound     = errors.New("page not found in buffer pool")
	ErrPagePinned       = errors.New("page is pinned")
	ErrPageNotPinned    = errors.New("page has pin count 0")
	ErrPageDeallocated  = errors.New("page has been deallocated")
	ErrInvalidPageID    = errors.New("invalid page id")
	ErrInvalidConfig    = errors.New("invalid configuration")

	// Lifecycle.
	ErrDBFileExists    = errors.New("database file already exists")
	ErrDBFileNotFound  = errors.New("database file not found")
	ErrClosed          = errors.New("component is closed")
	ErrIteratorInvalid = errors.New("iterator is invalid or exhausted")
)

// ErrorKind classifies an error by how callers are expected to react to it.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindResource is recoverable by retrying after releasing pins.
	KindResource
	// KindIO is fatal to the operation in progress.
	KindIO
	// KindFormat signals on-disk corruption or an encoding bug.
	KindFormat
	// KindLogical is a recoverable caller error.
	KindLogical
)

func (k ErrorKind) String() string {
	switch k {
	case KindResource:
		return "resource"
	case KindIO:
		return "io"
	case KindFormat:
		return "format"
	case KindLogical:
		return "logical"
	default:
		return "unknown"
	}
}

var kindTable = []struct {
	kind ErrorKind
	errs []error
}{
	{KindResource, []error{ErrBufferPoolFull}},
	{KindFormat, []error{ErrSerialization, ErrDeserialization, ErrInvalidPageData, ErrInvalidPageSize, ErrUnknownPageType, ErrBadMagic, ErrPageSizeMismatch}},
	{KindLogical, []error{ErrKeyNotFound, ErrKeyAlreadyExists, ErrKeyTooLarge, ErrSchemaMismatch, ErrPageNotFound, ErrPagePinned, ErrPageNotPinned, ErrPageDeallocated, ErrInvalidPageID, ErrInvalidConfig, ErrDBFileExists, ErrDBFileNotFound, ErrClosed, ErrIteratorInvalid}},
	{KindIO, []error{ErrIO}},
}

// Kind maps a (possibly wrapped) error to its ErrorKind. Format errors take
// precedence over I/O when an error wraps both.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, row := range kindTable {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.kind
			}
		}
	}
	return KindUnknown
}
