package btree

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-kernel/core/storage_engine/tuple"
	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb-kernel/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodb-kernel/internal/telemetry"
)

// IndexMagic tags an index header page.
const IndexMagic uint32 = 0x42505458 // "BPTX"

// Index header page layout, little-endian:
//
//	[magic:4][root_page_id:4][leaf_max:4][internal_max:4][index_uuid:16][key_column_count:4][name_len:4][name]
const (
	indexHeaderFixedSize = 40
	maxIndexNameLen      = 256
)

// Option configures a BPlusTreeIndex.
type Option func(*BPlusTreeIndex)

func WithLogger(l *zap.Logger) Option {
	return func(t *BPlusTreeIndex) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithTracer(tr trace.Tracer) Option {
	return func(t *BPlusTreeIndex) {
		if tr != nil {
			t.tracer = tr
		}
	}
}

func WithMetrics(m *internaltelemetry.IndexMetrics) Option {
	return func(t *BPlusTreeIndex) {
		if m != nil {
			t.metrics = m
		}
	}
}

// BPlusTreeIndex is a unique-key B+tree whose nodes live in buffer pool pages.
//
// latch orders structural changes: Insert and Delete hold it exclusively for
// the whole operation, readers hold it shared while they walk page guards.
// Page latches are still taken on every access.
type BPlusTreeIndex struct {
	name         string
	id           uuid.UUID
	bpm          *memtable.BufferPoolManager
	keySchema    *tuple.Schema
	headerPageID pagemanager.PageID
	rootPageID   pagemanager.PageID
	leafMax      int
	internalMax  int
	maxKeySize   int

	latch sync.RWMutex
	// version counts committed structural changes; iterators use it to
	// detect that a cached sibling pointer may be stale.
	version uint64

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.IndexMetrics
}

func newIndex(bpm *memtable.BufferPoolManager, keySchema *tuple.Schema, opts []Option) *BPlusTreeIndex {
	t := &BPlusTreeIndex{
		bpm:        bpm,
		keySchema:  keySchema,
		rootPageID: pagemanager.InvalidPageID,
		logger:     zap.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer(""),
		metrics:    internaltelemetry.NoopIndexMetrics(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func validateShape(keySchema *tuple.Schema, leafMax, internalMax int) (int, error) {
	if keySchema == nil || keySchema.NumColumns() == 0 {
		return 0, fmt.Errorf("%w: key schema needs at least one column", flushmanager.ErrInvalidConfig)
	}
	if leafMax < 2 {
		return 0, fmt.Errorf("%w: leaf max size must be at least 2, got %d", flushmanager.ErrInvalidConfig, leafMax)
	}
	if internalMax < 3 {
		return 0, fmt.Errorf("%w: internal max size must be at least 3, got %d", flushmanager.ErrInvalidConfig, internalMax)
	}
	limit := maxKeySize(leafMax, internalMax)
	if limit < 1 {
		return 0, fmt.Errorf("%w: max sizes %d/%d are too large for %d byte pages", flushmanager.ErrInvalidConfig, leafMax, internalMax, pagemanager.PageSize)
	}
	if schemaMax := keySchema.MaxEncodedSize(); schemaMax > limit {
		return 0, fmt.Errorf("%w: keys of up to %d bytes do not fit %d entries per page (limit %d)", flushmanager.ErrInvalidConfig, schemaMax, max(leafMax, internalMax), limit)
	}
	return limit, nil
}

// CreateIndex allocates a header page for a new, empty index.
func CreateIndex(bpm *memtable.BufferPoolManager, name string, keySchema *tuple.Schema, leafMax, internalMax int, opts ...Option) (*BPlusTreeIndex, error) {
	if bpm == nil {
		return nil, fmt.Errorf("%w: buffer pool cannot be nil", flushmanager.ErrInvalidConfig)
	}
	if len(name) > maxIndexNameLen {
		return nil, fmt.Errorf("%w: index name longer than %d bytes", flushmanager.ErrInvalidConfig, maxIndexNameLen)
	}
	limit, err := validateShape(keySchema, leafMax, internalMax)
	if err != nil {
		return nil, err
	}

	t := newIndex(bpm, keySchema, opts)
	t.name = name
	t.id = uuid.New()
	t.leafMax = leafMax
	t.internalMax = internalMax
	t.maxKeySize = limit

	guard, err := bpm.NewPageGuarded()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate index header page: %w", err)
	}
	t.headerPageID = guard.PageID()
	t.writeHeader(guard.Data(), t.rootPageID)
	guard.Release()

	t.logger = t.logger.With(zap.String("index", name), zap.Uint32("header_page_id", uint32(t.headerPageID)))
	t.logger.Info("Created B+tree index",
		zap.String("index_id", t.id.String()),
		zap.Int("leaf_max", leafMax),
		zap.Int("internal_max", internalMax),
		zap.Stringer("key_schema", keySchema))
	return t, nil
}

// OpenIndex loads an index from its header page.
func OpenIndex(bpm *memtable.BufferPoolManager, headerPageID pagemanager.PageID, keySchema *tuple.Schema, opts ...Option) (*BPlusTreeIndex, error) {
	if bpm == nil {
		return nil, fmt.Errorf("%w: buffer pool cannot be nil", flushmanager.ErrInvalidConfig)
	}
	guard, err := bpm.FetchPageRead(headerPageID)
	if err != nil {
		return nil, fmt.Errorf("failed to read index header page %d: %w", headerPageID, err)
	}
	defer guard.Release()
	data := guard.Data()

	if magic := binary.LittleEndian.Uint32(data[0:]); magic != IndexMagic {
		return nil, fmt.Errorf("%w: page %d has magic 0x%x, want 0x%x", flushmanager.ErrBadMagic, headerPageID, magic, IndexMagic)
	}
	leafMax := int(binary.LittleEndian.Uint32(data[8:]))
	internalMax := int(binary.LittleEndian.Uint32(data[12:]))
	if cols := int(binary.LittleEndian.Uint32(data[32:])); keySchema == nil || cols != keySchema.NumColumns() {
		return nil, fmt.Errorf("%w: index has %d key columns", flushmanager.ErrSchemaMismatch, cols)
	}
	limit, err := validateShape(keySchema, leafMax, internalMax)
	if err != nil {
		return nil, fmt.Errorf("%w: stored shape rejected: %v", flushmanager.ErrInvalidPageData, err)
	}
	nameLen := int(binary.LittleEndian.Uint32(data[36:]))
	if nameLen > maxIndexNameLen {
		return nil, fmt.Errorf("%w: index name length %d", flushmanager.ErrInvalidPageData, nameLen)
	}

	t := newIndex(bpm, keySchema, opts)
	t.headerPageID = headerPageID
	t.rootPageID = pagemanager.PageID(binary.LittleEndian.Uint32(data[4:]))
	t.leafMax = leafMax
	t.internalMax = internalMax
	t.maxKeySize = limit
	copy(t.id[:], data[16:32])
	t.name = string(data[indexHeaderFixedSize : indexHeaderFixedSize+nameLen])

	t.logger = t.logger.With(zap.String("index", t.name), zap.Uint32("header_page_id", uint32(headerPageID)))
	t.logger.Info("Opened B+tree index", zap.String("index_id", t.id.String()), zap.Uint32("root_page_id", uint32(t.rootPageID)))
	return t, nil
}

func (t *BPlusTreeIndex) writeHeader(data []byte, root pagemanager.PageID) {
	clear(data)
	binary.LittleEndian.PutUint32(data[0:], IndexMagic)
	binary.LittleEndian.PutUint32(data[4:], uint32(root))
	binary.LittleEndian.PutUint32(data[8:], uint32(t.leafMax))
	binary.LittleEndian.PutUint32(data[12:], uint32(t.internalMax))
	copy(data[16:32], t.id[:])
	binary.LittleEndian.PutUint32(data[32:], uint32(t.keySchema.NumColumns()))
	binary.LittleEndian.PutUint32(data[36:], uint32(len(t.name)))
	copy(data[indexHeaderFixedSize:], t.name)
}

func (t *BPlusTreeIndex) Name() string                        { return t.name }
func (t *BPlusTreeIndex) ID() uuid.UUID                       { return t.id }
func (t *BPlusTreeIndex) HeaderPageID() pagemanager.PageID    { return t.headerPageID }
func (t *BPlusTreeIndex) KeySchema() *tuple.Schema            { return t.keySchema }
func (t *BPlusTreeIndex) MaxSizes() (leafMax, internalMax int) { return t.leafMax, t.internalMax }

// RootPageID returns the current root, or InvalidPageID for an empty tree.
func (t *BPlusTreeIndex) RootPageID() pagemanager.PageID {
	t.latch.RLock()
	defer t.latch.RUnlock()
	return t.rootPageID
}

func (t *BPlusTreeIndex) IsEmpty() bool {
	return t.RootPageID() == pagemanager.InvalidPageID
}

// checkKey rejects keys that do not conform to the key schema or whose
// encoding could overflow a full node.
func (t *BPlusTreeIndex) checkKey(key tuple.Tuple) error {
	if err := t.keySchema.Validate(key); err != nil {
		return err
	}
	if size := tuple.EncodedSize(key); size > t.maxKeySize {
		return fmt.Errorf("%w: key encodes to %d bytes, limit is %d", flushmanager.ErrKeyTooLarge, size, t.maxKeySize)
	}
	return nil
}

// observe opens a span for op and returns the function that closes it and
// records the outcome.
func (t *BPlusTreeIndex) observe(ctx context.Context, op string) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "btree."+op, trace.WithAttributes(attribute.String("index", t.name)))
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		t.metrics.OpsCounter.Add(ctx, 1, internaltelemetry.OpAttributes(op, err))
		t.metrics.OpLatencyHistogram.Record(ctx, float64(time.Since(start).Microseconds())/1000, internaltelemetry.OpAttributes(op, err))
	}
}

// readNode decodes a page under its shared latch and releases it.
func (t *BPlusTreeIndex) readNode(pageID pagemanager.PageID) (BPlusTreePage, error) {
	guard, err := t.bpm.FetchPageRead(pageID)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	node, err := Decode(guard.Data(), t.keySchema)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", pageID, err)
	}
	return node, nil
}

// findLeaf descends from the root to the leaf that would hold key, or the
// leftmost leaf when key is nil, crabbing read guards. The caller holds
// t.latch shared and must release the returned guard.
func (t *BPlusTreeIndex) findLeaf(key *tuple.Tuple) (*memtable.ReadPageGuard, *LeafPage, error) {
	guard, err := t.bpm.FetchPageRead(t.rootPageID)
	if err != nil {
		return nil, nil, err
	}
	for {
		node, err := Decode(guard.Data(), t.keySchema)
		if err != nil {
			pageID := guard.PageID()
			guard.Release()
			return nil, nil, fmt.Errorf("page %d: %w", pageID, err)
		}
		switch n := node.(type) {
		case *LeafPage:
			return guard, n, nil
		case *InternalPage:
			if n.Size() == 0 {
				pageID := guard.PageID()
				guard.Release()
				return nil, nil, fmt.Errorf("%w: internal page %d has no children", flushmanager.ErrInvalidPageData, pageID)
			}
			idx := 0
			if key != nil {
				idx = n.childIndex(*key)
			}
			child, err := t.bpm.FetchPageRead(n.Entries[idx].Child)
			guard.Release()
			if err != nil {
				return nil, nil, err
			}
			guard = child
		}
	}
}

// Search returns the RID stored under key.
func (t *BPlusTreeIndex) Search(ctx context.Context, key tuple.Tuple) (rid tuple.RID, found bool, err error) {
	_, done := t.observe(ctx, internaltelemetry.OpSearch)
	defer done(&err)
	if err := t.keySchema.Validate(key); err != nil {
		return tuple.RID{}, false, err
	}
	key = key.Canonical()

	t.latch.RLock()
	defer t.latch.RUnlock()
	if t.rootPageID == pagemanager.InvalidPageID {
		return tuple.RID{}, false, nil
	}
	guard, leaf, err := t.findLeaf(&key)
	if err != nil {
		return tuple.RID{}, false, err
	}
	defer guard.Release()
	if pos, ok := leaf.search(key); ok {
		return leaf.Entries[pos].RID, true, nil
	}
	return tuple.RID{}, false, nil
}

// Height returns the number of levels, 0 for an empty tree.
func (t *BPlusTreeIndex) Height() (int, error) {
	t.latch.RLock()
	defer t.latch.RUnlock()
	height := 0
	pageID := t.rootPageID
	for pageID != pagemanager.InvalidPageID {
		node, err := t.readNode(pageID)
		if err != nil {
			return 0, err
		}
		height++
		internal, ok := node.(*InternalPage)
		if !ok {
			break
		}
		if internal.Size() == 0 {
			return 0, fmt.Errorf("%w: internal page %d has no children", flushmanager.ErrInvalidPageData, pageID)
		}
		pageID = internal.Entries[0].Child
	}
	return height, nil
}
