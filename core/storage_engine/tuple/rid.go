package tuple

import (
	"encoding/binary"
	"fmt"

	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
)

// RIDSize is the encoded width of a RID.
const RIDSize = 8

// RID locates a tuple by page and slot.
type RID struct {
	PageID  pagemanager.PageID
	SlotNum uint32
}

func (r RID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageID, r.SlotNum)
}

// AppendRID appends the [page_id:4][slot:4] encoding of r.
func AppendRID(dst []byte, r RID) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(r.PageID))
	return binary.LittleEndian.AppendUint32(dst, r.SlotNum)
}

func DecodeRID(b []byte) (RID, error) {
	if len(b) < RIDSize {
		return RID{}, fmt.Errorf("%w: rid needs %d bytes, have %d", flushmanager.ErrDeserialization, RIDSize, len(b))
	}
	return RID{
		PageID:  pagemanager.PageID(binary.LittleEndian.Uint32(b)),
		SlotNum: binary.LittleEndian.Uint32(b[4:]),
	}, nil
}
