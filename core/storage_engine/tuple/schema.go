package tuple

import (
	"fmt"
	"strings"

	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
)

// Column describes one attribute of a schema.
type Column struct {
	Name     string
	Type     DataType
	Nullable bool
	// MaxLength bounds Varchar values in bytes. Zero means unbounded.
	MaxLength int
}

// Schema is an ordered list of columns.
type Schema struct {
	Columns []Column
}

func NewSchema(columns ...Column) *Schema {
	return &Schema{Columns: columns}
}

func (s *Schema) NumColumns() int { return len(s.Columns) }

// MaxEncodedSize returns the largest encoding a conforming tuple can have,
// or -1 if a Varchar column is unbounded.
func (s *Schema) MaxEncodedSize() int {
	size := bitmapSize(len(s.Columns))
	for _, c := range s.Columns {
		if c.Type == TypeVarchar {
			if c.MaxLength <= 0 {
				return -1
			}
			size += 4 + c.MaxLength
			continue
		}
		size += c.Type.FixedSize()
	}
	return size
}

// Validate checks that t conforms to the schema.
func (s *Schema) Validate(t Tuple) error {
	if len(t.Values) != len(s.Columns) {
		return fmt.Errorf("%w: tuple has %d values, schema has %d columns", flushmanager.ErrSchemaMismatch, len(t.Values), len(s.Columns))
	}
	for i, c := range s.Columns {
		v := t.Values[i]
		if v.Type != c.Type {
			return fmt.Errorf("%w: column %q expects %s, got %s", flushmanager.ErrSchemaMismatch, c.Name, c.Type, v.Type)
		}
		if v.Null {
			if !c.Nullable {
				return fmt.Errorf("%w: column %q is not nullable", flushmanager.ErrSchemaMismatch, c.Name)
			}
			continue
		}
		if !v.inRange() {
			return fmt.Errorf("%w: value %d overflows column %q of type %s", flushmanager.ErrSchemaMismatch, v.Int, c.Name, c.Type)
		}
		if c.Type == TypeVarchar && c.MaxLength > 0 && len(v.Str) > c.MaxLength {
			return fmt.Errorf("%w: column %q holds at most %d bytes, got %d", flushmanager.ErrKeyTooLarge, c.Name, c.MaxLength, len(v.Str))
		}
	}
	return nil
}

func (s *Schema) String() string {
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		parts[i] = c.Name + " " + c.Type.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
