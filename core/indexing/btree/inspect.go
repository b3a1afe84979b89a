package btree

import (
	"fmt"
	"strings"

	"github.com/sushant-115/gojodb-kernel/core/storage_engine/tuple"
	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
)

// Dump renders the tree level by level, one line per level:
//
//	L0:  I5[* | 4 | 7]
//	L1:  L3[1 2 3]->6  L6[4 5 6]->8  L8[7 8 9]
func (t *BPlusTreeIndex) Dump() (string, error) {
	t.latch.RLock()
	defer t.latch.RUnlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "index %q root=%d leaf_max=%d internal_max=%d\n", t.name, t.rootPageID, t.leafMax, t.internalMax)
	if t.rootPageID == pagemanager.InvalidPageID {
		sb.WriteString("(empty)\n")
		return sb.String(), nil
	}

	level := []pagemanager.PageID{t.rootPageID}
	for depth := 0; len(level) > 0; depth++ {
		fmt.Fprintf(&sb, "L%d:", depth)
		var next []pagemanager.PageID
		for _, pageID := range level {
			node, err := t.readNode(pageID)
			if err != nil {
				return "", err
			}
			sb.WriteString("  ")
			switch n := node.(type) {
			case *LeafPage:
				fmt.Fprintf(&sb, "L%d[", pageID)
				for i, e := range n.Entries {
					if i > 0 {
						sb.WriteByte(' ')
					}
					sb.WriteString(keyString(e.Key))
				}
				sb.WriteByte(']')
				if n.NextPageID != pagemanager.InvalidPageID {
					fmt.Fprintf(&sb, "->%d", n.NextPageID)
				}
			case *InternalPage:
				fmt.Fprintf(&sb, "I%d[*", pageID)
				for i, e := range n.Entries {
					if i > 0 {
						sb.WriteString(" | ")
						sb.WriteString(keyString(e.Key))
					}
					next = append(next, e.Child)
				}
				sb.WriteByte(']')
			}
		}
		sb.WriteByte('\n')
		level = next
	}
	return sb.String(), nil
}

// keyString prints single-column keys without the tuple parentheses.
func keyString(k tuple.Tuple) string {
	if len(k.Values) == 1 {
		return k.Values[0].String()
	}
	return k.String()
}

// Verify walks the whole tree and checks its structural invariants: page
// types, size bounds, key order, separator bounds, uniform leaf depth and a
// leaf chain that matches the in-order leaf sequence. It returns the first
// violation found, wrapped in ErrInvalidPageData.
func (t *BPlusTreeIndex) Verify() error {
	t.latch.RLock()
	defer t.latch.RUnlock()
	if t.rootPageID == pagemanager.InvalidPageID {
		return nil
	}

	v := &verifier{tree: t, leafDepth: -1}
	if err := v.walk(t.rootPageID, 0, nil, nil); err != nil {
		return err
	}
	for i, pageID := range v.leaves {
		want := pagemanager.InvalidPageID
		if i+1 < len(v.leaves) {
			want = v.leaves[i+1]
		}
		if got := v.next[i]; got != want {
			return fmt.Errorf("%w: leaf %d links to %d, expected %d", flushmanager.ErrInvalidPageData, pageID, got, want)
		}
	}
	return nil
}

type verifier struct {
	tree      *BPlusTreeIndex
	leafDepth int
	leaves    []pagemanager.PageID
	next      []pagemanager.PageID
}

func (v *verifier) fail(pageID pagemanager.PageID, format string, args ...any) error {
	return fmt.Errorf("%w: page %d: %s", flushmanager.ErrInvalidPageData, pageID, fmt.Sprintf(format, args...))
}

// walk checks the subtree at pageID, whose keys must lie in [lo, hi).
func (v *verifier) walk(pageID pagemanager.PageID, depth int, lo, hi *tuple.Tuple) error {
	t := v.tree
	node, err := t.readNode(pageID)
	if err != nil {
		return err
	}
	isRoot := pageID == t.rootPageID
	size := node.Size()

	switch n := node.(type) {
	case *LeafPage:
		if int(n.MaxSize) != t.leafMax {
			return v.fail(pageID, "leaf max_size %d, index uses %d", n.MaxSize, t.leafMax)
		}
		if size > t.leafMax || size == 0 || (!isRoot && size < minSize(n)) {
			return v.fail(pageID, "leaf holds %d entries, bounds are [%d, %d]", size, minSize(n), t.leafMax)
		}
		for i, e := range n.Entries {
			if i > 0 && tuple.Order(n.Entries[i-1].Key, e.Key) >= 0 {
				return v.fail(pageID, "keys %s and %s out of order", n.Entries[i-1].Key, e.Key)
			}
			if err := v.checkBounds(pageID, e.Key, lo, hi); err != nil {
				return err
			}
		}
		if v.leafDepth == -1 {
			v.leafDepth = depth
		} else if depth != v.leafDepth {
			return v.fail(pageID, "leaf at depth %d, others at %d", depth, v.leafDepth)
		}
		v.leaves = append(v.leaves, pageID)
		v.next = append(v.next, n.NextPageID)
		return nil

	case *InternalPage:
		if int(n.MaxSize) != t.internalMax {
			return v.fail(pageID, "internal max_size %d, index uses %d", n.MaxSize, t.internalMax)
		}
		low := minSize(n)
		if isRoot {
			low = 2
		}
		if size > t.internalMax || size < low {
			return v.fail(pageID, "internal node has %d children, bounds are [%d, %d]", size, low, t.internalMax)
		}
		for i := 1; i < size; i++ {
			k := n.Entries[i].Key
			if i > 1 && tuple.Order(n.Entries[i-1].Key, k) >= 0 {
				return v.fail(pageID, "separators %s and %s out of order", n.Entries[i-1].Key, k)
			}
			if err := v.checkBounds(pageID, k, lo, hi); err != nil {
				return err
			}
		}
		for i, e := range n.Entries {
			childLo, childHi := lo, hi
			if i > 0 {
				childLo = &n.Entries[i].Key
			}
			if i+1 < size {
				childHi = &n.Entries[i+1].Key
			}
			if err := v.walk(e.Child, depth+1, childLo, childHi); err != nil {
				return err
			}
		}
		return nil
	}
	return v.fail(pageID, "unexpected node %T", node)
}

func (v *verifier) checkBounds(pageID pagemanager.PageID, k tuple.Tuple, lo, hi *tuple.Tuple) error {
	if lo != nil && tuple.Order(k, *lo) < 0 {
		return v.fail(pageID, "key %s below separator %s", k, *lo)
	}
	if hi != nil && tuple.Order(k, *hi) >= 0 {
		return v.fail(pageID, "key %s not below separator %s", k, *hi)
	}
	return nil
}
