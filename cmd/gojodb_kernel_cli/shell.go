package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sushant-115/gojodb-kernel/core/storage_engine/tuple"
	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
)

const helpText = `Commands:
  insert <key> <page> <slot>   add key -> (page, slot)
  get <key>                    look up a key
  delete <key>                 remove a key
  scan [from] [to]             list keys in [from, to]
  dump                         print the tree level by level
  verify                       check the tree's structure
  stats                        buffer pool counters
  flush                        write back every dirty page
  backup <path>                copy the database file
  help
  exit / quit
`

type shell struct {
	engine     *engine
	ctx        context.Context
	backupRate int64
}

// exec runs one command and reports whether the shell should exit.
func (s *shell) exec(args []string, out io.Writer) bool {
	cmd := strings.ToLower(args[0])
	if cmd == "exit" || cmd == "quit" {
		fmt.Fprintln(out, "Exiting GojoDB kernel shell.")
		return true
	}
	if err := s.dispatch(cmd, args[1:], out); err != nil {
		fmt.Fprintf(out, "Error (%s): %v\n", flushmanager.Kind(err), err)
	}
	return false
}

func (s *shell) dispatch(cmd string, args []string, out io.Writer) error {
	idx := s.engine.index
	switch cmd {
	case "insert":
		if len(args) != 3 {
			return usage("insert <key> <page> <slot>")
		}
		k, err := parseKey(args[0])
		if err != nil {
			return err
		}
		page, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("bad page id %q: %w", args[1], err)
		}
		slot, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return fmt.Errorf("bad slot %q: %w", args[2], err)
		}
		rid := tuple.RID{PageID: pagemanager.PageID(page), SlotNum: uint32(slot)}
		if err := idx.Insert(s.ctx, k, rid); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")

	case "get":
		if len(args) != 1 {
			return usage("get <key>")
		}
		k, err := parseKey(args[0])
		if err != nil {
			return err
		}
		rid, found, err := idx.Search(s.ctx, k)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(out, "NOT_FOUND")
			return nil
		}
		fmt.Fprintln(out, rid)

	case "delete":
		if len(args) != 1 {
			return usage("delete <key>")
		}
		k, err := parseKey(args[0])
		if err != nil {
			return err
		}
		if err := idx.Delete(s.ctx, k); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")

	case "scan":
		if len(args) > 2 {
			return usage("scan [from] [to]")
		}
		var bounds [2]*tuple.Tuple
		for i, a := range args {
			k, err := parseKey(a)
			if err != nil {
				return err
			}
			bounds[i] = &k
		}
		it, err := idx.Iterate(s.ctx, bounds[0], bounds[1])
		if err != nil {
			return err
		}
		defer it.Close()
		n := 0
		for it.Next() {
			e, err := it.Entry()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s -> %s\n", e.Key, e.RID)
			n++
		}
		if err := it.Err(); err != nil {
			return err
		}
		fmt.Fprintf(out, "(%d rows)\n", n)

	case "dump":
		d, err := idx.Dump()
		if err != nil {
			return err
		}
		fmt.Fprint(out, d)

	case "verify":
		if err := idx.Verify(); err != nil {
			return err
		}
		h, err := idx.Height()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "OK (height %d)\n", h)

	case "stats":
		st := s.engine.bpm.Stats()
		fmt.Fprintf(out, "pool_size=%d resident=%d pinned=%d dirty=%d free=%d evictable=%d\n",
			st.PoolSize, st.Resident, st.Pinned, st.Dirty, st.Free, st.Evictable)
		fmt.Fprintf(out, "hits=%d misses=%d evictions=%d flushes=%d free_pages=%d\n",
			st.Hits, st.Misses, st.Evictions, st.Flushes, s.engine.dm.FreePageCount())

	case "flush":
		if err := s.engine.bpm.FlushAllPages(); err != nil {
			return err
		}
		if err := s.engine.dm.Sync(); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")

	case "backup":
		if len(args) != 1 {
			return usage("backup <path>")
		}
		digest, err := s.engine.bpm.Backup(s.ctx, args[0], s.backupRate)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "sha256 %s\n", digest)

	case "help":
		fmt.Fprint(out, helpText)

	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", cmd)
	}
	return nil
}

func usage(u string) error { return fmt.Errorf("usage: %s", u) }

func parseKey(s string) (tuple.Tuple, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return tuple.Tuple{}, fmt.Errorf("bad key %q: %w", s, err)
	}
	return tuple.New(tuple.NewInt64(v)), nil
}
