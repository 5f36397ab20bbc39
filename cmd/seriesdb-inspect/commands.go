package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/INLOpen/seriesdb/core"
	"github.com/INLOpen/seriesdb/db"
)

type command struct {
	summary string
	run     func(ctx context.Context, d *db.DB, out printer, args []string) error
}

var commands = map[string]command{
	"tables":   {"List registered tables", runTables},
	"stats":    {"Print engine and compaction filter statistics", runStats},
	"scan":     {"Print the records of a table", runScan},
	"get":      {"Print one record of a table", runGet},
	"tail":     {"Print the committed write batches after a sequence number", runTail},
	"compact":  {"Flush memtables and compact the whole key range", runCompact},
	"create":   {"Create a table", runCreate},
	"drop":     {"Destroy a table and its records", runDrop},
	"truncate": {"Remove every record of a table", runTruncate},
	"rename":   {"Rename a table", runRename},
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// existingTable opens name without creating it.
func existingTable(ctx context.Context, d *db.DB, name string) (db.Table, error) {
	if name == "" {
		return nil, errors.New("a table name is required")
	}
	_, ok, err := d.GetTableIDByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("table %q: %w", name, core.ErrNotFound)
	}
	return d.OpenTable(ctx, name)
}

func runTables(ctx context.Context, d *db.DB, out printer, _ []string) error {
	infos, err := d.GetTableInfos(ctx)
	if err != nil {
		return err
	}
	out.header("ID", "NAME")
	for _, info := range infos {
		out.row(uint32(info.ID), info.Name)
	}
	return nil
}

func runStats(_ context.Context, d *db.DB, out printer, _ []string) error {
	s := d.Stats()
	f := d.CompactionFilterStats()
	out.header("METRIC", "VALUE")
	out.row("latest_sn", d.GetLatestSN())
	out.row("flushed_sn", s.FlushedSeq)
	out.row("ttl_enabled", d.TTLEnabled())
	out.row("immutable_memtables", s.ImmutableMemtables)
	out.row("memtable_bytes", s.MemtableBytes)
	out.row("l0_tables", s.L0Tables)
	out.row("l1_tables", s.L1Tables)
	out.row("sstable_bytes", s.SSTableBytes)
	out.row("live_snapshots", s.LiveSnapshots)
	out.row("wal_segments", s.WALSegments)
	out.row("wal_bytes", s.WALBytes)
	out.row("block_cache_entries", s.CacheEntries)
	out.row("block_cache_bytes", s.CacheBytes)
	out.row("block_cache_hit_rate", fmt.Sprintf("%.3f", s.CacheHitRate))
	out.row("write_latency_p50", s.WriteLatencyP50.String())
	out.row("write_latency_p99", s.WriteLatencyP99.String())
	out.row("disk_used_percent", fmt.Sprintf("%.1f", s.DiskUsedPercent))
	out.row("disk_free_bytes", s.DiskFreeBytes)
	out.row("ttl_filter_kept", f.Kept)
	out.row("ttl_filter_expired", f.Expired)
	out.row("ttl_filter_protected", f.Protected)
	return nil
}

func formatTimestamp(ts uint32) string {
	return time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
}

func runScan(ctx context.Context, d *db.DB, out printer, args []string) error {
	fs := newFlagSet("scan")
	table := fs.String("table", "", "Table name")
	start := fs.String("start", "", "First key to print, 0x-prefixed for hex")
	limit := fs.Int("limit", 100, "Maximum records to print, 0 for all")
	reverse := fs.Bool("reverse", false, "Scan from the largest key down")
	if err := fs.Parse(args); err != nil {
		return err
	}
	t, err := existingTable(ctx, d, *table)
	if err != nil {
		return err
	}
	c, err := t.NewCursor(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var ok bool
	switch {
	case *start == "" && *reverse:
		ok = c.SeekToLast()
	case *start == "":
		ok = c.SeekToFirst()
	default:
		key, err := parseBytes(*start)
		if err != nil {
			return err
		}
		if *reverse {
			ok = c.SeekForPrev(key)
		} else {
			ok = c.Seek(key)
		}
	}
	step := c.Next
	if *reverse {
		step = c.Prev
	}

	tc, timestamped := c.(db.TimestampedCursor)
	if timestamped {
		out.header("KEY", "VALUE", "WRITTEN")
	} else {
		out.header("KEY", "VALUE")
	}
	for n := 0; ok && (*limit <= 0 || n < *limit); n++ {
		if timestamped {
			out.row(formatBytes(c.Key()), formatBytes(c.Value()), formatTimestamp(tc.Timestamp()))
		} else {
			out.row(formatBytes(c.Key()), formatBytes(c.Value()))
		}
		ok = step()
	}
	return c.Err()
}

func runGet(ctx context.Context, d *db.DB, out printer, args []string) error {
	fs := newFlagSet("get")
	table := fs.String("table", "", "Table name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("get expects exactly one key")
	}
	t, err := existingTable(ctx, d, *table)
	if err != nil {
		return err
	}
	key, err := parseBytes(fs.Arg(0))
	if err != nil {
		return err
	}
	if tt, ok := t.(db.TimestampedTable); ok {
		v, ts, err := tt.GetWithTimestamp(ctx, key)
		if err != nil {
			return err
		}
		out.header("KEY", "VALUE", "WRITTEN")
		out.row(formatBytes(key), formatBytes(v), formatTimestamp(ts))
		return nil
	}
	v, err := t.Get(ctx, key)
	if err != nil {
		return err
	}
	out.header("KEY", "VALUE")
	out.row(formatBytes(key), formatBytes(v))
	return nil
}

// tableNames resolves ids seen in the change feed, remembering misses.
type tableNames struct {
	d     *db.DB
	names map[core.TableID]string
}

func (n *tableNames) lookup(ctx context.Context, id core.TableID) string {
	switch id {
	case core.InfoTableID:
		return "<info>"
	case core.NameToIDTableID:
		return "<name-to-id>"
	case core.IDToNameTableID:
		return "<id-to-name>"
	}
	if name, ok := n.names[id]; ok {
		return name
	}
	name, ok, err := n.d.GetTableNameByID(ctx, id)
	if err != nil || !ok {
		name = "#" + id.String()
	}
	n.names[id] = name
	return name
}

func describeKey(key []byte) (core.TableID, string) {
	id, err := core.ExtractTableID(key)
	if err != nil {
		return 0, formatBytes(key)
	}
	switch {
	case len(key) == core.InnerKeyPrefixLen && key[core.TableIDLen] == core.HeadSentinel:
		return id, "<head>"
	case len(key) == core.InnerKeyPrefixLen && key[core.TableIDLen] == core.TailSentinel:
		return id, "<tail>"
	}
	userKey, err := core.ExtractUserKey(key)
	if err != nil {
		return id, formatBytes(key)
	}
	return id, formatBytes(userKey)
}

func runTail(ctx context.Context, d *db.DB, out printer, args []string) error {
	fs := newFlagSet("tail")
	since := fs.Uint64("since", 0, "Print batches with a sequence number above this one")
	limit := fs.Int("limit", 0, "Maximum batches to print, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	it, err := d.GetWriteOpBatchesSince(*since)
	if err != nil {
		return err
	}
	defer it.Close()

	names := &tableNames{d: d, names: make(map[core.TableID]string)}
	out.header("SN", "OP", "TABLE", "KEY", "VALUE")
	for n := 0; (*limit <= 0 || n < *limit) && it.Next(); n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := it.Batch()
		for i, op := range b.Ops {
			id, key := describeKey(op.Key)
			value := formatBytes(op.Value)
			if op.Type == core.EntryTypeDeleteRange {
				_, value = describeKey(op.EndKey)
			}
			out.row(b.SN+uint64(i), op.Type.String(), names.lookup(ctx, id), key, value)
		}
	}
	return it.Err()
}

func runCompact(ctx context.Context, d *db.DB, out printer, _ []string) error {
	if err := d.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := d.CompactRange(ctx); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	f := d.CompactionFilterStats()
	out.header("METRIC", "VALUE")
	out.row("ttl_filter_kept", f.Kept)
	out.row("ttl_filter_expired", f.Expired)
	out.row("ttl_filter_protected", f.Protected)
	return nil
}

func tableArgs(name string, args []string, want int) ([]string, error) {
	if len(args) != want {
		return nil, fmt.Errorf("%s expects %d table name(s), got %d", name, want, len(args))
	}
	return args, nil
}

func runCreate(ctx context.Context, d *db.DB, out printer, args []string) error {
	args, err := tableArgs("create", args, 1)
	if err != nil {
		return err
	}
	t, err := d.OpenTable(ctx, args[0])
	if err != nil {
		return err
	}
	out.header("ID", "NAME")
	out.row(uint32(t.ID()), t.Name())
	return nil
}

func runDrop(ctx context.Context, d *db.DB, _ printer, args []string) error {
	args, err := tableArgs("drop", args, 1)
	if err != nil {
		return err
	}
	return d.DestroyTable(ctx, args[0])
}

func runTruncate(ctx context.Context, d *db.DB, _ printer, args []string) error {
	args, err := tableArgs("truncate", args, 1)
	if err != nil {
		return err
	}
	return d.TruncateTable(ctx, args[0])
}

func runRename(ctx context.Context, d *db.DB, _ printer, args []string) error {
	args, err := tableArgs("rename", args, 2)
	if err != nil {
		return err
	}
	return d.RenameTable(ctx, args[0], args[1])
}
