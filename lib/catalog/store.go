// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/stratafs/strata/lib/clock"
	"github.com/stratafs/strata/lib/codec"
	"github.com/stratafs/strata/lib/seekindex"
	"github.com/stratafs/strata/lib/sqlitepool"
)

// storeSchema is applied once per connection. Record rows are
// written in preorder, so loading ordered by id always sees a parent
// before its children.
const storeSchema = `
	CREATE TABLE IF NOT EXISTS sources (
		id       INTEGER PRIMARY KEY,
		path     TEXT NOT NULL UNIQUE,
		is_dir   INTEGER NOT NULL,
		size     INTEGER NOT NULL,
		mtime_ns INTEGER NOT NULL,
		digest   BLOB,
		format   TEXT NOT NULL,
		built_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS containers (
		source_id     INTEGER NOT NULL,
		id            INTEGER NOT NULL,
		loc_kind      INTEGER NOT NULL,
		loc_container INTEGER NOT NULL,
		loc_offset    INTEGER NOT NULL,
		loc_length    INTEGER NOT NULL,
		loc_table     INTEGER NOT NULL,
		loc_codec     TEXT NOT NULL,
		loc_path      TEXT NOT NULL,
		PRIMARY KEY (source_id, id)
	);

	CREATE TABLE IF NOT EXISTS checkpoint_tables (
		source_id     INTEGER NOT NULL,
		id            INTEGER NOT NULL,
		container     INTEGER NOT NULL,
		stream_offset INTEGER NOT NULL,
		stream_length INTEGER NOT NULL,
		codec         TEXT NOT NULL,
		table_blob    BLOB NOT NULL,
		PRIMARY KEY (source_id, id)
	);

	CREATE TABLE IF NOT EXISTS records (
		source_id     INTEGER NOT NULL,
		id            INTEGER NOT NULL,
		parent_id     INTEGER NOT NULL,
		name          TEXT NOT NULL,
		kind          INTEGER NOT NULL,
		size          INTEGER NOT NULL,
		mode          INTEGER NOT NULL,
		mtime_ns      INTEGER NOT NULL,
		link_target   TEXT NOT NULL,
		loc_kind      INTEGER NOT NULL,
		loc_container INTEGER NOT NULL,
		loc_offset    INTEGER NOT NULL,
		loc_length    INTEGER NOT NULL,
		loc_table     INTEGER NOT NULL,
		loc_codec     TEXT NOT NULL,
		loc_path      TEXT NOT NULL,
		PRIMARY KEY (source_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_records_parent
		ON records(source_id, parent_id);
`

// StoreConfig configures the persistent catalog store.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string

	Logger *slog.Logger
	Clock  clock.Clock
}

// Store persists catalog entries so remounting a large archive skips
// the scan. An entry is served only while its source identity tuple
// still matches; anything else, including unreadable rows, is a
// miss.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
	clock  clock.Clock
}

// OpenStore opens (creating if needed) the catalog database at
// cfg.Path.
func OpenStore(cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog store: %w", err)
	}
	return &Store{pool: pool, logger: logger, clock: clk}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Save replaces the stored entry for e's source path. Directory
// sources are never persisted; rescanning them is cheaper than
// validating a stored copy against a mutable tree.
func (s *Store) Save(ctx context.Context, e *Entry) (err error) {
	if e.Source.IsDir {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("catalog store: begin save: %w", err)
	}
	defer endTransaction(&err)

	if err = s.deleteSource(conn, e.Source.Path); err != nil {
		return err
	}

	err = sqlitex.Execute(conn, `INSERT INTO sources
		(path, is_dir, size, mtime_ns, digest, format, built_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			e.Source.Path,
			boolInt(e.Source.IsDir),
			e.Source.Size,
			e.Source.ModTime.UnixNano(),
			e.Source.Digest,
			e.Format,
			s.clock.Now().UnixNano(),
		},
	})
	if err != nil {
		return fmt.Errorf("catalog store: insert source: %w", err)
	}
	sourceID := conn.LastInsertRowID()
	e.SourceID = sourceID

	for _, c := range e.Containers {
		args := append([]any{sourceID, c.ID}, locArgs(c.Location)...)
		err = sqlitex.Execute(conn, `INSERT INTO containers
			(source_id, id, loc_kind, loc_container, loc_offset,
			 loc_length, loc_table, loc_codec, loc_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{Args: args})
		if err != nil {
			return fmt.Errorf("catalog store: insert container %d: %w", c.ID, err)
		}
	}

	for _, t := range e.Tables {
		var blob []byte
		blob, err = codec.Marshal(t.Table)
		if err != nil {
			return fmt.Errorf("catalog store: marshal table %d: %w", t.ID, err)
		}
		err = sqlitex.Execute(conn, `INSERT INTO checkpoint_tables
			(source_id, id, container, stream_offset, stream_length,
			 codec, table_blob)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{sourceID, t.ID, t.Container, t.StreamOffset,
				t.StreamLength, t.Table.Codec, blob},
		})
		if err != nil {
			return fmt.Errorf("catalog store: insert table %d: %w", t.ID, err)
		}
	}

	if err = s.saveRecords(conn, sourceID, e.Root); err != nil {
		return err
	}
	s.logger.Debug("catalog entry saved", "path", e.Source.Path, "source_id", sourceID)
	return nil
}

// saveRecords walks the tree in preorder, assigning row ids as it
// goes. The root itself is implicit: its children carry parent 0.
func (s *Store) saveRecords(conn *sqlite.Conn, sourceID int64, root *Record) error {
	next := int64(0)
	var walk func(parentID int64, r *Record) error
	walk = func(parentID int64, r *Record) error {
		for _, child := range r.Children() {
			next++
			child.ID = next
			args := append([]any{
				sourceID, child.ID, parentID,
				child.Name, int(child.Kind), child.Size,
				uint32(child.Mode), child.ModTime.UnixNano(),
				child.LinkTarget,
			}, locArgs(child.Location)...)
			err := sqlitex.Execute(conn, `INSERT INTO records
				(source_id, id, parent_id, name, kind, size, mode,
				 mtime_ns, link_target, loc_kind, loc_container,
				 loc_offset, loc_length, loc_table, loc_codec, loc_path)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: args})
			if err != nil {
				return fmt.Errorf("catalog store: insert record %q: %w", child.Name, err)
			}
			if err := walk(child.ID, child); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(0, root)
}

// Load returns the stored entry for src if its identity tuple still
// matches. A mismatched, missing, or unreadable entry is a miss, not
// an error; callers rebuild and Save.
func (s *Store) Load(ctx context.Context, src *Source) (entry *Entry, ok bool, err error) {
	if src.IsDir {
		return nil, false, nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	// The row scans must not interleave with a concurrent Save's
	// delete-and-replace.
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, false, fmt.Errorf("catalog store: begin load: %w", err)
	}
	defer endTransaction(&err)

	var (
		found    bool
		sourceID int64
		stored   Source
		format   string
	)
	err = sqlitex.Execute(conn, `SELECT id, is_dir, size, mtime_ns, digest, format
		FROM sources WHERE path = ?`, &sqlitex.ExecOptions{
		Args: []any{src.Path},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			sourceID = stmt.ColumnInt64(0)
			stored.Path = src.Path
			stored.IsDir = stmt.ColumnInt64(1) != 0
			stored.Size = stmt.ColumnInt64(2)
			stored.ModTime = time.Unix(0, stmt.ColumnInt64(3))
			if n := stmt.ColumnLen(4); n > 0 {
				stored.Digest = make([]byte, n)
				stmt.ColumnBytes(4, stored.Digest)
			}
			format = stmt.ColumnText(5)
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("catalog store: lookup %s: %w", src.Path, err)
	}
	if !found {
		return nil, false, nil
	}
	if !stored.Matches(src) {
		s.logger.Info("stored entry stale", "path", src.Path)
		return nil, false, nil
	}

	entry, loadErr := s.loadEntry(conn, sourceID, src, format)
	if loadErr != nil {
		// Unreadable rows count as a miss; the rebuild's Save
		// replaces them.
		s.logger.Warn("stored entry unreadable, rebuilding",
			"path", src.Path, "error", loadErr)
		return nil, false, nil
	}
	return entry, true, nil
}

func (s *Store) loadEntry(conn *sqlite.Conn, sourceID int64, src *Source, format string) (*Entry, error) {
	entry := newEntry(src, format)
	entry.SourceID = sourceID

	err := sqlitex.Execute(conn, `SELECT id, loc_kind, loc_container, loc_offset,
		loc_length, loc_table, loc_codec, loc_path
		FROM containers WHERE source_id = ?`, &sqlitex.ExecOptions{
		Args: []any{sourceID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id := stmt.ColumnInt64(0)
			entry.Containers[id] = &Container{ID: id, Location: scanLoc(stmt, 1)}
			if id >= entry.nextContainer {
				entry.nextContainer = id + 1
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("loading containers: %w", err)
	}

	err = sqlitex.Execute(conn, `SELECT id, container, stream_offset, stream_length,
		table_blob FROM checkpoint_tables WHERE source_id = ?`, &sqlitex.ExecOptions{
		Args: []any{sourceID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id := stmt.ColumnInt64(0)
			blob := make([]byte, stmt.ColumnLen(4))
			stmt.ColumnBytes(4, blob)
			var table seekindex.Table
			if err := codec.Unmarshal(blob, &table); err != nil {
				return fmt.Errorf("table %d: %w", id, err)
			}
			if err := table.Validate(); err != nil {
				return fmt.Errorf("table %d: %w", id, err)
			}
			entry.Tables[id] = &TableRef{
				ID:           id,
				Container:    stmt.ColumnInt64(1),
				StreamOffset: stmt.ColumnInt64(2),
				StreamLength: stmt.ColumnInt64(3),
				Table:        &table,
			}
			if id >= entry.nextTable {
				entry.nextTable = id + 1
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("loading tables: %w", err)
	}

	byID := map[int64]*Record{0: entry.Root}
	err = sqlitex.Execute(conn, `SELECT id, parent_id, name, kind, size, mode,
		mtime_ns, link_target, loc_kind, loc_container, loc_offset,
		loc_length, loc_table, loc_codec, loc_path
		FROM records WHERE source_id = ? ORDER BY id`, &sqlitex.ExecOptions{
		Args: []any{sourceID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			parent, ok := byID[stmt.ColumnInt64(1)]
			if !ok {
				return fmt.Errorf("record %d: dangling parent %d",
					stmt.ColumnInt64(0), stmt.ColumnInt64(1))
			}
			rec := &Record{
				ID:         stmt.ColumnInt64(0),
				Name:       stmt.ColumnText(2),
				Kind:       Kind(stmt.ColumnInt64(3)),
				Size:       stmt.ColumnInt64(4),
				Mode:       fs.FileMode(stmt.ColumnInt64(5)),
				ModTime:    time.Unix(0, stmt.ColumnInt64(6)),
				LinkTarget: stmt.ColumnText(7),
				Location:   scanLoc(stmt, 8),
			}
			parent.Add(rec)
			byID[rec.ID] = rec
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("loading records: %w", err)
	}
	return entry, nil
}

// Invalidate drops the stored entry for path, if any.
func (s *Store) Invalidate(ctx context.Context, path string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("catalog store: begin invalidate: %w", err)
	}
	defer endTransaction(&err)
	return s.deleteSource(conn, path)
}

func (s *Store) deleteSource(conn *sqlite.Conn, path string) error {
	var sourceID int64
	found := false
	err := sqlitex.Execute(conn, "SELECT id FROM sources WHERE path = ?",
		&sqlitex.ExecOptions{
			Args: []any{path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				sourceID = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("catalog store: find %s: %w", path, err)
	}
	if !found {
		return nil
	}
	for _, table := range []string{"records", "checkpoint_tables", "containers", "sources"} {
		err := sqlitex.Execute(conn,
			fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, sourceKey(table)),
			&sqlitex.ExecOptions{Args: []any{sourceID}})
		if err != nil {
			return fmt.Errorf("catalog store: clear %s: %w", table, err)
		}
	}
	return nil
}

func sourceKey(table string) string {
	if table == "sources" {
		return "id"
	}
	return "source_id"
}

func locArgs(loc Location) []any {
	return []any{
		int(loc.Kind), loc.Container, loc.Offset, loc.Length,
		loc.Table, loc.Codec, loc.Path,
	}
}

func scanLoc(stmt *sqlite.Stmt, col int) Location {
	return Location{
		Kind:      LocationKind(stmt.ColumnInt64(col)),
		Container: stmt.ColumnInt64(col + 1),
		Offset:    stmt.ColumnInt64(col + 2),
		Length:    stmt.ColumnInt64(col + 3),
		Table:     stmt.ColumnInt64(col + 4),
		Codec:     stmt.ColumnText(col + 5),
		Path:      stmt.ColumnText(col + 6),
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
