// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/stratafs/strata/lib/seekindex"
)

const (
	// compactFloorDefault: compressed members at or below this size
	// are inflated whole on open instead of getting a checkpoint
	// table.
	compactFloorDefault = 256 << 10

	// maxDepthDefault bounds nested-archive expansion.
	maxDepthDefault = 8

	// scanBufSize is the buffer in front of sequential index and
	// header scans.
	scanBufSize = 1 << 20
)

// BuildConfig tunes catalog construction.
type BuildConfig struct {
	// Spacing is the minimum decompressed distance between stream
	// checkpoints. Zero means seekindex.DefaultSpacing.
	Spacing int64

	// CompactFloor is the member size at or below which compressed
	// members are stored Compact rather than Indexed.
	CompactFloor int64

	// Recurse expands archive members into subtrees.
	Recurse bool

	// MaxDepth bounds expansion when Recurse is set. Zero means
	// maxDepthDefault.
	MaxDepth int

	Logger *slog.Logger
}

func (c *BuildConfig) fill() {
	if c.Spacing <= 0 {
		c.Spacing = seekindex.DefaultSpacing
	}
	if c.CompactFloor <= 0 {
		c.CompactFloor = compactFloorDefault
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = maxDepthDefault
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// buildState is the scan target a backend populates: one container's
// bytes and the record subtree its members land under.
type buildState struct {
	entry  *Entry
	cfg    *BuildConfig
	logger *slog.Logger

	// file is the open source file; nil for directory sources.
	file *os.File

	container int64
	data      io.ReaderAt
	size      int64
	root      *Record
	depth     int
	label     string
}

// sequential returns a buffered front-to-back reader over the scan
// target.
func (st *buildState) sequential() *bufio.Reader {
	return bufio.NewReaderSize(io.NewSectionReader(st.data, 0, st.size), scanBufSize)
}

// Build scans src and produces its catalog entry. The source file is
// opened, fully classified, scanned, and closed before return; the
// resulting entry holds only offsets and tables, no file handles
// (except a lazily attached stream backend for 7z and image
// sources).
func Build(src *Source, cfg BuildConfig) (*Entry, error) {
	cfg.fill()
	if src.IsDir {
		return buildDir(src, &cfg)
	}

	f, err := os.Open(src.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer f.Close()

	prefix, err := readPrefix(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	if format, ok := detectArchive(prefix); ok {
		entry := newEntry(src, format)
		st := &buildState{
			entry:     entry,
			cfg:       &cfg,
			logger:    cfg.Logger,
			file:      f,
			container: rootContainer,
			data:      f,
			size:      src.Size,
			root:      entry.Root,
			label:     src.Path,
		}
		if err := backends[format].scan(st); err != nil {
			return nil, err
		}
		if cfg.Recurse {
			st.recurse()
		}
		return entry, nil
	}

	codec, ok := seekindex.Detect(prefix)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, src.Path)
	}
	return buildCompressed(src, &cfg, f, codec)
}

// buildCompressed handles sources whose outermost layer is a
// sequentially-compressed stream: index the whole stream, then look
// inside the decompressed view for an archive.
func buildCompressed(src *Source, cfg *BuildConfig, f *os.File, codec seekindex.Codec) (*Entry, error) {
	stream := bufio.NewReaderSize(io.NewSectionReader(f, 0, src.Size), scanBufSize)
	table, buildErr := seekindex.Build(codec.Name(), stream, cfg.Spacing)
	if table == nil {
		return nil, buildErr
	}
	if buildErr != nil {
		// A damaged tail still leaves the indexed prefix readable.
		cfg.Logger.Warn("compressed stream damaged, serving indexed prefix",
			"path", src.Path, "indexed", table.DecompressedSize, "error", buildErr)
	}

	entry := newEntry(src, "file")
	tid := entry.addTable(rootContainer, 0, src.Size, table)
	view := entry.addContainer(Location{
		Kind:   LocIndexed,
		Table:  tid,
		Length: table.DecompressedSize,
	})

	inner, err := seekindex.NewReader(table, io.NewSectionReader(f, 0, src.Size), src.Size)
	if err != nil {
		return nil, err
	}
	defer inner.Close()

	head := make([]byte, sniffBuf)
	n, _ := inner.ReadAt(head, 0)
	if format, ok := detectArchive(head[:n]); ok && (format == "tar" || format == "zip") {
		entry.Format = format
		st := &buildState{
			entry:     entry,
			cfg:       cfg,
			logger:    cfg.Logger,
			file:      f,
			container: view,
			data:      inner,
			size:      table.DecompressedSize,
			root:      entry.Root,
			label:     src.Path,
		}
		if err := backends[format].scan(st); err != nil {
			return nil, err
		}
		if cfg.Recurse {
			st.recurse()
		}
		return entry, nil
	}

	// A lone compressed file mounts as its decompressed self.
	entry.Root.Add(&Record{
		Name:    strippedName(filepath.Base(src.Path)),
		Kind:    KindRegular,
		Size:    table.DecompressedSize,
		Mode:    0o644,
		ModTime: src.ModTime,
		Location: Location{
			Kind:      LocDirect,
			Container: view,
			Offset:    0,
			Length:    table.DecompressedSize,
		},
	})
	return entry, nil
}

// codecExts maps compression suffixes to what replaces them in the
// exposed name of a lone compressed file.
var codecExts = map[string]string{
	".gz":   "",
	".bz2":  "",
	".xz":   "",
	".zst":  "",
	".lz4":  "",
	".tgz":  ".tar",
	".txz":  ".tar",
	".tbz2": ".tar",
}

func strippedName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	repl, ok := codecExts[ext]
	if !ok {
		return name
	}
	return name[:len(name)-len(ext)] + repl
}

// nestedSuffixes gates which member names are probed for expansion.
// Sniffing every member would decompress arbitrary amounts of outer
// stream for nothing.
var nestedSuffixes = []string{
	".tar", ".tgz", ".tar.gz", ".tar.bz2", ".tar.xz", ".tar.zst", ".tar.lz4", ".zip",
}

func nestedCandidate(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range nestedSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// recurse expands archive members under the scan root into
// subtrees. Expansion failures leave the member as a plain file.
func (st *buildState) recurse() {
	type candidate struct {
		path string
		rec  *Record
	}
	var cands []candidate
	walkRecords(st.root, func(p string, r *Record) bool {
		if r.Kind == KindRegular && r.Size > 0 && nestedCandidate(r.Name) {
			cands = append(cands, candidate{p, r})
		}
		return true
	})
	for _, c := range cands {
		st.expand(c.path, c.rec)
	}
}

// nestedLocation derives the container location wrapping a member's
// bytes. Only range-addressed members can nest.
func nestedLocation(rec *Record) (Location, bool) {
	switch rec.Location.Kind {
	case LocDirect:
		return Location{
			Kind:      LocDirect,
			Container: rec.Location.Container,
			Offset:    rec.Location.Offset,
			Length:    rec.Location.Length,
		}, true
	case LocIndexed:
		return Location{
			Kind:   LocIndexed,
			Table:  rec.Location.Table,
			Offset: rec.Location.Offset,
			Length: rec.Location.Length,
		}, true
	default:
		return Location{}, false
	}
}

func (st *buildState) expand(path string, rec *Record) {
	label := st.label + "!" + path
	if st.depth+1 > st.cfg.MaxDepth {
		st.logger.Warn("nested archive left unexpanded",
			"member", label, "depth", st.depth+1, "error", ErrDepthExceeded)
		return
	}
	loc, ok := nestedLocation(rec)
	if !ok {
		st.logger.Debug("member not range-addressed, skipping expansion", "member", label)
		return
	}

	rr, err := st.entry.OpenRecord(st.file, rec, nil)
	if err != nil {
		st.logger.Warn("cannot open nested member", "member", label, "error", err)
		return
	}
	defer rr.Close()

	head := make([]byte, sniffBuf)
	n, _ := rr.ReadAt(head, 0)

	if format, ok := detectArchive(head[:n]); ok && (format == "tar" || format == "zip") {
		st.expandArchive(label, rec, loc, format, rr)
		return
	}
	if codec, ok := seekindex.Detect(head[:n]); ok {
		st.expandCompressed(label, rec, loc, codec, rr)
		return
	}
	st.logger.Debug("member matched no nested format", "member", label)
}

// expandArchive replaces rec with a directory holding the nested
// archive's tree. The nested container is registered only once the
// scan succeeds.
func (st *buildState) expandArchive(label string, rec *Record, loc Location, format string, rr *RecordReader) {
	dir := &Record{
		Name:    rec.Name,
		Kind:    KindDir,
		Mode:    fs.ModeDir | 0o755,
		ModTime: rec.ModTime,
	}
	cid := st.entry.addContainer(loc)
	sub := &buildState{
		entry:     st.entry,
		cfg:       st.cfg,
		logger:    st.logger,
		file:      st.file,
		container: cid,
		data:      rr,
		size:      rec.Size,
		root:      dir,
		depth:     st.depth + 1,
		label:     label,
	}
	if err := backends[format].scan(sub); err != nil {
		st.logger.Warn("nested archive scan failed", "member", label, "error", err)
		delete(st.entry.Containers, cid)
		return
	}
	rec.Parent().Add(dir)
	sub.recurse()
}

// expandCompressed handles members that are themselves compressed
// streams (x.tar.gz inside an outer tar): index the member, then
// scan the decompressed view if it holds a tar.
func (st *buildState) expandCompressed(label string, rec *Record, loc Location, codec seekindex.Codec, rr *RecordReader) {
	stream := bufio.NewReaderSize(io.NewSectionReader(rr, 0, rec.Size), scanBufSize)
	table, buildErr := seekindex.Build(codec.Name(), stream, st.cfg.Spacing)
	if table == nil {
		st.logger.Warn("nested stream unindexable", "member", label, "error", buildErr)
		return
	}
	if buildErr != nil {
		st.logger.Warn("nested stream damaged, skipping expansion", "member", label, "error", buildErr)
		return
	}

	inner, err := seekindex.NewReader(table, io.NewSectionReader(rr, 0, rec.Size), rec.Size)
	if err != nil {
		st.logger.Warn("nested stream unreadable", "member", label, "error", err)
		return
	}
	defer inner.Close()

	head := make([]byte, sniffBuf)
	n, _ := inner.ReadAt(head, 0)
	format, ok := detectArchive(head[:n])
	if !ok || format != "tar" {
		st.logger.Debug("nested stream holds no archive", "member", label)
		return
	}

	dir := &Record{
		Name:    rec.Name,
		Kind:    KindDir,
		Mode:    fs.ModeDir | 0o755,
		ModTime: rec.ModTime,
	}
	cid := st.entry.addContainer(loc)
	tid := st.entry.addTable(cid, 0, rec.Size, table)
	view := st.entry.addContainer(Location{
		Kind:   LocIndexed,
		Table:  tid,
		Length: table.DecompressedSize,
	})
	sub := &buildState{
		entry:     st.entry,
		cfg:       st.cfg,
		logger:    st.logger,
		file:      st.file,
		container: view,
		data:      inner,
		size:      table.DecompressedSize,
		root:      dir,
		depth:     st.depth + 1,
		label:     label,
	}
	if err := backends["tar"].scan(sub); err != nil {
		st.logger.Warn("nested archive scan failed", "member", label, "error", err)
		delete(st.entry.Containers, cid)
		delete(st.entry.Containers, view)
		delete(st.entry.Tables, tid)
		return
	}
	rec.Parent().Add(dir)
	sub.recurse()
}
