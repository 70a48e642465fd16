// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package mount is the engine behind a mounted namespace: it builds
// or loads each source's catalog, composes the union tree, and
// serves reads through pooled descriptors and cached decompressor
// contexts.
package mount

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stratafs/strata/lib/catalog"
	"github.com/stratafs/strata/lib/clock"
	"github.com/stratafs/strata/lib/seekindex"
	"github.com/stratafs/strata/lib/union"
)

const (
	defaultFDPoolSize   = 4
	defaultContextCache = 16
)

// Config describes the sources and tunables of one mounted
// namespace.
type Config struct {
	// Sources are archive files or directories, in precedence
	// order.
	Sources []string

	// IndexDB is the catalog database path. Empty disables
	// persistence; every mount rescans.
	IndexDB string

	// Recurse expands nested archives into subtrees.
	Recurse  bool
	MaxDepth int

	// Spacing and CompactFloor tune stream checkpointing; zero
	// means the catalog defaults.
	Spacing      int64
	CompactFloor int64

	// Digest adds a content digest to source validation, for
	// filesystems with unreliable modification times.
	Digest bool

	// FDPoolSize bounds concurrently open descriptors per source
	// file.
	FDPoolSize int

	// ContextCache bounds parked decompressor contexts across all
	// sources.
	ContextCache int

	Logger *slog.Logger
	Clock  clock.Clock
}

type tableKey struct {
	source int
	table  int64
}

// Mount is an open namespace engine. It is safe for concurrent use.
type Mount struct {
	cfg    Config
	logger *slog.Logger
	store  *catalog.Store

	treeMu sync.RWMutex
	tree   *union.Tree
	pools  []*fdPool // indexed by source; nil for directory sources

	srcMu sync.Mutex // serializes lazy source recovery
	dead  map[int]bool

	ctxMu    sync.Mutex
	contexts *lru.Cache[tableKey, *parked]

	handleMu   sync.Mutex
	handles    map[uint64]*handle
	nextHandle uint64

	closeOnce sync.Once
	closeErr  error
}

type handle struct {
	node   *union.Node
	reader *catalog.RecordReader

	// contexts are the decompressor contexts this handle checked out
	// or opened; they return to the shared cache on Release.
	contexts map[tableKey]*seekindex.Reader
}

// parked is an idle decompressor context in the shared cache. The
// checkedOut flag lets a cache Remove hand the reader to a handle
// instead of closing it.
type parked struct {
	r          *seekindex.Reader
	checkedOut bool
}

// Open builds (or loads from the index database) the catalog of
// every source and composes the namespace. A source that cannot be
// opened or classified is reported once and omitted from the
// namespace; the call fails only when no source is usable.
func Open(ctx context.Context, cfg Config) (*Mount, error) {
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("mount: no sources")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.FDPoolSize <= 0 {
		cfg.FDPoolSize = defaultFDPoolSize
	}
	if cfg.ContextCache <= 0 {
		cfg.ContextCache = defaultContextCache
	}

	m := &Mount{
		cfg:     cfg,
		logger:  logger,
		handles: map[uint64]*handle{},
		dead:    map[int]bool{},
	}

	// The cache holds only idle contexts; a handle checks its
	// context out before use, so eviction never closes a stream a
	// read is positioned on.
	contexts, err := lru.NewWithEvict[tableKey, *parked](cfg.ContextCache,
		func(key tableKey, p *parked) {
			if !p.checkedOut {
				p.r.Close()
			}
		})
	if err != nil {
		return nil, err
	}
	m.contexts = contexts

	if cfg.IndexDB != "" {
		store, err := catalog.OpenStore(catalog.StoreConfig{
			Path:   cfg.IndexDB,
			Logger: logger,
			Clock:  cfg.Clock,
		})
		if err != nil {
			return nil, err
		}
		m.store = store
	}

	entries := make([]*catalog.Entry, 0, len(cfg.Sources))
	for _, path := range cfg.Sources {
		entry, err := m.loadSource(ctx, path)
		if err != nil {
			logger.Error("source omitted from namespace", "source", path, "error", err)
			continue
		}
		entries = append(entries, entry)
		if entry.Source.IsDir {
			m.pools = append(m.pools, nil)
		} else {
			m.pools = append(m.pools, newFDPool(path, cfg.FDPoolSize))
		}
	}
	if len(entries) == 0 {
		m.Close()
		return nil, fmt.Errorf("mount: no usable sources")
	}
	m.tree = union.New(entries)
	return m, nil
}

func (m *Mount) loadSource(ctx context.Context, path string) (*catalog.Entry, error) {
	src, err := catalog.ResolveSource(path, m.cfg.Digest)
	if err != nil {
		return nil, err
	}
	if m.store != nil {
		if entry, hit, err := m.store.Load(ctx, src); err != nil {
			return nil, err
		} else if hit {
			m.logger.Info("catalog loaded", "source", path)
			return entry, nil
		}
	}
	entry, err := catalog.Build(src, catalog.BuildConfig{
		Spacing:      m.cfg.Spacing,
		CompactFloor: m.cfg.CompactFloor,
		Recurse:      m.cfg.Recurse,
		MaxDepth:     m.cfg.MaxDepth,
		Logger:       m.logger,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("catalog built", "source", path, "format", entry.Format)
	if m.store != nil {
		if err := m.store.Save(ctx, entry); err != nil {
			// Persistence failure degrades to scan-on-every-mount.
			m.logger.Warn("catalog not persisted", "source", path, "error", err)
		}
	}
	return entry, nil
}

// Tree returns the current composed namespace.
func (m *Mount) Tree() *union.Tree {
	m.treeMu.RLock()
	defer m.treeMu.RUnlock()
	return m.tree
}

// Root returns the namespace root node.
func (m *Mount) Root() *union.Node {
	return m.Tree().Root()
}

// Resolve walks path in the current namespace.
func (m *Mount) Resolve(path string, follow bool) (*union.Node, error) {
	return m.Tree().Resolve(path, follow)
}

// sourceFile returns the ReaderAt a source's containers hang off:
// the pooled descriptor view, or nil for directory sources.
func (m *Mount) sourceFile(source int) io.ReaderAt {
	m.treeMu.RLock()
	p := m.pools[source]
	m.treeMu.RUnlock()
	if p != nil {
		return p
	}
	return nil
}

// tableReader resolves checkpoint tables for one handle. An idle
// context parked by an earlier Release is checked out of the shared
// cache; otherwise a fresh decompressor is opened. The handle owns
// its contexts until Release parks them again, so concurrent handles
// on one stream each ride their own decompressor.
func (m *Mount) tableReader(h *handle, source int, entry *catalog.Entry) catalog.TableReaderFunc {
	return func(t *catalog.TableRef) (io.ReaderAt, error) {
		key := tableKey{source: source, table: t.ID}
		if r, ok := h.contexts[key]; ok {
			return r, nil
		}
		m.ctxMu.Lock()
		if p, ok := m.contexts.Get(key); ok {
			p.checkedOut = true
			m.contexts.Remove(key)
			m.ctxMu.Unlock()
			h.contexts[key] = p.r
			return p.r, nil
		}
		m.ctxMu.Unlock()

		base, _, err := entry.ContainerReaderAt(m.sourceFile(source), t.Container, nil)
		if err != nil {
			return nil, err
		}
		section := io.NewSectionReader(base, t.StreamOffset, t.StreamLength)
		r, err := seekindex.NewReader(t.Table, section, t.StreamLength)
		if err != nil {
			return nil, err
		}
		h.contexts[key] = r
		return r, nil
	}
}

// parkContexts returns a handle's contexts to the shared cache.
// Contexts opened against a catalog that has since been replaced
// read stale offsets and are closed instead, as is a second context
// for a stream that already has one parked.
func (m *Mount) parkContexts(h *handle) {
	if len(h.contexts) == 0 {
		return
	}
	current := m.Tree().Sources()
	stale := h.node.Source >= len(current) || current[h.node.Source] != h.node.Entry()

	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	for key, r := range h.contexts {
		if stale || m.contexts.Contains(key) {
			r.Close()
			continue
		}
		m.contexts.Add(key, &parked{r: r})
	}
	h.contexts = nil
}

// OpenHandle opens node for reading and returns the handle id.
func (m *Mount) OpenHandle(node *union.Node) (uint64, error) {
	entry := node.Entry()
	h := &handle{node: node, contexts: map[tableKey]*seekindex.Reader{}}
	reader, err := entry.OpenRecord(m.sourceFile(node.Source), node.Record,
		m.tableReader(h, node.Source, entry))
	if err != nil {
		m.parkContexts(h)
		if errors.Is(err, catalog.ErrSourceUnavailable) {
			m.recoverSource(node.Source)
		}
		return 0, err
	}
	h.reader = reader
	m.handleMu.Lock()
	defer m.handleMu.Unlock()
	m.nextHandle++
	id := m.nextHandle
	m.handles[id] = h
	return id, nil
}

// ReadAt reads from an open handle. Reads past the end return the
// available bytes with io.EOF.
func (m *Mount) ReadAt(id uint64, p []byte, off int64) (int, error) {
	m.handleMu.Lock()
	h, ok := m.handles[id]
	m.handleMu.Unlock()
	if !ok {
		return 0, fmt.Errorf("mount: unknown handle %d", id)
	}
	n, err := h.reader.ReadAt(p, off)
	if err != nil && errors.Is(err, catalog.ErrSourceUnavailable) {
		m.recoverSource(h.node.Source)
	}
	return n, err
}

// Release closes an open handle. Releasing an unknown handle is a
// no-op.
func (m *Mount) Release(id uint64) error {
	m.handleMu.Lock()
	h, ok := m.handles[id]
	delete(m.handles, id)
	m.handleMu.Unlock()
	if !ok {
		return nil
	}
	err := h.reader.Close()
	m.parkContexts(h)
	return err
}

// recoverSource runs the one lazy rebuild a vanished source gets. On
// success the fresh catalog is swapped in and new opens see it; on
// failure the source's subtree is replaced with an empty directory
// and stays empty until Revalidate. The access that noticed the
// failure still returns its error either way.
func (m *Mount) recoverSource(source int) {
	m.srcMu.Lock()
	defer m.srcMu.Unlock()
	if m.dead[source] {
		return
	}
	current := m.Tree().Sources()
	if source < 0 || source >= len(current) {
		return
	}
	path := current[source].Source.Path

	entry, err := m.loadSource(context.Background(), path)
	if err != nil {
		m.logger.Error("source unavailable, serving empty subtree",
			"source", path, "error", err)
		m.dead[source] = true
		m.replaceEntry(source, &catalog.Entry{
			Source: current[source].Source,
			Root:   &catalog.Record{Kind: catalog.KindDir},
		}, nil)
		return
	}
	m.logger.Info("source recovered", "source", path)
	delete(m.dead, source)
	var pool *fdPool
	if !entry.Source.IsDir {
		pool = newFDPool(path, m.cfg.FDPoolSize)
	}
	m.replaceEntry(source, entry, pool)
}

// replaceEntry swaps one source's catalog (and descriptor pool) into
// a fresh namespace. Parked decompressor contexts for the old
// catalog read stale offsets and are dropped.
func (m *Mount) replaceEntry(source int, entry *catalog.Entry, pool *fdPool) {
	m.ctxMu.Lock()
	for _, key := range m.contexts.Keys() {
		if key.source == source {
			m.contexts.Remove(key)
		}
	}
	m.ctxMu.Unlock()

	m.treeMu.Lock()
	old := m.tree.Sources()
	entries := make([]*catalog.Entry, len(old))
	copy(entries, old)
	replaced := entries[source]
	entries[source] = entry
	m.tree = union.New(entries)
	oldPool := m.pools[source]
	m.pools[source] = pool
	m.treeMu.Unlock()

	if replaced != entry {
		replaced.Close()
	}
	if oldPool != nil && oldPool != pool {
		oldPool.close()
	}
}

// Revalidate re-stats every source and rebuilds the catalogs of
// those that changed, swapping in a fresh namespace. Handles opened
// against the old tree keep serving their old content.
func (m *Mount) Revalidate(ctx context.Context) error {
	current := m.Tree().Sources()
	changed := false
	entries := make([]*catalog.Entry, len(current))
	for i, old := range current {
		src, err := catalog.ResolveSource(old.Source.Path, m.cfg.Digest)
		if err != nil {
			return fmt.Errorf("mount: revalidate %s: %w", old.Source.Path, err)
		}
		if old.Source.Matches(src) {
			entries[i] = old
			continue
		}
		m.logger.Info("source changed, rebuilding", "source", old.Source.Path)
		entry, err := m.loadSource(ctx, old.Source.Path)
		if err != nil {
			return fmt.Errorf("mount: revalidate %s: %w", old.Source.Path, err)
		}
		entries[i] = entry
		changed = true

		// Parked contexts for the old catalog read stale offsets.
		m.ctxMu.Lock()
		for _, key := range m.contexts.Keys() {
			if key.source == i {
				m.contexts.Remove(key)
			}
		}
		m.ctxMu.Unlock()
		old.Close()
	}
	if !changed {
		return nil
	}
	m.treeMu.Lock()
	m.tree = union.New(entries)
	m.treeMu.Unlock()
	return nil
}

// Close releases every handle, parked context, descriptor, and the
// index store. Further calls return the first call's result.
func (m *Mount) Close() error {
	m.closeOnce.Do(func() {
		m.handleMu.Lock()
		for id, h := range m.handles {
			h.reader.Close()
			for _, r := range h.contexts {
				r.Close()
			}
			h.contexts = nil
			delete(m.handles, id)
		}
		m.handleMu.Unlock()

		m.ctxMu.Lock()
		if m.contexts != nil {
			m.contexts.Purge()
		}
		m.ctxMu.Unlock()

		for _, p := range m.pools {
			if p != nil {
				p.close()
			}
		}
		if m.tree != nil {
			for _, e := range m.tree.Sources() {
				e.Close()
			}
		}
		if m.store != nil {
			m.closeErr = m.store.Close()
		}
	})
	return m.closeErr
}
