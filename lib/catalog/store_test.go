// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(StoreConfig{
		Path: filepath.Join(t.TempDir(), "catalog.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	archive := filepath.Join(dir, "fixture.tar")
	payload := testContent(8 << 10)
	writeTarFile(t, archive, []tarEntry{
		{name: "a", typeflag: tar.TypeReg, mode: 0o644, content: payload},
		{name: "dir/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "dir/b", typeflag: tar.TypeReg, mode: 0o600, content: []byte("b")},
		{name: "link", typeflag: tar.TypeSymlink, mode: 0o777, linkname: "a"},
	})

	store := openTestStore(t)
	src, err := ResolveSource(archive, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, hit, err := store.Load(ctx, src); err != nil || hit {
		t.Fatalf("cold load: hit=%v err=%v", hit, err)
	}

	built, err := Build(src, BuildConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, built); err != nil {
		t.Fatal(err)
	}

	loaded, hit, err := store.Load(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Fatal("warm load missed")
	}
	if loaded.Format != "tar" {
		t.Errorf("format = %q", loaded.Format)
	}

	// Trees agree, node for node.
	var builtPaths, loadedPaths []string
	walkRecords(built.Root, func(p string, r *Record) bool {
		builtPaths = append(builtPaths, p)
		return true
	})
	walkRecords(loaded.Root, func(p string, r *Record) bool {
		loadedPaths = append(loadedPaths, p)
		return true
	})
	if len(builtPaths) != len(loadedPaths) {
		t.Fatalf("tree sizes differ: %d vs %d", len(builtPaths), len(loadedPaths))
	}
	for i := range builtPaths {
		if builtPaths[i] != loadedPaths[i] {
			t.Errorf("path %d: %q vs %q", i, builtPaths[i], loadedPaths[i])
		}
	}

	rec, err := loaded.Resolve("dir/b")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Mode.Perm() != 0o600 || rec.Size != 1 {
		t.Errorf("dir/b = mode %v size %d", rec.Mode, rec.Size)
	}
	link, err := loaded.Resolve("link")
	if err != nil {
		t.Fatal(err)
	}
	if link.Kind != KindSymlink || link.LinkTarget != "a" {
		t.Errorf("link = kind %v target %q", link.Kind, link.LinkTarget)
	}

	// Content reads work through the loaded locations.
	if got := readRecord(t, loaded, "a"); !bytes.Equal(got, payload) {
		t.Error("content of a does not match after reload")
	}
}

func TestStoreRoundTripCompressed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.tar")
	payload := testContent(48 << 10)
	writeTarFile(t, plain, []tarEntry{
		{name: "data.bin", typeflag: tar.TypeReg, mode: 0o644, content: payload},
	})
	raw, err := os.ReadFile(plain)
	if err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(dir, "plain.tar.gz")
	writeGzipFile(t, archive, raw)

	store := openTestStore(t)
	src, err := ResolveSource(archive, false)
	if err != nil {
		t.Fatal(err)
	}
	built, err := Build(src, BuildConfig{Spacing: 8 << 10})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, built); err != nil {
		t.Fatal(err)
	}

	loaded, hit, err := store.Load(ctx, src)
	if err != nil || !hit {
		t.Fatalf("load: hit=%v err=%v", hit, err)
	}
	if len(loaded.Tables) != len(built.Tables) || len(loaded.Containers) != len(built.Containers) {
		t.Fatalf("tables %d/%d containers %d/%d",
			len(loaded.Tables), len(built.Tables),
			len(loaded.Containers), len(built.Containers))
	}
	if got := readRecord(t, loaded, "data.bin"); !bytes.Equal(got, payload) {
		t.Error("content does not match through reloaded checkpoint table")
	}
}

func TestStoreStaleOnChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	archive := filepath.Join(dir, "fixture.tar")
	writeTarFile(t, archive, []tarEntry{
		{name: "a", typeflag: tar.TypeReg, mode: 0o644, content: []byte("one")},
	})

	store := openTestStore(t)
	src, err := ResolveSource(archive, false)
	if err != nil {
		t.Fatal(err)
	}
	built, err := Build(src, BuildConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, built); err != nil {
		t.Fatal(err)
	}

	// Rewrite the archive: size changes, so the tuple no longer
	// matches.
	writeTarFile(t, archive, []tarEntry{
		{name: "a", typeflag: tar.TypeReg, mode: 0o644, content: testContent(2 << 10)},
	})
	changed, err := ResolveSource(archive, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, hit, err := store.Load(ctx, changed); err != nil || hit {
		t.Fatalf("stale load: hit=%v err=%v", hit, err)
	}

	// Replacing works.
	rebuilt, err := Build(changed, BuildConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, rebuilt); err != nil {
		t.Fatal(err)
	}
	if _, hit, err := store.Load(ctx, changed); err != nil || !hit {
		t.Fatalf("reload after replace: hit=%v err=%v", hit, err)
	}
}

func TestStoreInvalidate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	archive := filepath.Join(dir, "fixture.tar")
	writeTarFile(t, archive, []tarEntry{
		{name: "a", typeflag: tar.TypeReg, mode: 0o644, content: []byte("x")},
	})

	store := openTestStore(t)
	src, err := ResolveSource(archive, false)
	if err != nil {
		t.Fatal(err)
	}
	built, err := Build(src, BuildConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, built); err != nil {
		t.Fatal(err)
	}
	if err := store.Invalidate(ctx, archive); err != nil {
		t.Fatal(err)
	}
	if _, hit, err := store.Load(ctx, src); err != nil || hit {
		t.Fatalf("load after invalidate: hit=%v err=%v", hit, err)
	}

	// Invalidating an unknown path is a no-op.
	if err := store.Invalidate(ctx, "/no/such/source"); err != nil {
		t.Fatal(err)
	}
}

func TestStoreSkipsDirSources(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	dir := t.TempDir()
	src, err := ResolveSource(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := Build(src, BuildConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if _, hit, err := store.Load(ctx, src); err != nil || hit {
		t.Fatalf("dir sources should never hit: hit=%v err=%v", hit, err)
	}
}
