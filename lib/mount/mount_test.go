// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/stratafs/strata/lib/catalog"
	"github.com/stratafs/strata/lib/union"
)

func testContent(n int) []byte {
	rng := rand.New(rand.NewSource(11))
	data := make([]byte, n)
	for i := range data {
		if i%3 == 0 {
			data[i] = byte(rng.Intn(256))
		} else {
			data[i] = byte(i / 16)
		}
	}
	return data
}

func writeTar(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	tw := tar.NewWriter(f)
	// Deterministic order keeps offsets stable across runs.
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}
	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(content)),
			ModTime: time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(content); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
}

func openMount(t *testing.T, cfg Config) *Mount {
	t.Helper()
	m, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func readFull(t *testing.T, m *Mount, path string) []byte {
	t.Helper()
	node, err := m.Resolve(path, true)
	if err != nil {
		t.Fatalf("Resolve(%s): %v", path, err)
	}
	id, err := m.OpenHandle(node)
	if err != nil {
		t.Fatalf("OpenHandle(%s): %v", path, err)
	}
	defer m.Release(id)
	data := make([]byte, node.Record.Size)
	n, err := m.ReadAt(id, data, 0)
	if int64(n) != node.Record.Size || (err != nil && err != io.EOF) {
		t.Fatalf("ReadAt(%s): n=%d err=%v", path, n, err)
	}
	return data
}

func TestMountTar(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "src.tar")
	payload := testContent(12 << 10)
	writeTar(t, archive, map[string][]byte{
		"a":     payload,
		"dir/b": []byte("b content"),
	})

	m := openMount(t, Config{Sources: []string{archive}})

	if got := readFull(t, m, "a"); !bytes.Equal(got, payload) {
		t.Error("content of a does not match")
	}
	if got := readFull(t, m, "dir/b"); string(got) != "b content" {
		t.Errorf("content of dir/b = %q", got)
	}

	// A read spanning past the end delivers what exists plus EOF.
	node, err := m.Resolve("dir/b", true)
	if err != nil {
		t.Fatal(err)
	}
	id, err := m.OpenHandle(node)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(id)
	buf := make([]byte, 64)
	n, err := m.ReadAt(id, buf, 2)
	if err != io.EOF {
		t.Errorf("overlong read err = %v, want io.EOF", err)
	}
	if string(buf[:n]) != "content" {
		t.Errorf("overlong read = %q", buf[:n])
	}
	if n, err := m.ReadAt(id, buf, node.Record.Size+10); n != 0 || err != io.EOF {
		t.Errorf("read past end = %d, %v", n, err)
	}
}

func TestMountDirPrecedence(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	if err := os.WriteFile(filepath.Join(first, "f"), []byte("from first"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(second, "g"), []byte("from second"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(first, "both"), []byte("first wins"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(second, "both"), []byte("second loses"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := openMount(t, Config{Sources: []string{first, second}})

	if got := readFull(t, m, "f"); string(got) != "from first" {
		t.Errorf("f = %q", got)
	}
	if got := readFull(t, m, "g"); string(got) != "from second" {
		t.Errorf("g = %q", got)
	}
	if got := readFull(t, m, "both"); string(got) != "first wins" {
		t.Errorf("both = %q", got)
	}

	nodes, err := m.Root().Readdir()
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 3 {
		names := make([]string, 0, len(nodes))
		for _, n := range nodes {
			names = append(names, n.Name)
		}
		t.Errorf("root listing = %v", names)
	}
}

func TestMountCompressedSharedContexts(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "src.tar")
	big := testContent(96 << 10)
	writeTar(t, plain, map[string][]byte{
		"big.bin":  big,
		"tail.txt": []byte("tail"),
	})
	raw, err := os.ReadFile(plain)
	if err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(dir, "src.tar.gz")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	gw := gzip.NewWriter(f)
	gw.Write(raw)
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	m := openMount(t, Config{Sources: []string{archive}, Spacing: 16 << 10, ContextCache: 4})

	if got := readFull(t, m, "big.bin"); !bytes.Equal(got, big) {
		t.Error("content of big.bin does not match")
	}

	// Two concurrent handles over the same stream.
	node, err := m.Resolve("big.bin", true)
	if err != nil {
		t.Fatal(err)
	}
	h1, err := m.OpenHandle(node)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := m.OpenHandle(node)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(h1)
	defer m.Release(h2)

	buf1 := make([]byte, 1024)
	buf2 := make([]byte, 1024)
	if _, err := m.ReadAt(h1, buf1, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReadAt(h2, buf2, 50<<10); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf1, big[10:10+1024]) {
		t.Error("h1 read does not match")
	}
	if !bytes.Equal(buf2, big[50<<10:50<<10+1024]) {
		t.Error("h2 read does not match")
	}
	if got := readFull(t, m, "tail.txt"); string(got) != "tail" {
		t.Errorf("tail.txt = %q", got)
	}
}

func TestMountContextCheckout(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "src.tar")
	big := testContent(96 << 10)
	writeTar(t, plain, map[string][]byte{"big.bin": big})
	raw, err := os.ReadFile(plain)
	if err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(dir, "src.tar.gz")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	gw := gzip.NewWriter(f)
	gw.Write(raw)
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	m := openMount(t, Config{Sources: []string{archive}, Spacing: 16 << 10, ContextCache: 1})

	node, err := m.Resolve("big.bin", true)
	if err != nil {
		t.Fatal(err)
	}
	h1, err := m.OpenHandle(node)
	if err != nil {
		t.Fatal(err)
	}
	// The open handle owns its decompressor; the cache holds nothing
	// it could evict out from under the handle.
	if n := m.contexts.Len(); n != 0 {
		t.Fatalf("cache holds %d contexts with a handle open, want 0", n)
	}

	// A second handle on the same stream gets its own context.
	h2, err := m.OpenHandle(node)
	if err != nil {
		t.Fatal(err)
	}
	if n := m.contexts.Len(); n != 0 {
		t.Fatalf("cache holds %d contexts with two handles open, want 0", n)
	}

	buf := make([]byte, 1024)
	if _, err := m.ReadAt(h1, buf, 40<<10); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, big[40<<10:40<<10+1024]) {
		t.Error("h1 read does not match")
	}

	// Release parks one context and closes the duplicate.
	if err := m.Release(h1); err != nil {
		t.Fatal(err)
	}
	if n := m.contexts.Len(); n != 1 {
		t.Fatalf("cache holds %d contexts after release, want 1", n)
	}
	if err := m.Release(h2); err != nil {
		t.Fatal(err)
	}
	if n := m.contexts.Len(); n != 1 {
		t.Fatalf("cache holds %d contexts after both releases, want 1", n)
	}

	// A fresh open checks the parked context back out.
	h3, err := m.OpenHandle(node)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(h3)
	if n := m.contexts.Len(); n != 0 {
		t.Fatalf("cache holds %d contexts after checkout, want 0", n)
	}
	if _, err := m.ReadAt(h3, buf, 41<<10); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, big[41<<10:41<<10+1024]) {
		t.Error("h3 read does not match")
	}
}

func TestMountCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "src.tar")
	writeTar(t, archive, map[string][]byte{"a": []byte("abc")})
	db := filepath.Join(dir, "index.db")

	m, err := Open(context.Background(), Config{Sources: []string{archive}, IndexDB: db})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resolve("a", true); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMountPersistedIndex(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "src.tar")
	payload := testContent(8 << 10)
	writeTar(t, archive, map[string][]byte{"a": payload})
	db := filepath.Join(dir, "index.db")

	m1 := openMount(t, Config{Sources: []string{archive}, IndexDB: db})
	if got := readFull(t, m1, "a"); !bytes.Equal(got, payload) {
		t.Error("first mount content mismatch")
	}
	m1.Close()

	// Second mount loads the stored catalog.
	m2 := openMount(t, Config{Sources: []string{archive}, IndexDB: db})
	if got := readFull(t, m2, "a"); !bytes.Equal(got, payload) {
		t.Error("second mount content mismatch")
	}

	store, err := catalog.OpenStore(catalog.StoreConfig{Path: db})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	src, err := catalog.ResolveSource(archive, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, hit, err := store.Load(context.Background(), src); err != nil || !hit {
		t.Fatalf("stored catalog missing: hit=%v err=%v", hit, err)
	}
}

func TestMountRevalidate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	archive := filepath.Join(dir, "src.tar")
	writeTar(t, archive, map[string][]byte{"old.txt": []byte("old")})

	m := openMount(t, Config{Sources: []string{archive}})
	if _, err := m.Resolve("old.txt", false); err != nil {
		t.Fatal(err)
	}

	// Unchanged source: no-op.
	if err := m.Revalidate(ctx); err != nil {
		t.Fatal(err)
	}

	// Rewrite the archive and revalidate: the namespace follows.
	writeTar(t, archive, map[string][]byte{"new.txt": []byte("new content here")})
	if err := m.Revalidate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resolve("old.txt", false); err == nil {
		t.Error("old.txt still resolves after revalidate")
	}
	if got := readFull(t, m, "new.txt"); string(got) != "new content here" {
		t.Errorf("new.txt = %q", got)
	}
}

func TestMountHandleLifecycle(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "src.tar")
	writeTar(t, archive, map[string][]byte{"a": []byte("abc")})

	m := openMount(t, Config{Sources: []string{archive}})
	node, err := m.Resolve("a", true)
	if err != nil {
		t.Fatal(err)
	}
	id, err := m.OpenHandle(node)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Release(id); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReadAt(id, make([]byte, 1), 0); err == nil {
		t.Error("read after release should fail")
	}
	if err := m.Release(id); err != nil {
		t.Error("double release should be a no-op")
	}
	if err := m.Release(9999); err != nil {
		t.Error("releasing an unknown handle should be a no-op")
	}
}

func TestMountOpenErrors(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Error("no sources should fail")
	}
	if _, err := Open(context.Background(), Config{Sources: []string{"/no/such/thing"}}); err == nil {
		t.Error("no usable source should fail")
	}
}

func TestMountOmitsFailedSource(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "good.tar")
	writeTar(t, archive, map[string][]byte{"keep.txt": []byte("kept")})

	m := openMount(t, Config{
		Sources: []string{"/no/such/thing", archive},
	})

	if got := readFull(t, m, "keep.txt"); string(got) != "kept" {
		t.Fatalf("keep.txt: got %q", got)
	}
	if len(m.Tree().Sources()) != 1 {
		t.Fatalf("expected 1 composed source, got %d", len(m.Tree().Sources()))
	}
}

func TestMountVanishedSourceServesEmptySubtree(t *testing.T) {
	dir := t.TempDir()
	gone := filepath.Join(dir, "gone.tar")
	writeTar(t, gone, map[string][]byte{"lost.txt": []byte("going")})
	stay := filepath.Join(dir, "stay.tar")
	writeTar(t, stay, map[string][]byte{"here.txt": []byte("still here")})

	m := openMount(t, Config{Sources: []string{gone, stay}})

	node, err := m.Resolve("lost.txt", true)
	if err != nil {
		t.Fatalf("Resolve(lost.txt): %v", err)
	}
	if err := os.Remove(gone); err != nil {
		t.Fatal(err)
	}

	// The access that notices the vanished source still fails, and
	// the failed lazy rebuild replaces the subtree with nothing.
	id, err := m.OpenHandle(node)
	if err == nil {
		_, err = m.ReadAt(id, make([]byte, 5), 0)
		m.Release(id)
	}
	if !errors.Is(err, catalog.ErrSourceUnavailable) {
		t.Fatalf("expected source-unavailable, got %v", err)
	}
	if _, err := m.Resolve("lost.txt", true); !errors.Is(err, union.ErrNotFound) {
		t.Fatalf("expected not-found after source vanished, got %v", err)
	}

	// The surviving source is untouched.
	if got := readFull(t, m, "here.txt"); string(got) != "still here" {
		t.Fatalf("here.txt: got %q", got)
	}
}
