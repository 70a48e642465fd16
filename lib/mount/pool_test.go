// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratafs/strata/lib/catalog"
	"github.com/stratafs/strata/lib/testutil"
)

func writePoolFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestFDPoolReadAt(t *testing.T) {
	pool := newFDPool(writePoolFixture(t), 2)
	defer pool.close()

	buf := make([]byte, 4)
	n, err := pool.ReadAt(buf, 3)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 4 || !bytes.Equal(buf, []byte("3456")) {
		t.Fatalf("ReadAt: got %q, want %q", buf[:n], "3456")
	}
}

func TestFDPoolBlocksWhenExhausted(t *testing.T) {
	pool := newFDPool(writePoolFixture(t), 1)
	defer pool.close()

	fd, err := pool.take()
	if err != nil {
		t.Fatalf("take: %v", err)
	}

	// With the only descriptor out, a second take must block until
	// it is returned.
	acquired := make(chan *os.File, 1)
	go func() {
		f, err := pool.take()
		if err != nil {
			t.Errorf("blocked take: %v", err)
			return
		}
		acquired <- f
	}()

	select {
	case <-acquired:
		t.Fatal("take succeeded with the pool exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	pool.put(fd)
	second := testutil.RequireReceive(t, acquired, 5*time.Second, "waiting for descriptor")
	pool.put(second)
}

func TestFDPoolPutAfterClose(t *testing.T) {
	pool := newFDPool(writePoolFixture(t), 1)
	fd, err := pool.take()
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	pool.close()

	// A descriptor returned after shutdown is closed on the spot, not
	// parked in the drained pool.
	pool.put(fd)
	if _, err := fd.ReadAt(make([]byte, 1), 0); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("descriptor still open after put: err=%v", err)
	}

	if _, err := pool.take(); !errors.Is(err, catalog.ErrSourceUnavailable) {
		t.Fatalf("take after close: err=%v", err)
	}
}

func TestFDPoolMissingFile(t *testing.T) {
	pool := newFDPool(filepath.Join(t.TempDir(), "absent.bin"), 1)
	defer pool.close()

	_, err := pool.ReadAt(make([]byte, 1), 0)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, catalog.ErrSourceUnavailable) {
		t.Fatalf("expected source-unavailable error, got %v", err)
	}
}
