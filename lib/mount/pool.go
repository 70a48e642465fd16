// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/stratafs/strata/lib/catalog"
)

// fdPool bounds the open descriptors held against one source file.
// Slots start empty and open lazily; a full pool blocks the caller
// until a descriptor is returned.
type fdPool struct {
	path  string
	slots chan *os.File
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func newFDPool(path string, size int) *fdPool {
	p := &fdPool{
		path:  path,
		slots: make(chan *os.File, size),
		done:  make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.slots <- nil
	}
	return p
}

// take borrows a descriptor, opening one the first time a slot is
// used. The caller must give it back, the slot included, even on
// error. Closing the pool unblocks waiters.
func (p *fdPool) take() (*os.File, error) {
	select {
	case f := <-p.slots:
		if f != nil {
			return f, nil
		}
	case <-p.done:
		return nil, fmt.Errorf("%w: source closed", catalog.ErrSourceUnavailable)
	}
	f, err := os.Open(p.path)
	if err != nil {
		p.put(nil)
		return nil, fmt.Errorf("%w: %v", catalog.ErrSourceUnavailable, err)
	}
	return f, nil
}

// put returns a borrowed descriptor. The mutex keeps the return
// atomic with close's drain, so a descriptor cannot slip into the
// channel after shutdown and leak. The send cannot block: borrowed
// slots never outnumber the channel's capacity.
func (p *fdPool) put(f *os.File) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if f != nil {
			f.Close()
		}
		return
	}
	p.slots <- f
}

// close drains and closes every idle descriptor. Borrowed ones are
// closed as they come back.
func (p *fdPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	for {
		select {
		case f := <-p.slots:
			if f != nil {
				f.Close()
			}
		default:
			return
		}
	}
}

// ReadAt borrows a descriptor per call, so the pool's bound applies
// to concurrent source IO, not to open handles.
func (p *fdPool) ReadAt(b []byte, off int64) (int, error) {
	f, err := p.take()
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(b, off)
	p.put(f)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %v", catalog.ErrSourceUnavailable, err)
	}
	return n, err
}
