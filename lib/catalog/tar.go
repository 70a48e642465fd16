// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"archive/tar"
	"errors"
	"io"
)

func init() {
	registerBackend(&backend{format: "tar", shape: ShapeHeaderStream, scan: scanTar})
}

// offsetReader tracks how many bytes the tar reader has consumed.
// Right after Next returns, the count sits exactly at the start of
// the entry's data, because archive/tar reads whole 512-byte blocks
// and never ahead of them.
type offsetReader struct {
	r io.Reader
	n int64
}

func (o *offsetReader) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	o.n += int64(n)
	return n, err
}

func scanTar(st *buildState) error {
	counting := &offsetReader{r: st.sequential()}
	tr := tar.NewReader(counting)
	members := 0

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// A damaged or truncated tail still leaves the members
			// already parsed mountable.
			if members > 0 {
				st.logger.Warn("tar scan stopped early",
					"archive", st.label, "members", members, "error", err)
				return nil
			}
			return err
		}

		parts := splitPath(hdr.Name)
		if len(parts) == 0 {
			continue
		}
		dataOff := counting.n
		parent := ensureDir(st.root, parts[:len(parts)-1], hdr.ModTime)
		name := parts[len(parts)-1]
		mode := hdr.FileInfo().Mode()

		switch hdr.Typeflag {
		case tar.TypeDir:
			parent.Add(&Record{
				Name:    name,
				Kind:    KindDir,
				Mode:    mode,
				ModTime: hdr.ModTime,
			})

		case tar.TypeReg:
			parent.Add(&Record{
				Name:    name,
				Kind:    KindRegular,
				Size:    hdr.Size,
				Mode:    mode,
				ModTime: hdr.ModTime,
				Location: Location{
					Kind:      LocDirect,
					Container: st.container,
					Offset:    dataOff,
					Length:    hdr.Size,
				},
			})
			members++

		case tar.TypeSymlink:
			parent.Add(&Record{
				Name:       name,
				Kind:       KindSymlink,
				Mode:       mode,
				ModTime:    hdr.ModTime,
				LinkTarget: hdr.Linkname,
			})

		case tar.TypeLink:
			parent.Add(&Record{
				Name:       name,
				Kind:       KindHardlink,
				Mode:       mode,
				ModTime:    hdr.ModTime,
				LinkTarget: hdr.Linkname,
			})

		case tar.TypeGNUSparse:
			// Sparse data offsets are not contiguous; a byte range
			// cannot address the content.
			st.logger.Warn("skipping sparse member", "archive", st.label, "member", hdr.Name)

		case tar.TypeXGlobalHeader, tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			// Nothing mountable.

		default:
			st.logger.Debug("skipping member",
				"archive", st.label, "member", hdr.Name, "typeflag", hdr.Typeflag)
		}
	}
}
