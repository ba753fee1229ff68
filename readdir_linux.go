// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package securejoin

import (
	"io"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// ReadDirIter streams the entries of an open directory. Unlike the
// reference implementation's libc fdopendir/readdir/rewinddir bindings,
// this wraps os.File.ReadDir, which already batches getdents64(2) calls and
// exposes d_type (via fs.DirEntry.Type()) without an extra stat whenever
// the kernel filled it in -- so there is no reason to hand-roll the same
// mechanism again here.
type ReadDirIter struct {
	f       *os.File
	pending []fs.DirEntry
	i       int
	err     error
}

// newReadDirIter takes ownership of f, which must already be open
// O_DIRECTORY; f is closed when the iterator is exhausted or Close is
// called explicitly.
func newReadDirIter(f *os.File) *ReadDirIter {
	return &ReadDirIter{f: f}
}

// readDirBatchSize bounds how many entries ReadDirIter buffers per underlying
// ReadDir call; it is a plain tuning constant, not part of any contract.
const readDirBatchSize = 128

// Next advances the iterator and returns the next entry, or (Entry{},
// false) once the directory is exhausted or an error has occurred (check
// Err in that case).
func (it *ReadDirIter) Next() (Entry, bool) {
	for it.i >= len(it.pending) {
		if it.err != nil || it.f == nil {
			return Entry{}, false
		}
		entries, err := it.f.ReadDir(readDirBatchSize)
		if len(entries) == 0 {
			if err != nil && err != io.EOF {
				it.err = err
			}
			_ = it.f.Close()
			it.f = nil
			return Entry{}, false
		}
		it.pending = entries
		it.i = 0
	}
	e := it.pending[it.i]
	it.i++
	return Entry{dirEntry: e, parent: it.f}, true
}

// Err returns the first error encountered while reading the directory, if
// any (io.EOF is never reported here -- exhaustion is signalled solely via
// Next returning false with a nil Err).
func (it *ReadDirIter) Err() error { return it.err }

// Close releases the underlying directory handle. It is safe to call after
// the iterator has already been exhausted.
func (it *ReadDirIter) Close() error {
	if it.f == nil {
		return nil
	}
	err := it.f.Close()
	it.f = nil
	return err
}

// Entry is a single directory entry, with file-type information available
// without a stat when the kernel provided d_type, and on-demand Metadata()
// otherwise (or always, for callers that need the full unix.Stat_t).
type Entry struct {
	dirEntry fs.DirEntry
	parent   *os.File
}

// Name returns the entry's filename (never "." or "..").
func (e Entry) Name() string { return e.dirEntry.Name() }

// FileType returns the entry's type if the kernel supplied it without a
// stat call (fs.DirEntry.Type() does this via d_type); FileTypeUnknown if
// the kernel didn't fill it in, in which case callers needing the type
// should fall back to Metadata().
func (e Entry) FileType() FileType {
	mode := e.dirEntry.Type()
	switch {
	case mode.IsRegular():
		return FileTypeFile
	case mode&fs.ModeDir != 0:
		return FileTypeDirectory
	case mode&fs.ModeSymlink != 0:
		return FileTypeSymlink
	case mode&fs.ModeSocket != 0:
		return FileTypeSocket
	case mode&fs.ModeDevice != 0 && mode&fs.ModeCharDevice != 0:
		return FileTypeCharacter
	case mode&fs.ModeDevice != 0:
		return FileTypeBlock
	case mode&fs.ModeNamedPipe != 0:
		return FileTypeFifo
	default:
		return FileTypeUnknown
	}
}

// Metadata stats the entry (AT_SYMLINK_NOFOLLOW, consistent with the
// resolver's own non-follow default for intermediate components).
func (e Entry) Metadata() (Metadata, error) {
	stat, err := fstatatFile(e.parent, e.dirEntry.Name(), unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		return Metadata{}, err
	}
	return NewMetadata(stat), nil
}
