// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package securejoin

import (
	"os"

	"golang.org/x/sys/unix"
)

// OpenOptions builds up the flags for a single OpenBeneath call against a
// Dir, analogous to os.OpenFile's *os.OpenFile flags but scoped to a
// directory and validated the same way the reference implementation's
// own builder is (read-only is incompatible with create/truncate, and one
// of read or write must always be requested).
type OpenOptions struct {
	dir *Dir

	read, write         bool
	create, createNew   bool
	append, truncate    bool
	customFlags         int
	mode                os.FileMode
	lookupFlags         LookupFlags
}

func newOpenOptions(dir *Dir) *OpenOptions {
	return &OpenOptions{dir: dir, mode: 0o666}
}

// Read enables read access.
func (o *OpenOptions) Read(v bool) *OpenOptions { o.read = v; return o }

// Write enables write access.
func (o *OpenOptions) Write(v bool) *OpenOptions { o.write = v; return o }

// Create creates the file if it doesn't already exist.
func (o *OpenOptions) Create(v bool) *OpenOptions { o.create = v; return o }

// CreateNew creates the file atomically, failing if it already exists. This
// overrides Create and Truncate.
func (o *OpenOptions) CreateNew(v bool) *OpenOptions { o.createNew = v; return o }

// Append enables append mode (implies write access, see Open).
func (o *OpenOptions) Append(v bool) *OpenOptions { o.append = v; return o }

// Truncate truncates the file to zero length if it already exists.
func (o *OpenOptions) Truncate(v bool) *OpenOptions { o.truncate = v; return o }

// Mode sets the permission bits used if a new file is created.
func (o *OpenOptions) Mode(mode os.FileMode) *OpenOptions { o.mode = mode; return o }

// CustomFlags ORs extra unix.O_* bits into the final open(2) flags.
// O_ACCMODE bits are masked out -- use Read/Write to control access mode.
func (o *OpenOptions) CustomFlags(flags int) *OpenOptions { o.customFlags = flags; return o }

// LookupFlags sets the containment lookup flags passed to OpenBeneath.
func (o *OpenOptions) LookupFlags(flags LookupFlags) *OpenOptions { o.lookupFlags = flags; return o }

// flags computes the open(2) flag bitset for the accumulated options,
// failing fast with EINVAL for combinations that don't make sense, before
// any syscall is made. Some of these combinations (such as read-only with
// create) would be accepted by open(2) itself.
func (o *OpenOptions) flags() (int, error) {
	flags := o.customFlags &^ unix.O_ACCMODE

	switch {
	case o.write || o.append:
		if o.read {
			flags |= unix.O_RDWR
		} else {
			flags |= unix.O_WRONLY
		}
		if o.createNew {
			flags |= unix.O_CREAT | unix.O_EXCL
		} else {
			if o.create {
				flags |= unix.O_CREAT
			}
			if o.truncate {
				flags |= unix.O_TRUNC
			}
		}
		if o.append {
			flags |= unix.O_APPEND
		}

	case o.read:
		flags |= unix.O_RDONLY
		if o.create || o.createNew || o.truncate {
			return 0, unix.EINVAL
		}

	default:
		return 0, unix.EINVAL
	}
	return flags, nil
}

// Open resolves path beneath the Dir this OpenOptions was built from and
// opens it with the accumulated options.
func (o *OpenOptions) Open(path string) (*os.File, error) {
	flags, err := o.flags()
	if err != nil {
		return nil, err
	}
	return OpenBeneath(o.dir.f, path, flags, int(o.mode), o.lookupFlags)
}
