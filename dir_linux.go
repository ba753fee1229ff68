// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package securejoin

import (
	"fmt"
	"os"
	"path"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/openbeneath/openbeneath/internal"
	"github.com/openbeneath/openbeneath/internal/procfs"
)

// Dir wraps a single directory file descriptor (it is not reference-counted:
// Close closes it, and TryClone makes an independent duplicate). Its
// path-taking methods resolve through OpenBeneath, except CreateDir, which
// walks the existing prefix with partialLookupInRoot, so that containment
// holds regardless of what lives inside the directory at the time of the
// call.
type Dir struct {
	f *os.File
}

// OpenDir opens path (following the ambient CWD, like os.Open) as a Dir.
// Unlike OpenBeneath, this does not confine path to any root -- it's the
// entry point callers use to obtain the root Dir in the first place.
func OpenDir(path string) (*Dir, error) {
	f, err := os.OpenFile(path, dirOpenFlags, 0)
	if err != nil {
		return nil, err
	}
	return &Dir{f: f}, nil
}

// newDirFromFile takes ownership of f as a Dir, assuming f already refers
// to a directory (as guaranteed by OpenBeneath/openatFile with
// dirOpenFlags).
func newDirFromFile(f *os.File) *Dir { return &Dir{f: f} }

// Close releases the underlying descriptor.
func (d *Dir) Close() error { return d.f.Close() }

// Fd returns the raw descriptor number, satisfying internal/fd.Fd.
func (d *Dir) Fd() uintptr { return d.f.Fd() }

// Name returns an informational path for the directory, exactly as
// *os.File.Name does -- not safe to use for any further filesystem calls.
func (d *Dir) Name() string { return d.f.Name() }

// TryClone duplicates the underlying descriptor, yielding an independent
// Dir that shares no mutable state with the original (equivalent to
// self.sub_dir(".") in the reference implementation, but without a fresh
// lookup).
func (d *Dir) TryClone() (*Dir, error) {
	dup, err := dupFile(d.f)
	if err != nil {
		return nil, err
	}
	return &Dir{f: dup}, nil
}

// SubDir opens a subdirectory of d via OpenBeneath as a readable directory
// handle (dirOpenFlags without O_PATH, plus O_DIRECTORY).
func (d *Dir) SubDir(path string, lookupFlags LookupFlags) (*Dir, error) {
	f, err := OpenBeneath(d.f, path, dirOpenFlags&^unix.O_PATH|unix.O_DIRECTORY, 0, lookupFlags)
	if err != nil {
		return nil, err
	}
	return newDirFromFile(f), nil
}

// OpenFile returns an OpenOptions builder for opening a file beneath d.
func (d *Dir) OpenFile() *OpenOptions { return newOpenOptions(d) }

// Create is shorthand for the common O_WRONLY|O_CREAT|O_TRUNC case.
func (d *Dir) Create(path string, mode os.FileMode) (*os.File, error) {
	return d.OpenFile().Write(true).Create(true).Truncate(true).Mode(mode).Open(path)
}

// Open opens path for reading beneath d.
func (d *Dir) Open(path string) (*os.File, error) {
	return d.OpenFile().Read(true).Open(path)
}

// CreateDir creates path (and any missing parent components) beneath d,
// mirroring mkdir -p semantics. mode must be a plain permission bitmask (no
// setuid/setgid/sticky or S_IFMT bits) -- it is validated before any
// syscall runs.
func (d *Dir) CreateDir(unsafePath string, mode os.FileMode) error {
	if mode&^os.FileMode(0o7777) != 0 {
		return fmt.Errorf("%w for mkdir %s", internal.ErrInvalidMode, mode)
	}

	currentDir, remainingPath, err := partialLookupInRoot(d.f, unsafePath)
	if err != nil {
		return fmt.Errorf("find existing subpath of %q: %w", unsafePath, err)
	}
	defer func() { _ = currentDir.Close() }()

	if err := isDeadInode(currentDir); err != nil {
		return fmt.Errorf("finding existing subpath of %q: %w", unsafePath, err)
	}
	if st, err := currentDir.Stat(); err != nil {
		return fmt.Errorf("stat existing subpath handle %q: %w", currentDir.Name(), err)
	} else if !st.IsDir() {
		return fmt.Errorf("cannot create subdirectories in %q: %w", currentDir.Name(), unix.ENOTDIR)
	}

	remainingParts := strings.Split(remainingPath, "/")
	for _, part := range remainingParts {
		if part == ".." {
			return fmt.Errorf("%w: yet-to-be-created path %q contains '..' components", unix.ENOENT, remainingPath)
		}
	}

	for _, part := range remainingParts {
		switch part {
		case "", ".":
			continue
		}
		if err := mkdiratFile(currentDir, part, uint32(mode)); err != nil {
			if err2 := isDeadInode(currentDir); err2 != nil {
				return fmt.Errorf("%w (%w)", err, err2)
			}
			return err
		}
		next, err := openatFile(currentDir, part, dirOpenFlags|unix.O_NOFOLLOW, 0)
		if err != nil {
			return err
		}
		_ = currentDir.Close()
		currentDir = next
	}
	return nil
}

// prepareInnerOperation resolves the parent directory of the leaf named by
// path, returning (nil, leafName) when the leaf lives directly in d, or
// (subdir, leafName) when it lives deeper. When path names a whole
// directory rather than an entry in one ("/" under InRoot, or a path whose
// last component is "." or ".." or which ends in "/"), the leaf name is
// empty and subdir is that directory (nil for "/", meaning d itself); each
// caller decides what an empty leaf means for its operation.
func prepareInnerOperation(d *Dir, unsafePath string, lookupFlags LookupFlags) (*Dir, string, error) {
	p := unsafePath
	if strings.HasPrefix(p, "/") {
		if !lookupFlags.has(InRoot) {
			return nil, "", unix.EXDEV
		}
		p = strings.TrimPrefix(p, "/")
		if p == "" {
			return nil, "", nil
		}
	} else if p == "" {
		return nil, "", unix.ENOENT
	}

	dir, base := path.Split(p)
	dir = strings.TrimSuffix(dir, "/")

	if base == ".." {
		// "a/b/.." or plain "..": no (parent, leaf) split is possible; the
		// whole path names a directory, not a leaf within one.
		sub, err := d.SubDir(unsafePath, lookupFlags)
		if err != nil {
			return nil, "", err
		}
		return sub, "", nil
	}
	if base == "." || base == "" {
		sub, err := d.SubDir(unsafePath, lookupFlags)
		if err != nil {
			return nil, "", err
		}
		return sub, "", nil
	}

	if dir == "" {
		return nil, base, nil
	}
	sub, err := d.SubDir(dir, lookupFlags)
	if err != nil {
		return nil, "", err
	}
	return sub, base, nil
}

func sameDir(a, b *Dir) (bool, error) {
	am, err := a.SelfMetadata()
	if err != nil {
		return false, err
	}
	bm, err := b.SelfMetadata()
	if err != nil {
		return false, err
	}
	return am.SameFile(bm), nil
}

// RemoveDir removes an empty subdirectory of d.
func (d *Dir) RemoveDir(unsafePath string, lookupFlags LookupFlags) error {
	subdir, fname, err := prepareInnerOperation(d, unsafePath, lookupFlags)
	if err != nil {
		return err
	}
	parent := d.f
	if subdir != nil {
		defer subdir.Close()
		parent = subdir.f
	}
	if fname != "" {
		if err := unlinkatFile(parent, fname, true); err != nil {
			return err
		}
		return nil
	}
	isSame := true
	if subdir != nil {
		isSame, err = sameDir(d, subdir)
		if err != nil {
			return err
		}
	}
	if isSame {
		return unix.EBUSY
	}
	return unix.ENOTEMPTY
}

// RemoveFile removes a non-directory entry within d.
func (d *Dir) RemoveFile(unsafePath string, lookupFlags LookupFlags) error {
	subdir, fname, err := prepareInnerOperation(d, unsafePath, lookupFlags)
	if err != nil {
		return err
	}
	parent := d.f
	if subdir != nil {
		defer subdir.Close()
		parent = subdir.f
	}
	if fname == "" {
		return unix.EISDIR
	}
	return unlinkatFile(parent, fname, false)
}

// Symlink creates a symlink at path, pointing to target. Note the argument
// order matches the reference implementation (and this package's general
// convention of "path being created" first), which is swapped relative to
// the C symlink(2)/os.Symlink convention.
func (d *Dir) Symlink(unsafePath, target string, lookupFlags LookupFlags) error {
	subdir, fname, err := prepareInnerOperation(d, unsafePath, lookupFlags)
	if err != nil {
		return err
	}
	parent := d.f
	if subdir != nil {
		defer subdir.Close()
		parent = subdir.f
	}
	if fname == "" {
		return unix.EEXIST
	}
	return symlinkatFile(target, parent, fname)
}

// ReadLink reads the target of the symlink at path.
func (d *Dir) ReadLink(unsafePath string, lookupFlags LookupFlags) (string, error) {
	file, err := OpenBeneath(d.f, unsafePath, unix.O_PATH|unix.O_NOFOLLOW, 0, lookupFlags)
	if err != nil {
		return "", err
	}
	defer file.Close()
	target, err := readlinkatFile(file, "")
	if err != nil {
		return "", err
	}
	return target, nil
}

// Rename renames oldpath (beneath d) to newpath beneath newDir.
func (d *Dir) Rename(oldpath string, newDir *Dir, newpath string, lookupFlags LookupFlags) error {
	oldSubdir, oldName, err := prepareInnerOperation(d, oldpath, lookupFlags)
	if err != nil {
		return err
	}
	if oldSubdir != nil {
		defer oldSubdir.Close()
	}
	if oldName == "" {
		return unix.EBUSY
	}
	newSubdir, newName, err := prepareInnerOperation(newDir, newpath, lookupFlags)
	if err != nil {
		return err
	}
	if newSubdir != nil {
		defer newSubdir.Close()
	}
	if newName == "" {
		return unix.EEXIST
	}
	oldParent, newParent := d.f, newDir.f
	if oldSubdir != nil {
		oldParent = oldSubdir.f
	}
	if newSubdir != nil {
		newParent = newSubdir.f
	}
	return renameatFile(oldParent, oldName, newParent, newName, 0)
}

// Link creates a hardlink at newpath (beneath newDir), pointing to oldpath
// (beneath d).
func (d *Dir) Link(oldpath string, newDir *Dir, newpath string, lookupFlags LookupFlags) error {
	oldSubdir, oldName, err := prepareInnerOperation(d, oldpath, lookupFlags)
	if err != nil {
		return err
	}
	if oldSubdir != nil {
		defer oldSubdir.Close()
	}
	if oldName == "" {
		return unix.EPERM
	}
	newSubdir, newName, err := prepareInnerOperation(newDir, newpath, lookupFlags)
	if err != nil {
		return err
	}
	if newSubdir != nil {
		defer newSubdir.Close()
	}
	if newName == "" {
		return unix.EEXIST
	}
	oldParent, newParent := d.f, newDir.f
	if oldSubdir != nil {
		oldParent = oldSubdir.f
	}
	if newSubdir != nil {
		newParent = newSubdir.f
	}
	return linkatFile(oldParent, oldName, newParent, newName)
}

// ListSelf lists d's own entries.
func (d *Dir) ListSelf() (*ReadDirIter, error) {
	f, err := openatFile(d.f, ".", unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return newReadDirIter(f), nil
}

// ReadDir lists the entries of the subdirectory at path.
func (d *Dir) ReadDir(unsafePath string, lookupFlags LookupFlags) (*ReadDirIter, error) {
	f, err := OpenBeneath(d.f, unsafePath, unix.O_DIRECTORY|unix.O_RDONLY, 0, lookupFlags)
	if err != nil {
		return nil, err
	}
	return newReadDirIter(f), nil
}

// SelfMetadata stats d itself.
func (d *Dir) SelfMetadata() (Metadata, error) {
	stat, err := fstatFile(d.f)
	if err != nil {
		return Metadata{}, err
	}
	return NewMetadata(stat), nil
}

// Lstat stats path beneath d without following a trailing symlink.
func (d *Dir) Lstat(unsafePath string, lookupFlags LookupFlags) (Metadata, error) {
	subdir, fname, err := prepareInnerOperation(d, unsafePath, lookupFlags)
	if err != nil {
		return Metadata{}, err
	}
	parent := d
	if subdir != nil {
		defer subdir.Close()
		parent = subdir
	}
	if fname == "" {
		return parent.SelfMetadata()
	}
	stat, err := fstatatFile(parent.f, fname, unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		return Metadata{}, err
	}
	return NewMetadata(stat), nil
}

// Stat stats path beneath d, following a trailing symlink.
func (d *Dir) Stat(unsafePath string, lookupFlags LookupFlags) (Metadata, error) {
	f, err := OpenBeneath(d.f, unsafePath, unix.O_PATH, 0, lookupFlags)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()
	stat, err := fstatFile(f)
	if err != nil {
		return Metadata{}, err
	}
	return NewMetadata(stat), nil
}

// Chdir makes d the process's current working directory. This is a
// process-wide side effect (fchdir(2) is not thread-local); callers running
// multiple goroutines must serialize their own use of relative paths
// against this call.
func (d *Dir) Chdir() error {
	return unix.Fchdir(int(d.f.Fd()))
}

// RecoverPath reconstructs the path d is currently open to, by reading
// /proc/thread-self/fd/$n through a hardened procfs handle. This is
// inherently racy against concurrent renames and must never be used to
// reopen a file for any security-sensitive purpose -- it exists for
// diagnostics and logging, not for round-tripping into OpenBeneath.
func (d *Dir) RecoverPath() (string, error) {
	return procfs.ProcSelfFdReadlink(d.f)
}

// Reopen opens a new descriptor, with flags (plus O_CLOEXEC), for the path
// that RecoverPath reports for d. That path string is resolved again
// through the ambient filesystem, so if d has been moved, removed or
// replaced in the meantime, the result refers to whatever is at the path
// now, or the open fails.
func (d *Dir) Reopen(flags int) (*os.File, error) {
	path, err := d.RecoverPath()
	if err != nil {
		return nil, err
	}
	return os.OpenFile(path, flags|unix.O_CLOEXEC, 0)
}
