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
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"
)

func dupFile(f *os.File) (*os.File, error) {
	fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("fcntl(F_DUPFD_CLOEXEC)", err)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}

// prepareAt returns -EBADF (an invalid fd) if dir is nil, otherwise using
// the dir.Fd(). We use -EBADF because in this package we generally don't
// want to allow relative-to-cwd paths. The returned path is an
// *informational* string that describes a reasonable pathname for the given
// *at(2) arguments. You must not use the full path for any actual filesystem
// operations.
func prepareAt(dir *os.File, path string) (dirFd int, unsafeUnmaskedPath string) {
	dirFd, dirPath := -int(unix.EBADF), "."
	if dir != nil {
		dirFd, dirPath = int(dir.Fd()), dir.Name()
	}
	if !filepath.IsAbs(path) {
		// only prepend the dirfd path for relative paths
		path = dirPath + "/" + path
	}
	return dirFd, path
}

func openatFile(dir *os.File, path string, flags int, mode int) (*os.File, error) {
	dirFd, fullPath := prepareAt(dir, path)
	// Every descriptor OpenBeneath hands out is close-on-exec and can never
	// become a controlling terminal, regardless of what the caller asked for.
	flags |= unix.O_CLOEXEC | unix.O_NOCTTY
	fd, err := unix.Openat(dirFd, path, flags, uint32(mode))
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: fullPath, Err: err}
	}
	runtime.KeepAlive(dir)
	fullPath = filepath.Clean(fullPath)
	return os.NewFile(uintptr(fd), fullPath), nil
}

func fstatatFile(dir *os.File, path string, flags int) (unix.Stat_t, error) {
	dirFd, fullPath := prepareAt(dir, path)
	var stat unix.Stat_t
	if err := unix.Fstatat(dirFd, path, &stat, flags); err != nil {
		return stat, &os.PathError{Op: "fstatat", Path: fullPath, Err: err}
	}
	runtime.KeepAlive(dir)
	return stat, nil
}

func readlinkatFile(dir *os.File, path string) (string, error) {
	dirFd, fullPath := prepareAt(dir, path)
	size := 4096
	for {
		linkBuf := make([]byte, size)
		n, err := unix.Readlinkat(dirFd, path, linkBuf)
		if err != nil {
			return "", &os.PathError{Op: "readlinkat", Path: fullPath, Err: err}
		}
		runtime.KeepAlive(dir)
		if n != size {
			return string(linkBuf[:n]), nil
		}
		// Possible truncation, resize the buffer.
		size *= 2
	}
}

func mkdiratFile(dir *os.File, path string, mode uint32) error {
	dirFd, fullPath := prepareAt(dir, path)
	if err := unix.Mkdirat(dirFd, path, mode); err != nil {
		return &os.PathError{Op: "mkdirat", Path: fullPath, Err: err}
	}
	runtime.KeepAlive(dir)
	return nil
}

func unlinkatFile(dir *os.File, path string, dirFlag bool) error {
	dirFd, fullPath := prepareAt(dir, path)
	var flags int
	if dirFlag {
		flags = unix.AT_REMOVEDIR
	}
	if err := unix.Unlinkat(dirFd, path, flags); err != nil {
		return &os.PathError{Op: "unlinkat", Path: fullPath, Err: err}
	}
	runtime.KeepAlive(dir)
	return nil
}

func symlinkatFile(target string, dir *os.File, path string) error {
	dirFd, fullPath := prepareAt(dir, path)
	if err := unix.Symlinkat(target, dirFd, path); err != nil {
		return &os.PathError{Op: "symlinkat", Path: fullPath, Err: err}
	}
	runtime.KeepAlive(dir)
	return nil
}

func renameatFile(oldDir *os.File, oldPath string, newDir *os.File, newPath string, flags uint) error {
	oldDirFd, oldFullPath := prepareAt(oldDir, oldPath)
	newDirFd, newFullPath := prepareAt(newDir, newPath)
	if err := unix.Renameat2(oldDirFd, oldPath, newDirFd, newPath, flags); err != nil {
		return &os.LinkError{Op: "renameat2", Old: oldFullPath, New: newFullPath, Err: err}
	}
	runtime.KeepAlive(oldDir)
	runtime.KeepAlive(newDir)
	return nil
}

func linkatFile(oldDir *os.File, oldPath string, newDir *os.File, newPath string) error {
	oldDirFd, oldFullPath := prepareAt(oldDir, oldPath)
	newDirFd, newFullPath := prepareAt(newDir, newPath)
	// AT_EMPTY_PATH semantics aren't needed here: oldPath always names a
	// real, non-empty path component relative to oldDir.
	if err := unix.Linkat(oldDirFd, oldPath, newDirFd, newPath, 0); err != nil {
		return &os.LinkError{Op: "linkat", Old: oldFullPath, New: newFullPath, Err: err}
	}
	runtime.KeepAlive(oldDir)
	runtime.KeepAlive(newDir)
	return nil
}

// isDeadInode detects whether dir refers to an inode that has since been
// unlinked, mirroring the upstream project's own dead-inode check used to
// give a better error than a bare ENOENT when an attacker deletes a
// directory out from under an in-progress walk.
func isDeadInode(dir *os.File) error {
	stat, err := fstatFile(dir)
	if err != nil {
		return err
	}
	if stat.Nlink == 0 {
		return &os.PathError{Op: "stat", Path: dir.Name(), Err: os.ErrNotExist}
	}
	return nil
}
