// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package fd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// atFd returns the raw fd to use as the dirfd argument of an *at(2) syscall,
// using AT_FDCWD if dir is nil (callers in this package never actually want
// cwd-relative behaviour, but the *at(2) syscalls require a dirfd and nil
// conventionally means "the fd this handle already refers to").
func atFd(dir Fd) int {
	if dir == nil {
		return unix.AT_FDCWD
	}
	return rawFd(dir)
}

// Fstat returns the result of fstat(2) on the given fd.
func Fstat(f Fd) (unix.Stat_t, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(rawFd(f), &stat); err != nil {
		return stat, &os.PathError{Op: "fstat", Path: f.Name(), Err: err}
	}
	runtime.KeepAlive(f)
	return stat, nil
}

// Fstatfs returns the result of fstatfs(2) on the given fd, used to identify
// the filesystem type a handle resides on (such as verifying a handle is
// really on procfs).
func Fstatfs(f Fd) (unix.Statfs_t, error) {
	var statfs unix.Statfs_t
	if err := unix.Fstatfs(rawFd(f), &statfs); err != nil {
		return statfs, &os.PathError{Op: "fstatfs", Path: f.Name(), Err: err}
	}
	runtime.KeepAlive(f)
	return statfs, nil
}

// Faccessat is a thin wrapper around faccessat2(2) (falling back to plain
// faccessat(2) if the extra flags argument isn't supported).
func Faccessat(dir Fd, path string, mode uint32, flags int) error {
	err := unix.Faccessat2(atFd(dir), path, mode, flags)
	if errors.Is(err, unix.ENOSYS) {
		// Pre-5.8 kernels don't have faccessat2(2). We only ever call this
		// with AT_SYMLINK_NOFOLLOW, which plain faccessat(2) doesn't support
		// either, but since we only use this for existence checks on procfs
		// magic-links (which are never symlinks to something else from the
		// caller's perspective) dropping the flag here is acceptable.
		err = unix.Faccessat(atFd(dir), path, mode, 0)
	}
	if err != nil {
		return &os.PathError{Op: "faccessat", Path: path, Err: err}
	}
	runtime.KeepAlive(dir)
	return nil
}

// Readlinkat reads the target of the symlink at dir+path, growing the buffer
// until the whole link fits.
func Readlinkat(dir Fd, path string) (string, error) {
	size := 4096
	for {
		buf := make([]byte, size)
		n, err := unix.Readlinkat(atFd(dir), path, buf)
		if err != nil {
			return "", &os.PathError{Op: "readlinkat", Path: path, Err: err}
		}
		runtime.KeepAlive(dir)
		if n != size {
			return string(buf[:n]), nil
		}
		size *= 2
	}
}

// IsDeadInode detects whether the given file handle refers to an inode that
// has since been unlinked (such as the other end of a magic-link whose
// target has since been removed). An unlinked inode has st_nlink == 0 for
// regular files, but magic-links and other procfs entries never have a
// positive link count to begin with, so this mirrors upstream's approach of
// treating the handle as dead only once it is confirmed to be unreachable.
func IsDeadInode(f Fd) error {
	stat, err := Fstat(f)
	if err != nil {
		return err
	}
	if stat.Nlink == 0 {
		return fmt.Errorf("%w: %s is a dead inode", os.ErrNotExist, f.Name())
	}
	return nil
}

// OpenTree wraps open_tree(2), returning a new detached (or attached, if
// OPEN_TREE_CLOEXEC|OPEN_TREE_CLONE isn't set) mount handle.
func OpenTree(dir Fd, path string, flags uint) (Fd, error) {
	fdNum, err := unix.OpenTree(atFd(dir), path, int(flags)|unix.OPEN_TREE_CLOEXEC)
	if err != nil {
		return nil, &os.PathError{Op: "open_tree", Path: path, Err: err}
	}
	runtime.KeepAlive(dir)
	return os.NewFile(uintptr(fdNum), path), nil
}

// Fsopen wraps fsopen(2), starting a new filesystem context for fsName.
func Fsopen(fsName string, flags int) (Fd, error) {
	fdNum, err := unix.Fsopen(fsName, flags)
	if err != nil {
		return nil, os.NewSyscallError("fsopen "+fsName, err)
	}
	return os.NewFile(uintptr(fdNum), "fscontext:"+fsName), nil
}

// Fsmount wraps fsmount(2), materialising a filesystem context created with
// [Fsopen] into a mount handle.
func Fsmount(ctx Fd, flags int, attrFlags uint) (Fd, error) {
	fdNum, err := unix.Fsmount(rawFd(ctx), flags, int(attrFlags))
	if err != nil {
		return nil, os.NewSyscallError("fsmount", err)
	}
	runtime.KeepAlive(ctx)
	return os.NewFile(uintptr(fdNum), "fsmount"), nil
}

// GetMountID returns a value that uniquely identifies the mount that
// dir+path resides on, for as long as that mount continues to exist. It
// tries (in order of preference) name_to_handle_at(2)'s mount ID output
// parameter, then statx(2)'s STATX_MNT_ID, falling back to the device number
// from fstatat(2) (which is coarser -- it cannot tell bind-mounts of the
// same filesystem apart -- but is always available).
func GetMountID(dir Fd, path string) (uint64, error) {
	if mountID, err := getMountIDNameToHandle(dir, path); err == nil {
		return mountID, nil
	}
	if mountID, err := getMountIDStatx(dir, path); err == nil {
		return mountID, nil
	}
	if path == "" && dir != nil {
		if mountID, err := getMountIDProcfsFdinfo(dir); err == nil {
			return mountID, nil
		}
	}
	var stat unix.Stat_t
	if err := unix.Fstatat(atFd(dir), path, &stat, unix.AT_SYMLINK_NOFOLLOW|unix.AT_EMPTY_PATH); err != nil {
		return 0, &os.PathError{Op: "fstatat", Path: path, Err: err}
	}
	runtime.KeepAlive(dir)
	return uint64(stat.Dev), nil
}

// getMountIDNameToHandle uses the name_to_handle_at(2) mount ID output
// parameter, which is the most precise (and cheapest) source of mount
// identity available, but requires a reasonably recent kernel.
func getMountIDNameToHandle(dir Fd, path string) (uint64, error) {
	var (
		handle   unix.FileHandle
		mountID  int
		err      error
	)
	handle, mountID, err = unix.NameToHandleAt(atFd(dir), path, unix.AT_EMPTY_PATH)
	if err != nil {
		return 0, err
	}
	runtime.KeepAlive(dir)
	_ = handle
	return uint64(mountID), nil
}

// getMountIDStatx uses statx(2)'s STATX_MNT_ID (and STATX_MNT_ID_UNIQUE on
// kernels >= 6.8, which is resistant to mount ID reuse after unmount).
func getMountIDStatx(dir Fd, path string) (uint64, error) {
	var stx unix.Statx_t
	mask := uint32(unix.STATX_MNT_ID_UNIQUE)
	err := unix.Statx(atFd(dir), path, unix.AT_SYMLINK_NOFOLLOW|unix.AT_EMPTY_PATH, int(mask), &stx)
	if err == nil && stx.Mask&mask != 0 {
		runtime.KeepAlive(dir)
		return stx.Mnt_id, nil
	}
	mask = unix.STATX_MNT_ID
	err = unix.Statx(atFd(dir), path, unix.AT_SYMLINK_NOFOLLOW|unix.AT_EMPTY_PATH, int(mask), &stx)
	if err != nil {
		return 0, err
	}
	if stx.Mask&mask == 0 {
		return 0, errors.New("statx: kernel did not return STATX_MNT_ID")
	}
	runtime.KeepAlive(dir)
	return stx.Mnt_id, nil
}

// getMountIDProcfsFdinfo is the fallback GetMountID uses for a live fd
// (empty path) on kernels where neither the name_to_handle_at(2) trick nor
// statx(2)'s STATX_MNT_ID is available: it parses the "mnt_id:" line out of
// /proc/self/fdinfo/<fd>, after checking with fstatfs(2) that the opened
// fdinfo file really is on procfs.
func getMountIDProcfsFdinfo(f Fd) (uint64, error) {
	path := "/proc/self/fdinfo/" + strconv.Itoa(int(f.Fd()))
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	if statfs, err := Fstatfs(file); err != nil {
		return 0, err
	} else if statfs.Type != unix.PROC_SUPER_MAGIC {
		return 0, fmt.Errorf("%s is not on procfs (f_type 0x%x)", path, statfs.Type)
	}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "mnt_id:"); ok {
			n, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse mnt_id line %q: %w", line, err)
			}
			return n, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no mnt_id line found in %s", path)
}
