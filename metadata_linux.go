// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package securejoin

import (
	"io/fs"

	"golang.org/x/sys/unix"
)

// FileType is a closed enumeration over the file types OpenBeneath and the
// Dir wrapper can report. It exists (rather than callers using
// os.FileMode.Type() directly) so that Metadata doesn't need to round-trip
// through os.FileInfo just to classify a raw unix.Stat_t.
type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeFile
	FileTypeDirectory
	FileTypeSymlink
	FileTypeSocket
	FileTypeBlock
	FileTypeCharacter
	FileTypeFifo
)

// String returns a short, lowercase name for t, suitable for error messages.
func (t FileType) String() string {
	switch t {
	case FileTypeFile:
		return "file"
	case FileTypeDirectory:
		return "directory"
	case FileTypeSymlink:
		return "symlink"
	case FileTypeSocket:
		return "socket"
	case FileTypeBlock:
		return "block device"
	case FileTypeCharacter:
		return "character device"
	case FileTypeFifo:
		return "fifo"
	default:
		return "unknown"
	}
}

func fileTypeFromMode(mode uint32) FileType {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return FileTypeFile
	case unix.S_IFDIR:
		return FileTypeDirectory
	case unix.S_IFLNK:
		return FileTypeSymlink
	case unix.S_IFSOCK:
		return FileTypeSocket
	case unix.S_IFBLK:
		return FileTypeBlock
	case unix.S_IFCHR:
		return FileTypeCharacter
	case unix.S_IFIFO:
		return FileTypeFifo
	default:
		return FileTypeUnknown
	}
}

// Metadata wraps a raw unix.Stat_t with typed accessors, analogous to
// os.FileInfo but without the extra allocation and lstat-vs-stat ambiguity
// that os.Lstat/os.Stat carry.
type Metadata struct {
	stat unix.Stat_t
}

// NewMetadata wraps a raw unix.Stat_t as returned by Fstat/Fstatat.
func NewMetadata(stat unix.Stat_t) Metadata {
	return Metadata{stat: stat}
}

// Stat returns the underlying unix.Stat_t.
func (m Metadata) Stat() unix.Stat_t { return m.stat }

// FileType classifies the file's type.
func (m Metadata) FileType() FileType { return fileTypeFromMode(m.stat.Mode) }

// IsDir reports whether m describes a directory.
func (m Metadata) IsDir() bool { return m.FileType() == FileTypeDirectory }

// IsSymlink reports whether m describes a symbolic link.
func (m Metadata) IsSymlink() bool { return m.FileType() == FileTypeSymlink }

// IsRegular reports whether m describes a regular file.
func (m Metadata) IsRegular() bool { return m.FileType() == FileTypeFile }

// Size returns the file size in bytes.
func (m Metadata) Size() int64 { return m.stat.Size }

// Mode returns st_mode & 0o7777: the permission bits plus the raw unix
// setuid/setgid/sticky bits, without any S_IFMT type bits and without Go's
// fs.FileMode high bits. Use FileType() for the file's type.
func (m Metadata) Mode() fs.FileMode { return fs.FileMode(m.stat.Mode & 0o7777) }

// UID returns the owning user id.
func (m Metadata) UID() uint32 { return m.stat.Uid }

// GID returns the owning group id.
func (m Metadata) GID() uint32 { return m.stat.Gid }

// Dev returns the device id the inode resides on.
func (m Metadata) Dev() uint64 { return uint64(m.stat.Dev) }

// Ino returns the inode number.
func (m Metadata) Ino() uint64 { return m.stat.Ino }

// SameFile reports whether m and other refer to the same (device, inode)
// pair, mirroring os.SameFile's semantics without needing an os.FileInfo.
func (m Metadata) SameFile(other Metadata) bool {
	return sameStat(m.stat, other.stat)
}
