// Copyright (C) 2017-2025 SUSE LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package securejoin

// LookupFlags controls how OpenBeneath resolves a path.
type LookupFlags uint32

const (
	// NoSymlinks causes OpenBeneath to fail with ELOOP if any component of
	// the path (including the final component) is a symlink.
	NoSymlinks LookupFlags = 1 << iota
	// InRoot causes a path which would otherwise escape the root (via
	// excessive ".." components, or absolute symlinks) to be clamped at the
	// root, rather than returning EXDEV. This mirrors the semantics of
	// RESOLVE_IN_ROOT on Linux and chroot(2)-style path resolution.
	InRoot
	// NoXDev causes OpenBeneath to fail with EXDEV if resolution would ever
	// cross a mount point, including back up through the root's own mount
	// boundary.
	NoXDev
)

// has reports whether all of the bits in want are set in flags.
func (flags LookupFlags) has(want LookupFlags) bool {
	return flags&want == want
}
