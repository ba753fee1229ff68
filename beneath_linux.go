//go:build linux

// Copyright (C) 2017-2025 SUSE LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package securejoin

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/openbeneath/openbeneath/internal/fd"
	"github.com/openbeneath/openbeneath/internal/linux"
)

// dirOpenFlags are the flags used to open every path component except the
// last: we only ever want a non-following handle to a directory, since
// symlinks are handled explicitly by the resolver loop. O_NOFOLLOW is added
// separately at open time (for every component, including the last), so
// that symlink detection is uniform regardless of what the caller asked
// for.
const dirOpenFlags = unix.O_PATH | unix.O_DIRECTORY | unix.O_CLOEXEC

// component is a single path element still to be resolved, along with the
// open(2) flags that should be used once we actually get to open it, and
// whether it is (still) the final component of the path as originally
// given to OpenBeneath. final matters for two things: whether an implicit
// O_NOFOLLOW from the caller's own flags should turn a trailing symlink
// into an error instead of being expanded, and (indirectly, via flags)
// whether a trailing "/" requires the result to be a directory.
type component struct {
	name  string
	flags int
	final bool
}

// symlinkBudget tracks how many more symlinks may be expanded before
// resolution must fail with ELOOP. NoSymlinks is represented by a budget of
// zero.
type symlinkBudget struct {
	max  uint16
	used uint16
}

func newSymlinkBudget(lookupFlags LookupFlags) symlinkBudget {
	if lookupFlags.has(NoSymlinks) {
		return symlinkBudget{}
	}
	max := linux.GetSymlinkMax()
	if max > 0xffff {
		max = 0xffff
	}
	return symlinkBudget{max: uint16(max)}
}

func (b *symlinkBudget) exhausted() bool { return b.max == 0 || b.used >= b.max }

func (b *symlinkBudget) take() error {
	if b.exhausted() {
		return unix.ELOOP
	}
	b.used++
	return nil
}

// tokenize splits path into its non-trivial components ("." is discarded,
// repeated "/" collapse), reporting whether path was absolute. This mirrors
// the filtering Rust's Path::components() does for free, which this port
// has to do by hand since strings.Split doesn't collapse "" or "." tokens.
func tokenize(path string) (parts []string, absolute bool) {
	absolute = strings.HasPrefix(path, "/")
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." {
			continue
		}
		parts = append(parts, part)
	}
	return parts, absolute
}

// splitPath tokenises path into a queue of components ready for resolution.
// Every component but the last uses dirOpenFlags; the last inherits flags
// (plus O_DIRECTORY if the original path had a trailing slash or "."). An
// absolute path additionally emits a leading root marker ("/"), so that the
// main resolver loop's own containment check (EXDEV absent InRoot) applies
// uniformly to both the original path and to absolute symlink targets
// spliced in later by splitLinkPathInto.
func splitPath(unsafePath string, flags int) ([]component, error) {
	if unsafePath == "" {
		return nil, unix.ENOENT
	}

	lastFlags := flags
	if strings.HasSuffix(unsafePath, "/") || strings.HasSuffix(unsafePath, "/.") {
		lastFlags |= unix.O_DIRECTORY
	}

	parts, absolute := tokenize(unsafePath)

	var queue []component
	if absolute {
		queue = append(queue, component{name: "/", flags: dirOpenFlags})
	}
	for i, part := range parts {
		if i == len(parts)-1 {
			queue = append(queue, component{name: part, flags: lastFlags, final: true})
		} else {
			queue = append(queue, component{name: part, flags: dirOpenFlags})
		}
	}
	return queue, nil
}

// splitLinkPathInto splices the target of an expanded symlink onto the front
// of queue. Every spliced-in component uses dirOpenFlags, except the very
// last one, which inherits the flags (and final-ness) of the symlink
// component it replaced, so that a trailing symlink which resolves to,
// say, a regular file still gets opened with the caller's original flags.
// An absolute link target emits a leading root marker, exactly as splitPath
// does for the original path -- the main loop's "/" handling (fail EXDEV
// absent InRoot) is what actually enforces containment against escapes via
// an absolute symlink; this function must not bypass that by resetting the
// current directory itself.
func splitLinkPathInto(linkTarget string, replaced component, queue []component) []component {
	parts, absolute := tokenize(linkTarget)

	var prepend []component
	if absolute {
		prepend = append(prepend, component{name: "/", flags: dirOpenFlags})
	}
	for i, part := range parts {
		if i == len(parts)-1 {
			prepend = append(prepend, component{name: part, flags: replaced.flags, final: replaced.final})
		} else {
			prepend = append(prepend, component{name: part, flags: dirOpenFlags})
		}
	}
	if len(parts) == 0 && !absolute {
		// The symlink target was entirely "." components (or empty) --
		// splice in a synthetic "." that still carries the re-expanded
		// step's flags, so that (e.g.) an O_DIRECTORY check still applies.
		prepend = append(prepend, component{name: ".", flags: replaced.flags, final: replaced.final})
	}
	return append(prepend, queue...)
}

func sameStat(a, b unix.Stat_t) bool {
	return a.Dev == b.Dev && a.Ino == b.Ino
}

// checkBeneath is the rewind verifier: starting from currentDir, it walks
// ".." repeatedly until it finds a directory whose (dev, ino) matches base,
// confirming that currentDir really is beneath base (base itself or one of
// its descendants) and
// that the ".." traversal that got us here didn't race past the root onto
// some other part of the filesystem. If two consecutive ".." hops report
// the same (dev, ino) without ever matching base, we've reached the real
// filesystem root without ever passing through the declared root -- a
// detectable race -- and we fail with EAGAIN.
func checkBeneath(base *os.File, currentDir *os.File) error {
	baseStat, err := fstatFile(base)
	if err != nil {
		return err
	}

	cur, err := dupFile(currentDir)
	if err != nil {
		return err
	}
	defer cur.Close()

	var prevStat *unix.Stat_t
	for {
		curStat, err := fstatFile(cur)
		if err != nil {
			return err
		}
		if sameStat(curStat, baseStat) {
			return nil
		}
		if prevStat != nil && sameStat(curStat, *prevStat) {
			// Two consecutive identical stats without ever matching base:
			// we've hit the real filesystem root.
			return unix.EAGAIN
		}
		prevStat = &curStat

		parent, err := openatFile(cur, "..", dirOpenFlags|unix.O_NOFOLLOW, 0)
		if err != nil {
			return err
		}
		cur.Close()
		cur = parent
	}
}

func fstatFile(f *os.File) (unix.Stat_t, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &stat); err != nil {
		return stat, &os.PathError{Op: "fstat", Path: f.Name(), Err: err}
	}
	return stat, nil
}

// handlePossibleSymlink disambiguates a component that is, or was a moment
// ago, a symlink. relfd/relpath name what to read(link): for an openat
// failure, relfd is the directory we tried to open comp in and relpath is
// comp's name; for an O_PATH handle that was opened successfully but turns
// out to refer to a symlink, relfd is that handle itself and relpath is ""
// (Linux permits reading the target of a symlink through its own
// O_PATH|O_NOFOLLOW handle this way). errno is whichever of ELOOP or
// ENOTDIR the triggering syscall actually reported -- on Linux, a
// trailing symlink under O_DIRECTORY|O_NOFOLLOW fails with ENOTDIR, not
// ELOOP, so both must be routed through here rather than just ELOOP. This
// is a direct port of the reference implementation's
// handle_possible_symlink.
func handlePossibleSymlink(relfd *os.File, relpath string, flags int, errno unix.Errno, budget *symlinkBudget, comp component, queue []component) ([]component, error) {
	if errno == unix.ELOOP && (flags&unix.O_NOFOLLOW != 0 || budget.exhausted()) {
		if flags&unix.O_DIRECTORY != 0 && !budget.exhausted() {
			return nil, unix.ENOTDIR
		}
		return nil, unix.ELOOP
	}

	linkDest, rerr := readlinkatFile(relfd, relpath)
	if rerr != nil {
		if errors.Is(rerr, unix.EINVAL) {
			if errno == unix.ENOTDIR {
				// All we knew was that it wasn't a directory; EINVAL
				// confirms it's some other non-symlink file type.
				return nil, unix.ENOTDIR
			}
			// We were told ELOOP -- it was definitely a symlink a moment
			// ago -- so losing that between calls means a race.
			return nil, unix.EAGAIN
		}
		return nil, rerr
	}

	if err := budget.take(); err != nil {
		return nil, err
	}
	if flags&unix.O_NOFOLLOW != 0 {
		if flags&unix.O_DIRECTORY != 0 {
			return nil, unix.ENOTDIR
		}
		return nil, unix.ELOOP
	}

	// An absolute link target's leading "/" token (emitted by
	// splitLinkPathInto) is handled by doOpenBeneath's "/" case on the next
	// iteration -- it alone decides whether to clamp at root (InRoot) or
	// fail EXDEV, so we must not preempt that here.
	return splitLinkPathInto(linkDest, comp, queue), nil
}

// doOpenBeneath is the slow-path resolver used whenever openat2(2) isn't
// available (or doesn't support the requested flag combination). It is a
// direct port of the component-at-a-time resolution algorithm, translated
// from the reference Rust implementation's do_open_beneath.
func doOpenBeneath(dirFd *os.File, origFlags int, queue []component, mode int, lookupFlags LookupFlags) (_ *os.File, Err error) {
	dirStat, err := fstatFile(dirFd)
	if err != nil {
		return nil, err
	}
	if dirStat.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, &os.PathError{Op: "open_beneath", Path: dirFd.Name(), Err: unix.ENOTDIR}
	}

	var dirMountID uint64
	checkMountID := lookupFlags.has(NoXDev)
	if checkMountID {
		dirMountID, err = fd.GetMountID(dirFd, "")
		if err != nil {
			return nil, err
		}
	}

	budget := newSymlinkBudget(lookupFlags)

	cur, err := dupFile(dirFd)
	if err != nil {
		return nil, err
	}
	defer func() {
		if Err != nil && cur != nil {
			cur.Close()
		}
	}()

	sawParentElem := false
	// atRoot reports that cur is still a duplicate of dirFd (opened with
	// dirOpenFlags rather than the caller's flags).
	atRoot := true

	checkMnt := func(newFile *os.File) error {
		if !checkMountID || newFile == nil {
			return nil
		}
		gotMountID, err := fd.GetMountID(newFile, "")
		if err != nil {
			return err
		}
		if gotMountID != dirMountID {
			return fmt.Errorf("%w: resolution crossed a mount boundary", unix.EXDEV)
		}
		return nil
	}

	for len(queue) > 0 {
		comp := queue[0]
		queue = queue[1:]

		switch comp.name {
		case "/":
			if !lookupFlags.has(InRoot) {
				return nil, unix.EXDEV
			}
			clone, err := dupFile(dirFd)
			if err != nil {
				return nil, err
			}
			cur.Close()
			cur = clone
			sawParentElem = false
			atRoot = true
			continue

		case "..":
			rootStat, err := fstatFile(dirFd)
			if err != nil {
				return nil, err
			}
			curStat, err := fstatFile(cur)
			if err != nil {
				return nil, err
			}
			if sameStat(curStat, rootStat) {
				if lookupFlags.has(InRoot) {
					continue
				}
				return nil, unix.EXDEV
			}
			parent, err := openatFile(cur, "..", dirOpenFlags|unix.O_NOFOLLOW, 0)
			if err != nil {
				return nil, err
			}
			cur.Close()
			cur = parent
			sawParentElem = true
			atRoot = false
			if err := checkMnt(cur); err != nil {
				return nil, err
			}
			continue
		}

		if sawParentElem {
			if err := checkBeneath(dirFd, cur); err != nil {
				return nil, err
			}
			sawParentElem = false
		}

		next, err := openatFile(cur, comp.name, comp.flags|unix.O_NOFOLLOW, mode)
		if err != nil {
			errno := unwrapErrno(err)
			if errno == unix.EMLINK {
				errno = unix.ELOOP
			}
			// When flags=O_DIRECTORY|O_NOFOLLOW, a trailing symlink fails
			// with ENOTDIR rather than ELOOP; both must be disambiguated
			// via readlink since ENOTDIR alone doesn't tell us whether the
			// component is a symlink or just some other non-directory
			// file type.
			if errno != unix.ELOOP && errno != unix.ENOTDIR {
				return nil, err
			}
			newQueue, herr := handlePossibleSymlink(cur, comp.name, comp.flags, errno, &budget, comp, queue)
			if herr != nil {
				return nil, herr
			}
			queue = newQueue
			continue
		}

		// On Linux, O_PATH|O_NOFOLLOW on a symlink succeeds and returns a
		// handle to the symlink itself, rather than failing -- unless
		// O_DIRECTORY was also given. Since O_NOFOLLOW is forced onto
		// every open regardless of what the caller asked for, a caller
		// who passed bare O_PATH (no O_NOFOLLOW, no O_DIRECTORY of their
		// own) expecting ordinary follow-the-symlink behaviour would
		// otherwise silently get a handle to the symlink instead.
		if comp.flags&(unix.O_PATH|unix.O_NOFOLLOW|unix.O_DIRECTORY) == unix.O_PATH {
			linkStat, serr := fstatFile(next)
			if serr != nil {
				next.Close()
				return nil, serr
			}
			if linkStat.Mode&unix.S_IFMT == unix.S_IFLNK {
				newQueue, herr := handlePossibleSymlink(next, "", comp.flags, unix.ELOOP, &budget, comp, queue)
				next.Close()
				if herr != nil {
					return nil, herr
				}
				// Stay where we are (cur is unchanged) and skip the
				// mount-ID check -- we never actually moved.
				queue = newQueue
				continue
			}
		}

		cur.Close()
		cur = next
		atRoot = false
		if err := checkMnt(cur); err != nil {
			return nil, err
		}
	}

	if sawParentElem {
		if err := checkBeneath(dirFd, cur); err != nil {
			return nil, err
		}
	}
	if atRoot {
		// The path resolved to the root itself: open it afresh with the
		// caller's flags instead of returning the dirOpenFlags duplicate.
		rootFile, err := openatFile(dirFd, ".", origFlags, mode)
		if err != nil {
			return nil, err
		}
		cur.Close()
		return rootFile, nil
	}
	return cur, nil
}

func unwrapErrno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if errors.As(pathErr.Err, &errno) {
			return errno
		}
	}
	return 0
}
