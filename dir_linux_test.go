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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/openbeneath/openbeneath/internal/testutils"
)

func openTestDir(t *testing.T) (*Dir, string) {
	dir := t.TempDir()
	dir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	d, err := OpenDir(dir)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, dir
}

// TestDirCreateDirNested checks that CreateDir creates every missing
// intermediate component, mirroring mkdir -p.
func TestDirCreateDirNested(t *testing.T) {
	d, dir := openTestDir(t)

	require.NoError(t, d.CreateDir("a/newsub/deep", 0o755))

	st, err := os.Stat(filepath.Join(dir, "a", "newsub", "deep"))
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

// TestDirCreateDirRejectsBadMode checks invariant 8: any mode carrying
// setuid/setgid/sticky-outside-position bits or S_IFMT bits is rejected
// with ErrInvalidMode before any syscall runs, so no directory is created.
func TestDirCreateDirRejectsBadMode(t *testing.T) {
	d, dir := openTestDir(t)

	err := d.CreateDir("bad", os.FileMode(unix.S_IFREG|0o755))
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "bad"))
	assert.True(t, os.IsNotExist(statErr), "CreateDir must not create anything on invalid mode")
}

// TestDirCreateDirThroughNonDirectory checks that an intermediate component
// which already exists as a regular file (not a directory) fails with
// ENOTDIR instead of silently replacing it.
func TestDirCreateDirThroughNonDirectory(t *testing.T) {
	d, dir := openTestDir(t)
	testutils.WriteFile(t, filepath.Join(dir, "notadir"), nil, 0o644)

	err := d.CreateDir("notadir/sub", 0o755)
	assert.ErrorIs(t, err, unix.ENOTDIR)
}

// TestDirRename checks that Rename moves a file within the same Dir,
// beneath-checking both the source and destination parent.
func TestDirRename(t *testing.T) {
	d, dir := openTestDir(t)
	testutils.WriteFile(t, filepath.Join(dir, "a"), []byte("x"), 0o644)

	require.NoError(t, d.Rename("a", d, "b", 0))

	_, err := os.Stat(filepath.Join(dir, "a"))
	assert.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(filepath.Join(dir, "b"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

// TestDirRecoverPath checks ambient invariant 7: RecoverPath returns a
// path identifying the same inode as the handle it was called on, absent
// concurrent mutation.
func TestDirRecoverPath(t *testing.T) {
	d, dir := openTestDir(t)
	require.NoError(t, d.CreateDir("a", 0o755))

	sub, err := d.SubDir("a", 0)
	require.NoError(t, err)
	defer sub.Close()

	recovered, err := sub.RecoverPath()
	require.NoError(t, err)

	var want, got unix.Stat_t
	require.NoError(t, unix.Lstat(filepath.Join(dir, "a"), &want))
	require.NoError(t, unix.Lstat(recovered, &got))
	assert.Equal(t, want.Dev, got.Dev)
	assert.Equal(t, want.Ino, got.Ino)
}

// TestDirSymlinkAndReadLink checks the round-trip of Symlink/ReadLink.
func TestDirSymlinkAndReadLink(t *testing.T) {
	d, _ := openTestDir(t)

	require.NoError(t, d.Symlink("link", "target", 0))

	got, err := d.ReadLink("link", 0)
	require.NoError(t, err)
	assert.Equal(t, "target", got)
}

// TestDirStatFollowsTrailingSymlink checks that Stat, which opens with bare
// O_PATH, follows a trailing symlink to its target rather than reporting on
// the symlink itself -- on both the openat2 fast path and the component-at-a-
// time slow path.
func TestDirStatFollowsTrailingSymlink(t *testing.T) {
	withWithoutOpenat2(t, true, func(t *testing.T) {
		d, dir := openTestDir(t)
		testutils.MkdirAll(t, filepath.Join(dir, "realdir"), 0o755)
		require.NoError(t, d.Symlink("link", "realdir", 0))

		got, err := d.Stat("link", 0)
		require.NoError(t, err)

		var want unix.Stat_t
		require.NoError(t, unix.Stat(filepath.Join(dir, "realdir"), &want))
		assert.Equal(t, want.Dev, got.Dev())
		assert.Equal(t, want.Ino, got.Ino())
		assert.True(t, got.IsDir(), "Stat on a trailing symlink must report the target's file type")
	})
}
