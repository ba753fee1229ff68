// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package securejoin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

// TestOpenOptionsFlags is a pure table test over OpenOptions.flags: no
// filesystem interaction is needed since every combination is rejected or
// accepted before any syscall is issued.
func TestOpenOptionsFlags(t *testing.T) {
	for _, tc := range []struct {
		name      string
		build     func(*OpenOptions) *OpenOptions
		wantFlags int
		wantErr   error
	}{
		{
			name:      "read only",
			build:     func(o *OpenOptions) *OpenOptions { return o.Read(true) },
			wantFlags: unix.O_RDONLY,
		},
		{
			name:      "write only",
			build:     func(o *OpenOptions) *OpenOptions { return o.Write(true) },
			wantFlags: unix.O_WRONLY,
		},
		{
			name:      "read write",
			build:     func(o *OpenOptions) *OpenOptions { return o.Read(true).Write(true) },
			wantFlags: unix.O_RDWR,
		},
		{
			name:      "write create",
			build:     func(o *OpenOptions) *OpenOptions { return o.Write(true).Create(true) },
			wantFlags: unix.O_WRONLY | unix.O_CREAT,
		},
		{
			name:      "write create truncate",
			build:     func(o *OpenOptions) *OpenOptions { return o.Write(true).Create(true).Truncate(true) },
			wantFlags: unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC,
		},
		{
			name:      "write create new overrides create and truncate",
			build:     func(o *OpenOptions) *OpenOptions { return o.Write(true).Create(true).Truncate(true).CreateNew(true) },
			wantFlags: unix.O_WRONLY | unix.O_CREAT | unix.O_EXCL,
		},
		{
			name:      "append implies write",
			build:     func(o *OpenOptions) *OpenOptions { return o.Append(true) },
			wantFlags: unix.O_WRONLY | unix.O_APPEND,
		},
		{
			name:      "neither read nor write",
			build:     func(o *OpenOptions) *OpenOptions { return o },
			wantErr:   unix.EINVAL,
		},
		{
			name:      "read with create",
			build:     func(o *OpenOptions) *OpenOptions { return o.Read(true).Create(true) },
			wantErr:   unix.EINVAL,
		},
		{
			name:      "read with truncate",
			build:     func(o *OpenOptions) *OpenOptions { return o.Read(true).Truncate(true) },
			wantErr:   unix.EINVAL,
		},
		{
			name:      "read with create new",
			build:     func(o *OpenOptions) *OpenOptions { return o.Read(true).CreateNew(true) },
			wantErr:   unix.EINVAL,
		},
		{
			name: "custom flags mask out O_ACCMODE",
			build: func(o *OpenOptions) *OpenOptions {
				return o.Write(true).CustomFlags(unix.O_RDWR | unix.O_SYNC)
			},
			wantFlags: unix.O_WRONLY | unix.O_SYNC,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o := tc.build(newOpenOptions(nil))
			flags, err := o.flags()
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.wantFlags, flags)
		})
	}
}
