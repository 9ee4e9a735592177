// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package vaultkeys

import (
	"os"

	"github.com/snapcore/snapd/osutil"
	"github.com/snapcore/snapd/osutil/sys"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Storage provides access to the filesystem that contains keyset files.
type Storage interface {
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic durably replaces the contents of the file at the
	// specified path.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error

	// CreateExclusive creates an empty file at the specified path,
	// failing with an error for which os.IsExist returns true if it
	// already exists.
	CreateExclusive(path string, perm os.FileMode) error

	// DeleteFileSecure overwrites the contents of the file at the
	// specified path before removing it.
	DeleteFileSecure(path string) error

	Rename(oldpath, newpath string) error
	ListDir(path string) ([]string, error)
	MkdirAll(path string, perm os.FileMode) error
	FileExists(path string) bool
}

// FileStorage is the Storage implementation for the local filesystem.
type FileStorage struct{}

func (FileStorage) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (FileStorage) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	f, err := osutil.NewAtomicFile(path, perm, 0, sys.UserID(osutil.NoChown), sys.GroupID(osutil.NoChown))
	if err != nil {
		return xerrors.Errorf("cannot create new atomic file: %w", err)
	}
	defer f.Cancel()

	if _, err := f.Write(data); err != nil {
		return xerrors.Errorf("cannot write file: %w", err)
	}
	if err := f.Commit(); err != nil {
		return xerrors.Errorf("cannot commit file: %w", err)
	}
	return nil
}

func (FileStorage) CreateExclusive(path string, perm os.FileMode) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL|unix.O_NOFOLLOW|unix.O_CLOEXEC, uint32(perm.Perm()))
	if err != nil {
		return &os.PathError{Op: "open", Path: path, Err: err}
	}
	return unix.Close(fd)
}

func (FileStorage) DeleteFileSecure(path string) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return &os.PathError{Op: "open", Path: path, Err: err}
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return xerrors.Errorf("cannot obtain file info: %w", err)
	}

	zeros := make([]byte, 4096)
	for remaining := st.Size(); remaining > 0; {
		n := int64(len(zeros))
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(zeros[:n]); err != nil {
			return xerrors.Errorf("cannot overwrite file: %w", err)
		}
		remaining -= n
	}
	if err := unix.Fdatasync(fd); err != nil {
		return xerrors.Errorf("cannot sync file: %w", err)
	}

	return os.Remove(path)
}

func (FileStorage) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (FileStorage) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (FileStorage) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (FileStorage) FileExists(path string) bool {
	return osutil.FileExists(path)
}
