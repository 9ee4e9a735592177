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
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/snapcore/snapd/logger"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"
)

const (
	keysetFilePrefix = "master."
	systemSaltName   = "salt"
	systemSaltSize   = 32

	// DefaultMaxKeysets is the default number of keyset slots per user.
	DefaultMaxKeysets = 100
)

var (
	// ErrKeysetNotFound is returned from KeysetStore when a keyset does
	// not exist.
	ErrKeysetNotFound = errors.New("keyset not found")

	// ErrNoFreeKeysetIndex is returned from KeysetStore.Claim when every
	// slot is in use.
	ErrNoFreeKeysetIndex = errors.New("no free keyset index")

	// ErrKeysetIndexClaimed is returned from KeysetStore.Move when the
	// destination slot is in use.
	ErrKeysetIndexClaimed = errors.New("keyset index is already claimed")
)

// KeysetStore manages the keyset files of each user, which are stored in
// a per-user directory under a root directory.
type KeysetStore struct {
	storage    Storage
	root       string
	maxKeysets int
	rand       io.Reader
}

// NewKeysetStore returns a new KeysetStore for keysets stored under the
// specified root directory. A maxKeysets of zero selects DefaultMaxKeysets,
// and a nil rand selects crypto/rand.
func NewKeysetStore(storage Storage, root string, maxKeysets int, rand io.Reader) *KeysetStore {
	if maxKeysets <= 0 {
		maxKeysets = DefaultMaxKeysets
	}
	return &KeysetStore{storage: storage, root: root, maxKeysets: maxKeysets, rand: rand}
}

func (s *KeysetStore) random() io.Reader {
	if s.rand == nil {
		return rand.Reader
	}
	return s.rand
}

// MaxKeysets returns the number of slots available to each user.
func (s *KeysetStore) MaxKeysets() int {
	return s.maxKeysets
}

func (s *KeysetStore) userDir(obfuscatedUsername string) string {
	return filepath.Join(s.root, obfuscatedUsername)
}

// KeysetPath returns the path of the keyset file in the specified slot.
func (s *KeysetStore) KeysetPath(obfuscatedUsername string, index int) string {
	return filepath.Join(s.userDir(obfuscatedUsername), keysetFilePrefix+strconv.Itoa(index))
}

func (s *KeysetStore) systemSalt() ([]byte, error) {
	path := filepath.Join(s.root, systemSaltName)
	salt, err := s.storage.ReadFile(path)
	switch {
	case err == nil && len(salt) > 0:
		return salt, nil
	case err != nil && !os.IsNotExist(err):
		return nil, xerrors.Errorf("cannot read system salt: %w", err)
	}

	salt = make([]byte, systemSaltSize)
	if _, err := io.ReadFull(s.random(), salt); err != nil {
		return nil, xerrors.Errorf("cannot obtain random bytes: %w", err)
	}
	if err := s.storage.MkdirAll(s.root, 0711); err != nil {
		return nil, xerrors.Errorf("cannot create root directory: %w", err)
	}
	if err := s.storage.WriteFileAtomic(path, salt, 0644); err != nil {
		return nil, xerrors.Errorf("cannot write system salt: %w", err)
	}
	logger.Noticef("created new system salt")
	return salt, nil
}

// ObfuscatedUsername returns the name of the directory in which the
// specified user's keysets are stored. It is derived from the username and
// a per-system salt, which is created on first use.
func (s *KeysetStore) ObfuscatedUsername(username string) (string, error) {
	salt, err := s.systemSalt()
	if err != nil {
		return "", err
	}

	r := hkdf.New(sha256.New, []byte(strings.ToLower(username)), salt, []byte("vaultkeys-user"))
	out := make([]byte, 20)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", xerrors.Errorf("cannot derive obfuscated username: %w", err)
	}
	return hex.EncodeToString(out), nil
}

// UserExists indicates whether the specified user has a keyset directory.
func (s *KeysetStore) UserExists(obfuscatedUsername string) bool {
	return s.storage.FileExists(s.userDir(obfuscatedUsername))
}

// Indices returns the sorted indices of the keyset files that exist for the
// specified user.
func (s *KeysetStore) Indices(obfuscatedUsername string) ([]int, error) {
	names, err := s.storage.ListDir(s.userDir(obfuscatedUsername))
	switch {
	case os.IsNotExist(err):
		return nil, nil
	case err != nil:
		return nil, xerrors.Errorf("cannot list keysets: %w", err)
	}

	var indices []int
	for _, name := range names {
		if !strings.HasPrefix(name, keysetFilePrefix) {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(name, keysetFilePrefix))
		if err != nil || index < 0 || index >= s.maxKeysets {
			continue
		}
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}

// Load reads and decodes the keyset in the specified slot.
func (s *KeysetStore) Load(obfuscatedUsername string, index int) (*SerializedVaultKeyset, error) {
	data, err := s.storage.ReadFile(s.KeysetPath(obfuscatedUsername, index))
	switch {
	case os.IsNotExist(err):
		return nil, ErrKeysetNotFound
	case err != nil:
		return nil, xerrors.Errorf("cannot read keyset %d: %w", index, err)
	}

	keyset, err := DecodeKeyset(data)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode keyset %d: %w", index, err)
	}
	keyset.LegacyIndex = uint32(index)
	return keyset, nil
}

// LoadByLabel returns the keyset with the specified label and its index.
func (s *KeysetStore) LoadByLabel(obfuscatedUsername, label string) (*SerializedVaultKeyset, int, error) {
	indices, err := s.Indices(obfuscatedUsername)
	if err != nil {
		return nil, 0, err
	}
	for _, index := range indices {
		keyset, err := s.Load(obfuscatedUsername, index)
		if err != nil {
			logger.Noticef("skipping keyset %d: %v", index, err)
			continue
		}
		if keyset.hasLabel(label) {
			return keyset, index, nil
		}
	}
	return nil, 0, ErrKeysetNotFound
}

// Save durably writes the supplied keyset to the specified slot.
func (s *KeysetStore) Save(obfuscatedUsername string, index int, keyset *SerializedVaultKeyset) error {
	if index < 0 || index >= s.maxKeysets {
		return fmt.Errorf("invalid keyset index %d", index)
	}
	keyset.LegacyIndex = uint32(index)

	data, err := EncodeKeyset(keyset)
	if err != nil {
		return xerrors.Errorf("cannot encode keyset: %w", err)
	}
	if err := s.storage.MkdirAll(s.userDir(obfuscatedUsername), 0700); err != nil {
		return xerrors.Errorf("cannot create user directory: %w", err)
	}
	if err := s.storage.WriteFileAtomic(s.KeysetPath(obfuscatedUsername, index), data, 0600); err != nil {
		return xerrors.Errorf("cannot write keyset %d: %w", index, err)
	}
	return nil
}

// Claim reserves the lowest free slot for the specified user by creating an
// empty keyset file in it.
func (s *KeysetStore) Claim(obfuscatedUsername string) (int, error) {
	if err := s.storage.MkdirAll(s.userDir(obfuscatedUsername), 0700); err != nil {
		return 0, xerrors.Errorf("cannot create user directory: %w", err)
	}

	for index := 0; index < s.maxKeysets; index++ {
		err := s.storage.CreateExclusive(s.KeysetPath(obfuscatedUsername, index), 0600)
		switch {
		case err == nil:
			return index, nil
		case os.IsExist(err):
			continue
		default:
			return 0, xerrors.Errorf("cannot claim keyset %d: %w", index, err)
		}
	}
	return 0, ErrNoFreeKeysetIndex
}

// Remove securely deletes the keyset in the specified slot.
func (s *KeysetStore) Remove(obfuscatedUsername string, index int) error {
	err := s.storage.DeleteFileSecure(s.KeysetPath(obfuscatedUsername, index))
	switch {
	case os.IsNotExist(err):
		return ErrKeysetNotFound
	case err != nil:
		return xerrors.Errorf("cannot delete keyset %d: %w", index, err)
	}
	return nil
}

// Move moves a keyset to an unclaimed slot.
func (s *KeysetStore) Move(obfuscatedUsername string, src, dst int) error {
	if src < 0 || src >= s.maxKeysets || dst < 0 || dst >= s.maxKeysets {
		return fmt.Errorf("invalid keyset index")
	}
	srcPath := s.KeysetPath(obfuscatedUsername, src)
	dstPath := s.KeysetPath(obfuscatedUsername, dst)

	if !s.storage.FileExists(srcPath) {
		return ErrKeysetNotFound
	}

	err := s.storage.CreateExclusive(dstPath, 0600)
	switch {
	case os.IsExist(err):
		return ErrKeysetIndexClaimed
	case err != nil:
		return xerrors.Errorf("cannot claim keyset %d: %w", dst, err)
	}

	if err := s.storage.Rename(srcPath, dstPath); err != nil {
		if err := s.storage.DeleteFileSecure(dstPath); err != nil {
			logger.Noticef("cannot release keyset %d: %v", dst, err)
		}
		return xerrors.Errorf("cannot move keyset %d to %d: %w", src, dst, err)
	}
	return nil
}
