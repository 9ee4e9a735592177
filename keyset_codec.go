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
	"errors"
	"fmt"
	"hash"
	"io"
	"io/ioutil"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"
	"golang.org/x/xerrors"

	"maze.io/x/crypto/afis"
)

const (
	keysetFileMagic   uint32 = 0x564b5324 // "VKS$"
	keysetFileVersion uint32 = 1

	// keysetMinAFSize is the minimum size of the anti-forensic split
	// record in a keyset file.
	keysetMinAFSize = 16 * 1024
)

type afSplitDataRawHdr struct {
	Stripes uint32
	HashAlg tpm2.HashAlgorithmId
	Size    uint32
}

// afSplitDataRaw is the on-disk version of afSplitData.
type afSplitDataRaw struct {
	Hdr  afSplitDataRawHdr
	Data mu.RawBytes
}

func (d afSplitDataRaw) Marshal(w io.Writer) error {
	_, err := mu.MarshalToWriter(w, d.Hdr, d.Data)
	return err
}

func (d *afSplitDataRaw) Unmarshal(r io.Reader) error {
	var h afSplitDataRawHdr
	if _, err := mu.UnmarshalFromReader(r, &h); err != nil {
		return xerrors.Errorf("cannot unmarshal header: %w", err)
	}

	data, err := ioutil.ReadAll(io.LimitReader(r, int64(h.Size)))
	if err != nil {
		return xerrors.Errorf("cannot read data: %w", err)
	}
	if len(data) != int(h.Size) {
		return fmt.Errorf("data size %d exceeds remaining %d bytes", h.Size, len(data))
	}

	d.Hdr = h
	d.Data = data
	return nil
}

// afSplit passes the supplied data through an anti-forensic information
// splitter so that the result is at least minSz bytes and every bit of it
// is required to recover the original.
func afSplit(data []byte, minSz int, hashAlg tpm2.HashAlgorithmId) (*afSplitDataRaw, error) {
	stripes := uint32((minSz / len(data)) + 1)

	split, err := afis.SplitHash(data, int(stripes), func() hash.Hash { return hashAlg.NewHash() })
	if err != nil {
		return nil, err
	}

	return &afSplitDataRaw{
		Hdr: afSplitDataRawHdr{
			Stripes: stripes,
			HashAlg: hashAlg,
			Size:    uint32(len(split))},
		Data: split}, nil
}

// merge recovers the original data.
func (d *afSplitDataRaw) merge() ([]byte, error) {
	if d.Hdr.Stripes < 1 {
		return nil, errors.New("invalid number of stripes")
	}
	if !d.Hdr.HashAlg.Available() {
		return nil, errors.New("unsupported digest algorithm")
	}
	return afis.MergeHash(d.Data, int(d.Hdr.Stripes), func() hash.Hash { return d.Hdr.HashAlg.NewHash() })
}

type authorizationSecretRaw struct {
	Usage        uint8
	Wrapped      uint8
	SymmetricKey []byte
}

type authorizationDataRaw struct {
	Type    uint8
	Secrets []authorizationSecretRaw
}

const (
	privilegeMount uint8 = 1 << iota
	privilegeAdd
	privilegeRemove
	privilegeUpdate
	privilegeAuthorizedUpdate
)

const (
	policyLowEntropyCredential uint8 = 1 << iota
	policyAuthLocked
)

const (
	usageSign uint8 = 1 << iota
	usageEncrypt
)

type keyDataRaw struct {
	Type              uint8
	Label             []byte
	Privileges        uint8
	Revision          uint64
	Policy            uint8
	AuthorizationData []authorizationDataRaw
}

// keysetRaw is the on-disk form of SerializedVaultKeyset, before it is
// passed through the anti-forensic splitter.
type keysetRaw struct {
	Flags            uint32
	Salt             []byte
	WrappedKeyset    []byte
	WrappedChapsKey  []byte
	WrappedResetSeed []byte
	ResetIV          []byte
	ResetSalt        []byte
	HasLELabel       uint8
	LELabel          uint64
	LEFEKIV          []byte
	LEChapsIV        []byte
	HasKeyData       uint8
	KeyData          keyDataRaw
	LegacyIndex      uint32
	AuthLocked       uint8
	TPMKey           []byte
	ExtendedTPMKey   []byte
	TPMIV            []byte
	StateKind        uint8
	State            []byte
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func bit(b bool, v uint8) uint8 {
	if b {
		return v
	}
	return 0
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func makeKeyDataRaw(d *KeyData) keyDataRaw {
	raw := keyDataRaw{
		Type:  uint8(d.Type),
		Label: []byte(d.Label),
		Privileges: bit(d.Privileges.Mount, privilegeMount) |
			bit(d.Privileges.Add, privilegeAdd) |
			bit(d.Privileges.Remove, privilegeRemove) |
			bit(d.Privileges.Update, privilegeUpdate) |
			bit(d.Privileges.AuthorizedUpdate, privilegeAuthorizedUpdate),
		Revision: d.Revision,
		Policy: bit(d.Policy.LowEntropyCredential, policyLowEntropyCredential) |
			bit(d.Policy.AuthLocked, policyAuthLocked)}
	for _, a := range d.AuthorizationData {
		ra := authorizationDataRaw{Type: uint8(a.Type)}
		for _, s := range a.Secrets {
			ra.Secrets = append(ra.Secrets, authorizationSecretRaw{
				Usage:        bit(s.Usage.Sign, usageSign) | bit(s.Usage.Encrypt, usageEncrypt),
				Wrapped:      boolToUint8(s.Wrapped),
				SymmetricKey: s.SymmetricKey})
		}
		raw.AuthorizationData = append(raw.AuthorizationData, ra)
	}
	return raw
}

func (raw *keyDataRaw) data() *KeyData {
	d := &KeyData{
		Type:  KeyType(raw.Type),
		Label: string(raw.Label),
		Privileges: KeyPrivileges{
			Mount:            raw.Privileges&privilegeMount != 0,
			Add:              raw.Privileges&privilegeAdd != 0,
			Remove:           raw.Privileges&privilegeRemove != 0,
			Update:           raw.Privileges&privilegeUpdate != 0,
			AuthorizedUpdate: raw.Privileges&privilegeAuthorizedUpdate != 0},
		Revision: raw.Revision,
		Policy: KeyPolicy{
			LowEntropyCredential: raw.Policy&policyLowEntropyCredential != 0,
			AuthLocked:           raw.Policy&policyAuthLocked != 0}}
	for _, ra := range raw.AuthorizationData {
		a := AuthorizationData{Type: AuthorizationType(ra.Type)}
		for _, rs := range ra.Secrets {
			a.Secrets = append(a.Secrets, AuthorizationSecret{
				Usage: AuthorizationSecretUsage{
					Sign:    rs.Usage&usageSign != 0,
					Encrypt: rs.Usage&usageEncrypt != 0},
				Wrapped:      rs.Wrapped != 0,
				SymmetricKey: nilIfEmpty(rs.SymmetricKey)})
		}
		d.AuthorizationData = append(d.AuthorizationData, a)
	}
	return d
}

func makeKeysetRaw(s *SerializedVaultKeyset) (*keysetRaw, error) {
	kind, state, err := encodeAuthBlockState(s.AuthBlockState)
	if err != nil {
		return nil, err
	}

	raw := &keysetRaw{
		Flags:            uint32(s.Flags),
		Salt:             s.Salt,
		WrappedKeyset:    s.WrappedKeyset,
		WrappedChapsKey:  s.WrappedChapsKey,
		WrappedResetSeed: s.WrappedResetSeed,
		ResetIV:          s.ResetIV,
		ResetSalt:        s.ResetSalt,
		HasLELabel:       boolToUint8(s.HasLELabel),
		LELabel:          s.LELabel,
		LEFEKIV:          s.LEFEKIV,
		LEChapsIV:        s.LEChapsIV,
		LegacyIndex:      s.LegacyIndex,
		AuthLocked:       boolToUint8(s.AuthLocked),
		TPMKey:           s.TPMKey,
		ExtendedTPMKey:   s.ExtendedTPMKey,
		TPMIV:            s.TPMIV,
		StateKind:        uint8(kind),
		State:            state}
	if s.KeyData != nil {
		raw.HasKeyData = 1
		raw.KeyData = makeKeyDataRaw(s.KeyData)
	}
	return raw, nil
}

func (raw *keysetRaw) keyset() (*SerializedVaultKeyset, error) {
	state, err := decodeAuthBlockState(AuthBlockKind(raw.StateKind), raw.State)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode auth block state: %w", err)
	}

	s := &SerializedVaultKeyset{
		Flags:            KeysetFlags(raw.Flags),
		Salt:             nilIfEmpty(raw.Salt),
		WrappedKeyset:    nilIfEmpty(raw.WrappedKeyset),
		WrappedChapsKey:  nilIfEmpty(raw.WrappedChapsKey),
		WrappedResetSeed: nilIfEmpty(raw.WrappedResetSeed),
		ResetIV:          nilIfEmpty(raw.ResetIV),
		ResetSalt:        nilIfEmpty(raw.ResetSalt),
		HasLELabel:       raw.HasLELabel != 0,
		LELabel:          raw.LELabel,
		LEFEKIV:          nilIfEmpty(raw.LEFEKIV),
		LEChapsIV:        nilIfEmpty(raw.LEChapsIV),
		LegacyIndex:      raw.LegacyIndex,
		AuthLocked:       raw.AuthLocked != 0,
		TPMKey:           nilIfEmpty(raw.TPMKey),
		ExtendedTPMKey:   nilIfEmpty(raw.ExtendedTPMKey),
		TPMIV:            nilIfEmpty(raw.TPMIV),
		AuthBlockState:   state}
	if raw.HasKeyData != 0 {
		s.KeyData = raw.KeyData.data()
	}
	return s, nil
}

// EncodeKeyset returns the on-disk form of the supplied keyset.
func EncodeKeyset(s *SerializedVaultKeyset) ([]byte, error) {
	raw, err := makeKeysetRaw(s)
	if err != nil {
		return nil, err
	}
	payload, err := mu.MarshalToBytes(raw)
	if err != nil {
		return nil, xerrors.Errorf("cannot marshal keyset: %w", err)
	}

	split, err := afSplit(payload, keysetMinAFSize, tpm2.HashAlgorithmSHA256)
	if err != nil {
		return nil, xerrors.Errorf("cannot split keyset: %w", err)
	}

	return mu.MarshalToBytes(keysetFileMagic, keysetFileVersion, split)
}

// DecodeKeyset decodes a keyset from the supplied on-disk form. It returns
// an InvalidKeysetFileError if the data cannot be decoded.
func DecodeKeyset(data []byte) (*SerializedVaultKeyset, error) {
	var magic, version uint32
	var split afSplitDataRaw
	n, err := mu.UnmarshalFromBytes(data, &magic, &version, &split)
	switch {
	case err != nil && n < 8:
		return nil, InvalidKeysetFileError{"cannot read header: " + err.Error()}
	case magic != keysetFileMagic:
		return nil, InvalidKeysetFileError{"bad magic"}
	case version != keysetFileVersion:
		return nil, InvalidKeysetFileError{fmt.Sprintf("unsupported version %d", version)}
	case err != nil:
		return nil, InvalidKeysetFileError{"cannot unmarshal split data: " + err.Error()}
	case n < len(data):
		return nil, InvalidKeysetFileError{fmt.Sprintf("%d trailing bytes", len(data)-n)}
	}

	payload, err := split.merge()
	if err != nil {
		return nil, InvalidKeysetFileError{"cannot merge split data: " + err.Error()}
	}

	var raw keysetRaw
	n, err = mu.UnmarshalFromBytes(payload, &raw)
	switch {
	case err != nil:
		return nil, InvalidKeysetFileError{"cannot unmarshal keyset: " + err.Error()}
	case n < len(payload):
		return nil, InvalidKeysetFileError{fmt.Sprintf("%d trailing bytes in keyset", len(payload)-n)}
	}

	s, err := raw.keyset()
	if err != nil {
		return nil, InvalidKeysetFileError{err.Error()}
	}
	return s, nil
}
