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
	"crypto/subtle"
	"fmt"
)

// KeysetFlags describes how a keyset is protected.
type KeysetFlags uint32

const (
	KeysetTPMWrapped KeysetFlags = 1 << iota
	KeysetScryptWrapped
	KeysetPCRBound
	KeysetLEWrapped
	KeysetSignatureChallengeProtected
	KeysetECCWrapped
)

// KeyType is the type of credential that protects a keyset.
type KeyType uint8

const (
	KeyTypePassword KeyType = iota
	KeyTypeChallengeResponse
)

func (t KeyType) String() string {
	switch t {
	case KeyTypePassword:
		return "password"
	case KeyTypeChallengeResponse:
		return "challenge-response"
	default:
		return fmt.Sprintf("KeyType(%d)", uint8(t))
	}
}

// KeyPrivileges describes the operations that a keyset can authorize.
type KeyPrivileges struct {
	Mount  bool
	Add    bool
	Remove bool
	Update bool

	// AuthorizedUpdate indicates that the keyset can only be updated
	// with a signature created from one of its authorization secrets.
	AuthorizedUpdate bool
}

// DefaultKeyPrivileges returns the privileges that are granted to a keyset
// when no others are requested.
func DefaultKeyPrivileges() KeyPrivileges {
	return KeyPrivileges{Mount: true, Add: true, Remove: true, Update: true}
}

type KeyPolicy struct {
	LowEntropyCredential bool
	AuthLocked           bool
}

type AuthorizationType uint8

const (
	AuthorizationHMACSHA256 AuthorizationType = iota
	AuthorizationAES256
)

type AuthorizationSecretUsage struct {
	Sign    bool
	Encrypt bool
}

// AuthorizationSecret is a secret used to authorize operations on a
// keyset, such as signature-gated updates. The key is stored encrypted
// on disk and Wrapped indicates whether SymmetricKey is the encrypted
// form.
type AuthorizationSecret struct {
	Usage        AuthorizationSecretUsage
	Wrapped      bool
	SymmetricKey []byte
}

type AuthorizationData struct {
	Type    AuthorizationType
	Secrets []AuthorizationSecret
}

// KeyData is the metadata associated with a keyset.
type KeyData struct {
	Type              KeyType
	Label             string
	Privileges        KeyPrivileges
	Revision          uint64
	Policy            KeyPolicy
	AuthorizationData []AuthorizationData
}

// NewKeyData returns a new password KeyData with the specified label and
// the default privileges.
func NewKeyData(label string) *KeyData {
	return &KeyData{
		Type:       KeyTypePassword,
		Label:      label,
		Privileges: DefaultKeyPrivileges()}
}

// Copy returns a deep copy of this KeyData.
func (d *KeyData) Copy() *KeyData {
	if d == nil {
		return nil
	}
	out := *d
	out.AuthorizationData = nil
	for _, a := range d.AuthorizationData {
		ca := AuthorizationData{Type: a.Type}
		for _, s := range a.Secrets {
			s.SymmetricKey = append([]byte(nil), s.SymmetricKey...)
			ca.Secrets = append(ca.Secrets, s)
		}
		out.AuthorizationData = append(out.AuthorizationData, ca)
	}
	return &out
}

// signingSecret returns the first unwrapped HMAC secret that can be used to
// sign keyset updates.
func (d *KeyData) signingSecret() []byte {
	for _, a := range d.AuthorizationData {
		if a.Type != AuthorizationHMACSHA256 {
			continue
		}
		for _, s := range a.Secrets {
			if s.Usage.Sign && !s.Wrapped && len(s.SymmetricKey) > 0 {
				return s.SymmetricKey
			}
		}
	}
	return nil
}

func (d *KeyData) wipeAuthorizationData() {
	for _, a := range d.AuthorizationData {
		for _, s := range a.Secrets {
			if !s.Wrapped {
				wipe(s.SymmetricKey)
			}
		}
	}
}

// SerializedVaultKeyset is the on-disk form of a keyset. The key material
// it contains is encrypted.
type SerializedVaultKeyset struct {
	Flags KeysetFlags
	Salt  []byte

	WrappedKeyset    []byte
	WrappedChapsKey  []byte
	WrappedResetSeed []byte
	ResetIV          []byte
	ResetSalt        []byte

	LELabel    uint64
	HasLELabel bool
	LEFEKIV    []byte
	LEChapsIV  []byte

	KeyData     *KeyData
	LegacyIndex uint32
	AuthLocked  bool

	// These fields are only found in records that were created before
	// auth block states were persisted.
	TPMKey         []byte
	ExtendedTPMKey []byte
	TPMIV          []byte

	// AuthBlockState is nil for records that were created before auth
	// block states were persisted.
	AuthBlockState AuthBlockState
}

// IsLECredential indicates whether this keyset is protected by a
// counter-backed credential.
func (s *SerializedVaultKeyset) IsLECredential() bool {
	return s.Flags&KeysetLEWrapped != 0
}

// Label returns the label of this keyset. Keysets without key data have
// an implicit label derived from their index.
func (s *SerializedVaultKeyset) Label() string {
	if s.KeyData == nil || s.KeyData.Label == "" {
		return fmt.Sprintf("legacy-%d", s.LegacyIndex)
	}
	return s.KeyData.Label
}

func (s *SerializedVaultKeyset) hasLabel(label string) bool {
	return subtle.ConstantTimeCompare([]byte(s.Label()), []byte(label)) == 1
}

// setAuthBlockState records the state produced by an auth block and the
// flags that correspond to it.
func (s *SerializedVaultKeyset) setAuthBlockState(state AuthBlockState) {
	s.AuthBlockState = state
	s.Flags = flagsForAuthBlockState(state)
	s.HasLELabel = false
	s.LELabel = 0
	s.LEFEKIV = nil
	s.LEChapsIV = nil
	s.TPMKey = nil
	s.ExtendedTPMKey = nil
	s.TPMIV = nil

	switch st := state.(type) {
	case *TPMNotBoundToPCRAuthBlockState:
		s.Salt = st.Salt
	case *TPMBoundToPCRAuthBlockState:
		s.Salt = st.Salt
	case *TPMECCAuthBlockState:
		s.Salt = st.Salt
	case *ScryptAuthBlockState:
		s.Salt = st.Salt
	case *DoubleWrappedCompatAuthBlockState:
		s.Salt = st.Scrypt.Salt
	case *PinWeaverAuthBlockState:
		s.Salt = st.Salt
		s.LELabel = st.Label
		s.HasLELabel = true
		s.LEFEKIV = st.FEKIV
		s.LEChapsIV = st.ChapsIV
	case *ChallengeCredentialAuthBlockState:
		s.Salt = st.Salt
	}
}

func flagsForAuthBlockState(state AuthBlockState) KeysetFlags {
	switch state.Kind() {
	case AuthBlockTPMNotBoundToPCR:
		return KeysetTPMWrapped
	case AuthBlockTPMBoundToPCR:
		return KeysetTPMWrapped | KeysetPCRBound
	case AuthBlockTPMECC:
		return KeysetTPMWrapped | KeysetPCRBound | KeysetECCWrapped
	case AuthBlockScrypt:
		return KeysetScryptWrapped
	case AuthBlockDoubleWrappedCompat:
		return KeysetTPMWrapped | KeysetScryptWrapped
	case AuthBlockPinWeaver:
		return KeysetLEWrapped
	case AuthBlockChallengeCredential:
		return KeysetSignatureChallengeProtected
	default:
		return 0
	}
}

// AuthBlockKindFromFlags returns the kind of auth block that protects a
// keyset with the specified flags.
func AuthBlockKindFromFlags(flags KeysetFlags) (AuthBlockKind, error) {
	tpm := flags&KeysetTPMWrapped != 0
	scrypt := flags&KeysetScryptWrapped != 0

	switch {
	case flags&KeysetLEWrapped != 0:
		return AuthBlockPinWeaver, nil
	case flags&KeysetSignatureChallengeProtected != 0:
		return AuthBlockChallengeCredential, nil
	case tpm && scrypt:
		return AuthBlockDoubleWrappedCompat, nil
	case tpm && flags&KeysetECCWrapped != 0:
		return AuthBlockTPMECC, nil
	case tpm && flags&KeysetPCRBound != 0:
		return AuthBlockTPMBoundToPCR, nil
	case tpm:
		return AuthBlockTPMNotBoundToPCR, nil
	case scrypt:
		return AuthBlockScrypt, nil
	default:
		return AuthBlockKindNone, fmt.Errorf("no auth block for keyset flags %#x", uint32(flags))
	}
}

// authBlockStateForDerivation returns the auth block state of this keyset,
// reconstructing it from the legacy fields for records that predate
// persisted states.
func (s *SerializedVaultKeyset) authBlockStateForDerivation() (AuthBlockState, error) {
	if s.AuthBlockState != nil {
		return s.AuthBlockState, nil
	}

	kind, err := AuthBlockKindFromFlags(s.Flags)
	if err != nil {
		return nil, err
	}

	scrypt := ScryptAuthBlockState{
		Salt:          s.Salt,
		ChapsSalt:     s.Salt,
		ResetSeedSalt: s.Salt,
		Params:        *legacyScryptParams()}

	switch kind {
	case AuthBlockTPMNotBoundToPCR:
		return &TPMNotBoundToPCRAuthBlockState{Salt: s.Salt, SealedKey: s.TPMKey, IV: s.TPMIV}, nil
	case AuthBlockTPMBoundToPCR:
		return &TPMBoundToPCRAuthBlockState{Salt: s.Salt, SealedKey: s.TPMKey, ExtendedSealedKey: s.ExtendedTPMKey, IV: s.TPMIV}, nil
	case AuthBlockTPMECC:
		return &TPMECCAuthBlockState{Salt: s.Salt, SealedKey: s.TPMKey, ExtendedSealedKey: s.ExtendedTPMKey, IV: s.TPMIV}, nil
	case AuthBlockScrypt:
		return &scrypt, nil
	case AuthBlockDoubleWrappedCompat:
		return &DoubleWrappedCompatAuthBlockState{
			Scrypt: scrypt,
			TPM:    TPMNotBoundToPCRAuthBlockState{Salt: s.Salt, SealedKey: s.TPMKey, IV: s.TPMIV}}, nil
	case AuthBlockPinWeaver:
		if !s.HasLELabel {
			return nil, fmt.Errorf("counter-backed keyset has no label")
		}
		return &PinWeaverAuthBlockState{Label: s.LELabel, Salt: s.Salt, ChapsIV: s.LEChapsIV, FEKIV: s.LEFEKIV}, nil
	default:
		return nil, fmt.Errorf("cannot reconstruct state for auth block %v", kind)
	}
}
