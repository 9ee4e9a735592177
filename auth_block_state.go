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
	"fmt"

	"github.com/canonical/go-tpm2/mu"
	"golang.org/x/xerrors"
)

// AuthBlockKind identifies an auth block strategy.
type AuthBlockKind uint8

const (
	AuthBlockKindNone AuthBlockKind = iota
	AuthBlockTPMNotBoundToPCR
	AuthBlockTPMBoundToPCR
	AuthBlockTPMECC
	AuthBlockScrypt
	AuthBlockDoubleWrappedCompat
	AuthBlockPinWeaver
	AuthBlockChallengeCredential
)

func (k AuthBlockKind) String() string {
	switch k {
	case AuthBlockKindNone:
		return "none"
	case AuthBlockTPMNotBoundToPCR:
		return "tpm-not-bound-to-pcr"
	case AuthBlockTPMBoundToPCR:
		return "tpm-bound-to-pcr"
	case AuthBlockTPMECC:
		return "tpm-ecc"
	case AuthBlockScrypt:
		return "scrypt"
	case AuthBlockDoubleWrappedCompat:
		return "double-wrapped"
	case AuthBlockPinWeaver:
		return "pinweaver"
	case AuthBlockChallengeCredential:
		return "challenge-credential"
	default:
		return fmt.Sprintf("AuthBlockKind(%d)", uint8(k))
	}
}

// AuthBlockState is the persisted, non-secret state of an auth block.
// The set of implementations is closed.
type AuthBlockState interface {
	Kind() AuthBlockKind
	authBlockState()
}

type TPMNotBoundToPCRAuthBlockState struct {
	Salt      []byte
	SealedKey []byte
	IV        []byte
}

type TPMBoundToPCRAuthBlockState struct {
	Salt              []byte
	SealedKey         []byte
	ExtendedSealedKey []byte
	IV                []byte
}

type TPMECCAuthBlockState struct {
	Salt              []byte
	SealedKey         []byte
	ExtendedSealedKey []byte
	IV                []byte
}

type ScryptAuthBlockState struct {
	Salt          []byte
	ChapsSalt     []byte
	ResetSeedSalt []byte
	Params        WorkFactorParams
}

type DoubleWrappedCompatAuthBlockState struct {
	Scrypt ScryptAuthBlockState
	TPM    TPMNotBoundToPCRAuthBlockState
}

type PinWeaverAuthBlockState struct {
	Label   uint64
	Salt    []byte
	ChapsIV []byte
	FEKIV   []byte
}

type ChallengeCredentialAuthBlockState struct {
	Scrypt             ScryptAuthBlockState
	SealedSecret       []byte
	Salt               []byte // the challenge
	PublicKeySPKI      []byte
	SignatureAlgorithm SignatureAlgorithm
	KeyDelegateName    string
}

func (*TPMNotBoundToPCRAuthBlockState) Kind() AuthBlockKind    { return AuthBlockTPMNotBoundToPCR }
func (*TPMBoundToPCRAuthBlockState) Kind() AuthBlockKind       { return AuthBlockTPMBoundToPCR }
func (*TPMECCAuthBlockState) Kind() AuthBlockKind              { return AuthBlockTPMECC }
func (*ScryptAuthBlockState) Kind() AuthBlockKind              { return AuthBlockScrypt }
func (*DoubleWrappedCompatAuthBlockState) Kind() AuthBlockKind { return AuthBlockDoubleWrappedCompat }
func (*PinWeaverAuthBlockState) Kind() AuthBlockKind           { return AuthBlockPinWeaver }
func (*ChallengeCredentialAuthBlockState) Kind() AuthBlockKind { return AuthBlockChallengeCredential }

func (*TPMNotBoundToPCRAuthBlockState) authBlockState()    {}
func (*TPMBoundToPCRAuthBlockState) authBlockState()       {}
func (*TPMECCAuthBlockState) authBlockState()              {}
func (*ScryptAuthBlockState) authBlockState()              {}
func (*DoubleWrappedCompatAuthBlockState) authBlockState() {}
func (*PinWeaverAuthBlockState) authBlockState()           {}
func (*ChallengeCredentialAuthBlockState) authBlockState() {}

// challengeCredentialStateRaw is the on-disk form of
// ChallengeCredentialAuthBlockState.
type challengeCredentialStateRaw struct {
	Scrypt             ScryptAuthBlockState
	SealedSecret       []byte
	Salt               []byte
	PublicKeySPKI      []byte
	SignatureAlgorithm uint16
	KeyDelegateName    []byte
}

// encodeAuthBlockState returns the on-disk form of the supplied state. A
// nil state is encoded as AuthBlockKindNone with no payload.
func encodeAuthBlockState(state AuthBlockState) (kind AuthBlockKind, data []byte, err error) {
	if state == nil {
		return AuthBlockKindNone, nil, nil
	}

	var val interface{} = state
	if st, ok := state.(*ChallengeCredentialAuthBlockState); ok {
		val = &challengeCredentialStateRaw{
			Scrypt:             st.Scrypt,
			SealedSecret:       st.SealedSecret,
			Salt:               st.Salt,
			PublicKeySPKI:      st.PublicKeySPKI,
			SignatureAlgorithm: uint16(st.SignatureAlgorithm),
			KeyDelegateName:    []byte(st.KeyDelegateName)}
	}

	data, err = mu.MarshalToBytes(val)
	if err != nil {
		return AuthBlockKindNone, nil, xerrors.Errorf("cannot marshal %v state: %w", state.Kind(), err)
	}
	return state.Kind(), data, nil
}

func decodeAuthBlockState(kind AuthBlockKind, data []byte) (AuthBlockState, error) {
	var state AuthBlockState
	var val interface{}

	switch kind {
	case AuthBlockKindNone:
		if len(data) > 0 {
			return nil, fmt.Errorf("unexpected state payload")
		}
		return nil, nil
	case AuthBlockTPMNotBoundToPCR:
		st := new(TPMNotBoundToPCRAuthBlockState)
		state, val = st, st
	case AuthBlockTPMBoundToPCR:
		st := new(TPMBoundToPCRAuthBlockState)
		state, val = st, st
	case AuthBlockTPMECC:
		st := new(TPMECCAuthBlockState)
		state, val = st, st
	case AuthBlockScrypt:
		st := new(ScryptAuthBlockState)
		state, val = st, st
	case AuthBlockDoubleWrappedCompat:
		st := new(DoubleWrappedCompatAuthBlockState)
		state, val = st, st
	case AuthBlockPinWeaver:
		st := new(PinWeaverAuthBlockState)
		state, val = st, st
	case AuthBlockChallengeCredential:
		val = new(challengeCredentialStateRaw)
	default:
		return nil, fmt.Errorf("unrecognized auth block kind %d", uint8(kind))
	}

	n, err := mu.UnmarshalFromBytes(data, val)
	if err != nil {
		return nil, xerrors.Errorf("cannot unmarshal %v state: %w", kind, err)
	}
	if n < len(data) {
		return nil, fmt.Errorf("%d trailing bytes after %v state", len(data)-n, kind)
	}

	if raw, ok := val.(*challengeCredentialStateRaw); ok {
		state = &ChallengeCredentialAuthBlockState{
			Scrypt:             raw.Scrypt,
			SealedSecret:       raw.SealedSecret,
			Salt:               raw.Salt,
			PublicKeySPKI:      raw.PublicKeySPKI,
			SignatureAlgorithm: SignatureAlgorithm(raw.SignatureAlgorithm),
			KeyDelegateName:    string(raw.KeyDelegateName)}
	}
	return state, nil
}
