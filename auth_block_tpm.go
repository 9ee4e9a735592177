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
	"github.com/snapcore/snapd/logger"
)

const (
	tpmSaltSize   = 16
	tpmKeySize    = 32
	blockIVSize   = 16
	sealedKeySize = 32
)

// hardwareGatedWorkFactorParams are the work factor parameters used for
// secrets that are additionally protected by dictionary attack protection
// in the hardware module or the counter service.
var hardwareGatedWorkFactorParams = &WorkFactorParams{Mode: WorkFactorScrypt, LogN: 10, R: 8, P: 1}

// tpmAuthBlock implements the auth blocks that seal a random key with the
// hardware module.
type tpmAuthBlock struct {
	ctx  *ExecutionContext
	kind AuthBlockKind
}

func newTPMAuthBlock(ctx *ExecutionContext, kind AuthBlockKind) *tpmAuthBlock {
	return &tpmAuthBlock{ctx: ctx, kind: kind}
}

func (b *tpmAuthBlock) sealParams(authValue []byte, extended bool) *SealParams {
	if b.kind == AuthBlockTPMNotBoundToPCR {
		return new(SealParams)
	}
	return &SealParams{
		AuthValue:    authValue,
		BindPCRs:     true,
		ExtendedPCRs: extended,
		ECC:          b.kind == AuthBlockTPMECC}
}

func (b *tpmAuthBlock) Create(in *AuthInput) (AuthBlockState, *KeyBlobs, error) {
	if b.ctx.Hardware == nil {
		return nil, nil, newCryptoError(CryptoErrorFatal, "no hardware module")
	}

	salt := in.Salt
	if len(salt) == 0 {
		var err error
		if salt, err = b.ctx.randomBytes(tpmSaltSize); err != nil {
			return nil, nil, err
		}
	}

	authValue, err := b.ctx.workFactorDerive(in.UserInput, salt, hardwareGatedWorkFactorParams)
	if err != nil {
		return nil, nil, err
	}
	defer authValue.Wipe()

	key, err := b.ctx.randomBytes(tpmKeySize)
	if err != nil {
		return nil, nil, err
	}
	defer wipe(key)

	iv, err := b.ctx.randomBytes(blockIVSize)
	if err != nil {
		return nil, nil, err
	}

	sealed, err := b.ctx.Hardware.Seal(key, b.sealParams(authValue, false))
	if err != nil {
		return nil, nil, cryptoErrorFromHardware(err, "seal key")
	}

	var state AuthBlockState
	switch b.kind {
	case AuthBlockTPMNotBoundToPCR:
		state = &TPMNotBoundToPCRAuthBlockState{Salt: salt, SealedKey: sealed, IV: iv}
	default:
		extended, err := b.ctx.Hardware.Seal(key, b.sealParams(authValue, true))
		if err != nil {
			return nil, nil, cryptoErrorFromHardware(err, "seal key for extended PCR values")
		}
		if b.kind == AuthBlockTPMECC {
			state = &TPMECCAuthBlockState{Salt: salt, SealedKey: sealed, ExtendedSealedKey: extended, IV: iv}
		} else {
			state = &TPMBoundToPCRAuthBlockState{Salt: salt, SealedKey: sealed, ExtendedSealedKey: extended, IV: iv}
		}
	}

	return state, b.keyBlobs(key, authValue, iv), nil
}

func (b *tpmAuthBlock) keyBlobs(key, authValue, iv []byte) *KeyBlobs {
	return &KeyBlobs{
		VKK:                 deriveSubKey(key, "VKK", authValue),
		VKKIV:               iv,
		ChapsIV:             iv,
		AuthorizationDataIV: iv}
}

func (b *tpmAuthBlock) Derive(in *AuthInput, state AuthBlockState) (*KeyBlobs, error) {
	if b.ctx.Hardware == nil {
		return nil, newCryptoError(CryptoErrorFatal, "no hardware module")
	}

	var salt, sealed, extended, iv []byte
	switch st := state.(type) {
	case *TPMNotBoundToPCRAuthBlockState:
		if b.kind == AuthBlockTPMNotBoundToPCR {
			salt, sealed, iv = st.Salt, st.SealedKey, st.IV
		}
	case *TPMBoundToPCRAuthBlockState:
		if b.kind == AuthBlockTPMBoundToPCR {
			salt, sealed, extended, iv = st.Salt, st.SealedKey, st.ExtendedSealedKey, st.IV
		}
	case *TPMECCAuthBlockState:
		if b.kind == AuthBlockTPMECC {
			salt, sealed, extended, iv = st.Salt, st.SealedKey, st.ExtendedSealedKey, st.IV
		}
	}
	if sealed == nil {
		return nil, newCryptoError(CryptoErrorFatal, "invalid state for %v auth block", b.kind)
	}
	if len(iv) != blockIVSize {
		return nil, newCryptoError(CryptoErrorFatal, "invalid IV length %d", len(iv))
	}

	authValue, err := b.ctx.workFactorDerive(in.UserInput, salt, hardwareGatedWorkFactorParams)
	if err != nil {
		return nil, err
	}
	defer authValue.Wipe()

	useExtended := in.LockedToSingleUser && b.kind != AuthBlockTPMNotBoundToPCR
	if useExtended {
		if len(extended) == 0 {
			return nil, newCryptoError(CryptoErrorFatal, "no key sealed to the extended PCR values")
		}
		logger.Debugf("using key sealed to extended PCR values")
		sealed = extended
	}

	key, err := b.ctx.Hardware.Unseal(sealed, b.sealParams(authValue, useExtended))
	if err != nil {
		return nil, cryptoErrorFromHardware(err, "unseal key")
	}
	defer wipe(key)
	if len(key) != sealedKeySize {
		return nil, newCryptoError(CryptoErrorHardwareFatal, "unsealed key has the wrong length")
	}

	return b.keyBlobs(key, authValue, iv), nil
}
