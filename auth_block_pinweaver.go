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
	leSaltSize    = 32
	heSecretSize  = 32
	resetSaltSize = 32
)

// pinWeaverAuthBlock protects a keyset with a credential held by a counter
// service, which limits the number of wrong attempts.
type pinWeaverAuthBlock struct {
	ctx *ExecutionContext
}

func (b *pinWeaverAuthBlock) leSecret(secret, salt []byte) (Secret, error) {
	return b.ctx.workFactorDerive(secret, salt, hardwareGatedWorkFactorParams)
}

func (b *pinWeaverAuthBlock) Create(in *AuthInput) (AuthBlockState, *KeyBlobs, error) {
	if b.ctx.LECredentials == nil {
		return nil, nil, newCryptoError(CryptoErrorLEUnsupported, "no counter service")
	}

	resetSecret := in.resetSecret()
	if len(resetSecret) == 0 {
		return nil, nil, newCryptoError(CryptoErrorCrypto, "no reset secret for counter-backed credential")
	}

	state := &PinWeaverAuthBlockState{Salt: in.Salt}
	var err error
	if len(state.Salt) == 0 {
		if state.Salt, err = b.ctx.randomBytes(leSaltSize); err != nil {
			return nil, nil, err
		}
	}
	if state.FEKIV, err = b.ctx.randomBytes(blockIVSize); err != nil {
		return nil, nil, err
	}
	if state.ChapsIV, err = b.ctx.randomBytes(blockIVSize); err != nil {
		return nil, nil, err
	}

	leSecret, err := b.leSecret(in.UserInput, state.Salt)
	if err != nil {
		return nil, nil, err
	}
	defer leSecret.Wipe()

	heSecret, err := b.ctx.randomBytes(heSecretSize)
	if err != nil {
		return nil, nil, err
	}
	defer wipe(heSecret)

	policy := &LEPolicy{
		AttemptLimit: b.ctx.leAttemptLimit(),
		BindPCRs:     b.ctx.hardwareOwned()}
	state.Label, err = b.ctx.LECredentials.InsertCredential(leSecret, heSecret, resetSecret, policy)
	if err != nil {
		return nil, nil, cryptoErrorFromLE(err, "insert credential")
	}
	logger.Debugf("inserted counter-backed credential %d", state.Label)

	return state, b.keyBlobs(state, heSecret, leSecret, resetSecret), nil
}

func (b *pinWeaverAuthBlock) keyBlobs(state *PinWeaverAuthBlockState, heSecret, leSecret []byte, resetSecret Secret) *KeyBlobs {
	return &KeyBlobs{
		VKK:                 deriveSubKey(heSecret, "VKK", leSecret),
		VKKIV:               state.FEKIV,
		ChapsIV:             state.ChapsIV,
		AuthorizationDataIV: state.FEKIV,
		ResetSecret:         resetSecret}
}

func (b *pinWeaverAuthBlock) Derive(in *AuthInput, state AuthBlockState) (*KeyBlobs, error) {
	st, ok := state.(*PinWeaverAuthBlockState)
	if !ok {
		return nil, newCryptoError(CryptoErrorFatal, "invalid state for %v auth block", AuthBlockPinWeaver)
	}
	if b.ctx.LECredentials == nil {
		return nil, newCryptoError(CryptoErrorLEUnsupported, "no counter service")
	}
	if len(st.FEKIV) != blockIVSize || len(st.ChapsIV) != blockIVSize {
		return nil, newCryptoError(CryptoErrorFatal, "invalid IV length")
	}

	leSecret, err := b.leSecret(in.UserInput, st.Salt)
	if err != nil {
		return nil, err
	}
	defer leSecret.Wipe()

	heSecret, resetSecret, err := b.ctx.LECredentials.CheckCredential(st.Label, leSecret)
	if err != nil {
		return nil, cryptoErrorFromLE(err, "check credential")
	}
	defer wipe(heSecret)

	return b.keyBlobs(st, heSecret, leSecret, resetSecret), nil
}
