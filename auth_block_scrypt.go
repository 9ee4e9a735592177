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

const scryptSaltSize = 32

// scryptAuthBlock derives the keys that protect a keyset from the user
// secret alone.
type scryptAuthBlock struct {
	ctx *ExecutionContext
}

func (b *scryptAuthBlock) Create(in *AuthInput) (AuthBlockState, *KeyBlobs, error) {
	state := &ScryptAuthBlockState{Salt: in.Salt, Params: *b.ctx.kdfParams()}

	var err error
	if len(state.Salt) == 0 {
		if state.Salt, err = b.ctx.randomBytes(scryptSaltSize); err != nil {
			return nil, nil, err
		}
	}
	if state.ChapsSalt, err = b.ctx.randomBytes(scryptSaltSize); err != nil {
		return nil, nil, err
	}
	if state.ResetSeedSalt, err = b.ctx.randomBytes(scryptSaltSize); err != nil {
		return nil, nil, err
	}

	blobs, err := b.Derive(in, state)
	if err != nil {
		return nil, nil, err
	}
	return state, blobs, nil
}

func (b *scryptAuthBlock) Derive(in *AuthInput, state AuthBlockState) (*KeyBlobs, error) {
	st, ok := state.(*ScryptAuthBlockState)
	if !ok {
		return nil, newCryptoError(CryptoErrorFatal, "invalid state for %v auth block", AuthBlockScrypt)
	}
	return b.derive(in.UserInput, st)
}

func (b *scryptAuthBlock) derive(secret []byte, st *ScryptAuthBlockState) (*KeyBlobs, error) {
	if len(st.Salt) == 0 || len(st.ChapsSalt) == 0 || len(st.ResetSeedSalt) == 0 {
		return nil, newCryptoError(CryptoErrorFatal, "missing salt")
	}

	keys := new(DerivedKeys)
	blobs := &KeyBlobs{DerivedKeys: keys}

	var err error
	if keys.Main, err = b.ctx.workFactorDerive(secret, st.Salt, &st.Params); err != nil {
		return nil, err
	}
	if keys.Chaps, err = b.ctx.workFactorDerive(secret, st.ChapsSalt, &st.Params); err != nil {
		blobs.Wipe()
		return nil, err
	}
	if keys.ResetSeed, err = b.ctx.workFactorDerive(secret, st.ResetSeedSalt, &st.Params); err != nil {
		blobs.Wipe()
		return nil, err
	}
	return blobs, nil
}

// doubleWrappedCompatAuthBlock recovers keys from legacy keysets that are
// flagged as both hardware and software wrapped. New keysets are never
// created with it.
type doubleWrappedCompatAuthBlock struct {
	ctx *ExecutionContext
}

func (b *doubleWrappedCompatAuthBlock) Create(in *AuthInput) (AuthBlockState, *KeyBlobs, error) {
	return nil, nil, newCryptoError(CryptoErrorFatal, "cannot create a new %v keyset", AuthBlockDoubleWrappedCompat)
}

func (b *doubleWrappedCompatAuthBlock) Derive(in *AuthInput, state AuthBlockState) (*KeyBlobs, error) {
	st, ok := state.(*DoubleWrappedCompatAuthBlockState)
	if !ok {
		return nil, newCryptoError(CryptoErrorFatal, "invalid state for %v auth block", AuthBlockDoubleWrappedCompat)
	}

	// Both layers must be recoverable. The hardware layer wraps nothing
	// that the software keys don't already cover, but a keyset whose
	// sealed key can't be unsealed isn't treated as valid.
	blobs, err := newTPMAuthBlock(b.ctx, AuthBlockTPMNotBoundToPCR).Derive(in, &st.TPM)
	if err != nil {
		return nil, err
	}

	scryptBlobs, err := (&scryptAuthBlock{b.ctx}).derive(in.UserInput, &st.Scrypt)
	if err != nil {
		blobs.Wipe()
		return nil, err
	}

	// The keyset itself is wrapped by the software layer.
	blobs.DerivedKeys = scryptBlobs.DerivedKeys
	return blobs, nil
}
