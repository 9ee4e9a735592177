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
	"context"

	"github.com/snapcore/snapd/logger"
	"golang.org/x/xerrors"

	"github.com/snapcore/vaultkeys/internal/metrics"
)

// AuthBlockUtility selects auth blocks and runs them on behalf of the
// keyset manager.
type AuthBlockUtility struct {
	ctx   *ExecutionContext
	store *KeysetStore

	lockedToSingleUser bool
}

// NewAuthBlockUtility returns a new AuthBlockUtility. The store is used to
// obfuscate usernames and to record counter-backed credential lockouts.
func NewAuthBlockUtility(ctx *ExecutionContext, store *KeysetStore) *AuthBlockUtility {
	if ctx == nil {
		ctx = new(ExecutionContext)
	}
	return &AuthBlockUtility{ctx: ctx, store: store}
}

// SetLockedToSingleUser indicates that the system has been locked to a
// single user for the rest of this boot, so that PCR-bound keys sealed to
// the extended PCR values are used.
func (u *AuthBlockUtility) SetLockedToSingleUser(locked bool) {
	u.lockedToSingleUser = locked
}

// GetAuthBlockKindForCreation returns the auth block that protects a new
// keyset.
func (u *AuthBlockUtility) GetAuthBlockKindForCreation(isLECredential, isChallengeCredential bool) AuthBlockKind {
	hw := u.ctx.Hardware
	owned := u.ctx.hardwareOwned()

	var kind AuthBlockKind
	switch {
	case isLECredential:
		kind = AuthBlockPinWeaver
	case isChallengeCredential:
		kind = AuthBlockChallengeCredential
	case owned && hw.IsUserAuthGatedUnsealAvailable() && hw.HasECCKey():
		kind = AuthBlockTPMECC
	case owned && hw.IsUserAuthGatedUnsealAvailable():
		kind = AuthBlockTPMBoundToPCR
	case owned:
		kind = AuthBlockTPMNotBoundToPCR
	default:
		kind = AuthBlockScrypt
	}
	logger.Debugf("selected %v auth block for new keyset", kind)
	return kind
}

// GetAuthBlockKindForDerivation returns the auth block that protects the
// supplied keyset.
func (u *AuthBlockUtility) GetAuthBlockKindForDerivation(keyset *SerializedVaultKeyset) (AuthBlockKind, error) {
	if keyset.AuthBlockState != nil {
		return keyset.AuthBlockState.Kind(), nil
	}
	kind, err := AuthBlockKindFromFlags(keyset.Flags)
	if err != nil {
		return AuthBlockKindNone, &CryptoError{Kind: CryptoErrorFatal, Err: err}
	}
	return kind, nil
}

// IsAuthBlockSupported indicates whether the specified auth block can be
// used on this system.
func (u *AuthBlockUtility) IsAuthBlockSupported(kind AuthBlockKind) bool {
	f, ok := authBlocks[kind]
	if !ok {
		return false
	}
	return f.supported(u.ctx)
}

func (u *AuthBlockUtility) authInput(creds *Credentials, reset *ResetSecretParams) (*AuthInput, error) {
	in := &AuthInput{
		UserInput:           creds.Passkey,
		LockedToSingleUser:  u.lockedToSingleUser,
		ChallengeCredential: creds.ChallengeCredential}
	if u.store != nil && creds.Username != "" {
		obfuscated, err := u.store.ObfuscatedUsername(creds.Username)
		if err != nil {
			return nil, &CryptoError{Kind: CryptoErrorFatal, Err: xerrors.Errorf("cannot obtain obfuscated username: %w", err)}
		}
		in.ObfuscatedUsername = obfuscated
	}
	if reset != nil {
		in.ResetSeed = reset.Seed
		in.ResetSalt = reset.Salt
		in.ResetSecretOverride = reset.Override
	}
	return in, nil
}

func (u *AuthBlockUtility) syncFactory(kind AuthBlockKind) (*authBlockFactory, error) {
	f, err := lookupAuthBlock(kind)
	if err != nil {
		return nil, err
	}
	if f.newSync == nil {
		return nil, newCryptoError(CryptoErrorFatal, "%v auth block can only be used asynchronously", kind)
	}
	return f, nil
}

// CreateKeyBlobs creates the key material for a new keyset with the
// specified auth block. The reset parameters are required for
// counter-backed credentials.
func (u *AuthBlockUtility) CreateKeyBlobs(kind AuthBlockKind, creds *Credentials, reset *ResetSecretParams) (AuthBlockState, *KeyBlobs, error) {
	f, err := u.syncFactory(kind)
	if err != nil {
		return nil, nil, err
	}
	in, err := u.authInput(creds, reset)
	if err != nil {
		return nil, nil, err
	}

	state, blobs, err := f.newSync(u.ctx).Create(in)
	if err != nil {
		return nil, nil, err
	}
	metrics.RecordAuthBlockCreate(kind.String(), f.derivation)
	return state, blobs, nil
}

// DeriveKeyBlobs recovers the key material of an existing keyset with the
// specified auth block. If a counter-backed credential is locked out, the
// keyset that it protects is marked as locked before the error is
// returned.
func (u *AuthBlockUtility) DeriveKeyBlobs(kind AuthBlockKind, creds *Credentials, state AuthBlockState) (*KeyBlobs, error) {
	f, err := u.syncFactory(kind)
	if err != nil {
		return nil, err
	}
	in, err := u.authInput(creds, nil)
	if err != nil {
		return nil, err
	}

	blobs, err := f.newSync(u.ctx).Derive(in, state)
	if err != nil {
		u.handleDeriveFailure(kind, in.ObfuscatedUsername, state, err)
		return nil, err
	}
	return blobs, nil
}

// CreateKeyBlobsAsync is the asynchronous version of CreateKeyBlobs, which
// works with every auth block.
func (u *AuthBlockUtility) CreateKeyBlobsAsync(ctx context.Context, kind AuthBlockKind, creds *Credentials, reset *ResetSecretParams) *KeyBlobsTask {
	f, err := lookupAuthBlock(kind)
	if err != nil {
		return completedKeyBlobsTask(err)
	}
	in, err := u.authInput(creds, reset)
	if err != nil {
		return completedKeyBlobsTask(err)
	}

	inner := f.async(u.ctx).CreateAsync(ctx, in)
	return newKeyBlobsTask(ctx, func(ctx context.Context) (AuthBlockState, *KeyBlobs, error) {
		state, blobs, err := inner.WaitContext(ctx)
		if err != nil {
			return nil, nil, err
		}
		metrics.RecordAuthBlockCreate(kind.String(), f.derivation)
		return state, blobs, nil
	})
}

// DeriveKeyBlobsAsync is the asynchronous version of DeriveKeyBlobs, which
// works with every auth block.
func (u *AuthBlockUtility) DeriveKeyBlobsAsync(ctx context.Context, kind AuthBlockKind, creds *Credentials, state AuthBlockState) *KeyBlobsTask {
	f, err := lookupAuthBlock(kind)
	if err != nil {
		return completedKeyBlobsTask(err)
	}
	in, err := u.authInput(creds, nil)
	if err != nil {
		return completedKeyBlobsTask(err)
	}

	inner := f.async(u.ctx).DeriveAsync(ctx, in, state)
	return newKeyBlobsTask(ctx, func(ctx context.Context) (AuthBlockState, *KeyBlobs, error) {
		_, blobs, err := inner.WaitContext(ctx)
		if err != nil {
			if err != ErrTaskCancelled && ctx.Err() == nil {
				u.handleDeriveFailure(kind, in.ObfuscatedUsername, state, err)
			}
			return nil, nil, err
		}
		return state, blobs, nil
	})
}

// createKeyBlobs runs the specified auth block synchronously if possible,
// or else waits for the asynchronous version.
func (u *AuthBlockUtility) createKeyBlobs(ctx context.Context, kind AuthBlockKind, creds *Credentials, reset *ResetSecretParams) (AuthBlockState, *KeyBlobs, error) {
	if f, ok := authBlocks[kind]; ok && f.newSync != nil {
		return u.CreateKeyBlobs(kind, creds, reset)
	}
	return u.CreateKeyBlobsAsync(ctx, kind, creds, reset).WaitContext(ctx)
}

func (u *AuthBlockUtility) deriveKeyBlobs(ctx context.Context, kind AuthBlockKind, creds *Credentials, state AuthBlockState) (*KeyBlobs, error) {
	if f, ok := authBlocks[kind]; ok && f.newSync != nil {
		return u.DeriveKeyBlobs(kind, creds, state)
	}
	_, blobs, err := u.DeriveKeyBlobsAsync(ctx, kind, creds, state).WaitContext(ctx)
	return blobs, err
}

func (u *AuthBlockUtility) handleDeriveFailure(kind AuthBlockKind, obfuscatedUsername string, state AuthBlockState, err error) {
	errKind := CryptoErrorKindOf(err)
	metrics.RecordAuthBlockDeriveFailure(kind.String(), errKind.String())

	if kind != AuthBlockPinWeaver || errKind != CryptoErrorHardwareLockout {
		return
	}
	st, ok := state.(*PinWeaverAuthBlockState)
	if !ok || u.store == nil || obfuscatedUsername == "" {
		return
	}
	if err := u.lockLECredential(obfuscatedUsername, st.Label); err != nil {
		logger.Noticef("cannot mark counter-backed credential %d as locked: %v", st.Label, err)
	}
}

// lockLECredential persists the locked state of the keyset that is
// protected by the specified counter-backed credential.
func (u *AuthBlockUtility) lockLECredential(obfuscatedUsername string, leLabel uint64) error {
	indices, err := u.store.Indices(obfuscatedUsername)
	if err != nil {
		return err
	}
	for _, index := range indices {
		keyset, err := u.store.Load(obfuscatedUsername, index)
		if err != nil {
			continue
		}
		if !keyset.IsLECredential() || !keyset.HasLELabel || keyset.LELabel != leLabel {
			continue
		}

		keyset.AuthLocked = true
		if keyset.KeyData != nil {
			keyset.KeyData.Policy.AuthLocked = true
		}
		if err := u.store.Save(obfuscatedUsername, index, keyset); err != nil {
			return err
		}
		metrics.RecordLECredentialLockout()
		logger.Noticef("counter-backed credential in keyset %d is locked", index)
		return nil
	}
	return ErrKeysetNotFound
}
