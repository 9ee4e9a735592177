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
)

// KeysetManager manages the keyset slots of each user.
type KeysetManager struct {
	ctx     *ExecutionContext
	store   *KeysetStore
	utility *AuthBlockUtility
}

// NewKeysetManager returns a new KeysetManager for the keysets in the
// supplied store.
func NewKeysetManager(ctx *ExecutionContext, store *KeysetStore) *KeysetManager {
	if ctx == nil {
		ctx = new(ExecutionContext)
	}
	return &KeysetManager{
		ctx:     ctx,
		store:   store,
		utility: NewAuthBlockUtility(ctx, store)}
}

// Utility returns the AuthBlockUtility used by this manager.
func (m *KeysetManager) Utility() *AuthBlockUtility {
	return m.utility
}

// Store returns the KeysetStore used by this manager.
func (m *KeysetManager) Store() *KeysetStore {
	return m.store
}

// GetObfuscatedUsername returns the obfuscated form of the supplied
// username.
func (m *KeysetManager) GetObfuscatedUsername(username string) (string, error) {
	obfuscated, err := m.store.ObfuscatedUsername(username)
	if err != nil {
		return "", &KeysetError{Code: KeysetErrorBackingStoreFailure, Err: err}
	}
	return obfuscated, nil
}

// UserExists indicates whether the specified user has any keyset storage.
func (m *KeysetManager) UserExists(obfuscatedUsername string) bool {
	return m.store.UserExists(obfuscatedUsername)
}

// GetKeysetIndices returns the indices of the slots used by the specified
// user.
func (m *KeysetManager) GetKeysetIndices(obfuscatedUsername string) ([]int, error) {
	indices, err := m.store.Indices(obfuscatedUsername)
	if err != nil {
		return nil, &KeysetError{Code: KeysetErrorBackingStoreFailure, Err: err}
	}
	return indices, nil
}

// GetVaultKeyset returns the encrypted keyset with the specified label and
// its index.
func (m *KeysetManager) GetVaultKeyset(obfuscatedUsername, label string) (*SerializedVaultKeyset, int, error) {
	keyset, index, err := m.store.LoadByLabel(obfuscatedUsername, label)
	switch {
	case err == ErrKeysetNotFound:
		return nil, 0, newKeysetError(KeysetErrorKeyNotFound, "no keyset with label %q", label)
	case err != nil:
		return nil, 0, &KeysetError{Code: KeysetErrorBackingStoreFailure, Err: err}
	}
	return keyset, index, nil
}

// GetVaultKeysetLabels returns the labels of every readable keyset of the
// specified user.
func (m *KeysetManager) GetVaultKeysetLabels(obfuscatedUsername string) ([]string, error) {
	indices, err := m.GetKeysetIndices(obfuscatedUsername)
	if err != nil {
		return nil, err
	}
	var labels []string
	for _, index := range indices {
		keyset, err := m.store.Load(obfuscatedUsername, index)
		if err != nil {
			logger.Noticef("skipping keyset %d: %v", index, err)
			continue
		}
		labels = append(labels, keyset.Label())
	}
	return labels, nil
}

// decrypt recovers the key material of the supplied keyset. The returned
// keyset retains the key blobs it was decrypted with.
func (m *KeysetManager) decrypt(ctx context.Context, creds *Credentials, keyset *SerializedVaultKeyset) (*VaultKeyset, error) {
	kind, err := m.utility.GetAuthBlockKindForDerivation(keyset)
	if err != nil {
		return nil, err
	}
	state, err := keyset.authBlockStateForDerivation()
	if err != nil {
		return nil, &CryptoError{Kind: CryptoErrorFatal, Err: err}
	}

	blobs, err := m.utility.deriveKeyBlobs(ctx, kind, creds, state)
	if err != nil {
		return nil, err
	}

	vk, err := UnwrapVaultKeyset(keyset, blobs)
	if err != nil {
		blobs.Wipe()
		return nil, err
	}
	vk.blobs = blobs
	return vk, nil
}

type encryptOptions struct {
	// resetSalt is the salt of an existing counter-backed credential.
	resetSalt []byte

	// resetSecret is the reset secret of an existing counter-backed
	// credential, for which the reset seed isn't available.
	resetSecret Secret
}

// encrypt protects the supplied keyset with a new auth block, selected
// according to its metadata.
func (m *KeysetManager) encrypt(ctx context.Context, creds *Credentials, vk *VaultKeyset, opts *encryptOptions) (*SerializedVaultKeyset, error) {
	if opts == nil {
		opts = new(encryptOptions)
	}

	isLE := vk.KeyData != nil && vk.KeyData.Policy.LowEntropyCredential
	isChallenge := vk.KeyData != nil && vk.KeyData.Type == KeyTypeChallengeResponse
	kind := m.utility.GetAuthBlockKindForCreation(isLE, isChallenge)

	var reset *ResetSecretParams
	var resetSalt []byte
	if isLE {
		resetSalt = opts.resetSalt
		if len(resetSalt) == 0 {
			var err error
			if resetSalt, err = m.ctx.randomBytes(resetSaltSize); err != nil {
				return nil, err
			}
		}
		reset = &ResetSecretParams{Seed: vk.ResetSeed, Salt: resetSalt, Override: opts.resetSecret}
	}

	state, blobs, err := m.utility.createKeyBlobs(ctx, kind, creds, reset)
	if err != nil {
		return nil, err
	}
	defer blobs.Wipe()

	keyset, err := WrapVaultKeyset(m.ctx.rand(), vk, blobs, &WrapOptions{RetainResetSeed: !isLE})
	if err != nil {
		m.discardState(state)
		return nil, err
	}
	keyset.setAuthBlockState(state)
	keyset.ResetSalt = resetSalt
	if keyset.KeyData != nil {
		keyset.KeyData.Policy.AuthLocked = false
	}
	return keyset, nil
}

// discardState releases the resources associated with an auth block state
// that won't be persisted.
func (m *KeysetManager) discardState(state AuthBlockState) {
	if st, ok := state.(*PinWeaverAuthBlockState); ok {
		m.removeLECredential(st.Label)
	}
}

// removeLECredential removes a credential from the counter service. Errors
// are logged.
func (m *KeysetManager) removeLECredential(label uint64) {
	if m.ctx.LECredentials == nil {
		logger.Noticef("cannot remove counter-backed credential %d: no counter service", label)
		return
	}
	if err := m.ctx.LECredentials.RemoveCredential(label); err != nil {
		logger.Noticef("cannot remove counter-backed credential %d: %v", label, err)
	}
}

// release frees a slot that was claimed for a keyset that won't be
// written.
func (m *KeysetManager) release(obfuscatedUsername string, index int) {
	if err := m.store.Remove(obfuscatedUsername, index); err != nil {
		logger.Noticef("cannot release keyset %d: %v", index, err)
	}
}

// GetValidKeyset returns the first keyset of the user that can be decrypted
// with the supplied credentials. If the credentials have a label, only the
// keyset with that label is tried. Otherwise every keyset that isn't
// protected by a counter-backed credential is tried.
func (m *KeysetManager) GetValidKeyset(ctx context.Context, creds *Credentials) (*VaultKeyset, error) {
	obfuscated, err := m.GetObfuscatedUsername(creds.Username)
	if err != nil {
		return nil, err
	}
	indices, err := m.GetKeysetIndices(obfuscated)
	if err != nil {
		return nil, err
	}

	label := creds.Label()
	found := false
	var lastErr error

	for _, index := range indices {
		keyset, err := m.store.Load(obfuscated, index)
		if err != nil {
			logger.Noticef("skipping keyset %d: %v", index, err)
			continue
		}

		switch {
		case label != "" && !keyset.hasLabel(label):
			continue
		case label == "" && keyset.IsLECredential():
			continue
		}
		found = true

		if keyset.IsLECredential() && keyset.AuthLocked {
			lastErr = newCryptoError(CryptoErrorHardwareLockout, "keyset %d is locked", index)
			continue
		}

		vk, err := m.decrypt(ctx, creds, keyset)
		if err != nil {
			lastErr = err
			continue
		}
		vk.Index = index
		return vk, nil
	}

	if !found {
		return nil, newKeysetError(KeysetErrorAuthorizationKeyNotFound, "no matching keyset")
	}
	return nil, &KeysetError{Code: KeysetErrorAuthorizationKeyFailed, Err: lastErr}
}

// AddInitialKeyset creates the first keyset for a user, with new random key
// material, and returns it.
func (m *KeysetManager) AddInitialKeyset(ctx context.Context, creds *Credentials) (*VaultKeyset, error) {
	obfuscated, err := m.GetObfuscatedUsername(creds.Username)
	if err != nil {
		return nil, err
	}

	vk, err := NewVaultKeyset(m.ctx.rand())
	if err != nil {
		return nil, &KeysetError{Code: KeysetErrorBackingStoreFailure, Err: err}
	}
	vk.KeyData = creds.KeyData.Copy()

	index, err := m.claim(obfuscated)
	if err != nil {
		vk.Wipe()
		return nil, err
	}

	keyset, err := m.encrypt(ctx, creds, vk, nil)
	if err != nil {
		m.release(obfuscated, index)
		vk.Wipe()
		return nil, newKeysetError(KeysetErrorBackingStoreFailure, "cannot encrypt keyset: %w", err)
	}
	if err := m.store.Save(obfuscated, index, keyset); err != nil {
		m.discardState(keyset.AuthBlockState)
		m.release(obfuscated, index)
		vk.Wipe()
		return nil, &KeysetError{Code: KeysetErrorBackingStoreFailure, Err: err}
	}

	vk.Index = index
	vk.serialized = keyset
	return vk, nil
}

func (m *KeysetManager) claim(obfuscatedUsername string) (int, error) {
	index, err := m.store.Claim(obfuscatedUsername)
	switch {
	case err == ErrNoFreeKeysetIndex:
		return 0, &KeysetError{Code: KeysetErrorQuotaExceeded, Err: err}
	case err != nil:
		return 0, &KeysetError{Code: KeysetErrorBackingStoreFailure, Err: err}
	}
	return index, nil
}

// addResetSeed adds a reset seed to a keyset that was created before reset
// seeds existed, re-wrapping it with the key blobs it was decrypted with.
func (m *KeysetManager) addResetSeed(obfuscatedUsername string, vk *VaultKeyset) error {
	seed, err := m.ctx.randomBytes(resetSeedSize)
	if err != nil {
		return err
	}

	old := vk.serialized
	vk.ResetSeed = seed
	keyset, err := WrapVaultKeyset(m.ctx.rand(), vk, vk.blobs, &WrapOptions{RetainResetSeed: true})
	if err != nil {
		vk.ResetSeed = nil
		return err
	}
	keyset.copyProtectionFrom(old)

	if err := m.store.Save(obfuscatedUsername, vk.Index, keyset); err != nil {
		vk.ResetSeed = nil
		return err
	}
	vk.serialized = keyset
	logger.Noticef("added reset seed to keyset %d", vk.Index)
	return nil
}

// copyProtectionFrom copies the fields that describe how a keyset is
// protected from another record of the same keyset.
func (s *SerializedVaultKeyset) copyProtectionFrom(other *SerializedVaultKeyset) {
	s.Flags = other.Flags
	s.Salt = other.Salt
	s.ResetSalt = other.ResetSalt
	s.LELabel = other.LELabel
	s.HasLELabel = other.HasLELabel
	s.LEFEKIV = other.LEFEKIV
	s.LEChapsIV = other.LEChapsIV
	s.AuthLocked = other.AuthLocked
	s.TPMKey = other.TPMKey
	s.ExtendedTPMKey = other.ExtendedTPMKey
	s.TPMIV = other.TPMIV
	s.AuthBlockState = other.AuthBlockState
	if s.KeyData != nil && other.KeyData != nil {
		s.KeyData.Policy = other.KeyData.Policy
	}
}

// AddKeyset adds a new keyset for the user identified by the existing
// credentials, with the same key material as the keyset those credentials
// decrypt, protected by the new credentials. If clobber is set, a keyset
// with the same label as the new one is replaced. It returns the index of
// the new keyset.
func (m *KeysetManager) AddKeyset(ctx context.Context, existing, newCreds *Credentials, clobber bool) (int, error) {
	obfuscated, err := m.GetObfuscatedUsername(existing.Username)
	if err != nil {
		return -1, err
	}

	vk, err := m.GetValidKeyset(ctx, existing)
	if err != nil {
		return -1, err
	}
	defer vk.Wipe()

	if vk.KeyData != nil && !vk.KeyData.Privileges.Add {
		return -1, newKeysetError(KeysetErrorAuthorizationKeyDenied, "keyset %d cannot authorize adding keysets", vk.Index)
	}

	keyData := newCreds.KeyData.Copy()

	index := -1
	var clobbered *SerializedVaultKeyset
	if keyData != nil && keyData.Label != "" {
		keyset, existingIndex, err := m.store.LoadByLabel(obfuscated, keyData.Label)
		switch {
		case err == nil:
			if !clobber {
				return -1, newKeysetError(KeysetErrorLabelExists, "keyset with label %q already exists", keyData.Label)
			}
			index = existingIndex
			clobbered = keyset
		case err != ErrKeysetNotFound:
			return -1, &KeysetError{Code: KeysetErrorBackingStoreFailure, Err: err}
		}
	}

	claimed := false
	if index < 0 {
		if index, err = m.claim(obfuscated); err != nil {
			return -1, err
		}
		claimed = true
	}

	// The authorizing keyset is only rewritten once the new keyset has a
	// slot, so that a failed add leaves every existing file untouched.
	if len(vk.ResetSeed) == 0 && !vk.serialized.IsLECredential() {
		if err := m.addResetSeed(obfuscated, vk); err != nil {
			if claimed {
				m.release(obfuscated, index)
			}
			return -1, newKeysetError(KeysetErrorBackingStoreFailure, "cannot add reset seed: %w", err)
		}
	}

	newVK := vk.copyWithKeyData(keyData)
	defer newVK.Wipe()

	creds := &Credentials{
		Username:            existing.Username,
		Passkey:             newCreds.Passkey,
		KeyData:             keyData,
		ChallengeCredential: newCreds.ChallengeCredential}
	keyset, err := m.encrypt(ctx, creds, newVK, nil)
	if err != nil {
		if claimed {
			m.release(obfuscated, index)
		}
		return -1, newKeysetError(KeysetErrorBackingStoreFailure, "cannot encrypt new keyset: %w", err)
	}

	if err := m.store.Save(obfuscated, index, keyset); err != nil {
		m.discardState(keyset.AuthBlockState)
		if claimed {
			m.release(obfuscated, index)
		}
		return -1, &KeysetError{Code: KeysetErrorBackingStoreFailure, Err: err}
	}

	if clobbered != nil && clobbered.IsLECredential() && clobbered.HasLELabel {
		m.removeLECredential(clobbered.LELabel)
	}
	return index, nil
}

// mergeKeyData applies the metadata changes that a fully privileged update
// can make.
func mergeKeyData(dst, src *KeyData) {
	if src.Label != "" {
		dst.Label = src.Label
	}
	dst.Type = src.Type
	if src.AuthorizationData != nil {
		dst.wipeAuthorizationData()
		dst.AuthorizationData = src.Copy().AuthorizationData
	}
	if src.Revision > dst.Revision {
		dst.Revision = src.Revision
	}
}

// UpdateKeyset updates the secret and metadata of the keyset that the
// supplied credentials decrypt. Keysets with the AuthorizedUpdate privilege
// require a signature over the new revision and secret, created with
// SignKeyUpdate, and the new revision must be higher than the current one.
// Unless they also have the Update privilege, only their secret and
// revision can be changed.
func (m *KeysetManager) UpdateKeyset(ctx context.Context, creds, changes *Credentials, signature []byte) error {
	obfuscated, err := m.GetObfuscatedUsername(creds.Username)
	if err != nil {
		return err
	}

	vk, err := m.GetValidKeyset(ctx, creds)
	if err != nil {
		return err
	}
	defer vk.Wipe()

	secret := changes.Passkey
	if len(secret) == 0 {
		secret = creds.Passkey
	}

	current := vk.KeyData
	var updated *KeyData

	switch {
	case current == nil:
		updated = changes.KeyData.Copy()
	case current.Privileges.AuthorizedUpdate:
		if changes.KeyData == nil {
			return newKeysetError(KeysetErrorUpdateSignatureInvalid, "no revision supplied")
		}
		revision := changes.KeyData.Revision
		if revision <= current.Revision {
			return newKeysetError(KeysetErrorUpdateSignatureInvalid, "revision %d is not newer than %d", revision, current.Revision)
		}
		signingSecret := current.signingSecret()
		if signingSecret == nil {
			return newKeysetError(KeysetErrorUpdateSignatureInvalid, "keyset has no signing secret")
		}
		if !verifyKeyUpdate(signingSecret, revision, secret, signature) {
			return newKeysetError(KeysetErrorUpdateSignatureInvalid, "invalid signature")
		}

		updated = current.Copy()
		if current.Privileges.Update {
			mergeKeyData(updated, changes.KeyData)
		}
		updated.Revision = revision
	case current.Privileges.Update:
		updated = current.Copy()
		if changes.KeyData != nil {
			mergeKeyData(updated, changes.KeyData)
		}
	default:
		return newKeysetError(KeysetErrorAuthorizationKeyDenied, "keyset %d cannot be updated", vk.Index)
	}

	if updated != nil && updated.Label != "" {
		_, otherIndex, err := m.store.LoadByLabel(obfuscated, updated.Label)
		switch {
		case err == nil && otherIndex != vk.Index:
			return newKeysetError(KeysetErrorLabelExists, "keyset with label %q already exists", updated.Label)
		case err != nil && err != ErrKeysetNotFound:
			return &KeysetError{Code: KeysetErrorBackingStoreFailure, Err: err}
		}
	}

	old := vk.serialized
	opts := new(encryptOptions)
	if old.IsLECredential() {
		opts.resetSalt = old.ResetSalt
		opts.resetSecret = vk.blobs.ResetSecret
	}

	challenge := changes.ChallengeCredential
	if challenge == nil {
		challenge = creds.ChallengeCredential
	}

	newVK := vk.copyWithKeyData(updated)
	defer newVK.Wipe()

	keyset, err := m.encrypt(ctx, &Credentials{
		Username:            creds.Username,
		Passkey:             secret,
		KeyData:             updated,
		ChallengeCredential: challenge}, newVK, opts)
	if err != nil {
		return newKeysetError(KeysetErrorBackingStoreFailure, "cannot encrypt keyset: %w", err)
	}
	if err := m.store.Save(obfuscated, vk.Index, keyset); err != nil {
		m.discardState(keyset.AuthBlockState)
		return &KeysetError{Code: KeysetErrorBackingStoreFailure, Err: err}
	}

	if old.IsLECredential() && old.HasLELabel && (!keyset.HasLELabel || keyset.LELabel != old.LELabel) {
		m.removeLECredential(old.LELabel)
	}
	return nil
}

// RemoveKeyset removes the keyset with the label in the supplied key data,
// if the keyset that the supplied credentials decrypt has the Remove
// privilege.
func (m *KeysetManager) RemoveKeyset(ctx context.Context, creds *Credentials, target *KeyData) error {
	obfuscated, err := m.GetObfuscatedUsername(creds.Username)
	if err != nil {
		return err
	}

	vk, err := m.GetValidKeyset(ctx, creds)
	if err != nil {
		return err
	}
	defer vk.Wipe()

	if vk.KeyData != nil && !vk.KeyData.Privileges.Remove {
		return newKeysetError(KeysetErrorAuthorizationKeyDenied, "keyset %d cannot authorize removing keysets", vk.Index)
	}
	if target == nil || target.Label == "" {
		return newKeysetError(KeysetErrorKeyNotFound, "no label supplied")
	}

	keyset, index, err := m.GetVaultKeyset(obfuscated, target.Label)
	if err != nil {
		return err
	}

	if keyset.IsLECredential() && keyset.HasLELabel {
		m.removeLECredential(keyset.LELabel)
	}
	if err := m.store.Remove(obfuscated, index); err != nil {
		return &KeysetError{Code: KeysetErrorBackingStoreFailure, Err: err}
	}
	return nil
}

// ForceRemoveKeyset removes the keyset in the specified slot without
// authorization. It succeeds if the slot is already empty.
func (m *KeysetManager) ForceRemoveKeyset(obfuscatedUsername string, index int) error {
	if index < 0 || index >= m.store.MaxKeysets() {
		return newKeysetError(KeysetErrorKeyNotFound, "invalid keyset index %d", index)
	}

	keyset, err := m.store.Load(obfuscatedUsername, index)
	switch {
	case err == ErrKeysetNotFound:
		return nil
	case err != nil:
		logger.Noticef("removing keyset %d which cannot be loaded: %v", index, err)
	case keyset.IsLECredential() && keyset.HasLELabel:
		m.removeLECredential(keyset.LELabel)
	}

	err = m.store.Remove(obfuscatedUsername, index)
	switch {
	case err == ErrKeysetNotFound:
		return nil
	case err != nil:
		return &KeysetError{Code: KeysetErrorBackingStoreFailure, Err: err}
	}
	return nil
}

// MoveKeyset moves a keyset to an unclaimed slot.
func (m *KeysetManager) MoveKeyset(obfuscatedUsername string, src, dst int) error {
	err := m.store.Move(obfuscatedUsername, src, dst)
	switch {
	case err == ErrKeysetNotFound:
		return newKeysetError(KeysetErrorKeyNotFound, "no keyset at index %d", src)
	case err != nil:
		return &KeysetError{Code: KeysetErrorBackingStoreFailure, Err: err}
	}
	return nil
}

type leCredentialSlot struct {
	index  int
	keyset *SerializedVaultKeyset
}

// ResetLECredentials resets the wrong attempt counters of the user's
// counter-backed credentials and clears their locked state, if the supplied
// credentials decrypt a keyset that has a reset seed.
func (m *KeysetManager) ResetLECredentials(ctx context.Context, creds *Credentials) error {
	obfuscated, err := m.GetObfuscatedUsername(creds.Username)
	if err != nil {
		return err
	}
	indices, err := m.GetKeysetIndices(obfuscated)
	if err != nil {
		return err
	}

	var slots []leCredentialSlot
	for _, index := range indices {
		keyset, err := m.store.Load(obfuscated, index)
		if err != nil {
			logger.Noticef("skipping keyset %d: %v", index, err)
			continue
		}
		if !keyset.IsLECredential() || !keyset.HasLELabel {
			continue
		}
		if !keyset.AuthLocked {
			if m.ctx.LECredentials == nil {
				continue
			}
			attempts, err := m.ctx.LECredentials.GetWrongAttempts(keyset.LELabel)
			if err != nil {
				logger.Noticef("cannot obtain wrong attempts for keyset %d: %v", index, err)
				continue
			}
			if attempts == 0 {
				continue
			}
		}
		slots = append(slots, leCredentialSlot{index: index, keyset: keyset})
	}
	if len(slots) == 0 {
		return nil
	}

	if m.ctx.LECredentials == nil {
		return &KeysetError{
			Code: KeysetErrorAuthorizationKeyFailed,
			Err:  newCryptoError(CryptoErrorLEUnsupported, "no counter service")}
	}

	vk, err := m.GetValidKeyset(ctx, creds)
	if err != nil {
		return err
	}
	defer vk.Wipe()

	if len(vk.ResetSeed) == 0 {
		return newKeysetError(KeysetErrorAuthorizationKeyFailed, "keyset %d has no reset seed", vk.Index)
	}

	var firstErr error
	recordErr := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, slot := range slots {
		if len(slot.keyset.ResetSalt) == 0 {
			logger.Noticef("keyset %d has no reset salt", slot.index)
			recordErr(newKeysetError(KeysetErrorAuthorizationKeyFailed, "keyset %d has no reset salt", slot.index))
			continue
		}

		resetSecret := computeResetSecret(slot.keyset.ResetSalt, vk.ResetSeed)
		err := m.ctx.LECredentials.ResetCredential(slot.keyset.LELabel, resetSecret)
		resetSecret.Wipe()
		if err != nil {
			logger.Noticef("cannot reset counter-backed credential in keyset %d: %v", slot.index, err)
			recordErr(&KeysetError{Code: KeysetErrorAuthorizationKeyFailed, Err: cryptoErrorFromLE(err, "reset credential")})
			continue
		}

		slot.keyset.AuthLocked = false
		if slot.keyset.KeyData != nil {
			slot.keyset.KeyData.Policy.AuthLocked = false
		}
		if err := m.store.Save(obfuscated, slot.index, slot.keyset); err != nil {
			recordErr(&KeysetError{Code: KeysetErrorBackingStoreFailure, Err: err})
		}
	}

	return firstErr
}

// RemoveLECredentials removes every counter-backed credential of the
// specified user, along with the keysets they protect. Failures are logged.
func (m *KeysetManager) RemoveLECredentials(obfuscatedUsername string) error {
	indices, err := m.GetKeysetIndices(obfuscatedUsername)
	if err != nil {
		return err
	}

	for _, index := range indices {
		keyset, err := m.store.Load(obfuscatedUsername, index)
		if err != nil {
			logger.Noticef("skipping keyset %d: %v", index, err)
			continue
		}
		if !keyset.IsLECredential() {
			continue
		}
		if keyset.HasLELabel {
			m.removeLECredential(keyset.LELabel)
		}
		if err := m.store.Remove(obfuscatedUsername, index); err != nil {
			logger.Noticef("cannot remove keyset %d: %v", index, err)
		}
	}
	return nil
}

// needsReSave indicates whether a keyset should be protected with a new auth
// block.
func (m *KeysetManager) needsReSave(keyset *SerializedVaultKeyset) bool {
	switch {
	case keyset.AuthBlockState == nil:
		return true
	case keyset.Flags&(KeysetTPMWrapped|KeysetScryptWrapped) == KeysetTPMWrapped|KeysetScryptWrapped:
		return true
	case keyset.Flags == KeysetScryptWrapped && m.ctx.hardwareOwned():
		return true
	case keyset.IsLECredential() && keyset.HasLELabel && m.ctx.LECredentials != nil:
		needs, err := m.ctx.LECredentials.NeedsPCRBinding(keyset.LELabel)
		if err != nil {
			logger.Noticef("cannot determine if counter-backed credential needs PCR binding: %v", err)
			return false
		}
		return needs
	default:
		return false
	}
}

// ReSaveKeysetIfNeeded protects a keyset that was just decrypted with a new
// auth block if it uses a legacy format, if it is protected only by the
// secret while the hardware module is now available, or if its
// counter-backed credential needs to be bound to PCR values. It indicates
// whether the keyset was re-saved.
func (m *KeysetManager) ReSaveKeysetIfNeeded(ctx context.Context, creds *Credentials, vk *VaultKeyset) (bool, error) {
	old := vk.serialized
	if old == nil || !m.needsReSave(old) {
		return false, nil
	}

	obfuscated, err := m.GetObfuscatedUsername(creds.Username)
	if err != nil {
		return false, err
	}

	opts := new(encryptOptions)
	if old.IsLECredential() {
		if vk.blobs == nil || len(vk.blobs.ResetSecret) == 0 {
			return false, newKeysetError(KeysetErrorAuthorizationKeyFailed, "no reset secret for counter-backed keyset")
		}
		opts.resetSalt = old.ResetSalt
		opts.resetSecret = vk.blobs.ResetSecret
	}

	keyset, err := m.encrypt(ctx, &Credentials{
		Username:            creds.Username,
		Passkey:             creds.Passkey,
		KeyData:             vk.KeyData,
		ChallengeCredential: creds.ChallengeCredential}, vk, opts)
	if err != nil {
		return false, newKeysetError(KeysetErrorBackingStoreFailure, "cannot encrypt keyset: %w", err)
	}
	if err := m.store.Save(obfuscated, vk.Index, keyset); err != nil {
		m.discardState(keyset.AuthBlockState)
		return false, &KeysetError{Code: KeysetErrorBackingStoreFailure, Err: xerrors.Errorf("cannot save keyset: %w", err)}
	}

	if old.IsLECredential() && old.HasLELabel && (!keyset.HasLELabel || keyset.LELabel != old.LELabel) {
		m.removeLECredential(old.LELabel)
	}
	vk.serialized = keyset
	logger.Noticef("re-saved keyset %d with %v auth block", vk.Index, keyset.AuthBlockState.Kind())
	return true, nil
}
