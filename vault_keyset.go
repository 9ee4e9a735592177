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
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"github.com/canonical/go-tpm2/mu"
	"github.com/snapcore/snapd/logger"
	"golang.org/x/xerrors"
)

const (
	fekSize       = 64
	fekSigSize    = 8
	fekSaltSize   = 8
	chapsKeySize  = 32
	resetSeedSize = 32

	wrapNonceSize = 16
)

// VaultKeyset is the decrypted form of a keyset.
type VaultKeyset struct {
	FEK      Secret
	FEKSig   Secret
	FEKSalt  Secret
	FNEK     Secret
	FNEKSig  Secret
	FNEKSalt Secret

	ChapsKey  Secret
	ResetSeed Secret

	// KeyData is the keyset metadata, with its authorization secrets
	// in the clear.
	KeyData *KeyData

	Index int

	serialized *SerializedVaultKeyset
	blobs      *KeyBlobs
}

// NewVaultKeyset creates a new keyset with random key material.
func NewVaultKeyset(rand io.Reader) (*VaultKeyset, error) {
	vk := new(VaultKeyset)
	for _, f := range []struct {
		dst *Secret
		sz  int
	}{
		{&vk.FEK, fekSize},
		{&vk.FEKSig, fekSigSize},
		{&vk.FEKSalt, fekSaltSize},
		{&vk.FNEK, fekSize},
		{&vk.FNEKSig, fekSigSize},
		{&vk.FNEKSalt, fekSaltSize},
		{&vk.ChapsKey, chapsKeySize},
		{&vk.ResetSeed, resetSeedSize},
	} {
		*f.dst = make(Secret, f.sz)
		if _, err := io.ReadFull(rand, *f.dst); err != nil {
			vk.Wipe()
			return nil, xerrors.Errorf("cannot obtain random bytes: %w", err)
		}
	}
	return vk, nil
}

// Serialized returns the record that this keyset was decrypted from, or
// nil if it hasn't been saved.
func (vk *VaultKeyset) Serialized() *SerializedVaultKeyset {
	return vk.serialized
}

// Wipe erases the key material in this keyset.
func (vk *VaultKeyset) Wipe() {
	for _, s := range []Secret{vk.FEK, vk.FEKSig, vk.FEKSalt, vk.FNEK, vk.FNEKSig, vk.FNEKSalt, vk.ChapsKey, vk.ResetSeed} {
		s.Wipe()
	}
	vk.blobs.Wipe()
	if vk.KeyData != nil {
		vk.KeyData.wipeAuthorizationData()
	}
}

// copyWithKeyData returns a copy of the key material in this keyset with the
// supplied metadata.
func (vk *VaultKeyset) copyWithKeyData(keyData *KeyData) *VaultKeyset {
	dup := func(s Secret) Secret {
		if s == nil {
			return nil
		}
		return append(Secret(nil), s...)
	}
	return &VaultKeyset{
		FEK:       dup(vk.FEK),
		FEKSig:    dup(vk.FEKSig),
		FEKSalt:   dup(vk.FEKSalt),
		FNEK:      dup(vk.FNEK),
		FNEKSig:   dup(vk.FNEKSig),
		FNEKSalt:  dup(vk.FNEKSalt),
		ChapsKey:  dup(vk.ChapsKey),
		ResetSeed: dup(vk.ResetSeed),
		KeyData:   keyData,
		Index:     vk.Index}
}

type keysetPayloadRaw struct {
	FEK      []byte
	FEKSig   []byte
	FEKSalt  []byte
	FNEK     []byte
	FNEKSig  []byte
	FNEKSalt []byte
}

// WrapOptions controls how a keyset is wrapped.
type WrapOptions struct {
	// RetainResetSeed stores the reset seed in the wrapped keyset.
	RetainResetSeed bool
}

// wrappingKeys are the keys and nonces used to wrap each component of a
// keyset. A nil nonce means that a random nonce is prepended to the
// ciphertext.
type wrappingKeys struct {
	keyset    Secret
	chaps     Secret
	authData  Secret
	resetSeed Secret

	keysetNonce   []byte
	chapsNonce    []byte
	authDataNonce []byte

	legacyDigest bool
}

func newWrappingKeys(blobs *KeyBlobs) (*wrappingKeys, error) {
	if blobs == nil {
		return nil, newCryptoError(CryptoErrorFatal, "no key blobs")
	}

	if keys := blobs.DerivedKeys; keys != nil {
		if len(keys.Main) == 0 || len(keys.Chaps) == 0 || len(keys.ResetSeed) == 0 {
			return nil, newCryptoError(CryptoErrorFatal, "incomplete derived keys")
		}
		return &wrappingKeys{
			keyset:       keys.Main,
			chaps:        keys.Chaps,
			authData:     deriveSubKey(keys.Main, "AUTH-DATA", nil),
			resetSeed:    keys.ResetSeed,
			legacyDigest: true}, nil
	}

	switch {
	case len(blobs.VKK) == 0:
		return nil, newCryptoError(CryptoErrorFatal, "no VKK")
	case len(blobs.VKKIV) != wrapNonceSize, len(blobs.ChapsIV) != wrapNonceSize, len(blobs.AuthorizationDataIV) != wrapNonceSize:
		return nil, newCryptoError(CryptoErrorFatal, "invalid IV length")
	}
	return &wrappingKeys{
		keyset:        deriveSubKey(blobs.VKK, "KEYSET", nil),
		chaps:         deriveSubKey(blobs.VKK, "CHAPS", nil),
		authData:      deriveSubKey(blobs.VKK, "AUTH-DATA", nil),
		resetSeed:     deriveSubKey(blobs.VKK, "RESET-SEED", nil),
		keysetNonce:   blobs.VKKIV,
		chapsNonce:    blobs.ChapsIV,
		authDataNonce: blobs.AuthorizationDataIV}, nil
}

func (k *wrappingKeys) wipe() {
	k.authData.Wipe()
	if !k.legacyDigest {
		k.keyset.Wipe()
		k.chaps.Wipe()
		k.resetSeed.Wipe()
	}
}

func (k *wrappingKeys) authSecretKey(i, j int) Secret {
	return deriveSubKey(k.authData, "AUTH-SECRET", []byte{byte(i), byte(j)})
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(b, wrapNonceSize)
}

func seal(rand io.Reader, key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	var prefix []byte
	if nonce == nil {
		prefix = make([]byte, wrapNonceSize)
		if _, err := io.ReadFull(rand, prefix); err != nil {
			return nil, xerrors.Errorf("cannot obtain nonce: %w", err)
		}
		nonce = prefix
	}
	return aead.Seal(prefix, nonce, plaintext, nil), nil
}

var errTruncatedCiphertext = errors.New("ciphertext is too short")

func open(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if nonce == nil {
		if len(ciphertext) < wrapNonceSize {
			return nil, errTruncatedCiphertext
		}
		nonce = ciphertext[:wrapNonceSize]
		ciphertext = ciphertext[wrapNonceSize:]
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, errTruncatedCiphertext
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

// WrapVaultKeyset encrypts the supplied keyset with the key material
// produced by an auth block. The returned record doesn't have an auth
// block state; the caller is responsible for setting it.
func WrapVaultKeyset(rand io.Reader, vk *VaultKeyset, blobs *KeyBlobs, opts *WrapOptions) (*SerializedVaultKeyset, error) {
	if opts == nil {
		opts = new(WrapOptions)
	}

	keys, err := newWrappingKeys(blobs)
	if err != nil {
		return nil, err
	}
	defer keys.wipe()

	payload, err := mu.MarshalToBytes(&keysetPayloadRaw{
		FEK:      vk.FEK,
		FEKSig:   vk.FEKSig,
		FEKSalt:  vk.FEKSalt,
		FNEK:     vk.FNEK,
		FNEKSig:  vk.FNEKSig,
		FNEKSalt: vk.FNEKSalt})
	if err != nil {
		return nil, newCryptoError(CryptoErrorFatal, "cannot marshal keyset payload: %w", err)
	}
	if keys.legacyDigest {
		h := sha1.Sum(payload)
		payload = append(payload, h[:]...)
	}
	defer wipe(payload)

	out := &SerializedVaultKeyset{KeyData: vk.KeyData.Copy()}

	if out.WrappedKeyset, err = seal(rand, keys.keyset, keys.keysetNonce, payload); err != nil {
		return nil, newCryptoError(CryptoErrorFatal, "cannot wrap keyset: %w", err)
	}

	if len(vk.ChapsKey) > 0 {
		if out.WrappedChapsKey, err = seal(rand, keys.chaps, keys.chapsNonce, vk.ChapsKey); err != nil {
			return nil, newCryptoError(CryptoErrorFatal, "cannot wrap chaps key: %w", err)
		}
	}

	if out.KeyData != nil {
		for i, a := range out.KeyData.AuthorizationData {
			for j, s := range a.Secrets {
				if s.Wrapped || len(s.SymmetricKey) == 0 {
					continue
				}
				key := keys.authSecretKey(i, j)
				wrapped, err := seal(rand, key, keys.authDataNonce, s.SymmetricKey)
				key.Wipe()
				if err != nil {
					return nil, newCryptoError(CryptoErrorFatal, "cannot wrap authorization secret: %w", err)
				}
				wipe(s.SymmetricKey)
				a.Secrets[j].SymmetricKey = wrapped
				a.Secrets[j].Wrapped = true
			}
		}
	}

	if opts.RetainResetSeed && len(vk.ResetSeed) > 0 {
		out.ResetIV = make([]byte, wrapNonceSize)
		if _, err := io.ReadFull(rand, out.ResetIV); err != nil {
			return nil, newCryptoError(CryptoErrorFatal, "cannot obtain reset seed IV: %w", err)
		}
		if out.WrappedResetSeed, err = seal(rand, keys.resetSeed, out.ResetIV, vk.ResetSeed); err != nil {
			return nil, newCryptoError(CryptoErrorFatal, "cannot wrap reset seed: %w", err)
		}
	}

	return out, nil
}

func decodeKeysetPayload(data []byte) (*keysetPayloadRaw, error) {
	var raw keysetPayloadRaw
	n, err := mu.UnmarshalFromBytes(data, &raw)
	switch {
	case err != nil:
		return nil, &KeysetDecodeError{err}
	case n < len(data):
		return nil, &KeysetDecodeError{fmt.Errorf("%d trailing bytes", len(data)-n)}
	}

	for _, f := range []struct {
		name string
		val  []byte
		sz   int
	}{
		{"FEK", raw.FEK, fekSize},
		{"FEK signature", raw.FEKSig, fekSigSize},
		{"FEK salt", raw.FEKSalt, fekSaltSize},
		{"FNEK", raw.FNEK, fekSize},
		{"FNEK signature", raw.FNEKSig, fekSigSize},
		{"FNEK salt", raw.FNEKSalt, fekSaltSize},
	} {
		if len(f.val) != f.sz {
			return nil, &KeysetDecodeError{fmt.Errorf("invalid %s length %d", f.name, len(f.val))}
		}
	}
	return &raw, nil
}

// UnwrapVaultKeyset decrypts the supplied keyset with the key material
// recovered by an auth block. A wrong key results in a *CryptoError with
// the kind CryptoErrorCrypto, and a keyset that decrypts but cannot be
// decoded results in a *KeysetDecodeError.
func UnwrapVaultKeyset(s *SerializedVaultKeyset, blobs *KeyBlobs) (*VaultKeyset, error) {
	keys, err := newWrappingKeys(blobs)
	if err != nil {
		return nil, err
	}
	defer keys.wipe()

	payload, err := open(keys.keyset, keys.keysetNonce, s.WrappedKeyset)
	if err != nil {
		return nil, newCryptoError(CryptoErrorCrypto, "cannot unwrap keyset: %w", err)
	}
	defer wipe(payload)
	if keys.legacyDigest {
		// The trailing digest isn't checked, as the AEAD already
		// authenticates the payload.
		if len(payload) < sha1.Size {
			return nil, newCryptoError(CryptoErrorCrypto, "keyset payload is too short")
		}
		payload = payload[:len(payload)-sha1.Size]
	}

	raw, err := decodeKeysetPayload(payload)
	if err != nil {
		return nil, err
	}

	vk := &VaultKeyset{
		FEK:        raw.FEK,
		FEKSig:     raw.FEKSig,
		FEKSalt:    raw.FEKSalt,
		FNEK:       raw.FNEK,
		FNEKSig:    raw.FNEKSig,
		FNEKSalt:   raw.FNEKSalt,
		KeyData:    s.KeyData.Copy(),
		Index:      int(s.LegacyIndex),
		serialized: s}

	if len(s.WrappedChapsKey) > 0 {
		if vk.ChapsKey, err = open(keys.chaps, keys.chapsNonce, s.WrappedChapsKey); err != nil {
			vk.Wipe()
			return nil, newCryptoError(CryptoErrorCrypto, "cannot unwrap chaps key: %w", err)
		}
	}

	if vk.KeyData != nil {
		for i, a := range vk.KeyData.AuthorizationData {
			for j, sec := range a.Secrets {
				if !sec.Wrapped {
					continue
				}
				key := keys.authSecretKey(i, j)
				unwrapped, err := open(key, keys.authDataNonce, sec.SymmetricKey)
				key.Wipe()
				if err != nil {
					// A secret that can't be unwrapped doesn't prevent use of the keyset.
					logger.Noticef("cannot unwrap authorization secret %d.%d: %v", i, j, err)
					continue
				}
				a.Secrets[j].SymmetricKey = unwrapped
				a.Secrets[j].Wrapped = false
			}
		}
	}

	if len(s.WrappedResetSeed) > 0 {
		if len(s.ResetIV) != wrapNonceSize {
			vk.Wipe()
			return nil, newCryptoError(CryptoErrorFatal, "invalid reset seed IV length")
		}
		if vk.ResetSeed, err = open(keys.resetSeed, s.ResetIV, s.WrappedResetSeed); err != nil {
			vk.Wipe()
			return nil, newCryptoError(CryptoErrorCrypto, "cannot unwrap reset seed: %w", err)
		}
	}

	return vk, nil
}
