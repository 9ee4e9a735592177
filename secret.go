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
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

// Secret is a byte slice containing sensitive material.
type Secret []byte

// Wipe zeroes the contents of the secret.
func (s Secret) Wipe() {
	wipe(s)
}

// Equal compares two secrets in constant time.
func (s Secret) Equal(other Secret) bool {
	return subtle.ConstantTimeCompare(s, other) == 1
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// computeResetSecret computes the reset secret of a counter-backed
// credential from the user's reset seed and the per-credential salt.
func computeResetSecret(salt, seed []byte) Secret {
	h := hmac.New(sha256.New, salt)
	h.Write(seed)
	return h.Sum(nil)
}

// ChallengeCredentialInfo describes the remote key used by a challenge-
// response credential.
type ChallengeCredentialInfo struct {
	PublicKeySPKI       []byte               // DER encoded SubjectPublicKeyInfo
	SignatureAlgorithms []SignatureAlgorithm // in order of preference
	KeyDelegateName     string
}

// ResetSecretParams supplies the material from which a counter-backed
// credential's reset secret is obtained.
type ResetSecretParams struct {
	Seed []byte
	Salt []byte

	// Override is used directly as the reset secret when it is set. It
	// is only used when migrating an existing credential.
	Override Secret
}

// AuthInput is the input to an auth block.
type AuthInput struct {
	UserInput Secret

	ResetSeed           []byte
	ResetSalt           []byte
	ResetSecretOverride Secret

	// Salt is used as the primary salt for a new auth block instead of
	// a randomly generated one, if set.
	Salt []byte

	ObfuscatedUsername string
	LockedToSingleUser bool

	ChallengeCredential *ChallengeCredentialInfo
}

// resetSecret returns the reset secret for a counter-backed credential, or
// nil if there isn't enough material to compute one.
func (in *AuthInput) resetSecret() Secret {
	if len(in.ResetSecretOverride) > 0 {
		return append(Secret(nil), in.ResetSecretOverride...)
	}
	if len(in.ResetSeed) == 0 || len(in.ResetSalt) == 0 {
		return nil
	}
	return computeResetSecret(in.ResetSalt, in.ResetSeed)
}

// Wipe erases the secrets in this input.
func (in *AuthInput) Wipe() {
	in.UserInput.Wipe()
	wipe(in.ResetSeed)
	in.ResetSecretOverride.Wipe()
}

// DerivedKeys contains the keys produced by the software-derived auth
// block.
type DerivedKeys struct {
	Main      Secret
	Chaps     Secret
	ResetSeed Secret
}

// KeyBlobs contains the key material produced by an auth block, which is
// consumed by the vault keyset crypto engine.
type KeyBlobs struct {
	VKK                 Secret
	VKKIV               []byte
	ChapsIV             []byte
	AuthorizationDataIV []byte

	// ResetSecret is set by counter-backed auth blocks.
	ResetSecret Secret

	// DerivedKeys is set by the software-derived auth block.
	DerivedKeys *DerivedKeys
}

// Wipe erases the key material in these blobs.
func (b *KeyBlobs) Wipe() {
	if b == nil {
		return
	}
	b.VKK.Wipe()
	b.ResetSecret.Wipe()
	if b.DerivedKeys != nil {
		b.DerivedKeys.Main.Wipe()
		b.DerivedKeys.Chaps.Wipe()
		b.DerivedKeys.ResetSeed.Wipe()
	}
}

// Credentials identify a user and one of their credentials.
type Credentials struct {
	Username string
	Passkey  Secret

	// KeyData selects a slot by label during authentication, and
	// describes the slot when adding or updating one. A nil KeyData
	// matches any slot that isn't counter-backed.
	KeyData *KeyData

	ChallengeCredential *ChallengeCredentialInfo
}

// Label returns the label of the credential, or an empty string if no
// key data is associated with it.
func (c *Credentials) Label() string {
	if c.KeyData == nil {
		return ""
	}
	return c.KeyData.Label
}
