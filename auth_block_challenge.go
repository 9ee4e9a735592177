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
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"fmt"

	"golang.org/x/xerrors"
)

// SignatureAlgorithm is a signature scheme supported by challenge-response
// credentials.
type SignatureAlgorithm uint16

const (
	SignatureRSASSAPKCS1v15SHA1 SignatureAlgorithm = iota + 1
	SignatureRSASSAPKCS1v15SHA256
	SignatureRSASSAPKCS1v15SHA384
	SignatureRSASSAPKCS1v15SHA512
)

// Hash returns the digest algorithm of this signature scheme, or 0 if it
// isn't valid.
func (a SignatureAlgorithm) Hash() crypto.Hash {
	switch a {
	case SignatureRSASSAPKCS1v15SHA1:
		return crypto.SHA1
	case SignatureRSASSAPKCS1v15SHA256:
		return crypto.SHA256
	case SignatureRSASSAPKCS1v15SHA384:
		return crypto.SHA384
	case SignatureRSASSAPKCS1v15SHA512:
		return crypto.SHA512
	default:
		return 0
	}
}

func (a SignatureAlgorithm) String() string {
	switch a {
	case SignatureRSASSAPKCS1v15SHA1:
		return "rsassa-pkcs1-v1_5-sha1"
	case SignatureRSASSAPKCS1v15SHA256:
		return "rsassa-pkcs1-v1_5-sha256"
	case SignatureRSASSAPKCS1v15SHA384:
		return "rsassa-pkcs1-v1_5-sha384"
	case SignatureRSASSAPKCS1v15SHA512:
		return "rsassa-pkcs1-v1_5-sha512"
	default:
		return fmt.Sprintf("SignatureAlgorithm(%d)", uint16(a))
	}
}

const (
	challengeSize       = 32
	challengeSecretSize = 32
)

// challengeCredentialAuthBlock protects a keyset with a signature from a
// remote key. It is only available asynchronously.
type challengeCredentialAuthBlock struct {
	ctx *ExecutionContext
}

func chooseSignatureAlgorithm(algs []SignatureAlgorithm) (SignatureAlgorithm, error) {
	for _, alg := range algs {
		if alg.Hash().Available() {
			return alg, nil
		}
	}
	return 0, newCryptoError(CryptoErrorFatal, "no supported signature algorithm")
}

func parseRSAPublicKey(spki []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, newCryptoError(CryptoErrorFatal, "cannot parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, newCryptoError(CryptoErrorFatal, "unsupported public key type %T", pub)
	}
	return rsaPub, nil
}

// sign obtains and verifies a signature of the challenge. It returns
// ErrTaskCancelled if ctx is done by the time the response arrives.
func (b *challengeCredentialAuthBlock) sign(ctx context.Context, delegate string, spki []byte, pub *rsa.PublicKey, challenge []byte, alg SignatureAlgorithm) ([]byte, error) {
	signCtx, cancel := context.WithTimeout(ctx, b.ctx.challengeTimeout())
	defer cancel()

	sig, err := b.ctx.ChallengeSigner.SignChallenge(signCtx, delegate, spki, challenge, alg)
	if ctx.Err() != nil {
		return nil, ErrTaskCancelled
	}
	switch {
	case signCtx.Err() == context.DeadlineExceeded:
		return nil, newCryptoError(CryptoErrorCrypto, "timed out waiting for the challenge response")
	case err != nil:
		return nil, newCryptoError(CryptoErrorCrypto, "cannot obtain challenge response: %w", err)
	}

	h := alg.Hash().New()
	h.Write(challenge)
	if err := rsa.VerifyPKCS1v15(pub, alg.Hash(), h.Sum(nil), sig); err != nil {
		return nil, newCryptoError(CryptoErrorCrypto, "invalid challenge response: %w", err)
	}
	return sig, nil
}

// passkey combines the unsealed secret with the signature. The secret is
// empty if there is no hardware module to seal it with.
func challengePasskey(secret, sig []byte) Secret {
	if len(secret) == 0 {
		return deriveSubKey(sig, "VKK", nil)
	}
	return deriveSubKey(secret, "VKK", sig)
}

func (b *challengeCredentialAuthBlock) CreateAsync(ctx context.Context, in *AuthInput) *KeyBlobsTask {
	cc := in.ChallengeCredential
	if cc == nil {
		return completedKeyBlobsTask(newCryptoError(CryptoErrorFatal, "no challenge credential"))
	}
	if b.ctx.ChallengeSigner == nil {
		return completedKeyBlobsTask(newCryptoError(CryptoErrorFatal, "no challenge signer"))
	}
	alg, err := chooseSignatureAlgorithm(cc.SignatureAlgorithms)
	if err != nil {
		return completedKeyBlobsTask(err)
	}
	pub, err := parseRSAPublicKey(cc.PublicKeySPKI)
	if err != nil {
		return completedKeyBlobsTask(err)
	}
	challenge, err := b.ctx.randomBytes(challengeSize)
	if err != nil {
		return completedKeyBlobsTask(err)
	}

	return newKeyBlobsTask(ctx, func(ctx context.Context) (AuthBlockState, *KeyBlobs, error) {
		sig, err := b.sign(ctx, cc.KeyDelegateName, cc.PublicKeySPKI, pub, challenge, alg)
		if err != nil {
			return nil, nil, err
		}

		var secret, sealed []byte
		if b.ctx.Hardware != nil && b.ctx.Hardware.HasWrappingKey() {
			if secret, err = b.ctx.randomBytes(challengeSecretSize); err != nil {
				return nil, nil, err
			}
			defer wipe(secret)
			if sealed, err = b.ctx.Hardware.Seal(secret, new(SealParams)); err != nil {
				return nil, nil, cryptoErrorFromHardware(err, "seal challenge secret")
			}
		}

		passkey := challengePasskey(secret, sig)
		defer passkey.Wipe()

		scryptState, blobs, err := (&scryptAuthBlock{b.ctx}).Create(&AuthInput{UserInput: passkey})
		if err != nil {
			return nil, nil, err
		}

		state := &ChallengeCredentialAuthBlockState{
			Scrypt:             *scryptState.(*ScryptAuthBlockState),
			SealedSecret:       sealed,
			Salt:               challenge,
			PublicKeySPKI:      cc.PublicKeySPKI,
			SignatureAlgorithm: alg,
			KeyDelegateName:    cc.KeyDelegateName}
		return state, blobs, nil
	})
}

func (b *challengeCredentialAuthBlock) DeriveAsync(ctx context.Context, in *AuthInput, state AuthBlockState) *KeyBlobsTask {
	st, ok := state.(*ChallengeCredentialAuthBlockState)
	if !ok {
		return completedKeyBlobsTask(newCryptoError(CryptoErrorFatal, "invalid state for %v auth block", AuthBlockChallengeCredential))
	}
	if b.ctx.ChallengeSigner == nil {
		return completedKeyBlobsTask(newCryptoError(CryptoErrorFatal, "no challenge signer"))
	}
	if in.ChallengeCredential != nil && !bytes.Equal(in.ChallengeCredential.PublicKeySPKI, st.PublicKeySPKI) {
		return completedKeyBlobsTask(newCryptoError(CryptoErrorCrypto, "public key does not match keyset"))
	}
	pub, err := parseRSAPublicKey(st.PublicKeySPKI)
	if err != nil {
		return completedKeyBlobsTask(err)
	}
	if st.SignatureAlgorithm.Hash() == 0 {
		return completedKeyBlobsTask(newCryptoError(CryptoErrorFatal, "invalid signature algorithm %v", st.SignatureAlgorithm))
	}

	delegate := st.KeyDelegateName
	if in.ChallengeCredential != nil && in.ChallengeCredential.KeyDelegateName != "" {
		delegate = in.ChallengeCredential.KeyDelegateName
	}

	return newKeyBlobsTask(ctx, func(ctx context.Context) (AuthBlockState, *KeyBlobs, error) {
		sig, err := b.sign(ctx, delegate, st.PublicKeySPKI, pub, st.Salt, st.SignatureAlgorithm)
		if err != nil {
			return nil, nil, err
		}

		var secret []byte
		if len(st.SealedSecret) > 0 {
			if b.ctx.Hardware == nil {
				return nil, nil, newCryptoError(CryptoErrorFatal, "no hardware module")
			}
			secret, err = b.ctx.Hardware.Unseal(st.SealedSecret, new(SealParams))
			if err != nil {
				return nil, nil, cryptoErrorFromHardware(err, "unseal challenge secret")
			}
			defer wipe(secret)
		}

		passkey := challengePasskey(secret, sig)
		defer passkey.Wipe()

		blobs, err := (&scryptAuthBlock{b.ctx}).derive(passkey, &st.Scrypt)
		if err != nil {
			return nil, nil, xerrors.Errorf("cannot derive keys from challenge response: %w", err)
		}
		return st, blobs, nil
	})
}
