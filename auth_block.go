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
	"crypto/rand"
	"io"
	"time"

	"golang.org/x/xerrors"
)

// SealParams specifies how a Hardware implementation seals data.
type SealParams struct {
	// AuthValue is required in order to unseal the data, if set.
	AuthValue []byte

	// BindPCRs binds the sealed data to the current PCR values.
	BindPCRs bool

	// ExtendedPCRs binds the sealed data to the PCR values of a system
	// that has been locked to a single user, rather than to the current
	// values. It only has an effect if BindPCRs is set.
	ExtendedPCRs bool

	// ECC selects the elliptic curve storage key.
	ECC bool
}

// Hardware is an interface to a hardware security module that can seal data
// so that it can only be unsealed on the same device.
type Hardware interface {
	IsOwned() bool
	IsUserAuthGatedUnsealAvailable() bool
	HasECCKey() bool
	HasWrappingKey() bool
	CanResetLockoutCounter() bool

	Seal(data []byte, params *SealParams) ([]byte, error)
	Unseal(sealed []byte, params *SealParams) ([]byte, error)
}

// LEPolicy describes how a counter-backed credential is created.
type LEPolicy struct {
	AttemptLimit uint32
	BindPCRs     bool
}

// LECredentialManager is an interface to a counter service that limits the
// number of wrong attempts that can be made against a low-entropy
// credential.
type LECredentialManager interface {
	InsertCredential(leSecret, heSecret, resetSecret []byte, policy *LEPolicy) (label uint64, err error)
	CheckCredential(label uint64, leSecret []byte) (heSecret, resetSecret []byte, err error)
	RemoveCredential(label uint64) error
	ResetCredential(label uint64, resetSecret []byte) error
	GetWrongAttempts(label uint64) (uint32, error)
	NeedsPCRBinding(label uint64) (bool, error)
}

// ChallengeSigner obtains signatures from a remote key. SignChallenge may
// block until the response arrives and should return when ctx is done.
type ChallengeSigner interface {
	SignChallenge(ctx context.Context, keyDelegateName string, publicKeySPKI, challenge []byte, alg SignatureAlgorithm) ([]byte, error)
}

const (
	DefaultChallengeTimeout = 90 * time.Second
	DefaultLEAttemptLimit   = 5
)

// ExecutionContext provides auth blocks with their collaborators.
type ExecutionContext struct {
	Hardware        Hardware
	LECredentials   LECredentialManager
	ChallengeSigner ChallengeSigner

	KDF       WorkFactorKDF
	KDFParams *WorkFactorParams

	Rand io.Reader

	ChallengeTimeout time.Duration
	LEAttemptLimit   uint32
}

func (c *ExecutionContext) rand() io.Reader {
	if c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

func (c *ExecutionContext) kdf() WorkFactorKDF {
	if c.KDF == nil {
		return InProcessWorkFactorKDF
	}
	return c.KDF
}

func (c *ExecutionContext) kdfParams() *WorkFactorParams {
	if c.KDFParams == nil {
		return DefaultWorkFactorParams()
	}
	return c.KDFParams
}

func (c *ExecutionContext) challengeTimeout() time.Duration {
	if c.ChallengeTimeout == 0 {
		return DefaultChallengeTimeout
	}
	return c.ChallengeTimeout
}

func (c *ExecutionContext) leAttemptLimit() uint32 {
	if c.LEAttemptLimit == 0 {
		return DefaultLEAttemptLimit
	}
	return c.LEAttemptLimit
}

func (c *ExecutionContext) hardwareOwned() bool {
	return c.Hardware != nil && c.Hardware.IsOwned()
}

// randomBytes returns n random bytes from the context's source.
func (c *ExecutionContext) randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(c.rand(), b); err != nil {
		return nil, newCryptoError(CryptoErrorFatal, "cannot obtain random bytes: %w", err)
	}
	return b, nil
}

// AuthBlock is a strategy that produces the key material protecting a
// keyset from a user secret, and that can recover the same material from
// the secret and the persisted state.
type AuthBlock interface {
	Create(in *AuthInput) (AuthBlockState, *KeyBlobs, error)
	Derive(in *AuthInput, state AuthBlockState) (*KeyBlobs, error)
}

// AsyncAuthBlock is the asynchronous counterpart of AuthBlock.
type AsyncAuthBlock interface {
	CreateAsync(ctx context.Context, in *AuthInput) *KeyBlobsTask
	DeriveAsync(ctx context.Context, in *AuthInput, state AuthBlockState) *KeyBlobsTask
}

type authBlockFactory struct {
	// derivation describes how the key material is protected.
	derivation string

	newSync  func(*ExecutionContext) AuthBlock      // nil for async-only blocks
	newAsync func(*ExecutionContext) AsyncAuthBlock // nil for blocks that only have a sync implementation

	supported func(*ExecutionContext) bool
}

func (f *authBlockFactory) async(c *ExecutionContext) AsyncAuthBlock {
	if f.newAsync != nil {
		return f.newAsync(c)
	}
	return &syncAuthBlockAdapter{block: f.newSync(c)}
}

// authBlocks is the registry of strategies, shared by the sync and async
// paths.
var authBlocks = map[AuthBlockKind]*authBlockFactory{
	AuthBlockTPMNotBoundToPCR: {
		derivation: "tpm",
		newSync:    func(c *ExecutionContext) AuthBlock { return newTPMAuthBlock(c, AuthBlockTPMNotBoundToPCR) },
		supported:  func(c *ExecutionContext) bool { return c.hardwareOwned() }},
	AuthBlockTPMBoundToPCR: {
		derivation: "tpm-pcr",
		newSync:    func(c *ExecutionContext) AuthBlock { return newTPMAuthBlock(c, AuthBlockTPMBoundToPCR) },
		supported: func(c *ExecutionContext) bool {
			return c.hardwareOwned() && c.Hardware.IsUserAuthGatedUnsealAvailable()
		}},
	AuthBlockTPMECC: {
		derivation: "tpm-ecc",
		newSync:    func(c *ExecutionContext) AuthBlock { return newTPMAuthBlock(c, AuthBlockTPMECC) },
		supported: func(c *ExecutionContext) bool {
			return c.hardwareOwned() && c.Hardware.IsUserAuthGatedUnsealAvailable() && c.Hardware.HasECCKey()
		}},
	AuthBlockScrypt: {
		derivation: "scrypt",
		newSync:    func(c *ExecutionContext) AuthBlock { return &scryptAuthBlock{c} },
		supported:  func(*ExecutionContext) bool { return true }},
	AuthBlockDoubleWrappedCompat: {
		derivation: "scrypt-tpm",
		newSync:    func(c *ExecutionContext) AuthBlock { return &doubleWrappedCompatAuthBlock{c} },
		supported:  func(c *ExecutionContext) bool { return c.Hardware != nil }},
	AuthBlockPinWeaver: {
		derivation: "counter",
		newSync:    func(c *ExecutionContext) AuthBlock { return &pinWeaverAuthBlock{c} },
		supported:  func(c *ExecutionContext) bool { return c.LECredentials != nil }},
	AuthBlockChallengeCredential: {
		derivation: "challenge",
		newAsync:   func(c *ExecutionContext) AsyncAuthBlock { return &challengeCredentialAuthBlock{c} },
		supported:  func(c *ExecutionContext) bool { return c.ChallengeSigner != nil }},
}

func lookupAuthBlock(kind AuthBlockKind) (*authBlockFactory, error) {
	f, ok := authBlocks[kind]
	if !ok {
		return nil, newCryptoError(CryptoErrorFatal, "no auth block for kind %v", kind)
	}
	return f, nil
}

// syncAuthBlockAdapter runs a synchronous auth block in a task.
type syncAuthBlockAdapter struct {
	block AuthBlock
}

func (a *syncAuthBlockAdapter) CreateAsync(ctx context.Context, in *AuthInput) *KeyBlobsTask {
	return newKeyBlobsTask(ctx, func(context.Context) (AuthBlockState, *KeyBlobs, error) {
		return a.block.Create(in)
	})
}

func (a *syncAuthBlockAdapter) DeriveAsync(ctx context.Context, in *AuthInput, state AuthBlockState) *KeyBlobsTask {
	return newKeyBlobsTask(ctx, func(context.Context) (AuthBlockState, *KeyBlobs, error) {
		blobs, err := a.block.Derive(in, state)
		return state, blobs, err
	})
}

// workFactorDerive runs the context's WorkFactorKDF, reporting failures as
// fatal crypto errors.
func (c *ExecutionContext) workFactorDerive(secret, salt []byte, params *WorkFactorParams) (Secret, error) {
	key, err := c.kdf().Derive(secret, salt, params, 32)
	if err != nil {
		return nil, &CryptoError{Kind: CryptoErrorFatal, Err: xerrors.Errorf("cannot derive key from secret: %w", err)}
	}
	return key, nil
}
