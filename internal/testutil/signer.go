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

package testutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"sync"

	"github.com/snapcore/vaultkeys"
)

// MockChallengeSigner is an implementation of vaultkeys.ChallengeSigner that
// signs with a local RSA key.
type MockChallengeSigner struct {
	Key *rsa.PrivateKey

	// Release, if set, makes SignChallenge block until it is closed or
	// receives a value. Unless IgnoreContext is set, SignChallenge also
	// returns when its context is done.
	Release       chan struct{}
	IgnoreContext bool

	// Err is returned from SignChallenge, if set.
	Err error

	// Started is closed when SignChallenge is first called, if set.
	Started chan struct{}

	mu        sync.Mutex
	calls     int
	delegates []string
	started   bool
}

// NewMockChallengeSigner returns a new MockChallengeSigner with a fresh
// 2048-bit RSA key.
func NewMockChallengeSigner() *MockChallengeSigner {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return &MockChallengeSigner{Key: key}
}

// PublicKeySPKI returns the DER encoded SubjectPublicKeyInfo of the key.
func (s *MockChallengeSigner) PublicKeySPKI() []byte {
	spki, err := x509.MarshalPKIXPublicKey(&s.Key.PublicKey)
	if err != nil {
		panic(err)
	}
	return spki
}

// ChallengeCredential returns a vaultkeys.ChallengeCredentialInfo for the
// key.
func (s *MockChallengeSigner) ChallengeCredential(delegate string) *vaultkeys.ChallengeCredentialInfo {
	return &vaultkeys.ChallengeCredentialInfo{
		PublicKeySPKI:       s.PublicKeySPKI(),
		SignatureAlgorithms: []vaultkeys.SignatureAlgorithm{vaultkeys.SignatureRSASSAPKCS1v15SHA256},
		KeyDelegateName:     delegate}
}

// Calls returns the number of calls to SignChallenge.
func (s *MockChallengeSigner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Delegates returns the key delegate names supplied to SignChallenge.
func (s *MockChallengeSigner) Delegates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delegates...)
}

// SignChallenge implements vaultkeys.ChallengeSigner.SignChallenge.
func (s *MockChallengeSigner) SignChallenge(ctx context.Context, delegate string, spki, challenge []byte, alg vaultkeys.SignatureAlgorithm) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	s.delegates = append(s.delegates, delegate)
	if s.Started != nil && !s.started {
		s.started = true
		close(s.Started)
	}
	s.mu.Unlock()

	if s.Release != nil {
		done := ctx.Done()
		if s.IgnoreContext {
			done = nil
		}
		select {
		case <-s.Release:
		case <-done:
			return nil, ctx.Err()
		}
	}

	if s.Err != nil {
		return nil, s.Err
	}
	if alg.Hash() == 0 {
		return nil, errors.New("unsupported algorithm")
	}
	h := alg.Hash().New()
	h.Write(challenge)
	return rsa.SignPKCS1v15(nil, s.Key, alg.Hash(), h.Sum(nil))
}
