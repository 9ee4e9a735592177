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

package vaultkeys_test

import (
	"context"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "gopkg.in/check.v1"

	. "github.com/snapcore/vaultkeys"
	"github.com/snapcore/vaultkeys/internal/metrics"
	vk_testutil "github.com/snapcore/vaultkeys/internal/testutil"
)

type challengeAuthBlockSuite struct {
	vk_testutil.KeysetTestBase
	key    *rsa.PrivateKey
	signer *vk_testutil.MockChallengeSigner
}

var _ = Suite(&challengeAuthBlockSuite{})

func (s *challengeAuthBlockSuite) SetUpSuite(c *C) {
	s.key = vk_testutil.NewMockChallengeSigner().Key
}

func (s *challengeAuthBlockSuite) SetUpTest(c *C) {
	s.KeysetTestBase.SetUpTest(c)
	s.signer = &vk_testutil.MockChallengeSigner{Key: s.key}
	s.UseSigner(s.signer)
}

func (s *challengeAuthBlockSuite) creds(delegate string) *Credentials {
	creds := newPasswordCredentials("alice", "", "smartcard")
	creds.ChallengeCredential = s.signer.ChallengeCredential(delegate)
	return creds
}

func (s *challengeAuthBlockSuite) create(c *C) (*ChallengeCredentialAuthBlockState, *KeyBlobs) {
	state, blobs, err := s.Manager.Utility().CreateKeyBlobsAsync(context.Background(), AuthBlockChallengeCredential, s.creds("delegate"), nil).Wait()
	c.Assert(err, IsNil)
	c.Assert(state, FitsTypeOf, &ChallengeCredentialAuthBlockState{})
	return state.(*ChallengeCredentialAuthBlockState), blobs
}

func (s *challengeAuthBlockSuite) TestRoundTrip(c *C) {
	state, blobs := s.create(c)
	c.Check(state.Salt, HasLen, 32)
	c.Check(state.SealedSecret, Not(HasLen), 0)
	c.Check(state.PublicKeySPKI, DeepEquals, s.signer.PublicKeySPKI())
	c.Check(state.SignatureAlgorithm, Equals, SignatureRSASSAPKCS1v15SHA256)
	c.Check(state.KeyDelegateName, Equals, "delegate")
	c.Assert(blobs.DerivedKeys, NotNil)

	derivedState, derived, err := s.Manager.Utility().DeriveKeyBlobsAsync(context.Background(), AuthBlockChallengeCredential, s.creds(""), state).Wait()
	c.Assert(err, IsNil)
	c.Check(derivedState, Equals, AuthBlockState(state))
	c.Check(derived, DeepEquals, blobs)
	c.Check(s.signer.Delegates(), DeepEquals, []string{"delegate", "delegate"})
}

func (s *challengeAuthBlockSuite) TestRoundTripNoHardware(c *C) {
	s.Context.Hardware = nil

	state, blobs := s.create(c)
	c.Check(state.SealedSecret, HasLen, 0)

	_, derived, err := s.Manager.Utility().DeriveKeyBlobsAsync(context.Background(), AuthBlockChallengeCredential, s.creds(""), state).Wait()
	c.Assert(err, IsNil)
	c.Check(derived, DeepEquals, blobs)
}

func (s *challengeAuthBlockSuite) TestDeriveDelegateOverride(c *C) {
	state, _ := s.create(c)

	_, _, err := s.Manager.Utility().DeriveKeyBlobsAsync(context.Background(), AuthBlockChallengeCredential, s.creds("other"), state).Wait()
	c.Check(err, IsNil)
	c.Check(s.signer.Delegates(), DeepEquals, []string{"delegate", "other"})
}

func (s *challengeAuthBlockSuite) TestDeriveWrongKey(c *C) {
	state, _ := s.create(c)

	other := vk_testutil.NewMockChallengeSigner()
	creds := s.creds("")
	creds.ChallengeCredential = other.ChallengeCredential("")

	_, _, err := s.Manager.Utility().DeriveKeyBlobsAsync(context.Background(), AuthBlockChallengeCredential, creds, state).Wait()
	c.Check(err, ErrorMatches, "crypto-failure: public key does not match keyset")
	c.Check(s.signer.Calls(), Equals, 1)
}

func (s *challengeAuthBlockSuite) TestSignerError(c *C) {
	s.signer.Err = errors.New("card removed")

	_, _, err := s.Manager.Utility().CreateKeyBlobsAsync(context.Background(), AuthBlockChallengeCredential, s.creds(""), nil).Wait()
	c.Check(err, ErrorMatches, "crypto-failure: cannot obtain challenge response: card removed")
}

func (s *challengeAuthBlockSuite) TestNoChallengeCredential(c *C) {
	_, _, err := s.Manager.Utility().CreateKeyBlobsAsync(context.Background(), AuthBlockChallengeCredential, newPasswordCredentials("alice", "", "smartcard"), nil).Wait()
	c.Check(err, vk_testutil.HasCryptoErrorKind, CryptoErrorFatal)
	c.Check(s.signer.Calls(), Equals, 0)
}

func (s *challengeAuthBlockSuite) TestTimeout(c *C) {
	s.Context.ChallengeTimeout = 10 * time.Millisecond
	s.signer.Release = make(chan struct{})
	defer close(s.signer.Release)

	_, _, err := s.Manager.Utility().CreateKeyBlobsAsync(context.Background(), AuthBlockChallengeCredential, s.creds(""), nil).Wait()
	c.Check(err, vk_testutil.HasCryptoErrorKind, CryptoErrorCrypto)
	c.Check(err, ErrorMatches, "crypto-failure: timed out waiting for the challenge response")
}

func (s *challengeAuthBlockSuite) TestCancel(c *C) {
	s.signer.Release = make(chan struct{})
	s.signer.Started = make(chan struct{})
	defer close(s.signer.Release)

	task := s.Manager.Utility().CreateKeyBlobsAsync(context.Background(), AuthBlockChallengeCredential, s.creds(""), nil)
	<-s.signer.Started
	task.Cancel()

	state, blobs, err := task.Wait()
	c.Check(err, Equals, ErrTaskCancelled)
	c.Check(state, IsNil)
	c.Check(blobs, IsNil)
}

func (s *challengeAuthBlockSuite) TestCancelLateResponse(c *C) {
	s.signer.Release = make(chan struct{})
	s.signer.Started = make(chan struct{})
	s.signer.IgnoreContext = true

	counter := metrics.AuthBlockCreateTotal.WithLabelValues("challenge-credential", "challenge")
	before := testutil.ToFloat64(counter)

	task := s.Manager.Utility().CreateKeyBlobsAsync(context.Background(), AuthBlockChallengeCredential, s.creds(""), nil)
	<-s.signer.Started
	task.Cancel()
	close(s.signer.Release)

	_, blobs, err := task.Wait()
	c.Check(err, Equals, ErrTaskCancelled)
	c.Check(blobs, IsNil)
	c.Check(testutil.ToFloat64(counter), Equals, before)
}

func (s *challengeAuthBlockSuite) TestParentContextCancelled(c *C) {
	state, _ := s.create(c)

	s.signer.Release = make(chan struct{})
	s.signer.Started = make(chan struct{})
	defer close(s.signer.Release)

	counter := metrics.AuthBlockDeriveFailuresTotal.WithLabelValues("challenge-credential", "crypto-failure")
	before := testutil.ToFloat64(counter)

	ctx, cancel := context.WithCancel(context.Background())
	task := s.Manager.Utility().DeriveKeyBlobsAsync(ctx, AuthBlockChallengeCredential, s.creds(""), state)
	<-s.signer.Started
	cancel()

	_, _, err := task.Wait()
	c.Check(err, Equals, ErrTaskCancelled)
	c.Check(testutil.ToFloat64(counter), Equals, before)
}

func (s *challengeAuthBlockSuite) TestDone(c *C) {
	task := s.Manager.Utility().CreateKeyBlobsAsync(context.Background(), AuthBlockChallengeCredential, s.creds(""), nil)
	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for task")
	}
	_, _, err := task.Wait()
	c.Check(err, IsNil)
}

func (s *challengeAuthBlockSuite) TestSyncAuthBlockAsync(c *C) {
	creds := newPasswordCredentials("alice", "passw0rd", "password")
	state, blobs, err := s.Manager.Utility().CreateKeyBlobsAsync(context.Background(), AuthBlockScrypt, creds, nil).Wait()
	c.Assert(err, IsNil)

	_, derived, err := s.Manager.Utility().DeriveKeyBlobsAsync(context.Background(), AuthBlockScrypt, creds, state).Wait()
	c.Assert(err, IsNil)
	c.Check(derived, DeepEquals, blobs)
}

func (s *challengeAuthBlockSuite) TestUnknownKindAsync(c *C) {
	_, _, err := s.Manager.Utility().CreateKeyBlobsAsync(context.Background(), AuthBlockKind(99), s.creds(""), nil).Wait()
	c.Check(err, vk_testutil.HasCryptoErrorKind, CryptoErrorFatal)
}
