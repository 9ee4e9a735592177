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
	"os"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "gopkg.in/check.v1"

	. "github.com/snapcore/vaultkeys"
	"github.com/snapcore/vaultkeys/internal/metrics"
	vk_testutil "github.com/snapcore/vaultkeys/internal/testutil"
)

type keysetManagerSuite struct {
	vk_testutil.KeysetTestBase
}

var _ = Suite(&keysetManagerSuite{})

func (s *keysetManagerSuite) addInitial(c *C, creds *Credentials) *VaultKeyset {
	vk, err := s.Manager.AddInitialKeyset(context.Background(), creds)
	c.Assert(err, IsNil)
	return vk
}

func (s *keysetManagerSuite) addKeyset(c *C, existing, creds *Credentials) int {
	index, err := s.Manager.AddKeyset(context.Background(), existing, creds, false)
	c.Assert(err, IsNil)
	return index
}

func (s *keysetManagerSuite) getValid(c *C, creds *Credentials) *VaultKeyset {
	vk, err := s.Manager.GetValidKeyset(context.Background(), creds)
	c.Assert(err, IsNil)
	return vk
}

func (s *keysetManagerSuite) slotFile(c *C, index int) []byte {
	data, err := os.ReadFile(s.Store.KeysetPath(s.ObfuscatedUsername(c, "alice"), index))
	c.Assert(err, IsNil)
	return data
}

func (s *keysetManagerSuite) load(c *C, index int) *SerializedVaultKeyset {
	keyset, err := s.Store.Load(s.ObfuscatedUsername(c, "alice"), index)
	c.Assert(err, IsNil)
	return keyset
}

func (s *keysetManagerSuite) indices(c *C) []int {
	indices, err := s.Manager.GetKeysetIndices(s.ObfuscatedUsername(c, "alice"))
	c.Assert(err, IsNil)
	return indices
}

func (s *keysetManagerSuite) TestAddInitialKeyset(c *C) {
	obfuscated := s.ObfuscatedUsername(c, "alice")
	c.Check(s.Manager.UserExists(obfuscated), Equals, false)

	creds := newPasswordCredentials("alice", "passw0rd", "password")
	vk := s.addInitial(c, creds)
	c.Check(vk.Index, Equals, 0)
	c.Check(vk.KeyData, DeepEquals, creds.KeyData)
	c.Assert(vk.Serialized(), NotNil)
	c.Check(vk.Serialized().AuthBlockState.Kind(), Equals, AuthBlockTPMECC)
	c.Check(s.Manager.UserExists(obfuscated), Equals, true)

	keyset := s.load(c, 0)
	c.Check(keyset.Label(), Equals, "password")
	c.Check(keyset.WrappedResetSeed, Not(HasLen), 0)
	c.Check(keyset.AuthBlockState, DeepEquals, vk.Serialized().AuthBlockState)

	valid := s.getValid(c, creds)
	c.Check(valid.Index, Equals, 0)
	sameKeyMaterial(c, valid, vk)
	c.Check(valid.ResetSeed, DeepEquals, vk.ResetSeed)
}

func (s *keysetManagerSuite) TestAddInitialKeysetScrypt(c *C) {
	s.Context.Hardware = nil

	creds := newPasswordCredentials("alice", "passw0rd", "password")
	vk := s.addInitial(c, creds)
	c.Check(vk.Serialized().AuthBlockState.Kind(), Equals, AuthBlockScrypt)
	c.Check(s.load(c, 0).Flags, Equals, KeysetScryptWrapped)

	sameKeyMaterial(c, s.getValid(c, creds), vk)
}

func (s *keysetManagerSuite) TestAddInitialKeysetEncryptFailureReleasesSlot(c *C) {
	creds := newPINCredentials("alice", "1234", "pin")
	s.Context.LECredentials = nil

	_, err := s.Manager.AddInitialKeyset(context.Background(), creds)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorBackingStoreFailure)
	c.Check(err, vk_testutil.HasCryptoErrorKind, CryptoErrorLEUnsupported)
	c.Check(s.indices(c), HasLen, 0)
}

func (s *keysetManagerSuite) TestGetValidKeysetWrongPassword(c *C) {
	creds := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, creds)

	_, err := s.Manager.GetValidKeyset(context.Background(), withPasskey(creds, "wrong"))
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyFailed)
	c.Check(err, vk_testutil.HasCryptoErrorKind, CryptoErrorCrypto)
}

func (s *keysetManagerSuite) TestGetValidKeysetNotFound(c *C) {
	_, err := s.Manager.GetValidKeyset(context.Background(), newPasswordCredentials("alice", "passw0rd", "password"))
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyNotFound)

	s.addInitial(c, newPasswordCredentials("alice", "passw0rd", "password"))
	_, err = s.Manager.GetValidKeyset(context.Background(), newPasswordCredentials("alice", "passw0rd", "other"))
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyNotFound)

	_, err = s.Manager.GetValidKeyset(context.Background(), newPasswordCredentials("bob", "passw0rd", "password"))
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyNotFound)
}

func (s *keysetManagerSuite) TestGetValidKeysetWithoutLabel(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	s.addKeyset(c, password, newPasswordCredentials("alice", "backup", "backup"))
	s.addKeyset(c, password, newPINCredentials("alice", "1234", "pin"))

	vk := s.getValid(c, &Credentials{Username: "alice", Passkey: Secret("backup")})
	c.Check(vk.Index, Equals, 1)

	// Counter-backed keysets are only tried when selected by label.
	_, err := s.Manager.GetValidKeyset(context.Background(), &Credentials{Username: "alice", Passkey: Secret("1234")})
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyFailed)
	c.Check(s.LECredentials.Len(), Equals, 1)
}

func (s *keysetManagerSuite) TestAddKeyset(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	initial := s.addInitial(c, password)

	backup := newPasswordCredentials("alice", "backup", "backup")
	c.Check(s.addKeyset(c, password, backup), Equals, 1)
	c.Check(s.indices(c), DeepEquals, []int{0, 1})

	vk := s.getValid(c, backup)
	c.Check(vk.Index, Equals, 1)
	c.Check(vk.KeyData.Label, Equals, "backup")
	sameKeyMaterial(c, vk, initial)
	c.Check(vk.ResetSeed, DeepEquals, initial.ResetSeed)

	labels, err := s.Manager.GetVaultKeysetLabels(s.ObfuscatedUsername(c, "alice"))
	c.Check(err, IsNil)
	c.Check(labels, DeepEquals, []string{"password", "backup"})
}

func (s *keysetManagerSuite) TestAddKeysetLabelExists(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	s.addKeyset(c, password, newPasswordCredentials("alice", "backup", "backup"))
	slot0 := s.slotFile(c, 0)
	slot1 := s.slotFile(c, 1)

	_, err := s.Manager.AddKeyset(context.Background(), password, newPasswordCredentials("alice", "other", "backup"), false)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorLabelExists)
	c.Check(s.indices(c), DeepEquals, []int{0, 1})
	c.Check(s.slotFile(c, 0), DeepEquals, slot0)
	c.Check(s.slotFile(c, 1), DeepEquals, slot1)

	index, err := s.Manager.AddKeyset(context.Background(), password, newPasswordCredentials("alice", "other", "backup"), true)
	c.Check(err, IsNil)
	c.Check(index, Equals, 1)
	c.Check(s.indices(c), DeepEquals, []int{0, 1})

	_, err = s.Manager.GetValidKeyset(context.Background(), newPasswordCredentials("alice", "backup", "backup"))
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyFailed)
	c.Check(s.getValid(c, newPasswordCredentials("alice", "other", "backup")).Index, Equals, 1)
}

func (s *keysetManagerSuite) TestAddKeysetClobberLECredential(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	s.addKeyset(c, password, newPINCredentials("alice", "1234", "pin"))
	oldLabel := s.load(c, 1).LELabel

	index, err := s.Manager.AddKeyset(context.Background(), password, newPINCredentials("alice", "5678", "pin"), true)
	c.Assert(err, IsNil)
	c.Check(index, Equals, 1)
	c.Check(s.LECredentials.Removed, DeepEquals, []uint64{oldLabel})
	c.Check(s.LECredentials.Exists(s.load(c, 1).LELabel), Equals, true)
}

func (s *keysetManagerSuite) TestAddKeysetQuotaExceeded(c *C) {
	s.Store = NewKeysetStore(FileStorage{}, s.ShadowRoot, 2, nil)
	s.Manager = NewKeysetManager(s.Context, s.Store)

	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	s.addKeyset(c, password, newPasswordCredentials("alice", "backup", "backup"))
	slot0 := s.slotFile(c, 0)
	slot1 := s.slotFile(c, 1)

	_, err := s.Manager.AddKeyset(context.Background(), password, newPasswordCredentials("alice", "other", "other"), false)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorQuotaExceeded)
	c.Check(s.indices(c), DeepEquals, []int{0, 1})
	c.Check(s.slotFile(c, 0), DeepEquals, slot0)
	c.Check(s.slotFile(c, 1), DeepEquals, slot1)
}

func (s *keysetManagerSuite) addLegacyKeysetWithoutResetSeed(c *C) *Credentials {
	vk, err := NewVaultKeyset(vk_testutil.NewDeterministicRand("legacy"))
	c.Assert(err, IsNil)
	vk.KeyData = NewKeyData("legacy")
	vk.ResetSeed = nil

	keyset, err := NewLegacyKeyset(s.Context, Secret("passw0rd"), vk, false)
	c.Assert(err, IsNil)
	c.Assert(s.Store.Save(s.ObfuscatedUsername(c, "alice"), 0, keyset), IsNil)
	return newPasswordCredentials("alice", "passw0rd", "legacy")
}

func (s *keysetManagerSuite) TestAddKeysetQuotaExceededKeepsLegacyKeyset(c *C) {
	s.Store = NewKeysetStore(FileStorage{}, s.ShadowRoot, 1, nil)
	s.Manager = NewKeysetManager(s.Context, s.Store)

	legacy := s.addLegacyKeysetWithoutResetSeed(c)
	slot0 := s.slotFile(c, 0)

	_, err := s.Manager.AddKeyset(context.Background(), legacy, newPasswordCredentials("alice", "backup", "backup"), false)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorQuotaExceeded)
	c.Check(s.slotFile(c, 0), DeepEquals, slot0)
	c.Check(s.load(c, 0).WrappedResetSeed, HasLen, 0)
	c.Check(s.Log.String(), Not(Matches), `(?s).*added reset seed.*`)
}

func (s *keysetManagerSuite) TestAddKeysetLabelExistsKeepsLegacyKeyset(c *C) {
	legacy := s.addLegacyKeysetWithoutResetSeed(c)
	slot0 := s.slotFile(c, 0)

	_, err := s.Manager.AddKeyset(context.Background(), legacy, newPasswordCredentials("alice", "other", "legacy"), false)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorLabelExists)
	c.Check(s.indices(c), DeepEquals, []int{0})
	c.Check(s.slotFile(c, 0), DeepEquals, slot0)
	c.Check(s.load(c, 0).WrappedResetSeed, HasLen, 0)
}

func (s *keysetManagerSuite) TestAddKeysetDenied(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	password.KeyData.Privileges.Add = false
	s.addInitial(c, password)

	_, err := s.Manager.AddKeyset(context.Background(), password, newPasswordCredentials("alice", "backup", "backup"), false)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyDenied)
	c.Check(s.indices(c), DeepEquals, []int{0})
}

func (s *keysetManagerSuite) TestAddKeysetWrongExisting(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)

	_, err := s.Manager.AddKeyset(context.Background(), withPasskey(password, "wrong"), newPasswordCredentials("alice", "backup", "backup"), false)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyFailed)
	c.Check(s.indices(c), DeepEquals, []int{0})
}

func (s *keysetManagerSuite) TestAddLECredential(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	initial := s.addInitial(c, password)

	pin := newPINCredentials("alice", "1234", "pin")
	c.Check(s.addKeyset(c, password, pin), Equals, 1)

	keyset := s.load(c, 1)
	c.Check(keyset.IsLECredential(), Equals, true)
	c.Check(keyset.HasLELabel, Equals, true)
	c.Check(keyset.ResetSalt, HasLen, 32)
	c.Check(keyset.WrappedResetSeed, HasLen, 0)
	c.Check(s.LECredentials.Exists(keyset.LELabel), Equals, true)

	vk := s.getValid(c, pin)
	c.Check(vk.Index, Equals, 1)
	c.Check(vk.ResetSeed, IsNil)
	sameKeyMaterial(c, vk, initial)
	c.Check(vk.Blobs().ResetSecret, DeepEquals, ComputeResetSecret(keyset.ResetSalt, initial.ResetSeed))
}

func (s *keysetManagerSuite) TestLECredentialLockout(c *C) {
	s.Context.LEAttemptLimit = 3

	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	pin := newPINCredentials("alice", "1234", "pin")
	s.addKeyset(c, password, pin)

	lockouts := testutil.ToFloat64(metrics.LECredentialLockoutsTotal)

	for i := 0; i < 2; i++ {
		_, err := s.Manager.GetValidKeyset(context.Background(), withPasskey(pin, "0000"))
		c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyFailed)
		c.Check(err, vk_testutil.HasCryptoErrorKind, CryptoErrorLEInvalidSecret)
	}
	c.Check(s.load(c, 1).AuthLocked, Equals, false)

	_, err := s.Manager.GetValidKeyset(context.Background(), withPasskey(pin, "0000"))
	c.Check(err, vk_testutil.HasCryptoErrorKind, CryptoErrorHardwareLockout)

	keyset := s.load(c, 1)
	c.Check(keyset.AuthLocked, Equals, true)
	c.Check(keyset.KeyData.Policy.AuthLocked, Equals, true)
	c.Check(testutil.ToFloat64(metrics.LECredentialLockoutsTotal), Equals, lockouts+1)
	c.Check(s.Log.String(), Matches, `(?s).*counter-backed credential in keyset 1 is locked\n.*`)

	// The correct PIN no longer works, and the counter service isn't
	// consulted.
	attempts, err := s.LECredentials.GetWrongAttempts(keyset.LELabel)
	c.Assert(err, IsNil)
	_, err = s.Manager.GetValidKeyset(context.Background(), pin)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyFailed)
	c.Check(err, vk_testutil.HasCryptoErrorKind, CryptoErrorHardwareLockout)
	attempts2, err := s.LECredentials.GetWrongAttempts(keyset.LELabel)
	c.Assert(err, IsNil)
	c.Check(attempts2, Equals, attempts)
}

func (s *keysetManagerSuite) TestResetLECredentials(c *C) {
	s.Context.LEAttemptLimit = 3

	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	pin := newPINCredentials("alice", "1234", "pin")
	s.addKeyset(c, password, pin)

	for i := 0; i < 3; i++ {
		_, err := s.Manager.GetValidKeyset(context.Background(), withPasskey(pin, "0000"))
		c.Check(err, NotNil)
	}
	c.Assert(s.load(c, 1).AuthLocked, Equals, true)

	c.Check(s.Manager.ResetLECredentials(context.Background(), password), IsNil)

	keyset := s.load(c, 1)
	c.Check(keyset.AuthLocked, Equals, false)
	c.Check(keyset.KeyData.Policy.AuthLocked, Equals, false)
	attempts, err := s.LECredentials.GetWrongAttempts(keyset.LELabel)
	c.Check(err, IsNil)
	c.Check(attempts, Equals, uint32(0))

	c.Check(s.getValid(c, pin).Index, Equals, 1)
}

func (s *keysetManagerSuite) TestResetLECredentialsWrongAttempts(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	pin := newPINCredentials("alice", "1234", "pin")
	s.addKeyset(c, password, pin)

	_, err := s.Manager.GetValidKeyset(context.Background(), withPasskey(pin, "0000"))
	c.Check(err, NotNil)
	label := s.load(c, 1).LELabel
	attempts, _ := s.LECredentials.GetWrongAttempts(label)
	c.Check(attempts, Equals, uint32(1))

	// A keyset without a reset seed cannot authorize a reset.
	err = s.Manager.ResetLECredentials(context.Background(), pin)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyFailed)

	c.Check(s.Manager.ResetLECredentials(context.Background(), password), IsNil)
	attempts, _ = s.LECredentials.GetWrongAttempts(label)
	c.Check(attempts, Equals, uint32(0))
}

func (s *keysetManagerSuite) TestResetLECredentialsNothingToDo(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	s.addKeyset(c, password, newPINCredentials("alice", "1234", "pin"))

	// The credentials aren't checked if there is nothing to reset.
	c.Check(s.Manager.ResetLECredentials(context.Background(), withPasskey(password, "wrong")), IsNil)
}

func (s *keysetManagerSuite) TestResetLECredentialsWrongPassword(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	pin := newPINCredentials("alice", "1234", "pin")
	s.addKeyset(c, password, pin)

	_, err := s.Manager.GetValidKeyset(context.Background(), withPasskey(pin, "0000"))
	c.Check(err, NotNil)

	err = s.Manager.ResetLECredentials(context.Background(), withPasskey(password, "wrong"))
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyFailed)
}

func (s *keysetManagerSuite) TestUpdateKeysetPassword(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	initial := s.addInitial(c, password)

	c.Check(s.Manager.UpdateKeyset(context.Background(), password, &Credentials{Passkey: Secret("new")}, nil), IsNil)

	_, err := s.Manager.GetValidKeyset(context.Background(), password)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyFailed)

	vk := s.getValid(c, withPasskey(password, "new"))
	c.Check(vk.Index, Equals, 0)
	sameKeyMaterial(c, vk, initial)
	c.Check(vk.ResetSeed, DeepEquals, initial.ResetSeed)
	c.Check(s.indices(c), DeepEquals, []int{0})
}

func (s *keysetManagerSuite) TestUpdateKeysetLabel(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	s.addKeyset(c, password, newPasswordCredentials("alice", "backup", "backup"))

	err := s.Manager.UpdateKeyset(context.Background(), password, &Credentials{KeyData: NewKeyData("backup")}, nil)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorLabelExists)

	c.Check(s.Manager.UpdateKeyset(context.Background(), password, &Credentials{KeyData: NewKeyData("renamed")}, nil), IsNil)

	obfuscated := s.ObfuscatedUsername(c, "alice")
	_, index, err := s.Manager.GetVaultKeyset(obfuscated, "renamed")
	c.Check(err, IsNil)
	c.Check(index, Equals, 0)

	_, _, err = s.Manager.GetVaultKeyset(obfuscated, "password")
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorKeyNotFound)

	c.Check(s.getValid(c, newPasswordCredentials("alice", "passw0rd", "renamed")).Index, Equals, 0)
}

func (s *keysetManagerSuite) TestUpdateKeysetDenied(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	password.KeyData.Privileges = KeyPrivileges{Mount: true}
	s.addInitial(c, password)

	err := s.Manager.UpdateKeyset(context.Background(), password, &Credentials{Passkey: Secret("new")}, nil)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyDenied)
	s.getValid(c, password)
}

func (s *keysetManagerSuite) authorizedUpdateCredentials(signingSecret []byte) *Credentials {
	creds := newPasswordCredentials("alice", "passw0rd", "password")
	creds.KeyData.Privileges = KeyPrivileges{Mount: true, AuthorizedUpdate: true}
	creds.KeyData.Revision = 1
	creds.KeyData.AuthorizationData = []AuthorizationData{
		{
			Type: AuthorizationHMACSHA256,
			Secrets: []AuthorizationSecret{
				{Usage: AuthorizationSecretUsage{Sign: true}, SymmetricKey: signingSecret},
			},
		},
	}
	return creds
}

func (s *keysetManagerSuite) TestUpdateKeysetAuthorized(c *C) {
	signingSecret := []byte("0123456789abcdef0123456789abcdef")
	creds := s.authorizedUpdateCredentials(signingSecret)
	s.addInitial(c, creds)
	c.Check(s.load(c, 0).KeyData.AuthorizationData[0].Secrets[0].Wrapped, Equals, true)

	sig, err := SignKeyUpdate(signingSecret, 2, []byte("new"))
	c.Assert(err, IsNil)

	changes := &Credentials{Passkey: Secret("new"), KeyData: &KeyData{Revision: 2, Label: "ignored"}}
	c.Check(s.Manager.UpdateKeyset(context.Background(), creds, changes, sig), IsNil)

	keyset := s.load(c, 0)
	c.Check(keyset.KeyData.Revision, Equals, uint64(2))
	c.Check(keyset.KeyData.Label, Equals, "password")

	vk := s.getValid(c, withPasskey(creds, "new"))
	c.Check(vk.KeyData.AuthorizationData[0].Secrets[0].SymmetricKey, DeepEquals, signingSecret)

	// The same update cannot be replayed.
	err = s.Manager.UpdateKeyset(context.Background(), withPasskey(creds, "new"), changes, sig)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorUpdateSignatureInvalid)
}

func (s *keysetManagerSuite) TestUpdateKeysetAuthorizedInvalidSignature(c *C) {
	signingSecret := []byte("0123456789abcdef0123456789abcdef")
	creds := s.authorizedUpdateCredentials(signingSecret)
	s.addInitial(c, creds)

	sig, err := SignKeyUpdate(signingSecret, 2, []byte("new"))
	c.Assert(err, IsNil)

	for _, t := range []struct {
		changes *Credentials
		sig     []byte
	}{
		{changes: &Credentials{Passkey: Secret("new")}, sig: sig},
		{changes: &Credentials{Passkey: Secret("new"), KeyData: &KeyData{Revision: 1}}, sig: sig},
		{changes: &Credentials{Passkey: Secret("other"), KeyData: &KeyData{Revision: 2}}, sig: sig},
		{changes: &Credentials{Passkey: Secret("new"), KeyData: &KeyData{Revision: 3}}, sig: sig},
		{changes: &Credentials{Passkey: Secret("new"), KeyData: &KeyData{Revision: 2}}, sig: nil},
	} {
		err := s.Manager.UpdateKeyset(context.Background(), creds, t.changes, t.sig)
		c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorUpdateSignatureInvalid)
	}

	c.Check(s.load(c, 0).KeyData.Revision, Equals, uint64(1))
	s.getValid(c, creds)
}

func (s *keysetManagerSuite) TestUpdateLECredential(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	pin := newPINCredentials("alice", "1234", "pin")
	s.addKeyset(c, password, pin)
	old := s.load(c, 1)

	c.Check(s.Manager.UpdateKeyset(context.Background(), pin, &Credentials{Passkey: Secret("5678")}, nil), IsNil)

	keyset := s.load(c, 1)
	c.Check(keyset.IsLECredential(), Equals, true)
	c.Check(keyset.LELabel, Not(Equals), old.LELabel)
	c.Check(keyset.ResetSalt, DeepEquals, old.ResetSalt)
	c.Check(s.LECredentials.Removed, DeepEquals, []uint64{old.LELabel})

	s.getValid(c, withPasskey(pin, "5678"))
	_, err := s.Manager.GetValidKeyset(context.Background(), pin)
	c.Check(err, vk_testutil.HasCryptoErrorKind, CryptoErrorLEInvalidSecret)

	// The new credential can still be reset with the password keyset.
	attempts, _ := s.LECredentials.GetWrongAttempts(keyset.LELabel)
	c.Check(attempts, Equals, uint32(1))
	c.Check(s.Manager.ResetLECredentials(context.Background(), password), IsNil)
	attempts, _ = s.LECredentials.GetWrongAttempts(keyset.LELabel)
	c.Check(attempts, Equals, uint32(0))
}

func (s *keysetManagerSuite) TestRemoveKeyset(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	s.addKeyset(c, password, newPasswordCredentials("alice", "backup", "backup"))
	s.addKeyset(c, password, newPINCredentials("alice", "1234", "pin"))
	leLabel := s.load(c, 2).LELabel

	c.Check(s.Manager.RemoveKeyset(context.Background(), password, NewKeyData("backup")), IsNil)
	c.Check(s.indices(c), DeepEquals, []int{0, 2})

	c.Check(s.Manager.RemoveKeyset(context.Background(), password, NewKeyData("pin")), IsNil)
	c.Check(s.indices(c), DeepEquals, []int{0})
	c.Check(s.LECredentials.Removed, DeepEquals, []uint64{leLabel})

	err := s.Manager.RemoveKeyset(context.Background(), password, NewKeyData("pin"))
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorKeyNotFound)

	err = s.Manager.RemoveKeyset(context.Background(), password, nil)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorKeyNotFound)
}

func (s *keysetManagerSuite) TestRemoveKeysetDenied(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	backup := newPasswordCredentials("alice", "backup", "backup")
	backup.KeyData.Privileges.Remove = false
	s.addKeyset(c, password, backup)

	err := s.Manager.RemoveKeyset(context.Background(), backup, NewKeyData("password"))
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyDenied)
	c.Check(s.indices(c), DeepEquals, []int{0, 1})
}

func (s *keysetManagerSuite) TestForceRemoveKeyset(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	s.addKeyset(c, password, newPINCredentials("alice", "1234", "pin"))
	leLabel := s.load(c, 1).LELabel
	obfuscated := s.ObfuscatedUsername(c, "alice")

	c.Check(s.Manager.ForceRemoveKeyset(obfuscated, 1), IsNil)
	c.Check(s.indices(c), DeepEquals, []int{0})
	c.Check(s.LECredentials.Removed, DeepEquals, []uint64{leLabel})

	c.Check(s.Manager.ForceRemoveKeyset(obfuscated, 1), IsNil)

	err := s.Manager.ForceRemoveKeyset(obfuscated, -1)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorKeyNotFound)
	err = s.Manager.ForceRemoveKeyset(obfuscated, DefaultMaxKeysets)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorKeyNotFound)
}

func (s *keysetManagerSuite) TestForceRemoveUnreadableKeyset(c *C) {
	obfuscated := s.ObfuscatedUsername(c, "alice")
	index, err := s.Store.Claim(obfuscated)
	c.Assert(err, IsNil)

	c.Check(s.Manager.ForceRemoveKeyset(obfuscated, index), IsNil)
	c.Check(s.indices(c), HasLen, 0)
	c.Check(s.Log.String(), Matches, `(?s).*removing keyset 0 which cannot be loaded: .*`)
}

func (s *keysetManagerSuite) TestMoveKeyset(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	backup := newPasswordCredentials("alice", "backup", "backup")
	s.addKeyset(c, password, backup)
	obfuscated := s.ObfuscatedUsername(c, "alice")

	c.Check(s.Manager.MoveKeyset(obfuscated, 1, 5), IsNil)
	c.Check(s.indices(c), DeepEquals, []int{0, 5})
	c.Check(s.getValid(c, backup).Index, Equals, 5)

	err := s.Manager.MoveKeyset(obfuscated, 1, 6)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorKeyNotFound)

	err = s.Manager.MoveKeyset(obfuscated, 5, 0)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorBackingStoreFailure)
	c.Check(s.indices(c), DeepEquals, []int{0, 5})
}

func (s *keysetManagerSuite) TestRemoveLECredentials(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	s.addKeyset(c, password, newPINCredentials("alice", "1234", "pin"))
	s.addKeyset(c, password, newPasswordCredentials("alice", "backup", "backup"))
	s.addKeyset(c, password, newPINCredentials("alice", "5678", "pin2"))

	c.Check(s.Manager.RemoveLECredentials(s.ObfuscatedUsername(c, "alice")), IsNil)
	c.Check(s.indices(c), DeepEquals, []int{0, 2})
	c.Check(s.LECredentials.Len(), Equals, 0)
	c.Check(s.LECredentials.Removed, HasLen, 2)
}

func (s *keysetManagerSuite) TestGetVaultKeyset(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	s.addKeyset(c, password, newPasswordCredentials("alice", "backup", "backup"))
	obfuscated := s.ObfuscatedUsername(c, "alice")

	keyset, index, err := s.Manager.GetVaultKeyset(obfuscated, "backup")
	c.Assert(err, IsNil)
	c.Check(index, Equals, 1)
	c.Check(keyset.Label(), Equals, "backup")

	_, _, err = s.Manager.GetVaultKeyset(obfuscated, "other")
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorKeyNotFound)
}

func (s *keysetManagerSuite) TestLegacyDoubleWrappedKeyset(c *C) {
	vk, err := NewVaultKeyset(vk_testutil.NewDeterministicRand("legacy"))
	c.Assert(err, IsNil)
	vk.KeyData = NewKeyData("legacy")

	keyset, err := NewLegacyKeyset(s.Context, Secret("passw0rd"), vk, true)
	c.Assert(err, IsNil)
	c.Check(keyset.Flags, Equals, KeysetTPMWrapped|KeysetScryptWrapped)
	obfuscated := s.ObfuscatedUsername(c, "alice")
	c.Assert(s.Store.Save(obfuscated, 0, keyset), IsNil)

	creds := newPasswordCredentials("alice", "passw0rd", "legacy")
	valid := s.getValid(c, creds)
	sameKeyMaterial(c, valid, vk)
	c.Check(valid.ResetSeed, DeepEquals, vk.ResetSeed)

	resaved, err := s.Manager.ReSaveKeysetIfNeeded(context.Background(), creds, valid)
	c.Check(err, IsNil)
	c.Check(resaved, Equals, true)
	c.Check(s.Log.String(), Matches, `(?s).*re-saved keyset 0 with tpm-ecc auth block\n.*`)

	stored := s.load(c, 0)
	c.Check(stored.AuthBlockState.Kind(), Equals, AuthBlockTPMECC)
	c.Check(stored.TPMKey, HasLen, 0)

	valid = s.getValid(c, creds)
	sameKeyMaterial(c, valid, vk)
	c.Check(valid.ResetSeed, DeepEquals, vk.ResetSeed)

	resaved, err = s.Manager.ReSaveKeysetIfNeeded(context.Background(), creds, valid)
	c.Check(err, IsNil)
	c.Check(resaved, Equals, false)
}

func (s *keysetManagerSuite) TestLegacyScryptKeyset(c *C) {
	vk, err := NewVaultKeyset(vk_testutil.NewDeterministicRand("legacy"))
	c.Assert(err, IsNil)
	vk.KeyData = NewKeyData("legacy")

	keyset, err := NewLegacyKeyset(s.Context, Secret("passw0rd"), vk, false)
	c.Assert(err, IsNil)
	c.Assert(s.Store.Save(s.ObfuscatedUsername(c, "alice"), 0, keyset), IsNil)

	creds := newPasswordCredentials("alice", "wrong", "legacy")
	_, err = s.Manager.GetValidKeyset(context.Background(), creds)
	c.Check(err, vk_testutil.HasKeysetErrorCode, KeysetErrorAuthorizationKeyFailed)

	creds = withPasskey(creds, "passw0rd")
	valid := s.getValid(c, creds)
	sameKeyMaterial(c, valid, vk)

	resaved, err := s.Manager.ReSaveKeysetIfNeeded(context.Background(), creds, valid)
	c.Check(err, IsNil)
	c.Check(resaved, Equals, true)
	c.Check(s.load(c, 0).AuthBlockState.Kind(), Equals, AuthBlockTPMECC)
}

func (s *keysetManagerSuite) TestReSaveScryptKeysetWhenHardwareAvailable(c *C) {
	s.Hardware.Owned = false
	creds := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, creds)

	valid := s.getValid(c, creds)
	resaved, err := s.Manager.ReSaveKeysetIfNeeded(context.Background(), creds, valid)
	c.Check(err, IsNil)
	c.Check(resaved, Equals, false)

	s.Hardware.Owned = true
	resaved, err = s.Manager.ReSaveKeysetIfNeeded(context.Background(), creds, valid)
	c.Check(err, IsNil)
	c.Check(resaved, Equals, true)
	c.Check(s.load(c, 0).AuthBlockState.Kind(), Equals, AuthBlockTPMECC)
	s.getValid(c, creds)
}

func (s *keysetManagerSuite) TestReSaveLECredentialForPCRBinding(c *C) {
	s.Hardware.Owned = false
	password := newPasswordCredentials("alice", "passw0rd", "password")
	s.addInitial(c, password)
	pin := newPINCredentials("alice", "1234", "pin")
	s.addKeyset(c, password, pin)
	old := s.load(c, 1)
	c.Check(s.LECredentials.Policy(old.LELabel).BindPCRs, Equals, false)

	s.Hardware.Owned = true
	s.LECredentials.PCRBindingAvailable = true

	valid := s.getValid(c, pin)
	resaved, err := s.Manager.ReSaveKeysetIfNeeded(context.Background(), pin, valid)
	c.Check(err, IsNil)
	c.Check(resaved, Equals, true)

	keyset := s.load(c, 1)
	c.Check(keyset.LELabel, Not(Equals), old.LELabel)
	c.Check(keyset.ResetSalt, DeepEquals, old.ResetSalt)
	c.Check(s.LECredentials.Policy(keyset.LELabel).BindPCRs, Equals, true)
	c.Check(s.LECredentials.Removed, DeepEquals, []uint64{old.LELabel})

	s.getValid(c, pin)
	c.Check(s.Manager.ResetLECredentials(context.Background(), password), IsNil)
}

func (s *keysetManagerSuite) TestAddKeysetAddsResetSeed(c *C) {
	vk, err := NewVaultKeyset(vk_testutil.NewDeterministicRand("legacy"))
	c.Assert(err, IsNil)
	vk.KeyData = NewKeyData("legacy")
	vk.ResetSeed = nil

	keyset, err := NewLegacyKeyset(s.Context, Secret("passw0rd"), vk, false)
	c.Assert(err, IsNil)
	c.Check(keyset.WrappedResetSeed, HasLen, 0)
	c.Assert(s.Store.Save(s.ObfuscatedUsername(c, "alice"), 0, keyset), IsNil)

	legacy := newPasswordCredentials("alice", "passw0rd", "legacy")
	pin := newPINCredentials("alice", "1234", "pin")
	c.Check(s.addKeyset(c, legacy, pin), Equals, 1)
	c.Check(s.Log.String(), Matches, `(?s).*added reset seed to keyset 0\n.*`)

	stored := s.load(c, 0)
	c.Check(stored.WrappedResetSeed, Not(HasLen), 0)
	c.Check(stored.AuthBlockState, IsNil)
	c.Check(stored.Flags, Equals, KeysetScryptWrapped)

	valid := s.getValid(c, legacy)
	c.Check(valid.ResetSeed, HasLen, 32)
	sameKeyMaterial(c, valid, vk)

	_, err = s.Manager.GetValidKeyset(context.Background(), withPasskey(pin, "0000"))
	c.Check(err, NotNil)
	c.Check(s.Manager.ResetLECredentials(context.Background(), legacy), IsNil)
}

func (s *keysetManagerSuite) TestChallengeResponseKeyset(c *C) {
	signer := vk_testutil.NewMockChallengeSigner()
	s.UseSigner(signer)

	creds := newPasswordCredentials("alice", "", "smartcard")
	creds.KeyData.Type = KeyTypeChallengeResponse
	creds.ChallengeCredential = signer.ChallengeCredential("delegate")

	initial := s.addInitial(c, creds)
	c.Check(initial.Serialized().AuthBlockState.Kind(), Equals, AuthBlockChallengeCredential)
	c.Check(s.load(c, 0).Flags&KeysetSignatureChallengeProtected, Equals, KeysetSignatureChallengeProtected)

	vk := s.getValid(c, creds)
	sameKeyMaterial(c, vk, initial)
	c.Check(signer.Calls(), Equals, 2)

	password := newPasswordCredentials("alice", "passw0rd", "password")
	c.Check(s.addKeyset(c, creds, password), Equals, 1)
	sameKeyMaterial(c, s.getValid(c, password), initial)
}

func (s *keysetManagerSuite) TestKeysetWithForeignWrappedAuthorizationSecret(c *C) {
	password := newPasswordCredentials("alice", "passw0rd", "password")
	foreign := []byte("0123456789abcdef0123456789abcdef0123456789abcdef")
	password.KeyData.AuthorizationData = []AuthorizationData{
		{
			Type: AuthorizationAES256,
			Secrets: []AuthorizationSecret{
				{Usage: AuthorizationSecretUsage{Encrypt: true}, Wrapped: true, SymmetricKey: foreign},
			},
		},
	}
	initial := s.addInitial(c, password)

	vk := s.getValid(c, password)
	sameKeyMaterial(c, vk, initial)
	c.Check(vk.KeyData.AuthorizationData[0].Secrets[0].Wrapped, Equals, true)
	c.Check(vk.KeyData.AuthorizationData[0].Secrets[0].SymmetricKey, DeepEquals, foreign)
	c.Check(s.Log.String(), Matches, `(?s).*cannot unwrap authorization secret 0.0: .*`)
}
