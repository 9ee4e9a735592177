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
	"bytes"
	"path/filepath"

	"github.com/snapcore/snapd/logger"
	snapd_testutil "github.com/snapcore/snapd/testutil"

	. "gopkg.in/check.v1"

	"github.com/snapcore/vaultkeys"
)

// KeysetTestBase provides a keyset manager backed by a temporary directory
// and mock collaborators.
type KeysetTestBase struct {
	snapd_testutil.BaseTest

	ShadowRoot    string
	Log           *bytes.Buffer
	Hardware      *MockHardware
	LECredentials *MockLECredentialManager
	KDF           *MockWorkFactorKDF
	Context       *vaultkeys.ExecutionContext
	Store         *vaultkeys.KeysetStore
	Manager       *vaultkeys.KeysetManager
}

func (b *KeysetTestBase) SetUpTest(c *C) {
	b.BaseTest.SetUpTest(c)

	buf, restore := logger.MockLogger()
	b.AddCleanup(restore)
	b.Log = buf

	b.ShadowRoot = filepath.Join(c.MkDir(), "shadow")
	b.Hardware = NewMockHardware(nil)
	b.LECredentials = NewMockLECredentialManager()
	b.KDF = new(MockWorkFactorKDF)
	b.Context = &vaultkeys.ExecutionContext{
		Hardware:      b.Hardware,
		LECredentials: b.LECredentials,
		KDF:           b.KDF}
	b.Store = vaultkeys.NewKeysetStore(vaultkeys.FileStorage{}, b.ShadowRoot, vaultkeys.DefaultMaxKeysets, nil)
	b.Manager = vaultkeys.NewKeysetManager(b.Context, b.Store)
}

// UseSigner adds the supplied challenge signer to the execution context.
func (b *KeysetTestBase) UseSigner(signer vaultkeys.ChallengeSigner) {
	b.Context.ChallengeSigner = signer
}

// ObfuscatedUsername returns the obfuscated form of the supplied username.
func (b *KeysetTestBase) ObfuscatedUsername(c *C, username string) string {
	obfuscated, err := b.Manager.GetObfuscatedUsername(username)
	c.Assert(err, IsNil)
	return obfuscated
}
