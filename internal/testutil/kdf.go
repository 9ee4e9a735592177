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
	"crypto"
	_ "crypto/sha256"
	"encoding/binary"

	kdf "github.com/canonical/go-sp800.108-kdf"

	"github.com/snapcore/vaultkeys"
)

// MockWorkFactorKDF provides a mock implementation of
// vaultkeys.WorkFactorKDF that isn't memory or CPU intensive.
type MockWorkFactorKDF struct {
	// Calls is the number of calls to Derive.
	Calls int
}

// Derive implements vaultkeys.WorkFactorKDF.Derive and derives a key from
// the supplied secret and parameters. This is only intended for testing and
// is not meant to be secure in any way.
func (k *MockWorkFactorKDF) Derive(secret, salt []byte, params *vaultkeys.WorkFactorParams, keyLen int) ([]byte, error) {
	k.Calls++

	context := make([]byte, len(salt)+19)
	copy(context, salt)
	b := context[len(salt):]
	b[0] = byte(params.Mode)
	b[1] = params.LogN
	binary.LittleEndian.PutUint32(b[2:], params.R)
	binary.LittleEndian.PutUint32(b[6:], params.P)
	binary.LittleEndian.PutUint32(b[10:], params.Time)
	binary.LittleEndian.PutUint32(b[14:], params.MemoryKiB)
	b[18] = params.Threads

	return kdf.CounterModeKey(kdf.NewHMACPRF(crypto.SHA256), secret, nil, context, uint32(keyLen*8)), nil
}
