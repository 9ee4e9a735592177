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
	"crypto"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"math"

	kdf "github.com/canonical/go-sp800.108-kdf"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"
)

// WorkFactorMode selects the algorithm used by a WorkFactorKDF.
type WorkFactorMode uint8

const (
	WorkFactorScrypt WorkFactorMode = iota + 1
	WorkFactorArgon2id
)

func (m WorkFactorMode) String() string {
	switch m {
	case WorkFactorScrypt:
		return "scrypt"
	case WorkFactorArgon2id:
		return "argon2id"
	default:
		return fmt.Sprintf("WorkFactorMode(%d)", uint8(m))
	}
}

// WorkFactorParams defines the cost parameters for a password based KDF.
// The scrypt parameters are LogN, R and P, and the argon2id parameters are
// Time, MemoryKiB and Threads.
type WorkFactorParams struct {
	Mode WorkFactorMode

	LogN uint8
	R    uint32
	P    uint32

	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultWorkFactorParams returns the parameters used for new credentials
// when none are configured.
func DefaultWorkFactorParams() *WorkFactorParams {
	return &WorkFactorParams{Mode: WorkFactorScrypt, LogN: 15, R: 8, P: 1}
}

// legacyScryptParams are the parameters used by records that predate
// persisted auth block states.
func legacyScryptParams() *WorkFactorParams {
	return &WorkFactorParams{Mode: WorkFactorScrypt, LogN: 14, R: 8, P: 1}
}

// WorkFactorKDF derives keys from low entropy secrets using a memory or
// CPU hard function. Implementations should be safe to call from
// different goroutines.
type WorkFactorKDF interface {
	Derive(secret, salt []byte, params *WorkFactorParams, keyLen int) ([]byte, error)
}

type inProcessWorkFactorKDFImpl struct{}

func (_ inProcessWorkFactorKDFImpl) Derive(secret, salt []byte, params *WorkFactorParams, keyLen int) ([]byte, error) {
	if params == nil {
		return nil, errors.New("no parameters")
	}

	switch params.Mode {
	case WorkFactorScrypt:
		if params.LogN == 0 || params.LogN > 30 {
			return nil, fmt.Errorf("invalid scrypt cost 2^%d", params.LogN)
		}
		return scrypt.Key(secret, salt, 1<<params.LogN, int(params.R), int(params.P), keyLen)
	case WorkFactorArgon2id:
		if params.Time == 0 || params.MemoryKiB == 0 || params.MemoryKiB > math.MaxInt32 || params.Threads == 0 {
			return nil, errors.New("invalid argon2id cost parameters")
		}
		return argon2.IDKey(secret, salt, params.Time, params.MemoryKiB, params.Threads, uint32(keyLen)), nil
	default:
		return nil, fmt.Errorf("invalid mode %v", params.Mode)
	}
}

// InProcessWorkFactorKDF is the in-process implementation of
// WorkFactorKDF.
var InProcessWorkFactorKDF = inProcessWorkFactorKDFImpl{}

// deriveSubKey derives a 256-bit key for the specified purpose from key,
// using the SP800-108 counter mode KDF with HMAC-SHA256.
func deriveSubKey(key []byte, label string, context []byte) Secret {
	return kdf.CounterModeKey(kdf.NewHMACPRF(crypto.SHA256), key, []byte(label), context, 256)
}
