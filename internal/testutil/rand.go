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
	"io"

	drbg "github.com/canonical/go-sp800.90a-drbg"
)

var testRandSeed = []byte{
	0x45, 0xef, 0xa4, 0xe4, 0x6a, 0xb7, 0x55, 0x14, 0xcd, 0xce, 0xc2, 0x17, 0x59, 0x77, 0x1a, 0x95,
	0x2e, 0x35, 0x55, 0xfd, 0x94, 0x39, 0x0e, 0x9d, 0x90, 0xbf, 0x7a, 0x3c, 0xc2, 0xe3, 0x9a, 0x84}

// NewDeterministicRand returns a source of random bytes that produces the
// same sequence for the same personalization string. It is only meant for
// tests.
func NewDeterministicRand(personalization string) io.Reader {
	h := crypto.SHA256.New()
	h.Write([]byte(personalization))
	rng, err := drbg.NewCTRWithExternalEntropy(32, testRandSeed, h.Sum(nil), []byte(personalization), nil)
	if err != nil {
		panic(err)
	}
	return rng
}
