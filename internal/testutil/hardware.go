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
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/xerrors"

	"github.com/snapcore/vaultkeys"
)

const (
	mockSealedFlagPCR byte = 1 << iota
	mockSealedFlagExtended
	mockSealedFlagECC
)

var mockLockMeasurement = []byte("single-user")

// MockHardware is a software implementation of vaultkeys.Hardware. It seals
// data with AES-GCM, and models a single PCR that can be extended to lock
// the system to a single user.
type MockHardware struct {
	Owned                   bool
	UserAuthGatedUnseal     bool
	ECCKey                  bool
	WrappingKey             bool
	LockoutCounterResetable bool

	// Lockout makes every subsequent operation fail with
	// vaultkeys.ErrHardwareLockout.
	Lockout bool

	// NeedsReboot makes every subsequent operation fail with
	// vaultkeys.ErrHardwareNeedsReboot.
	NeedsReboot bool

	// CommunicationErrors is the number of subsequent operations that
	// fail with vaultkeys.ErrHardwareCommunication.
	CommunicationErrors int

	// AuthFailures is the number of unseal operations that failed
	// because of an incorrect authorization value.
	AuthFailures int

	rand io.Reader
	key  []byte
	pcr  [sha256.Size]byte
}

// NewMockHardware returns a new owned MockHardware with every key available.
// If rand is nil, crypto/rand is used.
func NewMockHardware(rng io.Reader) *MockHardware {
	if rng == nil {
		rng = rand.Reader
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rng, key); err != nil {
		panic(err)
	}
	return &MockHardware{
		Owned:                   true,
		UserAuthGatedUnseal:     true,
		ECCKey:                  true,
		WrappingKey:             true,
		LockoutCounterResetable: true,
		rand:                    rng,
		key:                     key}
}

func (h *MockHardware) IsOwned() bool                        { return h.Owned }
func (h *MockHardware) IsUserAuthGatedUnsealAvailable() bool { return h.UserAuthGatedUnseal }
func (h *MockHardware) HasECCKey() bool                      { return h.ECCKey }
func (h *MockHardware) HasWrappingKey() bool                 { return h.WrappingKey }
func (h *MockHardware) CanResetLockoutCounter() bool         { return h.LockoutCounterResetable }

// ExtendPCR extends the PCR that sealed objects are bound to.
func (h *MockHardware) ExtendPCR(data []byte) {
	d := sha256.Sum256(data)
	h.pcr = sha256.Sum256(append(h.pcr[:], d[:]...))
}

// LockToSingleUser performs the PCR extension that the system makes when
// it is locked to a single user.
func (h *MockHardware) LockToSingleUser() {
	h.ExtendPCR(mockLockMeasurement)
}

func (h *MockHardware) policyDigest(flags byte) []byte {
	if flags&mockSealedFlagPCR == 0 {
		return make([]byte, sha256.Size)
	}
	pcr := h.pcr
	if flags&mockSealedFlagExtended != 0 {
		d := sha256.Sum256(mockLockMeasurement)
		pcr = sha256.Sum256(append(pcr[:], d[:]...))
	}
	return pcr[:]
}

func (h *MockHardware) check() error {
	switch {
	case h.CommunicationErrors > 0:
		h.CommunicationErrors--
		return vaultkeys.ErrHardwareCommunication
	case h.Lockout:
		return vaultkeys.ErrHardwareLockout
	case h.NeedsReboot:
		return vaultkeys.ErrHardwareNeedsReboot
	}
	return nil
}

func (h *MockHardware) aead(authValue []byte) cipher.AEAD {
	m := hmac.New(sha256.New, h.key)
	m.Write(authValue)
	b, err := aes.NewCipher(m.Sum(nil))
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(b)
	if err != nil {
		panic(err)
	}
	return aead
}

func sealFlags(params *vaultkeys.SealParams) byte {
	var flags byte
	if params.BindPCRs {
		flags |= mockSealedFlagPCR
		if params.ExtendedPCRs {
			flags |= mockSealedFlagExtended
		}
	}
	if params.ECC {
		flags |= mockSealedFlagECC
	}
	return flags
}

// Seal implements vaultkeys.Hardware.Seal.
func (h *MockHardware) Seal(data []byte, params *vaultkeys.SealParams) ([]byte, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	if params.ECC && !h.ECCKey {
		return nil, errors.New("no ECC key")
	}

	flags := sealFlags(params)
	hdr := append([]byte{flags}, h.policyDigest(flags)...)

	aead := h.aead(params.AuthValue)
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(h.rand, nonce); err != nil {
		return nil, err
	}
	out := append(hdr, nonce...)
	return aead.Seal(out, nonce, data, hdr), nil
}

// Unseal implements vaultkeys.Hardware.Unseal.
func (h *MockHardware) Unseal(sealed []byte, params *vaultkeys.SealParams) ([]byte, error) {
	if err := h.check(); err != nil {
		return nil, err
	}

	aead := h.aead(params.AuthValue)
	hdrLen := 1 + sha256.Size
	if len(sealed) < hdrLen+aead.NonceSize() {
		return nil, errors.New("sealed object is too short")
	}
	hdr := sealed[:hdrLen]
	nonce := sealed[hdrLen : hdrLen+aead.NonceSize()]
	ciphertext := sealed[hdrLen+aead.NonceSize():]

	flags := hdr[0]
	if flags&mockSealedFlagECC != 0 && !params.ECC {
		return nil, errors.New("sealed object requires the ECC key")
	}
	if flags&mockSealedFlagPCR != 0 {
		pcr := h.pcr
		if !bytes.Equal(hdr[1:], pcr[:]) {
			return nil, vaultkeys.ErrHardwarePCRMismatch
		}
	}

	data, err := aead.Open(nil, nonce, ciphertext, hdr)
	if err != nil {
		h.AuthFailures++
		return nil, xerrors.Errorf("%w: %v", vaultkeys.ErrHardwareAuthFail, err)
	}
	return data, nil
}
