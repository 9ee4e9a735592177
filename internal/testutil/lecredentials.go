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
	"crypto/subtle"

	"github.com/snapcore/vaultkeys"
)

type mockLECredential struct {
	leSecret    []byte
	heSecret    []byte
	resetSecret []byte
	policy      vaultkeys.LEPolicy
	attempts    uint32
}

// MockLECredentialManager is an in-memory implementation of
// vaultkeys.LECredentialManager.
type MockLECredentialManager struct {
	// Unsupported makes every operation fail with
	// vaultkeys.ErrLEUnsupported.
	Unsupported bool

	// PCRBindingAvailable indicates that credentials which aren't bound
	// to PCR values should be re-created.
	PCRBindingAvailable bool

	// Removed contains the labels of removed credentials, in order.
	Removed []uint64

	credentials map[uint64]*mockLECredential
	nextLabel   uint64
}

func NewMockLECredentialManager() *MockLECredentialManager {
	return &MockLECredentialManager{
		credentials: make(map[uint64]*mockLECredential),
		nextLabel:   1}
}

func dup(b []byte) []byte {
	return append([]byte(nil), b...)
}

// InsertCredential implements vaultkeys.LECredentialManager.InsertCredential.
func (m *MockLECredentialManager) InsertCredential(leSecret, heSecret, resetSecret []byte, policy *vaultkeys.LEPolicy) (uint64, error) {
	if m.Unsupported {
		return 0, vaultkeys.ErrLEUnsupported
	}
	label := m.nextLabel
	m.nextLabel++
	m.credentials[label] = &mockLECredential{
		leSecret:    dup(leSecret),
		heSecret:    dup(heSecret),
		resetSecret: dup(resetSecret),
		policy:      *policy}
	return label, nil
}

// CheckCredential implements vaultkeys.LECredentialManager.CheckCredential.
// The attempt that reaches the attempt limit fails with
// vaultkeys.ErrLETooManyAttempts.
func (m *MockLECredentialManager) CheckCredential(label uint64, leSecret []byte) ([]byte, []byte, error) {
	if m.Unsupported {
		return nil, nil, vaultkeys.ErrLEUnsupported
	}
	cred, exists := m.credentials[label]
	if !exists {
		return nil, nil, vaultkeys.ErrLEInvalidLabel
	}
	if cred.attempts >= cred.policy.AttemptLimit {
		return nil, nil, vaultkeys.ErrLETooManyAttempts
	}
	if subtle.ConstantTimeCompare(cred.leSecret, leSecret) != 1 {
		cred.attempts++
		if cred.attempts >= cred.policy.AttemptLimit {
			return nil, nil, vaultkeys.ErrLETooManyAttempts
		}
		return nil, nil, vaultkeys.ErrLEInvalidSecret
	}
	cred.attempts = 0
	return dup(cred.heSecret), dup(cred.resetSecret), nil
}

// RemoveCredential implements vaultkeys.LECredentialManager.RemoveCredential.
func (m *MockLECredentialManager) RemoveCredential(label uint64) error {
	if m.Unsupported {
		return vaultkeys.ErrLEUnsupported
	}
	if _, exists := m.credentials[label]; !exists {
		return vaultkeys.ErrLEInvalidLabel
	}
	delete(m.credentials, label)
	m.Removed = append(m.Removed, label)
	return nil
}

// ResetCredential implements vaultkeys.LECredentialManager.ResetCredential.
func (m *MockLECredentialManager) ResetCredential(label uint64, resetSecret []byte) error {
	if m.Unsupported {
		return vaultkeys.ErrLEUnsupported
	}
	cred, exists := m.credentials[label]
	if !exists {
		return vaultkeys.ErrLEInvalidLabel
	}
	if subtle.ConstantTimeCompare(cred.resetSecret, resetSecret) != 1 {
		return vaultkeys.ErrLEInvalidSecret
	}
	cred.attempts = 0
	return nil
}

// GetWrongAttempts implements vaultkeys.LECredentialManager.GetWrongAttempts.
func (m *MockLECredentialManager) GetWrongAttempts(label uint64) (uint32, error) {
	if m.Unsupported {
		return 0, vaultkeys.ErrLEUnsupported
	}
	cred, exists := m.credentials[label]
	if !exists {
		return 0, vaultkeys.ErrLEInvalidLabel
	}
	return cred.attempts, nil
}

// NeedsPCRBinding implements vaultkeys.LECredentialManager.NeedsPCRBinding.
func (m *MockLECredentialManager) NeedsPCRBinding(label uint64) (bool, error) {
	if m.Unsupported {
		return false, vaultkeys.ErrLEUnsupported
	}
	cred, exists := m.credentials[label]
	if !exists {
		return false, vaultkeys.ErrLEInvalidLabel
	}
	return m.PCRBindingAvailable && !cred.policy.BindPCRs, nil
}

// Exists indicates whether there is a credential with the specified label.
func (m *MockLECredentialManager) Exists(label uint64) bool {
	_, exists := m.credentials[label]
	return exists
}

// Len returns the number of credentials.
func (m *MockLECredentialManager) Len() int {
	return len(m.credentials)
}

// Policy returns the policy of the credential with the specified label.
func (m *MockLECredentialManager) Policy(label uint64) *vaultkeys.LEPolicy {
	cred, exists := m.credentials[label]
	if !exists {
		return nil
	}
	p := cred.policy
	return &p
}
