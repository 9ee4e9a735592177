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

// Package tpm2 implements the vaultkeys hardware interface with a TPM2
// device.
package tpm2

import (
	_ "crypto/sha256"

	"github.com/canonical/go-tpm2"
	"github.com/snapcore/snapd/logger"
	"golang.org/x/xerrors"

	"github.com/snapcore/vaultkeys"
	"github.com/snapcore/vaultkeys/internal/tpm2_device"
)

const (
	// SRKHandle is the handle of the persistent RSA storage root key.
	SRKHandle tpm2.Handle = 0x81000001

	nameAlg = tpm2.HashAlgorithmSHA256
)

// ErrNoTPM2Device is returned from ConnectToDefaultTPM if no TPM2 device is
// available.
var ErrNoTPM2Device = tpm2_device.ErrNoTPM2Device

var connectToDefaultTPM = func() (*tpm2.TPMContext, error) {
	dev, err := tpm2_device.DefaultDevice(tpm2_device.DeviceModeTryResourceManaged)
	if err != nil {
		return nil, err
	}
	logger.Debugf("using %v TPM device %v", dev.Mode(), dev)
	return tpm2.OpenTPMDevice(dev)
}

// Connection is a connection to a TPM device that implements
// vaultkeys.Hardware.
type Connection struct {
	tpm         *tpm2.TPMContext
	pcrs        []int
	extendedPCR int
}

// NewConnection returns a Connection for the supplied TPM context. Sealed
// objects are bound to the PCRs selected in config.
func NewConnection(tpm *tpm2.TPMContext, config *vaultkeys.TPMConfig) *Connection {
	pcrs := append([]int(nil), config.PCRs...)
	found := false
	for _, pcr := range pcrs {
		if pcr == config.ExtendedPCR {
			found = true
			break
		}
	}
	if !found {
		pcrs = append(pcrs, config.ExtendedPCR)
	}
	return &Connection{tpm: tpm, pcrs: pcrs, extendedPCR: config.ExtendedPCR}
}

// ConnectToDefaultTPM opens a connection to the default TPM device,
// preferring the in-kernel resource manager.
func ConnectToDefaultTPM(config *vaultkeys.TPMConfig) (*Connection, error) {
	tpm, err := connectToDefaultTPM()
	switch {
	case xerrors.Is(err, tpm2_device.ErrNoTPM2Device):
		return nil, ErrNoTPM2Device
	case err != nil:
		return nil, xerrors.Errorf("cannot connect to TPM: %w", err)
	}
	return NewConnection(tpm, config), nil
}

// Close closes the connection to the TPM.
func (t *Connection) Close() error {
	return t.tpm.Close()
}

func (t *Connection) pcrSelection() tpm2.PCRSelectionList {
	return tpm2.PCRSelectionList{{Hash: nameAlg, Select: t.pcrs}}
}

func (t *Connection) srk() (tpm2.ResourceContext, error) {
	return t.tpm.NewResourceContext(SRKHandle)
}

// IsOwned indicates whether the storage hierarchy has been provisioned
// with a persistent storage root key.
func (t *Connection) IsOwned() bool {
	_, err := t.srk()
	return err == nil
}

// IsUserAuthGatedUnsealAvailable indicates whether the storage hierarchy
// is enabled. Sealed objects can only be created and used if it is.
func (t *Connection) IsUserAuthGatedUnsealAvailable() bool {
	props, err := t.tpm.GetCapabilityTPMProperties(tpm2.PropertyStartupClear, 1)
	if err != nil || len(props) == 0 {
		return false
	}
	return tpm2.StartupClearAttributes(props[0].Value)&tpm2.AttrShEnable != 0
}

func (t *Connection) HasECCKey() bool {
	return t.tpm.IsECCCurveSupported(tpm2.ECCCurveNIST_P256)
}

// HasWrappingKey indicates whether the persistent storage root key is a
// suitable storage parent.
func (t *Connection) HasWrappingKey() bool {
	srk, err := t.srk()
	if err != nil {
		return false
	}
	pub, _, _, err := t.tpm.ReadPublic(srk)
	if err != nil {
		return false
	}
	return pub.IsStorageParent() && pub.IsAsymmetric()
}

// CanResetLockoutCounter indicates whether the dictionary attack counter
// can be reset without knowledge of the lockout hierarchy authorization
// value.
func (t *Connection) CanResetLockoutCounter() bool {
	value, err := t.tpm.GetCapabilityTPMProperty(tpm2.PropertyPermanent)
	if err != nil {
		return false
	}
	return tpm2.PermanentAttributes(value)&tpm2.AttrLockoutAuthSet == 0
}

var _ vaultkeys.Hardware = (*Connection)(nil)
