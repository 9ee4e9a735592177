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

// Package tpm2_device locates the TPM device that hardware-sealed keysets
// are bound to.
package tpm2_device

import (
	"errors"

	"github.com/canonical/go-tpm2"
)

// DeviceMode selects how the TPM is accessed.
type DeviceMode int

const (
	// DeviceModeDirect uses the raw character device.
	DeviceModeDirect DeviceMode = iota

	// DeviceModeResourceManaged uses the in-kernel resource manager and
	// fails if there isn't one.
	DeviceModeResourceManaged

	// DeviceModeTryResourceManaged uses the in-kernel resource manager if
	// there is one, else the raw character device.
	DeviceModeTryResourceManaged
)

func (m DeviceMode) String() string {
	switch m {
	case DeviceModeDirect:
		return "direct"
	case DeviceModeResourceManaged:
		return "resource-managed"
	case DeviceModeTryResourceManaged:
		return "try-resource-managed"
	default:
		return "invalid"
	}
}

var (
	// ErrNoTPM2Device is returned from DefaultDevice if there is no TPM2
	// device.
	ErrNoTPM2Device = errors.New("no TPM2 device is available")

	// ErrNoResourceManagedTPM2Device is returned from DefaultDevice if
	// DeviceModeResourceManaged was requested and there is no in-kernel
	// resource manager.
	ErrNoResourceManagedTPM2Device = errors.New("no resource managed TPM2 device available")
)

type tpmDevice struct {
	tpm2.TPMDevice
	mode DeviceMode
}

func (d *tpmDevice) Mode() DeviceMode {
	return d.mode
}

// TPMDevice is a tpm2.TPMDevice that knows how it was opened.
type TPMDevice interface {
	tpm2.TPMDevice
	Mode() DeviceMode // either DeviceModeDirect or DeviceModeResourceManaged
}

// DefaultDevice returns the default TPM device. It is replaced on
// platforms that have one.
var DefaultDevice = func(DeviceMode) (TPMDevice, error) {
	return nil, ErrNoTPM2Device
}
