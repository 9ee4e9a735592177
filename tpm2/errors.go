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

package tpm2

import (
	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"

	"github.com/snapcore/vaultkeys"
)

// isAuthFailError indicates whether the specified error is a TPM authorization check failure, with or without DA implications.
func isAuthFailError(err error) bool {
	return tpm2.IsTPMSessionError(err, tpm2.ErrorAuthFail, tpm2.AnyCommandCode, tpm2.AnySessionIndex) ||
		tpm2.IsTPMSessionError(err, tpm2.ErrorBadAuth, tpm2.AnyCommandCode, tpm2.AnySessionIndex)
}

func isPCRMismatchError(err error) bool {
	return tpm2.IsTPMSessionError(err, tpm2.ErrorPolicyFail, tpm2.CommandUnseal, tpm2.AnySessionIndex) ||
		tpm2.IsTPMParameterError(err, tpm2.ErrorValue, tpm2.CommandPolicyPCR, 1)
}

func isTransportError(err error) bool {
	var e *tpm2.TransportError
	return xerrors.As(err, &e)
}

// classifyError wraps err with the vaultkeys hardware error that describes
// it, if there is one.
func classifyError(err error) error {
	var target error
	switch {
	case tpm2.IsTPMWarning(err, tpm2.WarningLockout, tpm2.AnyCommandCode):
		target = vaultkeys.ErrHardwareLockout
	case isAuthFailError(err):
		target = vaultkeys.ErrHardwareAuthFail
	case isPCRMismatchError(err):
		target = vaultkeys.ErrHardwarePCRMismatch
	case tpm2.IsTPMError(err, tpm2.ErrorInitialize, tpm2.AnyCommandCode) ||
		tpm2.IsTPMError(err, tpm2.ErrorFailure, tpm2.AnyCommandCode):
		target = vaultkeys.ErrHardwareNeedsReboot
	case tpm2.IsTPMWarning(err, tpm2.AnyWarningCode, tpm2.AnyCommandCode) || isTransportError(err):
		target = vaultkeys.ErrHardwareCommunication
	default:
		return err
	}
	return xerrors.Errorf("%w: %v", target, err)
}
