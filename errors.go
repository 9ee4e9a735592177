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
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrHardwareAuthFail is returned from Hardware implementations when
	// the supplied authorization value is incorrect.
	ErrHardwareAuthFail = errors.New("hardware authorization check failed")

	// ErrHardwarePCRMismatch is returned from Hardware implementations when
	// a sealed object cannot be unsealed because the current PCR values
	// don't match its policy.
	ErrHardwarePCRMismatch = errors.New("PCR values do not match the sealed object's policy")

	// ErrHardwareLockout is returned from Hardware implementations when the
	// device is in dictionary attack lockout mode.
	ErrHardwareLockout = errors.New("hardware is in dictionary attack lockout mode")

	// ErrHardwareCommunication is returned from Hardware implementations
	// when a transient transport failure occurs.
	ErrHardwareCommunication = errors.New("cannot communicate with the hardware")

	// ErrHardwareNeedsReboot is returned from Hardware implementations when
	// the device can only be used again after a reboot.
	ErrHardwareNeedsReboot = errors.New("hardware requires a reboot")
)

var (
	// ErrLEInvalidSecret is returned from LECredentialManager
	// implementations when a check fails because of a wrong secret.
	ErrLEInvalidSecret = errors.New("invalid low-entropy secret")

	// ErrLETooManyAttempts is returned from LECredentialManager
	// implementations when a credential is locked out.
	ErrLETooManyAttempts = errors.New("too many attempts")

	// ErrLEInvalidLabel is returned from LECredentialManager
	// implementations when there is no credential with the supplied label.
	ErrLEInvalidLabel = errors.New("invalid credential label")

	// ErrLEUnsupported is returned from LECredentialManager implementations
	// when the counter service is not available.
	ErrLEUnsupported = errors.New("low-entropy credentials are not supported")
)

// ErrTaskCancelled is returned from KeyBlobsTask.Wait when the task was
// cancelled before it completed.
var ErrTaskCancelled = errors.New("key blobs task was cancelled")

// CryptoErrorKind describes the class of a failure returned from an auth
// block or from the vault keyset crypto engine.
type CryptoErrorKind int

const (
	CryptoErrorNone CryptoErrorKind = iota

	// CryptoErrorCrypto is a generic, terminal failure for this attempt.
	// A wrong password usually results in this.
	CryptoErrorCrypto

	CryptoErrorFatal
	CryptoErrorHardwareFatal

	// CryptoErrorHardwareCommunication indicates that a retry might
	// succeed.
	CryptoErrorHardwareCommunication

	CryptoErrorHardwareLockout

	// CryptoErrorHardwareNeedsReboot indicates that a retry after a
	// reboot might succeed.
	CryptoErrorHardwareNeedsReboot

	CryptoErrorLEUnsupported
	CryptoErrorLEInvalidSecret
)

func (k CryptoErrorKind) String() string {
	switch k {
	case CryptoErrorNone:
		return "none"
	case CryptoErrorCrypto:
		return "crypto-failure"
	case CryptoErrorFatal:
		return "fatal"
	case CryptoErrorHardwareFatal:
		return "hardware-fatal"
	case CryptoErrorHardwareCommunication:
		return "hardware-communication"
	case CryptoErrorHardwareLockout:
		return "hardware-lockout"
	case CryptoErrorHardwareNeedsReboot:
		return "hardware-needs-reboot"
	case CryptoErrorLEUnsupported:
		return "le-unsupported"
	case CryptoErrorLEInvalidSecret:
		return "le-invalid-secret"
	default:
		return fmt.Sprintf("CryptoErrorKind(%d)", int(k))
	}
}

// CryptoError is returned from auth blocks and the crypto engine.
type CryptoError struct {
	Kind CryptoErrorKind
	Err  error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Transient indicates whether the operation that failed might succeed if
// it is retried, either immediately or after a reboot.
func (e *CryptoError) Transient() bool {
	return e.Kind == CryptoErrorHardwareCommunication || e.Kind == CryptoErrorHardwareNeedsReboot
}

func newCryptoError(kind CryptoErrorKind, format string, args ...interface{}) *CryptoError {
	return &CryptoError{Kind: kind, Err: xerrors.Errorf(format, args...)}
}

// CryptoErrorKindOf returns the CryptoErrorKind associated with the
// supplied error. A nil error maps to CryptoErrorNone and any error that
// isn't a *CryptoError maps to CryptoErrorCrypto.
func CryptoErrorKindOf(err error) CryptoErrorKind {
	if err == nil {
		return CryptoErrorNone
	}
	var e *CryptoError
	if xerrors.As(err, &e) {
		return e.Kind
	}
	return CryptoErrorCrypto
}

// cryptoErrorFromHardware classifies an error returned from a Hardware
// implementation.
func cryptoErrorFromHardware(err error, what string) *CryptoError {
	kind := CryptoErrorHardwareFatal
	switch {
	case xerrors.Is(err, ErrHardwareAuthFail):
		kind = CryptoErrorCrypto
	case xerrors.Is(err, ErrHardwarePCRMismatch):
		kind = CryptoErrorHardwareFatal
	case xerrors.Is(err, ErrHardwareLockout):
		kind = CryptoErrorHardwareLockout
	case xerrors.Is(err, ErrHardwareCommunication):
		kind = CryptoErrorHardwareCommunication
	case xerrors.Is(err, ErrHardwareNeedsReboot):
		kind = CryptoErrorHardwareNeedsReboot
	}
	return &CryptoError{Kind: kind, Err: xerrors.Errorf("cannot %s: %w", what, err)}
}

// cryptoErrorFromLE classifies an error returned from a
// LECredentialManager implementation.
func cryptoErrorFromLE(err error, what string) *CryptoError {
	kind := CryptoErrorHardwareFatal
	switch {
	case xerrors.Is(err, ErrLEInvalidSecret):
		kind = CryptoErrorLEInvalidSecret
	case xerrors.Is(err, ErrLETooManyAttempts):
		kind = CryptoErrorHardwareLockout
	case xerrors.Is(err, ErrLEInvalidLabel):
		kind = CryptoErrorFatal
	case xerrors.Is(err, ErrLEUnsupported):
		kind = CryptoErrorLEUnsupported
	}
	return &CryptoError{Kind: kind, Err: xerrors.Errorf("cannot %s: %w", what, err)}
}

// KeysetDecodeError is returned from the crypto engine when a keyset
// decrypted correctly but its contents could not be decoded.
type KeysetDecodeError struct {
	err error
}

func (e *KeysetDecodeError) Error() string {
	return "cannot decode keyset payload: " + e.err.Error()
}

func (e *KeysetDecodeError) Unwrap() error {
	return e.err
}

// InvalidKeysetFileError is returned when a keyset file cannot be decoded.
type InvalidKeysetFileError struct {
	msg string
}

func (e InvalidKeysetFileError) Error() string {
	return "invalid keyset file: " + e.msg
}

// KeysetErrorCode is the result code of a keyset manager operation.
type KeysetErrorCode int

const (
	KeysetErrorNotSet KeysetErrorCode = iota
	KeysetErrorAuthorizationKeyNotFound
	KeysetErrorAuthorizationKeyFailed
	KeysetErrorAuthorizationKeyDenied
	KeysetErrorLabelExists
	KeysetErrorQuotaExceeded
	KeysetErrorKeyNotFound
	KeysetErrorBackingStoreFailure
	KeysetErrorUpdateSignatureInvalid
)

func (c KeysetErrorCode) String() string {
	switch c {
	case KeysetErrorNotSet:
		return "not-set"
	case KeysetErrorAuthorizationKeyNotFound:
		return "authorization-key-not-found"
	case KeysetErrorAuthorizationKeyFailed:
		return "authorization-key-failed"
	case KeysetErrorAuthorizationKeyDenied:
		return "authorization-key-denied"
	case KeysetErrorLabelExists:
		return "label-exists"
	case KeysetErrorQuotaExceeded:
		return "quota-exceeded"
	case KeysetErrorKeyNotFound:
		return "key-not-found"
	case KeysetErrorBackingStoreFailure:
		return "backing-store-failure"
	case KeysetErrorUpdateSignatureInvalid:
		return "update-signature-invalid"
	default:
		return fmt.Sprintf("KeysetErrorCode(%d)", int(c))
	}
}

// KeysetError is returned from KeysetManager operations.
type KeysetError struct {
	Code KeysetErrorCode
	Err  error
}

func (e *KeysetError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%v: %v", e.Code, e.Err)
}

func (e *KeysetError) Unwrap() error {
	return e.Err
}

func newKeysetError(code KeysetErrorCode, format string, args ...interface{}) *KeysetError {
	return &KeysetError{Code: code, Err: xerrors.Errorf(format, args...)}
}

// KeysetErrorCodeOf returns the KeysetErrorCode associated with the
// supplied error, or KeysetErrorNotSet if it isn't a *KeysetError.
func KeysetErrorCodeOf(err error) KeysetErrorCode {
	var e *KeysetError
	if xerrors.As(err, &e) {
		return e.Code
	}
	return KeysetErrorNotSet
}
