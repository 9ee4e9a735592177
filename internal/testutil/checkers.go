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
	"reflect"

	"golang.org/x/xerrors"
	. "gopkg.in/check.v1"

	"github.com/snapcore/vaultkeys"
)

type isTrueChecker struct {
	*CheckerInfo
}

// IsTrue checks that the obtained value is the boolean true.
var IsTrue Checker = &isTrueChecker{
	&CheckerInfo{Name: "IsTrue", Params: []string{"value"}}}

func (checker *isTrueChecker) Check(params []interface{}, names []string) (result bool, error string) {
	value := reflect.ValueOf(params[0])
	if value.Kind() != reflect.Bool {
		return false, names[0] + " is not a bool"
	}
	return value.Bool(), ""
}

type keysetErrorCodeChecker struct {
	*CheckerInfo
}

// HasKeysetErrorCode checks that the obtained error is a
// *vaultkeys.KeysetError with the expected code.
var HasKeysetErrorCode Checker = &keysetErrorCodeChecker{
	&CheckerInfo{Name: "HasKeysetErrorCode", Params: []string{"error", "code"}}}

func (checker *keysetErrorCodeChecker) Check(params []interface{}, names []string) (result bool, errStr string) {
	err, ok := params[0].(error)
	if !ok {
		return false, names[0] + " is not an error"
	}
	code, ok := params[1].(vaultkeys.KeysetErrorCode)
	if !ok {
		return false, names[1] + " is not a KeysetErrorCode"
	}
	return vaultkeys.KeysetErrorCodeOf(err) == code, ""
}

type cryptoErrorKindChecker struct {
	*CheckerInfo
}

// HasCryptoErrorKind checks that the obtained error wraps a
// *vaultkeys.CryptoError of the expected kind.
var HasCryptoErrorKind Checker = &cryptoErrorKindChecker{
	&CheckerInfo{Name: "HasCryptoErrorKind", Params: []string{"error", "kind"}}}

func (checker *cryptoErrorKindChecker) Check(params []interface{}, names []string) (result bool, errStr string) {
	err, ok := params[0].(error)
	if !ok {
		return false, names[0] + " is not an error"
	}
	kind, ok := params[1].(vaultkeys.CryptoErrorKind)
	if !ok {
		return false, names[1] + " is not a CryptoErrorKind"
	}
	var e *vaultkeys.CryptoError
	if !xerrors.As(err, &e) {
		return false, ""
	}
	return e.Kind == kind, ""
}
