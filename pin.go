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
	"math/big"
)

const maxPINLength = 256

// PIN is a numeric PIN, which is usually protected by a counter-backed
// credential.
type PIN struct {
	digits string
}

// ParsePIN parses the supplied string as a PIN. The string must contain
// between 1 and 256 ASCII base-10 digits.
func ParsePIN(s string) (PIN, error) {
	switch {
	case len(s) == 0:
		return PIN{}, errors.New("invalid PIN: zero length")
	case len(s) > maxPINLength:
		return PIN{}, errors.New("invalid PIN: too long")
	}
	for _, c := range []byte(s) {
		if c < '0' || c > '9' {
			return PIN{}, fmt.Errorf("invalid PIN: unexpected character '%c'", c)
		}
	}
	return PIN{digits: s}, nil
}

// String implements [fmt.Stringer].
func (p PIN) String() string {
	return p.digits
}

// Secret returns the binary form of this PIN for use as the user input to
// an auth block. It consists of a byte containing the number of digits
// minus one, followed by the big-endian value of the PIN without leading
// zero bytes. PINs that differ only in leading zeroes have different
// encodings.
func (p PIN) Secret() Secret {
	if len(p.digits) == 0 {
		return nil
	}
	val, _ := new(big.Int).SetString(p.digits, 10)
	return append(Secret{byte(len(p.digits) - 1)}, val.Bytes()...)
}
