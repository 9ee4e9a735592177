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
	"fmt"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"
	"golang.org/x/xerrors"
)

const sealedObjectVersion = 1

// sealedObject is the blob returned from Connection.Seal.
type sealedObject struct {
	Version   uint8
	ECC       bool
	AuthValue bool
	PCRs      tpm2.PCRSelectionList
	Private   tpm2.Private
	Public    *tpm2.Public
}

// InvalidSealedObjectError is returned from Connection.Unseal if the
// supplied blob cannot be decoded.
type InvalidSealedObjectError struct {
	msg string
}

func (e InvalidSealedObjectError) Error() string {
	return "invalid sealed object: " + e.msg
}

func encodeSealedObject(obj *sealedObject) ([]byte, error) {
	b, err := mu.MarshalToBytes(obj)
	if err != nil {
		return nil, xerrors.Errorf("cannot encode sealed object: %w", err)
	}
	return b, nil
}

func decodeSealedObject(b []byte) (*sealedObject, error) {
	var obj sealedObject
	n, err := mu.UnmarshalFromBytes(b, &obj)
	switch {
	case err != nil:
		return nil, InvalidSealedObjectError{err.Error()}
	case n != len(b):
		return nil, InvalidSealedObjectError{"trailing bytes"}
	case obj.Version != sealedObjectVersion:
		return nil, InvalidSealedObjectError{fmt.Sprintf("unexpected version %d", obj.Version)}
	case obj.Public == nil || obj.Public.Type != tpm2.ObjectTypeKeyedHash:
		return nil, InvalidSealedObjectError{"not a sealed data object"}
	}
	return &obj, nil
}
