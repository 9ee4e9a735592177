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
)

var (
	ClassifyError      = classifyError
	ComputeAuthPolicy  = computeAuthPolicy
	DecodeSealedObject = decodeSealedObject
	EncodeSealedObject = encodeSealedObject
	ExtendPCRValue     = extendPCRValue
)

const SealedObjectVersion = sealedObjectVersion

type SealedObject = sealedObject

func MockConnectToDefaultTPM(fn func() (*tpm2.TPMContext, error)) (restore func()) {
	orig := connectToDefaultTPM
	connectToDefaultTPM = fn
	return func() {
		connectToDefaultTPM = orig
	}
}

func (t *Connection) PCRSelection() tpm2.PCRSelectionList {
	return t.pcrSelection()
}

func (t *Connection) ExtendedPCR() int {
	return t.extendedPCR
}
