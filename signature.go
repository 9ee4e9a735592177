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
	"crypto/hmac"
	"crypto/sha256"
	"math"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/xerrors"
)

// keyUpdateMessage returns the DER encoding of
//
//	KeyUpdate ::= SEQUENCE {
//	    revision INTEGER,
//	    secret   OCTET STRING
//	}
func keyUpdateMessage(revision uint64, secret []byte) ([]byte, error) {
	if revision > math.MaxInt64 {
		return nil, xerrors.New("revision is too large")
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(revision))
		b.AddASN1OctetString(secret)
	})
	return b.Bytes()
}

// SignKeyUpdate computes the signature that authorizes an update of a
// keyset with the AuthorizedUpdate privilege to the specified revision and
// secret, using the keyset's signing secret.
func SignKeyUpdate(signingSecret []byte, revision uint64, secret []byte) ([]byte, error) {
	msg, err := keyUpdateMessage(revision, secret)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, signingSecret)
	h.Write(msg)
	return h.Sum(nil), nil
}

func verifyKeyUpdate(signingSecret []byte, revision uint64, secret, signature []byte) bool {
	expected, err := SignKeyUpdate(signingSecret, revision, secret)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, signature)
}
