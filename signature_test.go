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

package vaultkeys_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"math"

	. "gopkg.in/check.v1"

	. "github.com/snapcore/vaultkeys"
	"github.com/snapcore/vaultkeys/internal/testutil"
)

type signatureSuite struct{}

var _ = Suite(&signatureSuite{})

func (s *signatureSuite) TestKeyUpdateMessage(c *C) {
	for _, t := range []struct {
		revision uint64
		secret   []byte
		expected []byte
	}{
		{0, nil, []byte{0x30, 0x05, 0x02, 0x01, 0x00, 0x04, 0x00}},
		{1, []byte("foo"), []byte{0x30, 0x08, 0x02, 0x01, 0x01, 0x04, 0x03, 'f', 'o', 'o'}},
		{256, []byte{0xaa}, []byte{0x30, 0x07, 0x02, 0x02, 0x01, 0x00, 0x04, 0x01, 0xaa}},
		{128, nil, []byte{0x30, 0x06, 0x02, 0x02, 0x00, 0x80, 0x04, 0x00}},
	} {
		msg, err := KeyUpdateMessage(t.revision, t.secret)
		c.Check(err, IsNil)
		c.Check(msg, DeepEquals, t.expected, Commentf("revision %d", t.revision))
	}
}

func (s *signatureSuite) TestKeyUpdateMessageRevisionTooLarge(c *C) {
	_, err := KeyUpdateMessage(math.MaxInt64+1, nil)
	c.Check(err, ErrorMatches, "revision is too large")
}

func (s *signatureSuite) TestSignKeyUpdate(c *C) {
	key := []byte("signing secret")
	sig, err := SignKeyUpdate(key, 5, []byte("new secret"))
	c.Assert(err, IsNil)

	msg, err := KeyUpdateMessage(5, []byte("new secret"))
	c.Assert(err, IsNil)
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	c.Check(sig, DeepEquals, h.Sum(nil))
}

func (s *signatureSuite) TestVerifyKeyUpdate(c *C) {
	key := []byte("signing secret")
	sig, err := SignKeyUpdate(key, 5, []byte("new secret"))
	c.Assert(err, IsNil)

	c.Check(VerifyKeyUpdate(key, 5, []byte("new secret"), sig), testutil.IsTrue)
	c.Check(VerifyKeyUpdate(key, 4, []byte("new secret"), sig), Equals, false)
	c.Check(VerifyKeyUpdate(key, 5, []byte("other secret"), sig), Equals, false)
	c.Check(VerifyKeyUpdate([]byte("other key"), 5, []byte("new secret"), sig), Equals, false)
	c.Check(VerifyKeyUpdate(key, 5, []byte("new secret"), sig[:16]), Equals, false)
	c.Check(VerifyKeyUpdate(key, math.MaxUint64, []byte("new secret"), sig), Equals, false)
}
