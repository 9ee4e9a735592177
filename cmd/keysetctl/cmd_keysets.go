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

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bsiegert/ranges"
)

type cmdList struct {
	global     *globalOptions
	Positional userArg `positional-args:"yes"`
}

func (c *cmdList) Execute(args []string) error {
	m, err := c.global.manager()
	if err != nil {
		return err
	}
	obfuscated, err := c.global.obfuscatedUser(m, c.Positional.User)
	if err != nil {
		return err
	}
	indices, err := m.GetKeysetIndices(obfuscated)
	if err != nil {
		return err
	}

	for _, index := range indices {
		keyset, err := m.Store().Load(obfuscated, index)
		if err != nil {
			fmt.Fprintf(Stdout, "%d\t-\tinvalid\n", index)
			continue
		}
		kind, err := m.Utility().GetAuthBlockKindForDerivation(keyset)
		if err != nil {
			fmt.Fprintf(Stdout, "%d\t%s\tinvalid\n", index, keyset.Label())
			continue
		}
		line := fmt.Sprintf("%d\t%s\t%v", index, keyset.Label(), kind)
		if keyset.AuthLocked {
			line += "\tlocked"
		}
		fmt.Fprintln(Stdout, line)
	}
	return nil
}

type slotRange []int

func (r slotRange) MarshalFlag() (string, error) {
	var s []string
	for _, i := range r {
		s = append(s, strconv.Itoa(i))
	}
	return strings.Join(s, ","), nil
}

func (r *slotRange) UnmarshalFlag(value string) error {
	slots, err := ranges.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid slot range %q: %v", value, err)
	}
	for _, i := range slots {
		*r = append(*r, int(i))
	}
	return nil
}

type cmdRemove struct {
	global     *globalOptions
	Positional struct {
		User  string    `positional-arg-name:"<user>" required:"yes"`
		Slots slotRange `positional-arg-name:"<slots>" required:"yes"`
	} `positional-args:"yes"`
}

func (c *cmdRemove) Execute(args []string) error {
	m, err := c.global.manager()
	if err != nil {
		return err
	}
	obfuscated, err := c.global.obfuscatedUser(m, c.Positional.User)
	if err != nil {
		return err
	}

	for _, index := range c.Positional.Slots {
		if err := m.ForceRemoveKeyset(obfuscated, index); err != nil {
			return fmt.Errorf("cannot remove keyset %d: %w", index, err)
		}
		fmt.Fprintf(Stdout, "removed keyset %d\n", index)
	}
	return nil
}

type cmdMove struct {
	global     *globalOptions
	Positional struct {
		User string `positional-arg-name:"<user>" required:"yes"`
		Src  int    `positional-arg-name:"<src>" required:"yes"`
		Dst  int    `positional-arg-name:"<dst>" required:"yes"`
	} `positional-args:"yes"`
}

func (c *cmdMove) Execute(args []string) error {
	m, err := c.global.manager()
	if err != nil {
		return err
	}
	obfuscated, err := c.global.obfuscatedUser(m, c.Positional.User)
	if err != nil {
		return err
	}

	if err := m.MoveKeyset(obfuscated, c.Positional.Src, c.Positional.Dst); err != nil {
		return fmt.Errorf("cannot move keyset %d: %w", c.Positional.Src, err)
	}
	fmt.Fprintf(Stdout, "moved keyset %d to %d\n", c.Positional.Src, c.Positional.Dst)
	return nil
}

type cmdRemoveLE struct {
	global     *globalOptions
	Positional userArg `positional-args:"yes"`
}

func (c *cmdRemoveLE) Execute(args []string) error {
	m, err := c.global.manager()
	if err != nil {
		return err
	}
	obfuscated, err := c.global.obfuscatedUser(m, c.Positional.User)
	if err != nil {
		return err
	}
	return m.RemoveLECredentials(obfuscated)
}
