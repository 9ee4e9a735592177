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
	"io"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/snapcore/vaultkeys"
	"github.com/snapcore/vaultkeys/internal/paths"
	"github.com/snapcore/vaultkeys/tpm2"
)

var (
	Stdout io.Writer = os.Stdout

	connectToTPM = func(config *vaultkeys.TPMConfig) (vaultkeys.Hardware, error) {
		conn, err := tpm2.ConnectToDefaultTPM(config)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
)

type globalOptions struct {
	Config string `long:"config" description:"Path to the configuration file" value-name:"<path>"`
}

func (o *globalOptions) loadConfig() (*vaultkeys.Config, error) {
	path := o.Config
	if path == "" {
		path = paths.ConfigFile
	}
	return vaultkeys.LoadConfig(path)
}

// manager returns a keyset manager for the configured shadow root. It has
// no hardware or counter service.
func (o *globalOptions) manager() (*vaultkeys.KeysetManager, error) {
	config, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	ctx := new(vaultkeys.ExecutionContext)
	if err := config.Apply(ctx); err != nil {
		return nil, err
	}
	store := vaultkeys.NewKeysetStore(vaultkeys.FileStorage{}, config.ShadowRoot, config.MaxKeysets, nil)
	return vaultkeys.NewKeysetManager(ctx, store), nil
}

type userArg struct {
	User string `positional-arg-name:"<user>" required:"yes"`
}

func (o *globalOptions) obfuscatedUser(m *vaultkeys.KeysetManager, user string) (string, error) {
	obfuscated, err := m.GetObfuscatedUsername(user)
	if err != nil {
		return "", err
	}
	if !m.UserExists(obfuscated) {
		return "", fmt.Errorf("user %q has no keysets", user)
	}
	return obfuscated, nil
}

func newParser() *flags.Parser {
	opts := new(globalOptions)
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.ShortDescription = "Administer vault keysets"

	for _, c := range []struct {
		name  string
		short string
		long  string
		data  interface{}
	}{
		{"list", "List the keysets of a user", "List the slot, label and auth block of every keyset of a user.", &cmdList{global: opts}},
		{"remove", "Remove keysets", "Remove the keysets in the specified slots without authorization. Slots are specified as a range, eg 1,3-5.", &cmdRemove{global: opts}},
		{"move", "Move a keyset", "Move a keyset to an unused slot.", &cmdMove{global: opts}},
		{"remove-le", "Remove counter-backed keysets", "Remove every keyset of a user that is protected by a counter-backed credential.", &cmdRemoveLE{global: opts}},
		{"status", "Show hardware status", "Show the hardware capabilities and the auth blocks that new keysets would use.", &cmdStatus{global: opts}},
	} {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			panic(err)
		}
	}
	return parser
}

func run(args []string) error {
	_, err := newParser().ParseArgs(args)
	return err
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		switch e := err.(type) {
		case *flags.Error:
			if e.Type == flags.ErrHelp {
				fmt.Fprintln(Stdout, e.Message)
				return
			}
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
