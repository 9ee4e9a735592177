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

	"golang.org/x/xerrors"

	"github.com/snapcore/vaultkeys"
	"github.com/snapcore/vaultkeys/tpm2"
)

type cmdStatus struct {
	global *globalOptions
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (c *cmdStatus) Execute(args []string) error {
	config, err := c.global.loadConfig()
	if err != nil {
		return err
	}
	ctx := new(vaultkeys.ExecutionContext)
	if err := config.Apply(ctx); err != nil {
		return err
	}

	hw, err := connectToTPM(&config.TPM)
	switch {
	case xerrors.Is(err, tpm2.ErrNoTPM2Device):
		fmt.Fprintln(Stdout, "hardware: none")
	case err != nil:
		return err
	default:
		if closer, ok := hw.(io.Closer); ok {
			defer closer.Close()
		}
		ctx.Hardware = hw
		fmt.Fprintln(Stdout, "hardware: present")
		fmt.Fprintln(Stdout, "owned:", yesNo(hw.IsOwned()))
		fmt.Fprintln(Stdout, "user-auth-gated-unseal:", yesNo(hw.IsUserAuthGatedUnsealAvailable()))
		fmt.Fprintln(Stdout, "ecc-key:", yesNo(hw.HasECCKey()))
		fmt.Fprintln(Stdout, "wrapping-key:", yesNo(hw.HasWrappingKey()))
		fmt.Fprintln(Stdout, "lockout-counter-resetable:", yesNo(hw.CanResetLockoutCounter()))
	}

	store := vaultkeys.NewKeysetStore(vaultkeys.FileStorage{}, config.ShadowRoot, config.MaxKeysets, nil)
	utility := vaultkeys.NewAuthBlockUtility(ctx, store)
	for _, credential := range []struct {
		name      string
		le        bool
		challenge bool
	}{
		{"password", false, false},
		{"pin", true, false},
		{"challenge-response", false, true},
	} {
		kind := utility.GetAuthBlockKindForCreation(credential.le, credential.challenge)
		suffix := ""
		if !utility.IsAuthBlockSupported(kind) {
			suffix = " (unsupported)"
		}
		fmt.Fprintf(Stdout, "%s: %v%s\n", credential.name, kind, suffix)
	}
	return nil
}
