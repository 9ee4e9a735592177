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
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"

	"github.com/snapcore/vaultkeys/internal/paths"
)

// KDFConfig is the work-factor KDF section of the configuration file.
type KDFConfig struct {
	Mode string `yaml:"mode"`

	LogN uint8  `yaml:"log-n,omitempty"`
	R    uint32 `yaml:"r,omitempty"`
	P    uint32 `yaml:"p,omitempty"`

	Time      uint32 `yaml:"time,omitempty"`
	MemoryKiB uint32 `yaml:"memory-kib,omitempty"`
	Threads   uint8  `yaml:"threads,omitempty"`
}

// TPMConfig selects the PCRs that hardware-sealed keys are bound to.
type TPMConfig struct {
	PCRs []int `yaml:"pcrs"`

	// ExtendedPCR is the PCR that is extended when the system is locked
	// to a single user.
	ExtendedPCR int `yaml:"extended-pcr"`
}

// Config is the contents of the configuration file.
type Config struct {
	ShadowRoot       string        `yaml:"shadow-root"`
	MaxKeysets       int           `yaml:"max-keysets"`
	KDF              KDFConfig     `yaml:"kdf"`
	ChallengeTimeout time.Duration `yaml:"challenge-timeout"`
	LEAttemptLimit   uint32        `yaml:"le-attempt-limit"`
	TPM              TPMConfig     `yaml:"tpm"`
}

// DefaultConfig returns the configuration that is used when there is no
// configuration file.
func DefaultConfig() *Config {
	params := DefaultWorkFactorParams()
	return &Config{
		ShadowRoot: paths.ShadowRoot,
		MaxKeysets: DefaultMaxKeysets,
		KDF: KDFConfig{
			Mode: params.Mode.String(),
			LogN: params.LogN,
			R:    params.R,
			P:    params.P},
		ChallengeTimeout: DefaultChallengeTimeout,
		LEAttemptLimit:   DefaultLEAttemptLimit,
		TPM: TPMConfig{
			PCRs:        []int{0, 2, 4, 7},
			ExtendedPCR: 4}}
}

// ParseConfig parses a YAML configuration. Fields that are omitted keep
// their default values.
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, xerrors.Errorf("cannot parse configuration: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfig reads the configuration from the specified file. If the file
// doesn't exist, the default configuration is returned.
func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return DefaultConfig(), nil
	case err != nil:
		return nil, xerrors.Errorf("cannot read configuration: %w", err)
	}
	return ParseConfig(data)
}

func (c *Config) validate() error {
	if c.ShadowRoot == "" {
		return fmt.Errorf("invalid configuration: empty shadow-root")
	}
	if c.MaxKeysets <= 0 {
		return fmt.Errorf("invalid configuration: max-keysets must be positive")
	}
	if c.ChallengeTimeout < 0 {
		return fmt.Errorf("invalid configuration: negative challenge-timeout")
	}
	for _, pcr := range c.TPM.PCRs {
		if pcr < 0 || pcr > 23 {
			return fmt.Errorf("invalid configuration: invalid PCR %d", pcr)
		}
	}
	if c.TPM.ExtendedPCR < 0 || c.TPM.ExtendedPCR > 23 {
		return fmt.Errorf("invalid configuration: invalid PCR %d", c.TPM.ExtendedPCR)
	}
	if _, err := c.WorkFactorParams(); err != nil {
		return xerrors.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// WorkFactorParams returns the KDF parameters for new credentials.
func (c *Config) WorkFactorParams() (*WorkFactorParams, error) {
	k := c.KDF
	switch k.Mode {
	case "scrypt":
		if k.LogN == 0 || k.LogN > 30 || k.R == 0 || k.P == 0 {
			return nil, fmt.Errorf("invalid scrypt parameters")
		}
		return &WorkFactorParams{Mode: WorkFactorScrypt, LogN: k.LogN, R: k.R, P: k.P}, nil
	case "argon2id":
		if k.Time == 0 || k.MemoryKiB == 0 || k.Threads == 0 {
			return nil, fmt.Errorf("invalid argon2id parameters")
		}
		return &WorkFactorParams{Mode: WorkFactorArgon2id, Time: k.Time, MemoryKiB: k.MemoryKiB, Threads: k.Threads}, nil
	default:
		return nil, fmt.Errorf("unknown KDF mode %q", k.Mode)
	}
}

// Apply copies the settings that affect auth blocks to the supplied
// execution context.
func (c *Config) Apply(ctx *ExecutionContext) error {
	params, err := c.WorkFactorParams()
	if err != nil {
		return err
	}
	ctx.KDFParams = params
	ctx.ChallengeTimeout = c.ChallengeTimeout
	ctx.LEAttemptLimit = c.LEAttemptLimit
	return nil
}
