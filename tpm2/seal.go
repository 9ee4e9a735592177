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
	"github.com/canonical/go-tpm2/templates"
	"github.com/canonical/go-tpm2/util"
	"golang.org/x/xerrors"

	"github.com/snapcore/vaultkeys"
)

// LockMeasurement is the value that is measured to the extended PCR when
// the system is locked to a single user.
var LockMeasurement = []byte("vaultkeys-single-user")

// extendPCRValue updates values with the result of measuring data to the
// specified PCR.
func extendPCRValue(values tpm2.PCRValues, pcr int, data []byte) {
	for alg, bank := range values {
		current, ok := bank[pcr]
		if !ok {
			continue
		}
		h := alg.NewHash()
		h.Write(data)
		digest := h.Sum(nil)

		h = alg.NewHash()
		h.Write(current)
		h.Write(digest)
		bank[pcr] = h.Sum(nil)
	}
}

// computeAuthPolicy computes the authorization policy for a sealed object.
// A nil digest means that the object has no policy.
func computeAuthPolicy(pcrs tpm2.PCRSelectionList, pcrDigest tpm2.Digest, authValue bool) tpm2.Digest {
	if len(pcrs) == 0 && !authValue {
		return nil
	}
	trial := util.ComputeAuthPolicy(nameAlg)
	if len(pcrs) > 0 {
		trial.PolicyPCR(pcrDigest, pcrs)
	}
	if authValue {
		trial.PolicyAuthValue()
	}
	return trial.GetDigest()
}

// pcrPolicyDigest computes the digest of the selected PCRs. If extended is
// set, the digest is of the values the PCRs will have once the system is
// locked to a single user.
func (t *Connection) pcrPolicyDigest(extended bool) (tpm2.PCRSelectionList, tpm2.Digest, error) {
	_, values, err := t.tpm.PCRRead(t.pcrSelection())
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot read PCR values: %w", err)
	}
	if extended {
		extendPCRValue(values, t.extendedPCR, LockMeasurement)
	}
	pcrs, digest, err := util.ComputePCRDigestFromAllValues(nameAlg, values)
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot compute PCR digest: %w", err)
	}
	return pcrs, digest, nil
}

// storageParent returns the key that sealed objects are protected by. The
// ECC key is a transient primary key that must be flushed with the
// returned function.
func (t *Connection) storageParent(ecc bool) (tpm2.ResourceContext, func(), error) {
	if !ecc {
		srk, err := t.srk()
		if err != nil {
			return nil, nil, xerrors.Errorf("cannot create context for SRK: %w", err)
		}
		return srk, func() {}, nil
	}

	key, _, _, _, _, err := t.tpm.CreatePrimary(t.tpm.OwnerHandleContext(), nil, templates.NewECCStorageKeyWithDefaults(), nil, nil, nil)
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot create ECC storage key: %w", err)
	}
	return key, func() { t.tpm.FlushContext(key) }, nil
}

func (t *Connection) seal(data []byte, params *vaultkeys.SealParams) ([]byte, error) {
	parent, flush, err := t.storageParent(params.ECC)
	if err != nil {
		return nil, err
	}
	defer flush()

	var pcrs tpm2.PCRSelectionList
	var pcrDigest tpm2.Digest
	if params.BindPCRs {
		pcrs, pcrDigest, err = t.pcrPolicyDigest(params.ExtendedPCRs)
		if err != nil {
			return nil, err
		}
	}
	authValue := len(params.AuthValue) > 0

	template := templates.NewSealedObject(nameAlg)
	if policy := computeAuthPolicy(pcrs, pcrDigest, authValue); policy != nil {
		template.Attrs &^= tpm2.AttrUserWithAuth
		template.AuthPolicy = policy
	}

	sensitive := tpm2.SensitiveCreate{UserAuth: params.AuthValue, Data: data}
	priv, pub, _, _, _, err := t.tpm.Create(parent, &sensitive, template, nil, nil, nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot create sealed object: %w", err)
	}

	return encodeSealedObject(&sealedObject{
		Version:   sealedObjectVersion,
		ECC:       params.ECC,
		AuthValue: authValue,
		PCRs:      pcrs,
		Private:   priv,
		Public:    pub})
}

func (t *Connection) unseal(sealed []byte, params *vaultkeys.SealParams) ([]byte, error) {
	obj, err := decodeSealedObject(sealed)
	if err != nil {
		return nil, err
	}
	if obj.ECC != params.ECC {
		return nil, xerrors.New("sealed object has a different storage parent")
	}

	parent, flush, err := t.storageParent(obj.ECC)
	if err != nil {
		return nil, err
	}
	defer flush()

	key, err := t.tpm.Load(parent, obj.Private, obj.Public, nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot load sealed object: %w", err)
	}
	defer t.tpm.FlushContext(key)
	key.SetAuthValue(params.AuthValue)

	if len(obj.Public.AuthPolicy) == 0 {
		data, err := t.tpm.Unseal(key, nil)
		if err != nil {
			return nil, xerrors.Errorf("cannot unseal: %w", err)
		}
		return data, nil
	}

	session, err := t.tpm.StartAuthSession(nil, nil, tpm2.SessionTypePolicy, nil, nameAlg)
	if err != nil {
		return nil, xerrors.Errorf("cannot start policy session: %w", err)
	}
	defer t.tpm.FlushContext(session)

	if len(obj.PCRs) > 0 {
		if err := t.tpm.PolicyPCR(session, nil, obj.PCRs); err != nil {
			return nil, xerrors.Errorf("cannot execute PCR assertion: %w", err)
		}
	}
	if obj.AuthValue {
		if err := t.tpm.PolicyAuthValue(session); err != nil {
			return nil, xerrors.Errorf("cannot execute auth value assertion: %w", err)
		}
	}

	data, err := t.tpm.Unseal(key, session.WithAttrs(tpm2.AttrContinueSession))
	if err != nil {
		return nil, xerrors.Errorf("cannot unseal: %w", err)
	}
	return data, nil
}

// Seal implements vaultkeys.Hardware.Seal.
func (t *Connection) Seal(data []byte, params *vaultkeys.SealParams) ([]byte, error) {
	sealed, err := t.seal(data, params)
	if err != nil {
		return nil, classifyError(err)
	}
	return sealed, nil
}

// Unseal implements vaultkeys.Hardware.Unseal.
func (t *Connection) Unseal(sealed []byte, params *vaultkeys.SealParams) ([]byte, error) {
	data, err := t.unseal(sealed, params)
	if err != nil {
		return nil, classifyError(err)
	}
	return data, nil
}
