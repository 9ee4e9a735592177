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

// Package metrics contains the prometheus collectors for auth block and
// keyset telemetry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vaultkeys"

var (
	// AuthBlockCreateTotal counts the auth blocks that were successfully
	// created, by kind and by how the key material is derived.
	AuthBlockCreateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_block_create_total",
			Help:      "Total number of auth blocks created",
		},
		[]string{"kind", "derivation"},
	)

	// AuthBlockDeriveFailuresTotal counts failed auth block derivations,
	// by kind and error class.
	AuthBlockDeriveFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_block_derive_failures_total",
			Help:      "Total number of failed auth block derivations",
		},
		[]string{"kind", "error"},
	)

	// LECredentialLockoutsTotal counts the counter-backed credentials that
	// were marked as locked.
	LECredentialLockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "le_credential_lockouts_total",
			Help:      "Total number of counter-backed credentials locked out",
		},
	)
)

// RecordAuthBlockCreate records the creation of an auth block.
func RecordAuthBlockCreate(kind, derivation string) {
	AuthBlockCreateTotal.WithLabelValues(kind, derivation).Inc()
}

// RecordAuthBlockDeriveFailure records a failed derivation.
func RecordAuthBlockDeriveFailure(kind, errorClass string) {
	AuthBlockDeriveFailuresTotal.WithLabelValues(kind, errorClass).Inc()
}

// RecordLECredentialLockout records that a credential was locked out.
func RecordLECredentialLockout() {
	LECredentialLockoutsTotal.Inc()
}
