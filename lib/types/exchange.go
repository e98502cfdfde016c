/*
 * Courier
 * Copyright (C) 2026  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package types

import (
	"encoding/json"

	"github.com/gravitational/trace"
)

// ExchangeState is the lifecycle state of an exchange.
type ExchangeState string

const (
	// ExchangeStatePending marks a created exchange no client has touched.
	ExchangeStatePending ExchangeState = "pending"
	// ExchangeStateActive marks an exchange a client has started working.
	ExchangeStateActive ExchangeState = "active"
	// ExchangeStateComplete marks a successfully finished exchange.
	ExchangeStateComplete ExchangeState = "complete"
	// ExchangeStateInvalid marks an exchange poisoned by a replay. Invalid
	// exchanges are invisible to reads.
	ExchangeStateInvalid ExchangeState = "invalid"
)

// Check validates the state value.
func (s ExchangeState) Check() error {
	switch s {
	case ExchangeStatePending, ExchangeStateActive, ExchangeStateComplete, ExchangeStateInvalid:
		return nil
	}
	return trace.BadParameter("unknown exchange state %q", s)
}

// Terminal reports whether no further processing is allowed in this state.
func (s ExchangeState) Terminal() bool {
	return s == ExchangeStateComplete || s == ExchangeStateInvalid
}

// LastError is the sanitized form of the most recent processing failure,
// persisted for operators to inspect.
type LastError struct {
	Name    string         `json:"name"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Exchange is one run of a workflow by one holder.
type Exchange struct {
	// ID is the 128-bit local identifier in encoded form.
	ID string `json:"id"`
	// Sequence counts committed writes. The store compares it on every
	// update; writers increment it by exactly one.
	Sequence uint64 `json:"sequence"`
	// State is the lifecycle state.
	State ExchangeState `json:"state"`
	// Step names the current step, empty for stepless workflows.
	Step string `json:"step,omitempty"`
	// Expires is when the exchange stops being usable.
	Expires Timestamp `json:"expires"`
	// Variables is the mutable JSON scope templates evaluate against and
	// step results are recorded into.
	Variables map[string]any `json:"variables,omitempty"`
	// Protocols maps protocol name to the URL a client uses to drive this
	// exchange over that protocol.
	Protocols map[string]string `json:"protocols,omitempty"`
	// OpenID configures the virtual OID4VCI authorization server.
	OpenID *OpenIDState `json:"openId,omitempty"`
	// Secrets holds private key material. Never returned by the API.
	Secrets *ExchangeSecrets `json:"secrets,omitempty"`
	// LastError records the most recent processing failure.
	LastError *LastError `json:"lastError,omitempty"`
}

// Meta is the bookkeeping envelope around a stored exchange. Expires is the
// authoritative eviction key.
type Meta struct {
	Created Timestamp `json:"created"`
	Updated Timestamp `json:"updated"`
	Expires Timestamp `json:"expires"`
}

// ExchangeRecord is the unit of storage: the exchange plus its envelope.
type ExchangeRecord struct {
	// WorkflowLocalID is the raw 16-byte identifier of the owning workflow.
	WorkflowLocalID []byte `json:"workflowIdLocal"`
	Exchange        *Exchange `json:"exchange"`
	Meta            *Meta     `json:"meta"`
}

// Clone returns a deep copy by JSON round trip. Exchange documents are JSON
// shaped by construction.
func (r *ExchangeRecord) Clone() (*ExchangeRecord, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out ExchangeRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// Redacted returns a copy of the exchange safe for API responses: secrets
// are dropped entirely and the authorization server private key is removed.
func (e *Exchange) Redacted() (*Exchange, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out Exchange
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	out.Secrets = nil
	if out.OpenID != nil && out.OpenID.OAuth2 != nil && out.OpenID.OAuth2.KeyPair != nil {
		out.OpenID.OAuth2.KeyPair.PrivateKeyJWK = nil
	}
	return &out, nil
}

// Check validates exchange fields shared by all writes.
func (e *Exchange) Check() error {
	if e == nil {
		return trace.BadParameter("missing exchange")
	}
	if _, err := DecodeLocalID(e.ID); err != nil {
		return trace.Wrap(err)
	}
	if err := e.State.Check(); err != nil {
		return trace.Wrap(err)
	}
	if e.Expires.IsZero() {
		return trace.BadParameter("exchange %q is missing expires", e.ID)
	}
	return nil
}
