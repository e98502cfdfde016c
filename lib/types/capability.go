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

import "github.com/gravitational/trace"

// Well known capability reference ids. Workflows may register further ids
// and point issuer instances at them.
const (
	// ZcapIssue authorizes credential issuance on a remote issuer instance.
	ZcapIssue = "issue"

	// ZcapVerifyPresentation authorizes presentation verification on a
	// remote verifier.
	ZcapVerifyPresentation = "verifyPresentation"

	// ZcapCreateChallenge authorizes challenge creation on a remote
	// verifier.
	ZcapCreateChallenge = "createChallenge"
)

// Capability is a delegated authorization capability (zcap) granting this
// service access to a remote issuer or verifier endpoint. The document is
// produced by an external delegation tool and carried opaquely except for
// the fields the capability client needs.
type Capability struct {
	// Context is the JSON-LD context of the delegation.
	Context any `json:"@context,omitempty"`
	// ID uniquely identifies the delegation.
	ID string `json:"id"`
	// Controller is the entity the capability was delegated to.
	Controller string `json:"controller,omitempty"`
	// InvocationTarget is the URL the capability may be invoked against.
	InvocationTarget string `json:"invocationTarget"`
	// ParentCapability points at the root or intermediate delegation.
	ParentCapability string `json:"parentCapability,omitempty"`
	// Invoker names the key authorized to invoke, when restricted.
	Invoker string `json:"invoker,omitempty"`
	// AllowedAction restricts the verbs the invocation may perform.
	AllowedAction any `json:"allowedAction,omitempty"`
	// Expires is the delegation expiry as produced by the delegator. Kept
	// verbatim since external tools vary in precision.
	Expires string `json:"expires,omitempty"`
	// Proof is the delegation proof chain.
	Proof any `json:"proof,omitempty"`
}

// Check validates the fields the capability client depends on.
func (c *Capability) Check() error {
	if c == nil {
		return trace.BadParameter("missing capability")
	}
	if c.ID == "" {
		return trace.BadParameter("capability is missing id")
	}
	if c.InvocationTarget == "" {
		return trace.BadParameter("capability %q is missing invocationTarget", c.ID)
	}
	return nil
}
