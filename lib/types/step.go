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

// TemplateTypeJSONata is the only template dialect currently defined.
const TemplateTypeJSONata = "jsonata"

// TypedTemplate is a tagged template. Credential templates additionally
// carry an optional id that issue requests may reference.
type TypedTemplate struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Template string `json:"template"`
}

// Check validates the template envelope without compiling the template body.
func (t *TypedTemplate) Check() error {
	if t == nil {
		return trace.BadParameter("missing template")
	}
	if t.Type != TemplateTypeJSONata {
		return trace.BadParameter("unsupported template type %q", t.Type)
	}
	if t.Template == "" {
		return trace.BadParameter("template body is empty")
	}
	return nil
}

// PresentationSchema configures JSON Schema validation of received
// presentation contents.
type PresentationSchema struct {
	Type       string         `json:"type,omitempty"`
	JSONSchema map[string]any `json:"jsonSchema,omitempty"`
}

// JWTDIDProofRequest asks OID4VCI wallets to prove DID control with a JWT
// proof of possession.
type JWTDIDProofRequest struct {
	AcceptedMethods   []AcceptedDIDMethod `json:"acceptedMethods,omitempty"`
	AllowedAlgorithms []string            `json:"allowedAlgorithms,omitempty"`
}

// AcceptedDIDMethod names a DID method a proof key may come from.
type AcceptedDIDMethod struct {
	Method string `json:"method"`
}

// IssueRequest selects a credential template and the variables it is
// evaluated with. Result, when set, is a dotted variables path the issued
// credential is filed under instead of being returned to the client.
type IssueRequest struct {
	CredentialTemplateIndex *int   `json:"credentialTemplateIndex,omitempty"`
	CredentialTemplateID    string `json:"credentialTemplateId,omitempty"`
	// Variables is either a string naming a sub-object of the exchange
	// variables or a literal variables object.
	Variables any    `json:"variables,omitempty"`
	Result    string `json:"result,omitempty"`
}

// Step is one stop of a workflow. A step is either static or a single
// stepTemplate producing the static form at runtime.
type Step struct {
	// StepTemplate, when set, is evaluated against the exchange variables
	// to produce the effective step. It excludes every other field.
	StepTemplate *TypedTemplate `json:"stepTemplate,omitempty"`

	// CreateChallenge asks for a remote verifier challenge to be injected
	// into the presentation request on non-initial steps.
	CreateChallenge bool `json:"createChallenge,omitempty"`

	// VerifiablePresentationRequest is served to VC-API clients that have
	// not presented yet.
	VerifiablePresentationRequest map[string]any `json:"verifiablePresentationRequest,omitempty"`

	// PresentationSchema validates the contents of a received presentation.
	PresentationSchema *PresentationSchema `json:"presentationSchema,omitempty"`

	// JWTDidProofRequest requires OID4VCI credential requests to carry DID
	// proof JWTs.
	JWTDidProofRequest *JWTDIDProofRequest `json:"jwtDidProofRequest,omitempty"`

	// OpenID configures OID4VP for this step.
	OpenID *StepOpenID `json:"openId,omitempty"`

	// IssueRequests selects which credential templates this step issues.
	IssueRequests []*IssueRequest `json:"issueRequests,omitempty"`

	// VerifiablePresentation is a literal out-of-band presentation returned
	// to the client, with issued credentials appended.
	VerifiablePresentation map[string]any `json:"verifiablePresentation,omitempty"`

	// RedirectURL is handed to the client on completion. Mutually exclusive
	// with NextStep.
	RedirectURL string `json:"redirectUrl,omitempty"`

	// NextStep names the step the exchange advances to.
	NextStep string `json:"nextStep,omitempty"`

	// AllowUnprotectedPresentation waives the proof check for presentations
	// without one.
	AllowUnprotectedPresentation bool `json:"allowUnprotectedPresentation,omitempty"`

	// VerifyPresentationOptions is passed through to the remote verifier.
	VerifyPresentationOptions map[string]any `json:"verifyPresentationOptions,omitempty"`

	// VerifyPresentationResultSchema validates the remote verifier result.
	VerifyPresentationResultSchema *PresentationSchema `json:"verifyPresentationResultSchema,omitempty"`

	// InviteRequest carries an out-of-band invite document for the
	// invite-request protocol.
	InviteRequest map[string]any `json:"inviteRequest,omitempty"`
}

// Check enforces the structural invariants of a resolved step. name is the
// key the step is stored under; it is empty for steps built from templates
// before the current name is known.
func (s *Step) Check(name string) error {
	if s == nil {
		return trace.BadParameter("missing step")
	}
	if s.StepTemplate != nil {
		if !s.onlyTemplate() {
			return trace.BadParameter("step %q carries stepTemplate next to other fields", name)
		}
		return trace.Wrap(s.StepTemplate.Check())
	}
	if s.isEmpty() {
		return trace.BadParameter("step %q evaluates to an empty object", name)
	}
	if s.NextStep != "" && s.RedirectURL != "" {
		return trace.BadParameter("step %q carries both nextStep and redirectUrl", name)
	}
	if name != "" && s.NextStep == name {
		return trace.BadParameter("step %q names itself as nextStep", name)
	}
	return nil
}

func (s *Step) onlyTemplate() bool {
	clone := *s
	clone.StepTemplate = nil
	return clone.isEmpty()
}

func (s *Step) isEmpty() bool {
	data, err := json.Marshal(s)
	if err != nil {
		return false
	}
	return string(data) == "{}"
}
