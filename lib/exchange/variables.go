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

package exchange

import (
	"github.com/gravitational/trace"

	"github.com/gravitational/courier/lib/types"
	"github.com/gravitational/courier/lib/utils"
)

// StepResult is the output a step files under variables.results[<step>]
// when a presentation has been received and verified.
type StepResult struct {
	// DID is the holder identifier proven by the presentation, when any.
	DID string `json:"did,omitempty"`
	// VerificationMethod is the verification method the presentation proof
	// was checked against.
	VerificationMethod map[string]any `json:"verificationMethod,omitempty"`
	// VerifiablePresentation is the received presentation.
	VerifiablePresentation map[string]any `json:"verifiablePresentation,omitempty"`
	// VerifyPresentationResults carries the raw verifier output when the
	// step asked for it to be retained.
	VerifyPresentationResults map[string]any `json:"verifyPresentationResults,omitempty"`
	// EnvelopedPresentation is the enveloped form a JWT or mdoc vp_token
	// arrived in.
	EnvelopedPresentation map[string]any `json:"envelopedPresentation,omitempty"`
	// OpenID records the OID4VP artifacts of the step.
	OpenID *OpenIDResult `json:"openId,omitempty"`
	// InviteRequest records the invite-request protocol outcome.
	InviteRequest map[string]any `json:"inviteRequest,omitempty"`
}

// OpenIDResult is the openId block of a step result.
type OpenIDResult struct {
	ClientProfileID        string         `json:"clientProfileId,omitempty"`
	AuthorizationRequest   map[string]any `json:"authorizationRequest,omitempty"`
	PresentationSubmission map[string]any `json:"presentationSubmission,omitempty"`
}

// SetStepResult files result under exchange.variables.results[stepName].
// Step names are used verbatim as object keys, never parsed as dotted
// paths.
func SetStepResult(exchange *types.Exchange, stepName string, result *StepResult) error {
	if stepName == "" {
		return trace.BadParameter("missing step name")
	}
	obj, err := utils.ToJSONMap(result)
	if err != nil {
		return trace.Wrap(err)
	}
	if exchange.Variables == nil {
		exchange.Variables = make(map[string]any)
	}
	results, ok := exchange.Variables["results"].(map[string]any)
	if !ok {
		results = make(map[string]any)
		exchange.Variables["results"] = results
	}
	results[stepName] = obj
	return nil
}

// GetStepResult returns the recorded result of stepName, or nil when the
// step has not produced one.
func GetStepResult(exchange *types.Exchange, stepName string) map[string]any {
	results, ok := exchange.Variables["results"].(map[string]any)
	if !ok {
		return nil
	}
	result, _ := results[stepName].(map[string]any)
	return result
}
