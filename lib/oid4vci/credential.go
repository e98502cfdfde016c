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

package oid4vci

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/courier/lib/exchange"
	"github.com/gravitational/courier/lib/httplib"
	"github.com/gravitational/courier/lib/template"
	"github.com/gravitational/courier/lib/types"
	"github.com/gravitational/courier/lib/verify"
)

// envelopedJWTPrefix is the data URL prefix an enveloped credential carries
// its raw JWT under.
const envelopedJWTPrefix = "data:application/jwt,"

// Proof is the holder proof block of a credential request.
type Proof struct {
	ProofType string `json:"proof_type,omitempty"`
	JWT       string `json:"jwt,omitempty"`
}

// CredentialRequest is one entry of a credential or batch_credential
// request body.
type CredentialRequest struct {
	Format               string                      `json:"format,omitempty"`
	CredentialDefinition *types.CredentialDefinition `json:"credential_definition,omitempty"`
	Proof                *Proof                      `json:"proof,omitempty"`
}

// CredentialResponse is one issued credential on the wire: a JSON object in
// linked data form, or the raw JWT string of an enveloped credential.
type CredentialResponse struct {
	Format     string `json:"format"`
	Credential any    `json:"credential"`
}

// BatchCredentialResponse is the batch_credential success body.
type BatchCredentialResponse struct {
	CredentialResponses []CredentialResponse `json:"credential_responses"`
}

// Credential serves the credential endpoint for a single request.
func (s *Server) Credential(ctx context.Context, workflow *types.Workflow, record *types.ExchangeRecord, bearer string, request *CredentialRequest) (*CredentialResponse, error) {
	responses, err := s.issueCredentials(ctx, workflow, record, bearer, []*CredentialRequest{request})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &responses[0], nil
}

// BatchCredential serves the batch_credential endpoint.
func (s *Server) BatchCredential(ctx context.Context, workflow *types.Workflow, record *types.ExchangeRecord, bearer string, requests []*CredentialRequest) (*BatchCredentialResponse, error) {
	responses, err := s.issueCredentials(ctx, workflow, record, bearer, requests)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &BatchCredentialResponse{CredentialResponses: responses}, nil
}

func (s *Server) issueCredentials(ctx context.Context, workflow *types.Workflow, record *types.ExchangeRecord, bearer string, requests []*CredentialRequest) ([]CredentialResponse, error) {
	if err := s.VerifyAccessToken(workflow, record, bearer); err != nil {
		return nil, trace.Wrap(err)
	}
	openID, err := requireOpenID(record.Exchange)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	format, err := validateRequests(workflow, openID, requests)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var step *types.Step
	if record.Exchange.Step != "" {
		step, err = template.EvaluateStep(workflow, record.Exchange, record.Exchange.Step)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if step != nil {
		if err := s.checkDIDProofs(ctx, workflow, record, step, requests); err != nil {
			return nil, trace.Wrap(err)
		}
		if err := s.checkPresentationBridge(ctx, workflow, record, step); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	response, err := s.cfg.Processor.Process(ctx, exchange.ProcessParams{
		Workflow: workflow,
		Record:   record,
		Format:   format,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(response.Credentials) == 0 {
		return nil, trace.BadParameter("workflow issued no credentials for this request")
	}

	responses := make([]CredentialResponse, 0, len(requests))
	for i := range requests {
		if i >= len(response.Credentials) {
			break
		}
		responses = append(responses, CredentialResponse{
			Format:     format,
			Credential: expressCredential(response.Credentials[i]),
		})
	}
	if len(responses) < len(requests) {
		return nil, trace.BadParameter("workflow issued %d credentials for %d requests",
			len(response.Credentials), len(requests))
	}
	return responses, nil
}

// validateRequests normalizes and validates credential requests: one shared
// format, inside the workflow's supported set, and each matching an
// expected credential request of the exchange.
func validateRequests(workflow *types.Workflow, openID *types.OpenIDState, requests []*CredentialRequest) (string, error) {
	if len(requests) == 0 {
		return "", trace.BadParameter("no credential requests")
	}
	format := ""
	for i, request := range requests {
		if request == nil || request.CredentialDefinition == nil {
			return "", trace.BadParameter("credential request %d is missing credential_definition", i)
		}
		if err := request.CredentialDefinition.Normalize(); err != nil {
			return "", trace.Wrap(err)
		}
		if format == "" {
			format = request.Format
		} else if request.Format != format {
			return "", trace.BadParameter("credential requests carry mixed formats %q and %q", format, request.Format)
		}
		if !matchesExpected(openID, request.CredentialDefinition) {
			return "", trace.BadParameter("credential request %d does not match any expected credential request", i)
		}
	}
	if supported := workflow.SupportedFormats(); len(supported) > 0 && format != "" {
		if !slices.Contains(supported, format) {
			return "", trace.BadParameter("format %q is not supported by this workflow", format)
		}
	}
	return format, nil
}

func matchesExpected(openID *types.OpenIDState, definition *types.CredentialDefinition) bool {
	for _, expected := range openID.ExpectedCredentialRequests {
		if expected.Matches(definition) {
			return true
		}
	}
	return false
}

// checkDIDProofs enforces the step's jwtDidProofRequest: every request must
// carry a proof JWT, all proofs must prove the same DID, and the DID is
// recorded on the step result.
func (s *Server) checkDIDProofs(ctx context.Context, workflow *types.Workflow, record *types.ExchangeRecord, step *types.Step, requests []*CredentialRequest) error {
	if step.JWTDidProofRequest == nil {
		return nil
	}
	for _, request := range requests {
		if request.Proof == nil || request.Proof.JWT == "" {
			return &httplib.OAuthError{
				Code:        "invalid_or_missing_proof",
				Description: "every credential request must carry a DID proof JWT",
				Details: map[string]any{
					"c_nonce":            record.Exchange.ID,
					"c_nonce_expires_in": s.nonceTTL(record),
				},
			}
		}
	}
	holderDID := ""
	for _, request := range requests {
		proven, err := s.cfg.Verifier.DIDProof(ctx, verify.DIDProofParams{
			Workflow:     workflow,
			Exchange:     record.Exchange,
			JWT:          request.Proof.JWT,
			ProofRequest: step.JWTDidProofRequest,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if holderDID == "" {
			holderDID = proven
		} else if holderDID != proven {
			return trace.AccessDenied("credential requests prove different DIDs")
		}
	}

	result := exchange.GetStepResult(record.Exchange, record.Exchange.Step)
	if result == nil {
		if err := exchange.SetStepResult(record.Exchange, record.Exchange.Step, &exchange.StepResult{DID: holderDID}); err != nil {
			return trace.Wrap(err)
		}
		return nil
	}
	result["did"] = holderDID
	return nil
}

// checkPresentationBridge blocks issuance on steps that demand an OID4VP
// presentation until one has been submitted.
func (s *Server) checkPresentationBridge(ctx context.Context, workflow *types.Workflow, record *types.ExchangeRecord, step *types.Step) error {
	if step.OpenID == nil {
		return nil
	}
	if result := exchange.GetStepResult(record.Exchange, record.Exchange.Step); result != nil {
		if openIDResult, ok := result["openId"].(map[string]any); ok {
			if openIDResult["presentationSubmission"] != nil {
				return nil
			}
		}
	}
	if s.cfg.OID4VP == nil {
		return trace.NotImplemented("this deployment cannot bridge issuance over OID4VP")
	}
	authorizationRequest, err := s.cfg.OID4VP.BuildAuthorizationRequest(ctx, workflow, record, "")
	if err != nil {
		return trace.Wrap(err)
	}
	return &httplib.OAuthError{
		Code:        "presentation_required",
		Description: "a verifiable presentation must be submitted before credentials are issued",
		Status:      http.StatusBadRequest,
		Details:     map[string]any{"authorization_request": authorizationRequest},
	}
}

// nonceTTL returns the remaining exchange lifetime in seconds.
func (s *Server) nonceTTL(record *types.ExchangeRecord) int64 {
	remaining := record.Exchange.Expires.Sub(s.cfg.Clock.Now())
	if remaining < 0 {
		return 0
	}
	return int64(remaining / time.Second)
}

// expressCredential converts an issued credential to its wire form. An
// enveloped credential travels as the raw JWT extracted from its data URL
// id; everything else stays a JSON document.
func expressCredential(credential any) any {
	document, ok := credential.(map[string]any)
	if !ok {
		return credential
	}
	if !isEnvelopedCredential(document) {
		return document
	}
	id, _ := document["id"].(string)
	if raw, found := strings.CutPrefix(id, envelopedJWTPrefix); found {
		return raw
	}
	return document
}

func isEnvelopedCredential(document map[string]any) bool {
	switch t := document["type"].(type) {
	case string:
		return t == "EnvelopedVerifiableCredential"
	case []any:
		for _, entry := range t {
			if s, ok := entry.(string); ok && s == "EnvelopedVerifiableCredential" {
				return true
			}
		}
	}
	return false
}
