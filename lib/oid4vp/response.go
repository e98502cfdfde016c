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

package oid4vp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"

	"github.com/gravitational/courier/lib/exchange"
	"github.com/gravitational/courier/lib/schema"
	"github.com/gravitational/courier/lib/template"
	"github.com/gravitational/courier/lib/types"
	"github.com/gravitational/courier/lib/verify"
)

const (
	// envelopedJWTPrefix carries a JWT vp_token inside an enveloped
	// presentation id.
	envelopedJWTPrefix = "data:application/jwt,"
	// envelopedMdocPrefix carries an mdoc vp_token inside an enveloped
	// presentation id.
	envelopedMdocPrefix = "data:application/mdl-vp-token,"

	// formatMsoMdoc is the descriptor format of ISO mdoc presentations.
	formatMsoMdoc = "mso_mdoc"

	credentialsContextV2 = "https://www.w3.org/ns/credentials/v2"
)

// AuthorizationResponse is the parsed form body of the authorization
// response endpoint. Plain direct_post carries VPToken and
// PresentationSubmission; direct_post.jwt carries only Response, an
// encrypted JWT wrapping the same two fields.
type AuthorizationResponse struct {
	// VPToken is the vp_token form field: a JSON presentation, a JWT, or a
	// base64url mdoc token.
	VPToken string
	// PresentationSubmission is the presentation_submission form field,
	// JSON encoded.
	PresentationSubmission string
	// Response is the encrypted response form field of direct_post.jwt.
	Response string
}

// responsePayload is the logical content of an authorization response once
// decrypted and decoded.
type responsePayload struct {
	VPToken                json.RawMessage `json:"vp_token"`
	PresentationSubmission json.RawMessage `json:"presentation_submission"`
}

// ProcessAuthorizationResponse accepts a wallet's authorization response for
// the exchange's current step: it decrypts the response if needed, validates
// the presentation submission, verifies the vp_token, records the step
// result and advances the exchange. The returned body carries redirect_uri
// when the step defines one.
func (s *Server) ProcessAuthorizationResponse(ctx context.Context, workflow *types.Workflow, record *types.ExchangeRecord, clientProfileID string, response *AuthorizationResponse) (map[string]any, error) {
	exch := record.Exchange
	if exch.State != types.ExchangeStatePending && exch.State != types.ExchangeStateActive {
		return nil, trace.AccessDenied("Exchange is %s", exch.State)
	}
	if exch.Step == "" {
		return nil, trace.NotImplemented("exchange has no step to present against")
	}
	step, err := template.EvaluateStep(workflow, exch, exch.Step)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if step.OpenID == nil {
		return nil, trace.NotImplemented("step %q does not support OID4VP", exch.Step)
	}
	if _, err := step.OpenID.Profile(clientProfileID); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := checkPriorSubmission(exch, clientProfileID); err != nil {
		return nil, trace.Wrap(err)
	}

	payload, err := s.decodeResponse(exch, clientProfileID, response)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	submission, err := parseSubmission(payload.PresentationSubmission)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	presentation, envelope, contents, err := interpretVPToken(payload.VPToken, submission)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Re-resolving the authorization request is idempotent: a cached or
	// literal request is returned unchanged, so the nonce the wallet bound
	// its presentation to is the one checked here.
	authorizationRequest, err := s.BuildAuthorizationRequest(ctx, workflow, record, clientProfileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nonce, _ := authorizationRequest["nonce"].(string)
	if nonce == "" {
		return nil, trace.BadParameter("authorization request carries no nonce")
	}

	if step.PresentationSchema != nil && step.PresentationSchema.JSONSchema != nil {
		if err := schema.Validate(contents, step.PresentationSchema.JSONSchema); err != nil {
			return nil, trace.Wrap(err, "presentation failed schema validation")
		}
	}

	result, err := s.cfg.Verifier.Presentation(ctx, verify.PresentationParams{
		Workflow:                     workflow,
		VPR:                          step.VerifiablePresentationRequest,
		Presentation:                 presentation,
		ExpectedChallenge:            nonce,
		AllowUnprotectedPresentation: step.AllowUnprotectedPresentation,
		Options:                      step.VerifyPresentationOptions,
		ResultSchema:                 step.VerifyPresentationResultSchema,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	stepResult := &exchange.StepResult{
		DID:                    result.Controller(),
		VerificationMethod:     result.VerificationMethod,
		VerifiablePresentation: contents,
		EnvelopedPresentation:  envelope,
		OpenID: &exchange.OpenIDResult{
			ClientProfileID:        clientProfileID,
			AuthorizationRequest:   authorizationRequest,
			PresentationSubmission: submission,
		},
	}
	if step.VerifyPresentationResultSchema != nil {
		stepResult.VerifyPresentationResults = result.Raw
	}
	if err := exchange.SetStepResult(exch, exch.Step, stepResult); err != nil {
		return nil, trace.Wrap(err)
	}

	if err := s.persistSubmission(ctx, workflow, record); err != nil {
		return nil, trace.Wrap(err)
	}

	body := map[string]any{}
	if step.RedirectURL != "" {
		body["redirect_uri"] = step.RedirectURL
	}
	return body, nil
}

// persistSubmission advances the exchange after a verified presentation.
// Workflows that go on to issue credentials stay active for the OID4VCI
// surface; pure presentation workflows complete here.
func (s *Server) persistSubmission(ctx context.Context, workflow *types.Workflow, record *types.ExchangeRecord) error {
	record.Exchange.Sequence++
	if len(workflow.CredentialTemplates) > 0 {
		record.Exchange.State = types.ExchangeStateActive
		if err := s.cfg.Store.Update(ctx, record); err != nil {
			record.Exchange.Sequence--
			return trace.Wrap(err)
		}
		return nil
	}
	record.Exchange.State = types.ExchangeStateComplete
	if err := s.cfg.Store.Complete(ctx, record); err != nil {
		record.Exchange.Sequence--
		record.Exchange.State = types.ExchangeStateActive
		return trace.Wrap(err)
	}
	return nil
}

// checkPriorSubmission rejects a response when a different client profile
// already submitted one for this step.
func checkPriorSubmission(exch *types.Exchange, clientProfileID string) error {
	result := exchange.GetStepResult(exch, exch.Step)
	if result == nil {
		return nil
	}
	openID, ok := result["openId"].(map[string]any)
	if !ok || openID["presentationSubmission"] == nil {
		return nil
	}
	prior, _ := openID["clientProfileId"].(string)
	if prior != clientProfileID {
		return trace.CompareFailed("an authorization response was already submitted via a different client profile")
	}
	return nil
}

// decodeResponse returns the logical payload of the authorization response,
// decrypting the response JWE of direct_post.jwt submissions with the
// exchange's key agreement key.
func (s *Server) decodeResponse(exch *types.Exchange, clientProfileID string, response *AuthorizationResponse) (*responsePayload, error) {
	if response == nil {
		return nil, trace.BadParameter("missing authorization response")
	}
	if response.Response != "" {
		return s.decryptResponse(exch, clientProfileID, response.Response)
	}
	if response.VPToken == "" {
		return nil, trace.BadParameter("authorization response carries neither vp_token nor response")
	}
	payload := &responsePayload{
		VPToken: encodeTokenField(response.VPToken),
	}
	if response.PresentationSubmission != "" {
		payload.PresentationSubmission = json.RawMessage(response.PresentationSubmission)
	}
	return payload, nil
}

// encodeTokenField wraps a form-encoded vp_token as raw JSON: a value that
// already parses as JSON travels verbatim, anything else is a bare token
// string.
func encodeTokenField(token string) json.RawMessage {
	if json.Valid([]byte(token)) {
		return json.RawMessage(token)
	}
	quoted, _ := json.Marshal(token)
	return quoted
}

func (s *Server) decryptResponse(exch *types.Exchange, clientProfileID string, serialized string) (*responsePayload, error) {
	key, err := keyAgreementKey(exch, clientProfileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	jwe, err := jose.ParseEncrypted(serialized,
		[]jose.KeyAlgorithm{jose.ECDH_ES},
		[]jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return nil, trace.BadParameter("malformed encrypted authorization response: %v", err)
	}
	if kid := jwe.Header.KeyID; kid != "" && key.KeyID != "" && kid != key.KeyID {
		return nil, trace.AccessDenied("encrypted response targets unknown key %q", kid)
	}
	decrypted, err := jwe.Decrypt(key)
	if err != nil {
		return nil, trace.AccessDenied("cannot decrypt authorization response: %v", err)
	}
	var payload responsePayload
	if err := json.Unmarshal(decrypted, &payload); err != nil {
		return nil, trace.BadParameter("decrypted authorization response is not JSON: %v", err)
	}
	return &payload, nil
}

// keyAgreementKey returns the private key minted for the profile at exchange
// creation. A single registered key serves legacy submissions that do not
// name a profile.
func keyAgreementKey(exch *types.Exchange, clientProfileID string) (*jose.JSONWebKey, error) {
	if exch.Secrets == nil || len(exch.Secrets.OID4VP) == 0 {
		return nil, trace.NotImplemented("exchange has no key agreement key for encrypted responses")
	}
	if secrets, ok := exch.Secrets.OID4VP[clientProfileID]; ok && secrets.KeyAgreementKey != nil {
		return secrets.KeyAgreementKey, nil
	}
	if len(exch.Secrets.OID4VP) == 1 {
		for _, secrets := range exch.Secrets.OID4VP {
			if secrets.KeyAgreementKey != nil {
				return secrets.KeyAgreementKey, nil
			}
		}
	}
	return nil, trace.NotImplemented("exchange has no key agreement key for client profile %q", clientProfileID)
}

func parseSubmission(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, trace.BadParameter("authorization response is missing presentation_submission")
	}
	var submission map[string]any
	if err := json.Unmarshal(raw, &submission); err != nil {
		return nil, trace.BadParameter("presentation_submission is not a JSON object: %v", err)
	}
	if err := schema.ValidatePresentationSubmission(submission); err != nil {
		return nil, trace.Wrap(err)
	}
	return submission, nil
}

// interpretVPToken converts the vp_token into the presentation handed to the
// verifier, the envelope it arrived in (nil for literal presentations), and
// the presentation contents used for schema validation.
func interpretVPToken(raw json.RawMessage, submission map[string]any) (presentation, envelope, contents map[string]any, err error) {
	if len(raw) == 0 {
		return nil, nil, nil, trace.BadParameter("authorization response is missing vp_token")
	}

	if submissionFormat(submission) == formatMsoMdoc {
		var token string
		if err := json.Unmarshal(raw, &token); err != nil {
			return nil, nil, nil, trace.BadParameter("mso_mdoc vp_token must be a base64url string")
		}
		if err := checkMdocToken(token); err != nil {
			return nil, nil, nil, trace.Wrap(err)
		}
		envelope = envelopedPresentation(envelopedMdocPrefix + token)
		return envelope, envelope, envelope, nil
	}

	var literal map[string]any
	if err := json.Unmarshal(raw, &literal); err == nil {
		if err := schema.ValidateVerifiablePresentation(literal); err != nil {
			return nil, nil, nil, trace.Wrap(err)
		}
		return literal, nil, literal, nil
	}

	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, nil, nil, trace.BadParameter("vp_token is neither a presentation object nor a token string")
	}
	contents, err = jwtPresentationContents(token)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	envelope = envelopedPresentation(envelopedJWTPrefix + token)
	return envelope, envelope, contents, nil
}

// submissionFormat returns the shared descriptor format of the submission,
// empty when descriptors disagree or carry none.
func submissionFormat(submission map[string]any) string {
	descriptors, _ := submission["descriptor_map"].([]any)
	format := ""
	for _, entry := range descriptors {
		descriptor, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		f, _ := descriptor["format"].(string)
		if format == "" {
			format = f
		} else if f != format {
			return ""
		}
	}
	return format
}

// checkMdocToken requires the token to decode into well-formed CBOR before
// it is forwarded to the verifier.
func checkMdocToken(token string) error {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return trace.BadParameter("mso_mdoc vp_token is not base64url: %v", err)
	}
	if err := cbor.Wellformed(decoded); err != nil {
		return trace.BadParameter("mso_mdoc vp_token is not well-formed CBOR: %v", err)
	}
	return nil
}

func envelopedPresentation(id string) map[string]any {
	return map[string]any{
		"@context": []any{credentialsContextV2},
		"id":       id,
		"type":     "EnvelopedVerifiablePresentation",
	}
}

// jwtPresentationContents extracts the presentation carried in a JWT
// vp_token without verifying the signature; signature checks belong to the
// remote verifier. The vp claim holds the presentation in JOSE form, older
// wallets put the presentation fields at the top level.
func jwtPresentationContents(token string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, trace.BadParameter("vp_token is not a compact JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, trace.BadParameter("vp_token payload is not base64url: %v", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, trace.BadParameter("vp_token payload is not JSON: %v", err)
	}
	if vp, ok := claims["vp"].(map[string]any); ok {
		return vp, nil
	}
	return claims, nil
}
