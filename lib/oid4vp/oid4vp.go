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

// Package oid4vp drives presentations over OpenID for Verifiable
// Presentations: it builds authorization requests from a step's
// presentation request and parses, decrypts and verifies authorization
// responses.
package oid4vp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/exchange"
	"github.com/gravitational/courier/lib/template"
	"github.com/gravitational/courier/lib/types"
	"github.com/gravitational/courier/lib/verify"
)

const (
	// ClientIDSchemeRedirectURI is the default client identifier scheme.
	ClientIDSchemeRedirectURI = "redirect_uri"
	// ClientIDSchemeX509SANDNS pins the client identifier to an X.509 SAN,
	// which forces signed request objects and encrypted responses.
	ClientIDSchemeX509SANDNS = "x509_san_dns"

	// ResponseModeDirectPost posts the authorization response as a plain
	// form.
	ResponseModeDirectPost = "direct_post"
	// ResponseModeDirectPostJWT posts the authorization response as an
	// encrypted JWT.
	ResponseModeDirectPostJWT = "direct_post.jwt"

	// defaultRequestVariable is where built authorization requests are
	// cached when the profile does not name a variable.
	defaultRequestVariable = "authorizationRequest"

	// maxBuildAttempts bounds the read-retry loop around concurrent
	// authorization request builds.
	maxBuildAttempts = 5
)

// ServerConfig holds the adapter's dependencies.
type ServerConfig struct {
	// Store reads and writes exchange records.
	Store *exchange.Store
	// Verifier checks received presentations.
	Verifier *verify.Gateway
	// Clock drives retries and timestamps.
	Clock clockwork.Clock
	// Logger is the adapter logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Verifier == nil {
		return trace.BadParameter("missing parameter Verifier")
	}
	if c.Clock == nil {
		c.Clock = c.Store.Clock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(courier.ComponentKey, courier.ComponentOID4VP)
	}
	return nil
}

// Server implements the per-exchange OID4VP surface.
type Server struct {
	cfg ServerConfig
}

// NewServer returns an OID4VP adapter.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg}, nil
}

// BuildAuthorizationRequest resolves the authorization request of the
// exchange's current step: a literal request from the profile, a previously
// cached build, or a fresh construction cached into the exchange variables.
// Building activates a pending exchange; concurrent builders race on the
// store and the loser re-reads and retries, converging on one cached
// request.
func (s *Server) BuildAuthorizationRequest(ctx context.Context, workflow *types.Workflow, record *types.ExchangeRecord, clientProfileID string) (map[string]any, error) {
	for attempt := 0; attempt < maxBuildAttempts; attempt++ {
		request, dirty, err := s.resolveAuthorizationRequest(workflow, record, clientProfileID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		activated := false
		if record.Exchange.State == types.ExchangeStatePending {
			record.Exchange.State = types.ExchangeStateActive
			activated = true
		}
		if !dirty && !activated {
			return request, nil
		}

		record.Exchange.Sequence++
		err = s.cfg.Store.Update(ctx, record)
		if err == nil {
			return request, nil
		}
		record.Exchange.Sequence--
		if !trace.IsCompareFailed(err) {
			return nil, trace.Wrap(err)
		}
		// Lost the race: pick up the winner's record and try again.
		fresh, getErr := s.cfg.Store.Get(ctx, workflow, record.Exchange.ID, false)
		if getErr != nil {
			return nil, trace.Wrap(getErr)
		}
		*record = *fresh
	}
	return nil, trace.CompareFailed("exchange %q kept changing while building the authorization request", record.Exchange.ID)
}

// resolveAuthorizationRequest returns the effective authorization request
// and whether the exchange variables were mutated to cache it.
func (s *Server) resolveAuthorizationRequest(workflow *types.Workflow, record *types.ExchangeRecord, clientProfileID string) (map[string]any, bool, error) {
	exch := record.Exchange
	if exch.Step == "" {
		return nil, false, trace.NotImplemented("exchange has no step to present against")
	}
	step, err := template.EvaluateStep(workflow, exch, exch.Step)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	if step.OpenID == nil {
		return nil, false, trace.NotImplemented("step %q does not support OID4VP", exch.Step)
	}
	profile, err := step.OpenID.Profile(clientProfileID)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	if profile.AuthorizationRequest != nil {
		return profile.AuthorizationRequest, false, nil
	}

	variableName := profile.CreateAuthorizationRequest
	if variableName == "" {
		variableName = defaultRequestVariable
	}
	if cached, ok := exch.Variables[variableName].(map[string]any); ok {
		return cached, false, nil
	}

	request, err := s.constructAuthorizationRequest(workflow, exch, step, profile, clientProfileID)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	if exch.Variables == nil {
		exch.Variables = make(map[string]any)
	}
	exch.Variables[variableName] = request
	return request, true, nil
}

func (s *Server) constructAuthorizationRequest(workflow *types.Workflow, exch *types.Exchange, step *types.Step, profile *types.OID4VPClientProfile, clientProfileID string) (map[string]any, error) {
	request, err := FromVPR(step.VerifiablePresentationRequest)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	scheme := profile.ClientIDScheme
	if scheme == "" {
		scheme = ClientIDSchemeRedirectURI
	}
	responseMode := profile.ResponseMode
	if responseMode == "" {
		responseMode = ResponseModeDirectPost
	}
	if scheme == ClientIDSchemeX509SANDNS && responseMode == ResponseModeDirectPost {
		responseMode = ResponseModeDirectPostJWT
	}
	responseURI := profile.ResponseURI
	if responseURI == "" {
		responseURI = s.responseURI(workflow, exch, clientProfileID)
	}
	clientID := profile.ClientID
	if clientID == "" {
		clientID = responseURI
	}
	nonce := profile.Nonce
	if nonce == "" {
		nonce = exch.ID
	}
	clientMetadata := profile.ClientMetadata
	if clientMetadata == nil {
		clientMetadata = generateClientMetadata(scheme)
	}

	request["response_type"] = "vp_token"
	request["client_id"] = clientID
	request["client_id_scheme"] = scheme
	request["response_mode"] = responseMode
	request["response_uri"] = responseURI
	request["nonce"] = nonce
	request["client_metadata"] = clientMetadata
	return request, nil
}

// responseURI is where the wallet posts the authorization response: the
// legacy client path for inline profiles, the keyed client path otherwise.
func (s *Server) responseURI(workflow *types.Workflow, exch *types.Exchange, clientProfileID string) string {
	exchangeURL := workflow.ExchangeURL(exch.ID)
	if clientProfileID == "" {
		return exchangeURL + "/openid/client/authorization/response"
	}
	return exchangeURL + "/openid/clients/" + clientProfileID + "/authorization/response"
}

// generateClientMetadata declares the presentation formats this service
// accepts, under every alias wallets probe for.
func generateClientMetadata(scheme string) map[string]any {
	jwtAlgorithms := map[string]any{"alg": []any{"EdDSA", "ES256", "ES384"}}
	diProofTypes := map[string]any{"proof_type": []any{"DataIntegrityProof", "Ed25519Signature2020"}}
	metadata := map[string]any{
		"vp_formats": map[string]any{
			"jwt_vp":      jwtAlgorithms,
			"jwt_vp_json": jwtAlgorithms,
			"di_vp":       diProofTypes,
			"ldp_vp":      diProofTypes,
			"mso_mdoc":    map[string]any{"alg": []any{"EdDSA", "ES256", "ES384"}},
		},
	}
	if scheme == ClientIDSchemeX509SANDNS {
		metadata["require_signed_request_object"] = true
	}
	return metadata
}

// FromVPR translates a verifiable presentation request into the
// presentation_definition of an authorization request. Each example of a
// QueryByExample query becomes an input descriptor constraining the
// credential type; a bare DIDAuthentication query produces a definition
// with no descriptors.
func FromVPR(vpr map[string]any) (map[string]any, error) {
	definition := map[string]any{
		"id":                uuid.NewString(),
		"input_descriptors": []any{},
	}
	request := map[string]any{"presentation_definition": definition}
	if vpr == nil {
		return request, nil
	}

	var descriptors []any
	for _, query := range queriesOf(vpr) {
		queryType, _ := query["type"].(string)
		switch queryType {
		case "DIDAuthentication":
			// Holder binding is proven by the vp_token itself.
		case "QueryByExample":
			examples, _ := query["credentialQuery"].([]any)
			for _, entry := range examples {
				credentialQuery, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				descriptor, err := descriptorFromExample(len(descriptors), credentialQuery)
				if err != nil {
					return nil, trace.Wrap(err)
				}
				descriptors = append(descriptors, descriptor)
			}
		default:
			return nil, trace.BadParameter("unsupported verifiable presentation query type %q", queryType)
		}
	}
	if descriptors != nil {
		definition["input_descriptors"] = descriptors
	}
	return request, nil
}

// queriesOf normalizes vpr.query, which is one query object or an array of
// them on the wire.
func queriesOf(vpr map[string]any) []map[string]any {
	switch q := vpr["query"].(type) {
	case map[string]any:
		return []map[string]any{q}
	case []any:
		queries := make([]map[string]any, 0, len(q))
		for _, entry := range q {
			if query, ok := entry.(map[string]any); ok {
				queries = append(queries, query)
			}
		}
		return queries
	default:
		return nil
	}
}

func descriptorFromExample(index int, credentialQuery map[string]any) (map[string]any, error) {
	example, _ := credentialQuery["example"].(map[string]any)
	if example == nil {
		return nil, trace.BadParameter("credentialQuery[%d] has no example", index)
	}
	descriptor := map[string]any{
		"id": fmt.Sprintf("descriptor-%d", index),
	}
	var fields []any
	if typeValue, ok := example["type"]; ok {
		fields = append(fields, map[string]any{
			"path":   []any{"$.type", "$.vc.type"},
			"filter": typeFilter(typeValue),
		})
	}
	if fields != nil {
		descriptor["constraints"] = map[string]any{"fields": fields}
	}
	return descriptor, nil
}

func typeFilter(typeValue any) map[string]any {
	switch t := typeValue.(type) {
	case string:
		return map[string]any{"type": "string", "const": t}
	case []any:
		return map[string]any{
			"type":     "array",
			"contains": map[string]any{"type": "string", "enum": t},
		}
	default:
		return map[string]any{"type": "string"}
	}
}
