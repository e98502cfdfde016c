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

// Package oid4vci virtualizes an OAuth2 authorization server and credential
// issuer for every exchange: metadata, JWKS, pre-authorized token grant,
// credential and batch delivery, credential offer and nonce endpoints.
package oid4vci

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/defaults"
	"github.com/gravitational/courier/lib/exchange"
	"github.com/gravitational/courier/lib/httplib"
	"github.com/gravitational/courier/lib/jwt"
	"github.com/gravitational/courier/lib/types"
	"github.com/gravitational/courier/lib/verify"
)

// GrantTypePreAuthorizedCode is the only grant the virtual authorization
// server accepts.
const GrantTypePreAuthorizedCode = "urn:ietf:params:oauth:grant-type:pre-authorized_code"

// AuthorizationRequestBuilder supplies OID4VP authorization requests for
// steps that bridge issuance over a presentation.
type AuthorizationRequestBuilder interface {
	// BuildAuthorizationRequest returns the authorization request of the
	// exchange's current step.
	BuildAuthorizationRequest(ctx context.Context, workflow *types.Workflow, record *types.ExchangeRecord, clientProfileID string) (map[string]any, error)
}

// ServerConfig holds the adapter's dependencies.
type ServerConfig struct {
	// Store reads and writes exchange records.
	Store *exchange.Store
	// Processor drives issuance and completion.
	Processor *exchange.Processor
	// Verifier checks holder DID proof JWTs.
	Verifier *verify.Gateway
	// OID4VP builds authorization requests for bridged steps. Optional;
	// without it bridged steps fail.
	OID4VP AuthorizationRequestBuilder
	// Clock drives token lifetimes.
	Clock clockwork.Clock
	// Logger is the adapter logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Processor == nil {
		return trace.BadParameter("missing parameter Processor")
	}
	if c.Verifier == nil {
		return trace.BadParameter("missing parameter Verifier")
	}
	if c.Clock == nil {
		c.Clock = c.Store.Clock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(courier.ComponentKey, courier.ComponentOID4VCI)
	}
	return nil
}

// Server implements the per-exchange OID4VCI surface.
type Server struct {
	cfg ServerConfig
}

// NewServer returns an OID4VCI adapter.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg}, nil
}

// requireOpenID returns the exchange's virtual authorization server state.
func requireOpenID(exch *types.Exchange) (*types.OpenIDState, error) {
	if exch.OpenID == nil || exch.OpenID.OAuth2 == nil || exch.OpenID.OAuth2.KeyPair == nil {
		return nil, trace.NotImplemented("exchange was not created for OpenID issuance")
	}
	return exch.OpenID, nil
}

// Metadata builds the combined authorization server and credential issuer
// metadata document for one exchange.
func (s *Server) Metadata(workflow *types.Workflow, exch *types.Exchange) (map[string]any, error) {
	openID, err := requireOpenID(exch)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	exchangeURL := workflow.ExchangeURL(exch.ID)
	return map[string]any{
		"issuer":                    exchangeURL,
		"credential_issuer":         exchangeURL,
		"jwks_uri":                  exchangeURL + "/openid/jwks",
		"token_endpoint":            exchangeURL + "/openid/token",
		"credential_endpoint":       exchangeURL + "/openid/credential",
		"batch_credential_endpoint": exchangeURL + "/openid/batch_credential",
		"pre-authorized_grant_anonymous_access_supported": true,
		"credential_configurations_supported":             credentialConfigurations(workflow, openID),
	}, nil
}

// credentialConfigurations crosses the expected credential requests with
// the workflow's supported formats.
func credentialConfigurations(workflow *types.Workflow, openID *types.OpenIDState) map[string]any {
	configurations := make(map[string]any)
	formats := workflow.SupportedFormats()
	if len(formats) == 0 {
		formats = []string{issuerFormatDefault}
	}
	for _, expected := range openID.ExpectedCredentialRequests {
		definition := expected
		for _, format := range formats {
			configurations[configurationID(definition.Type, format)] = map[string]any{
				"format": format,
				"credential_definition": map[string]any{
					"@context": definition.Context,
					"type":     definition.Type,
				},
			}
		}
	}
	return configurations
}

const issuerFormatDefault = "ldp_vc"

// configurationID derives the configuration id from the credential types
// and format. The base VerifiableCredential type is dropped when more
// specific types exist.
func configurationID(typeNames []string, format string) string {
	names := typeNames
	if len(names) > 1 {
		trimmed := make([]string, 0, len(names))
		for _, name := range names {
			if name != "VerifiableCredential" {
				trimmed = append(trimmed, name)
			}
		}
		if len(trimmed) > 0 {
			names = trimmed
		}
	}
	return strings.Join(names, "_") + "_" + format
}

// TokenRequest is the form body of the token endpoint.
type TokenRequest struct {
	GrantType         string
	PreAuthorizedCode string
}

// TokenResponse is the success body of the token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token serves the pre-authorized code grant. The presented code is
// compared in constant time; a matching request mints an at+jwt access
// token signed with the exchange's authorization server key.
func (s *Server) Token(ctx context.Context, workflow *types.Workflow, record *types.ExchangeRecord, req TokenRequest) (*TokenResponse, error) {
	openID, err := requireOpenID(record.Exchange)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if req.GrantType != GrantTypePreAuthorizedCode {
		return nil, &httplib.OAuthError{
			Code:        "unsupported_grant_type",
			Description: "only the pre-authorized code grant is supported",
		}
	}
	if openID.PreAuthorizedCode == "" {
		return nil, &httplib.OAuthError{
			Code:        "invalid_grant",
			Description: "exchange has no pre-authorized code",
		}
	}
	if subtle.ConstantTimeCompare([]byte(req.PreAuthorizedCode), []byte(openID.PreAuthorizedCode)) != 1 {
		return nil, &httplib.OAuthError{
			Code:        "invalid_grant",
			Description: "invalid pre-authorized code",
		}
	}

	now := s.cfg.Clock.Now()
	expires := now.Add(defaults.AccessTokenTTL)
	if record.Meta.Expires.Before(expires) {
		expires = record.Meta.Expires.Time
	}
	exchangeURL := workflow.ExchangeURL(record.Exchange.ID)
	claims := josejwt.Claims{
		Issuer:   exchangeURL,
		Audience: josejwt.Audience{exchangeURL},
		IssuedAt: josejwt.NewNumericDate(now),
		Expiry:   josejwt.NewNumericDate(expires),
	}
	scope := map[string]any{"scope": "write:" + record.Exchange.ID}
	token, err := jwt.Sign(openID.OAuth2.KeyPair.PrivateKeyJWK, jwt.TypeAccessToken, claims, scope)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(expires.Sub(now) / time.Second),
	}, nil
}

// JWKS returns the public signing key of the exchange's virtual
// authorization server.
func (s *Server) JWKS(exch *types.Exchange) (map[string]any, error) {
	openID, err := requireOpenID(exch)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"keys": []any{openID.OAuth2.KeyPair.PublicKeyJWK}}, nil
}

// CredentialOffer returns the document a wallet dereferences to start the
// pre-authorized flow. The credentials and credential_configuration_ids
// arrays carry the same values under the two spec wordings.
func (s *Server) CredentialOffer(workflow *types.Workflow, exch *types.Exchange) (map[string]any, error) {
	openID, err := requireOpenID(exch)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if openID.PreAuthorizedCode == "" {
		return nil, trace.NotFound("exchange has no pre-authorized code")
	}
	ids := make([]any, 0, len(openID.ExpectedCredentialRequests))
	formats := workflow.SupportedFormats()
	if len(formats) == 0 {
		formats = []string{issuerFormatDefault}
	}
	for _, expected := range openID.ExpectedCredentialRequests {
		for _, format := range formats {
			ids = append(ids, configurationID(expected.Type, format))
		}
	}
	return map[string]any{
		"credential_issuer": workflow.ExchangeURL(exch.ID),
		"grants": map[string]any{
			GrantTypePreAuthorizedCode: map[string]any{
				"pre-authorized_code": openID.PreAuthorizedCode,
			},
		},
		"credentials":                  ids,
		"credential_configuration_ids": ids,
	}, nil
}

// Nonce returns the challenge wallets bind DID proofs to. The exchange id
// is the nonce.
func (s *Server) Nonce(exch *types.Exchange) map[string]any {
	return map[string]any{"c_nonce": exch.ID}
}

// VerifyAccessToken checks a bearer token minted by Token for this
// exchange.
func (s *Server) VerifyAccessToken(workflow *types.Workflow, record *types.ExchangeRecord, bearer string) error {
	openID, err := requireOpenID(record.Exchange)
	if err != nil {
		return trace.Wrap(err)
	}
	alg, err := jwt.AlgorithmForKey(openID.OAuth2.KeyPair.PublicKeyJWK)
	if err != nil {
		return trace.Wrap(err)
	}
	var claims josejwt.Claims
	if err := jwt.Verify(bearer, openID.OAuth2.KeyPair.PublicKeyJWK, []jose.SignatureAlgorithm{alg}, &claims); err != nil {
		return trace.AccessDenied("invalid access token: %v", err)
	}
	exchangeURL := workflow.ExchangeURL(record.Exchange.ID)
	if !slices.Contains(claims.Audience, exchangeURL) {
		return trace.AccessDenied("access token audience does not match the exchange")
	}
	if claims.Issuer != exchangeURL {
		return trace.AccessDenied("access token issuer does not match the exchange")
	}
	if claims.Expiry == nil || !s.cfg.Clock.Now().Before(claims.Expiry.Time()) {
		return trace.AccessDenied("access token is expired")
	}
	return nil
}
