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
	"slices"

	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"
)

// OpenIDState configures the virtual OID4VCI authorization server minted for
// a single exchange. It lives at exchange.openId.
type OpenIDState struct {
	// PreAuthorizedCode is the one-time code accepted by the token endpoint
	// under the pre-authorized_code grant.
	PreAuthorizedCode string `json:"preAuthorizedCode,omitempty"`
	// OAuth2 holds the signing key material of the virtual authorization
	// server.
	OAuth2 *OAuth2Config `json:"oauth2,omitempty"`
	// ExpectedCredentialRequests enumerates the credential definitions the
	// credential endpoint will accept.
	ExpectedCredentialRequests []*CredentialDefinition `json:"expectedCredentialRequests,omitempty"`
}

// Check validates the OpenID configuration supplied at exchange creation.
func (s *OpenIDState) Check() error {
	if s == nil {
		return nil
	}
	if s.OAuth2 == nil {
		return trace.BadParameter("openId requires oauth2 configuration")
	}
	if err := s.OAuth2.Check(); err != nil {
		return trace.Wrap(err)
	}
	for i, cr := range s.ExpectedCredentialRequests {
		if cr == nil || len(cr.Type) == 0 && len(cr.Types) == 0 {
			return trace.BadParameter("expectedCredentialRequests[%d] is missing type", i)
		}
	}
	return nil
}

// OAuth2Config carries the per-exchange authorization server key pair. At
// creation time either GenerateKeyPair or an importable KeyPair must be set;
// afterwards KeyPair always holds both JWKs.
type OAuth2Config struct {
	// KeyPair is the signing key pair of the virtual authorization server.
	KeyPair *KeyPair `json:"keyPair,omitempty"`
	// GenerateKeyPair, when present at creation, asks the service to
	// generate the key pair instead of importing one.
	GenerateKeyPair *GenerateKeyPair `json:"generateKeyPair,omitempty"`
	// MaxClockSkewSeconds is the tolerance applied to exp/nbf checks for
	// holder supplied JWTs. Zero selects the service default.
	MaxClockSkewSeconds int64 `json:"maxClockSkew,omitempty"`
}

// Check validates the oauth2 key configuration.
func (c *OAuth2Config) Check() error {
	if c == nil {
		return trace.BadParameter("missing oauth2 configuration")
	}
	if c.GenerateKeyPair != nil && c.KeyPair != nil {
		return trace.BadParameter("oauth2 cannot carry both keyPair and generateKeyPair")
	}
	if c.GenerateKeyPair == nil && c.KeyPair == nil {
		return trace.BadParameter("oauth2 requires either keyPair or generateKeyPair")
	}
	if c.GenerateKeyPair != nil && c.GenerateKeyPair.Algorithm == "" {
		return trace.BadParameter("generateKeyPair requires algorithm")
	}
	if c.KeyPair != nil {
		if c.KeyPair.PrivateKeyJWK == nil || !c.KeyPair.PrivateKeyJWK.Valid() {
			return trace.BadParameter("keyPair.privateKeyJwk is not importable")
		}
		if c.KeyPair.PublicKeyJWK == nil || !c.KeyPair.PublicKeyJWK.Valid() {
			return trace.BadParameter("keyPair.publicKeyJwk is not importable")
		}
	}
	if c.MaxClockSkewSeconds < 0 {
		return trace.BadParameter("maxClockSkew cannot be negative")
	}
	return nil
}

// KeyPair is an asymmetric key pair in JWK form.
type KeyPair struct {
	PrivateKeyJWK *jose.JSONWebKey `json:"privateKeyJwk,omitempty"`
	PublicKeyJWK  *jose.JSONWebKey `json:"publicKeyJwk,omitempty"`
}

// GenerateKeyPair requests server-side key generation at exchange creation.
type GenerateKeyPair struct {
	// Algorithm is the JWS algorithm the generated key must support, for
	// example EdDSA or ES256.
	Algorithm string `json:"algorithm"`
}

// CredentialDefinition describes a credential shape in OID4VCI requests and
// in the expected-request allow list. Older wallets send "types", newer ones
// "type"; Normalize folds the alias away.
type CredentialDefinition struct {
	Context []any    `json:"@context,omitempty"`
	Type    []string `json:"type,omitempty"`
	Types   []string `json:"types,omitempty"`
}

// Normalize folds the legacy types alias into Type. Carrying both with
// different contents is rejected.
func (d *CredentialDefinition) Normalize() error {
	if len(d.Types) == 0 {
		return nil
	}
	if len(d.Type) != 0 && !slices.Equal(d.Type, d.Types) {
		return trace.BadParameter("credential_definition carries conflicting type and types")
	}
	d.Type = d.Types
	d.Types = nil
	return nil
}

// Matches reports whether other asks for the same credential shape: context
// arrays must match in order, type arrays as sets.
func (d *CredentialDefinition) Matches(other *CredentialDefinition) bool {
	if len(d.Context) != len(other.Context) {
		return false
	}
	for i := range d.Context {
		a, aok := d.Context[i].(string)
		b, bok := other.Context[i].(string)
		if !aok || !bok || a != b {
			return false
		}
	}
	if len(d.Type) != len(other.Type) {
		return false
	}
	want := slices.Clone(d.Type)
	got := slices.Clone(other.Type)
	slices.Sort(want)
	slices.Sort(got)
	return slices.Equal(want, got)
}

// OID4VPClientProfile configures how one OID4VP authorization request is
// built and how its response comes back. A step may carry several keyed
// profiles or, in the legacy single-profile form, inline these fields on
// openId directly.
type OID4VPClientProfile struct {
	// ClientIDScheme selects the OID4VP client identifier scheme. Empty
	// means redirect_uri.
	ClientIDScheme string `json:"client_id_scheme,omitempty"`
	// ResponseMode is direct_post or direct_post.jwt. Empty means
	// direct_post.
	ResponseMode string `json:"response_mode,omitempty"`
	// ResponseURI overrides where the wallet posts the authorization
	// response.
	ResponseURI string `json:"response_uri,omitempty"`
	// ClientID overrides the client identifier. Empty derives it from the
	// response URI.
	ClientID string `json:"client_id,omitempty"`
	// Nonce overrides the request nonce. Empty selects the exchange id.
	Nonce string `json:"nonce,omitempty"`
	// ClientMetadata is sent verbatim when present, otherwise generated.
	ClientMetadata map[string]any `json:"client_metadata,omitempty"`
	// AuthorizationRequest is a literal request object used as-is.
	AuthorizationRequest map[string]any `json:"authorizationRequest,omitempty"`
	// CreateAuthorizationRequest names the exchange variable the built
	// request is cached under.
	CreateAuthorizationRequest string `json:"createAuthorizationRequest,omitempty"`
}

// StepOpenID is the openId block of a step: either a keyed set of client
// profiles or a single inline legacy profile.
type StepOpenID struct {
	OID4VPClientProfile
	// ClientProfiles maps profile id to profile.
	ClientProfiles map[string]*OID4VPClientProfile `json:"clientProfiles,omitempty"`
}

// Profile resolves the effective client profile. An empty id on a legacy
// step selects the inline profile.
func (s *StepOpenID) Profile(clientProfileID string) (*OID4VPClientProfile, error) {
	if len(s.ClientProfiles) == 0 {
		if clientProfileID != "" {
			return nil, trace.NotFound("step has no client profile %q", clientProfileID)
		}
		return &s.OID4VPClientProfile, nil
	}
	if clientProfileID == "" {
		return nil, trace.BadParameter("step requires a client profile id")
	}
	profile, ok := s.ClientProfiles[clientProfileID]
	if !ok {
		return nil, trace.NotFound("step has no client profile %q", clientProfileID)
	}
	return profile, nil
}

// ExchangeSecrets holds private key material minted for an exchange that
// must never appear in API responses.
type ExchangeSecrets struct {
	// OID4VP maps client profile id to the key-agreement private key used
	// to decrypt direct_post.jwt authorization responses.
	OID4VP map[string]*OID4VPSecrets `json:"oid4vp,omitempty"`
}

// OID4VPSecrets is the per-profile secret key material.
type OID4VPSecrets struct {
	KeyAgreementKey *jose.JSONWebKey `json:"keyAgreementKey,omitempty"`
}
