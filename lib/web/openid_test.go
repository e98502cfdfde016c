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

package web

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/oid4vci"
)

func decodeJWTPayload(t *testing.T, token string) map[string]any {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3, "not a compact JWT: %q", token)
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	return payload
}

func tokenForm(code string) url.Values {
	return url.Values{
		"grant_type":          {oid4vci.GrantTypePreAuthorizedCode},
		"pre-authorized_code": {code},
	}
}

// requestToken runs the pre-authorized code grant and returns the access
// token.
func requestToken(t *testing.T, env *webEnv, exchangeURL string) string {
	t.Helper()
	resp, body := env.postForm(t, exchangeURL+"/openid/token", tokenForm("code-123"))
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestOpenIDWellKnownMetadata(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, issuingWorkflowBody())
	location := env.createExchange(t, id, openIDExchangeBody())
	exchangePath := strings.TrimPrefix(location, env.srv.URL)

	// Both wordings of the well-known path serve the same document.
	urls := []string{
		env.srv.URL + "/.well-known/openid-credential-issuer" + exchangePath,
		env.srv.URL + "/.well-known/oauth-authorization-server" + exchangePath,
		location + "/.well-known/openid-credential-issuer",
		location + "/.well-known/oauth-authorization-server",
	}
	for _, u := range urls {
		resp, body := env.getJSON(t, u)
		require.Equal(t, http.StatusOK, resp.StatusCode, "url %q body: %v", u, body)
		require.Equal(t, location, body["issuer"], "url %q", u)
		require.Equal(t, location, body["credential_issuer"], "url %q", u)
		require.Equal(t, location+"/openid/token", body["token_endpoint"], "url %q", u)
		require.Equal(t, location+"/openid/credential", body["credential_endpoint"], "url %q", u)
		require.Equal(t, location+"/openid/jwks", body["jwks_uri"], "url %q", u)
	}
}

func TestOpenIDTokenEndpoint(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, issuingWorkflowBody())
	location := env.createExchange(t, id, openIDExchangeBody())

	resp, body := env.postForm(t, location+"/openid/token", tokenForm("code-123"))
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	require.Equal(t, "bearer", body["token_type"])
	require.Equal(t, float64(900), body["expires_in"])
	require.NotEmpty(t, body["access_token"])
	require.Contains(t, resp.Header.Get("Cache-Control"), "no-store")

	resp, body = env.postForm(t, location+"/openid/token", tokenForm("code-456"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_grant", body["error"])

	resp, body = env.postForm(t, location+"/openid/token", url.Values{
		"grant_type": {"authorization_code"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "unsupported_grant_type", body["error"])
}

func TestOpenIDCredentialEndpoint(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, issuingWorkflowBody())
	location := env.createExchange(t, id, openIDExchangeBody())
	token := requestToken(t, env, location)

	request := map[string]any{
		"format":                "ldp_vc",
		"credential_definition": credentialDefinitionBody(),
	}
	resp, body := env.postJSONAuth(t, location+"/openid/credential", token, request)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	require.Equal(t, "ldp_vc", body["format"])
	credential := body["credential"].(map[string]any)
	require.Equal(t, map[string]any{"name": "alice"}, credential["credentialSubject"])

	resp, body = env.getJSON(t, location)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "complete", body["exchange"].(map[string]any)["state"])
}

func TestOpenIDCredentialRequiresBearer(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, issuingWorkflowBody())
	location := env.createExchange(t, id, openIDExchangeBody())

	resp, body := env.postJSONAuth(t, location+"/openid/credential", "", map[string]any{
		"credential_definition": credentialDefinitionBody(),
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "not_allowed_error", body["error"])
	require.Contains(t, body["error_description"], "bearer token")
}

func TestOpenIDCredentialOfferNonceJWKS(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, issuingWorkflowBody())
	location := env.createExchange(t, id, openIDExchangeBody())
	exchangeID := path.Base(location)

	resp, offer := env.getJSON(t, location+"/openid/credential-offer")
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", offer)
	require.Equal(t, location, offer["credential_issuer"])
	grants := offer["grants"].(map[string]any)
	grant := grants[oid4vci.GrantTypePreAuthorizedCode].(map[string]any)
	require.Equal(t, "code-123", grant["pre-authorized_code"])

	resp, nonce := env.postJSON(t, location+"/openid/nonce", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, exchangeID, nonce["c_nonce"])

	resp, jwks := env.getJSON(t, location+"/openid/jwks")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	keys := jwks["keys"].([]any)
	require.Len(t, keys, 1)
	require.Equal(t, "EC", keys[0].(map[string]any)["kty"])
}

func TestOID4VPAuthorizationRequest(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, presentationWorkflowBody())
	location := env.createExchange(t, id, nil)
	exchangeID := path.Base(location)

	resp, raw := env.getRaw(t, location+"/openid/client/authorization/request")
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
	require.Equal(t, courier.MimeTypeAuthzRequestJWT, resp.Header.Get("Content-Type"))

	request := decodeJWTPayload(t, raw)
	responseURI := location + "/openid/client/authorization/response"
	require.Equal(t, "vp_token", request["response_type"])
	require.Equal(t, exchangeID, request["nonce"])
	require.Equal(t, responseURI, request["response_uri"])
	require.Equal(t, responseURI, request["client_id"])
	require.Equal(t, "redirect_uri", request["client_id_scheme"])
	require.Equal(t, "direct_post", request["response_mode"])
	definition := request["presentation_definition"].(map[string]any)
	require.Len(t, definition["input_descriptors"], 1)

	// Serving the request puts the exchange in flight.
	resp, body := env.getJSON(t, location)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "active", body["exchange"].(map[string]any)["state"])
}

func TestOID4VPAuthorizationResponse(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, presentationWorkflowBody())
	location := env.createExchange(t, id, nil)
	exchangeID := path.Base(location)

	vpToken, err := json.Marshal(map[string]any{
		"@context": []any{"https://www.w3.org/ns/credentials/v2"},
		"type":     []any{"VerifiablePresentation"},
		"holder":   "did:key:z6Mk",
		"proof": map[string]any{
			"type":      "DataIntegrityProof",
			"challenge": exchangeID,
		},
	})
	require.NoError(t, err)
	submission, err := json.Marshal(map[string]any{
		"id":            "submission-1",
		"definition_id": "definition-1",
		"descriptor_map": []any{map[string]any{
			"id":     "descriptor-0",
			"format": "ldp_vp",
			"path":   "$",
		}},
	})
	require.NoError(t, err)

	resp, body := env.postForm(t, location+"/openid/client/authorization/response", url.Values{
		"vp_token":                {string(vpToken)},
		"presentation_submission": {string(submission)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	require.Equal(t, "https://rp.example.com/done", body["redirect_uri"])

	resp, body = env.getJSON(t, location)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exch := body["exchange"].(map[string]any)
	require.Equal(t, "complete", exch["state"])

	results := exch["variables"].(map[string]any)["results"].(map[string]any)
	result := results["present"].(map[string]any)
	require.Equal(t, "did:key:z6Mk", result["did"])
	require.NotNil(t, result["openId"].(map[string]any)["presentationSubmission"])
}

func TestOID4VPUnknownClientProfile(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, presentationWorkflowBody())
	location := env.createExchange(t, id, nil)

	resp, body := env.getJSON(t, location+"/openid/clients/missing/authorization/request")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found_error", body["error"])
}

func TestOID4VPRequiresStep(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, issuingWorkflowBody())
	location := env.createExchange(t, id, nil)

	resp, body := env.getJSON(t, location+"/openid/client/authorization/request")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "not_supported_error", body["error"])
}
