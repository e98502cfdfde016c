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
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/courier/lib/types"
)

func credentialDefinitionBody() map[string]any {
	return map[string]any{
		"@context": []any{"https://www.w3.org/2018/credentials/v1"},
		"type":     []any{"VerifiableCredential", "DriversLicenseCredential"},
	}
}

func openIDExchangeBody() map[string]any {
	return map[string]any{
		"variables": map[string]any{"name": "alice"},
		"openId": map[string]any{
			"preAuthorizedCode": "code-123",
			"oauth2": map[string]any{
				"generateKeyPair": map[string]any{"algorithm": "ES256"},
			},
			"expectedCredentialRequests": []any{credentialDefinitionBody()},
		},
	}
}

// presentationWorkflowBody defines a single OID4VP-capable presentation step
// and no issuance.
func presentationWorkflowBody() map[string]any {
	return map[string]any{
		"initialStep": "present",
		"steps": map[string]any{
			"present": map[string]any{
				"verifiablePresentationRequest": map[string]any{
					"query": map[string]any{
						"type": "QueryByExample",
						"credentialQuery": []any{map[string]any{
							"example": map[string]any{"type": "DriversLicenseCredential"},
						}},
					},
				},
				"openId":      map[string]any{},
				"redirectUrl": "https://rp.example.com/done",
			},
		},
		"zcaps": map[string]any{
			"verifyPresentation": map[string]any{
				"id":               "urn:zcap:verify",
				"invocationTarget": "https://verifier.example.com/verifiers/1",
			},
		},
	}
}

func TestCreateExchange(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, issuingWorkflowBody())
	location := env.createExchange(t, id, map[string]any{
		"variables": map[string]any{"name": "alice"},
	})

	resp, body := env.getJSON(t, location)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	require.Contains(t, resp.Header.Get("Cache-Control"), "no-store")

	exch := body["exchange"].(map[string]any)
	require.Equal(t, "pending", exch["state"])
	require.Equal(t, map[string]any{"name": "alice"}, exch["variables"])

	protocols := exch["protocols"].(map[string]any)
	require.Equal(t, location, protocols["vcapi"])
}

func TestCreateExchangeUnknownStep(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, issuingWorkflowBody())

	resp, body := env.postJSON(t, id+"/exchanges", map[string]any{"step": "missing"})
	requireErrorEnvelope(t, resp, body, http.StatusBadRequest, "DataError")
	require.Contains(t, body["message"], `no step "missing"`)
}

func TestCreateExchangeLifetimeRules(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, issuingWorkflowBody())
	now := env.clock.Now()

	tests := []struct {
		name    string
		body    map[string]any
		message string
	}{
		{
			name: "ttl and expires together",
			body: map[string]any{
				"ttl":     60,
				"expires": types.NewTimestamp(now.Add(time.Hour)),
			},
			message: "mutually exclusive",
		},
		{
			name:    "negative ttl",
			body:    map[string]any{"ttl": -5},
			message: "negative",
		},
		{
			name:    "ttl over maximum",
			body:    map[string]any{"ttl": 49 * 60 * 60},
			message: "maximum",
		},
		{
			name:    "expires in the past",
			body:    map[string]any{"expires": types.NewTimestamp(now.Add(-time.Hour))},
			message: "past",
		},
		{
			name:    "expires over maximum",
			body:    map[string]any{"expires": types.NewTimestamp(now.Add(49 * time.Hour))},
			message: "maximum",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.postJSON(t, id+"/exchanges", tc.body)
			requireErrorEnvelope(t, resp, body, http.StatusBadRequest, "DataError")
			require.Contains(t, body["message"], tc.message)
		})
	}
}

func TestCreateExchangeOpenID(t *testing.T) {
	env := newWebEnv(t)
	workflowBody := presentationWorkflowBody()
	workflowBody["credentialTemplates"] = issuingWorkflowBody()["credentialTemplates"]
	workflowBody["zcaps"] = issuingWorkflowBody()["zcaps"]
	id := env.createWorkflow(t, workflowBody)
	location := env.createExchange(t, id, openIDExchangeBody())

	resp, body := env.getJSON(t, location)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	exch := body["exchange"].(map[string]any)

	protocols := exch["protocols"].(map[string]any)
	require.Equal(t, location, protocols["vcapi"])
	require.Equal(t,
		"openid-credential-offer://?credential_offer_uri="+url.QueryEscape(location+"/openid/credential-offer"),
		protocols["OID4VCI"])
	require.Equal(t,
		"openid4vp://authorize?request_uri="+url.QueryEscape(location+"/openid/client/authorization/request"),
		protocols["OID4VP"])

	// The signing key pair is minted server side and only its public half is
	// ever returned.
	openID := exch["openId"].(map[string]any)
	require.Equal(t, "code-123", openID["preAuthorizedCode"])
	keyPair := openID["oauth2"].(map[string]any)["keyPair"].(map[string]any)
	require.Contains(t, keyPair, "publicKeyJwk")
	require.NotContains(t, keyPair, "privateKeyJwk")
	require.NotContains(t, exch, "secrets")
}

func TestCreateExchangeRejectsBrokenOpenID(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, issuingWorkflowBody())

	resp, body := env.postJSON(t, id+"/exchanges", map[string]any{
		"openId": map[string]any{"preAuthorizedCode": "code-123"},
	})
	requireErrorEnvelope(t, resp, body, http.StatusBadRequest, "DataError")
	require.Contains(t, body["message"], "oauth2")
}

func TestGetExchangeNotFound(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, issuingWorkflowBody())

	resp, body := env.getJSON(t, id+"/exchanges/does-not-exist")
	requireErrorEnvelope(t, resp, body, http.StatusNotFound, "NotFoundError")
}

func TestGetExchangeHidesExpired(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, issuingWorkflowBody())
	location := env.createExchange(t, id, map[string]any{"ttl": 60})

	resp, body := env.getJSON(t, location)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)

	env.clock.Advance(2 * time.Minute)
	resp, body = env.getJSON(t, location)
	requireErrorEnvelope(t, resp, body, http.StatusNotFound, "NotFoundError")
}
