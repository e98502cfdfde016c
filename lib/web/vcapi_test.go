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
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

// didAuthWorkflowBody asks for holder authentication and nothing else on its
// single step.
func didAuthWorkflowBody() map[string]any {
	return map[string]any{
		"initialStep": "authenticate",
		"steps": map[string]any{
			"authenticate": map[string]any{
				"verifiablePresentationRequest": map[string]any{
					"query": map[string]any{"type": "DIDAuthentication"},
				},
				"createChallenge": true,
				"redirectUrl":     "https://rp.example.com/done",
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

func presentationBody(challenge string) map[string]any {
	return map[string]any{
		"verifiablePresentation": map[string]any{
			"@context": []any{"https://www.w3.org/ns/credentials/v2"},
			"type":     []any{"VerifiablePresentation"},
			"holder":   "did:key:z6Mk",
			"proof": map[string]any{
				"type":      "DataIntegrityProof",
				"challenge": challenge,
			},
		},
	}
}

func TestVCAPISteplessIssuance(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, issuingWorkflowBody())
	location := env.createExchange(t, id, map[string]any{
		"variables": map[string]any{"name": "alice"},
	})

	resp, body := env.postJSON(t, location, map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	presentation := body["verifiablePresentation"].(map[string]any)
	credentials := presentation["verifiableCredential"].([]any)
	require.Len(t, credentials, 1)
	credential := credentials[0].(map[string]any)
	require.Equal(t, map[string]any{"name": "alice"}, credential["credentialSubject"])

	resp, body = env.getJSON(t, location)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "complete", body["exchange"].(map[string]any)["state"])

	// Finished exchanges refuse another pass.
	resp, body = env.postJSON(t, location, map[string]any{})
	requireErrorEnvelope(t, resp, body, http.StatusForbidden, "NotAllowedError")
	require.Equal(t, "Exchange is complete", body["message"])
}

func TestVCAPIPresentationFlow(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, didAuthWorkflowBody())
	location := env.createExchange(t, id, nil)
	exchangeID := path.Base(location)

	// An empty pass returns the presentation request, challenge pinned to
	// the exchange id on the initial step.
	resp, body := env.postJSON(t, location, map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	vpr := body["verifiablePresentationRequest"].(map[string]any)
	require.Equal(t, exchangeID, vpr["challenge"])
	require.NotNil(t, vpr["query"])

	// Answering it completes the exchange and hands back the redirect.
	resp, body = env.postJSON(t, location, presentationBody(exchangeID))
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	require.Equal(t, "https://rp.example.com/done", body["redirectUrl"])

	resp, body = env.getJSON(t, location)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exch := body["exchange"].(map[string]any)
	require.Equal(t, "complete", exch["state"])

	results := exch["variables"].(map[string]any)["results"].(map[string]any)
	result := results["authenticate"].(map[string]any)
	require.Equal(t, "did:key:z6Mk", result["did"])
}

func TestVCAPIRemoteChallenge(t *testing.T) {
	env := newWebEnv(t)
	workflowBody := map[string]any{
		"initialStep": "first",
		"steps": map[string]any{
			"first": map[string]any{
				"verifiablePresentationRequest": map[string]any{
					"query": map[string]any{"type": "DIDAuthentication"},
				},
				"createChallenge": true,
				"nextStep":        "second",
			},
			"second": map[string]any{
				"verifiablePresentationRequest": map[string]any{
					"query": map[string]any{"type": "DIDAuthentication"},
				},
				"createChallenge": true,
			},
		},
		"zcaps": map[string]any{
			"verifyPresentation": map[string]any{
				"id":               "urn:zcap:verify",
				"invocationTarget": "https://verifier.example.com/verifiers/1",
			},
			"createChallenge": map[string]any{
				"id":               "urn:zcap:challenge",
				"invocationTarget": "https://verifier.example.com/verifiers/1/challenges",
			},
		},
	}
	id := env.createWorkflow(t, workflowBody)
	location := env.createExchange(t, id, nil)
	exchangeID := path.Base(location)

	resp, body := env.postJSON(t, location, map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	vpr := body["verifiablePresentationRequest"].(map[string]any)
	require.Equal(t, exchangeID, vpr["challenge"])

	// The answer advances to the second step, whose challenge is minted by
	// the remote verifier.
	resp, body = env.postJSON(t, location, presentationBody(exchangeID))
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	vpr = body["verifiablePresentationRequest"].(map[string]any)
	require.Equal(t, "challenge-from-verifier", vpr["challenge"])

	resp, body = env.getJSON(t, location)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exch := body["exchange"].(map[string]any)
	require.Equal(t, "active", exch["state"])
	require.Equal(t, "second", exch["step"])
}

func TestVCAPIChallengeRequiresOptIn(t *testing.T) {
	env := newWebEnv(t)
	workflowBody := didAuthWorkflowBody()
	step := workflowBody["steps"].(map[string]any)["authenticate"].(map[string]any)
	delete(step, "createChallenge")
	id := env.createWorkflow(t, workflowBody)
	location := env.createExchange(t, id, nil)

	// Without the opt-in the presentation request goes out as authored.
	resp, body := env.postJSON(t, location, map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	vpr := body["verifiablePresentationRequest"].(map[string]any)
	require.NotContains(t, vpr, "challenge")

	// Replay protection is then the verifier's to do; the holder picks the
	// proof challenge.
	resp, body = env.postJSON(t, location, presentationBody("wallet-chosen"))
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	require.Equal(t, "https://rp.example.com/done", body["redirectUrl"])

	resp, body = env.getJSON(t, location)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "complete", body["exchange"].(map[string]any)["state"])
}

func TestVCAPIRejectsUnrequestedPresentation(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, issuingWorkflowBody())
	location := env.createExchange(t, id, nil)

	resp, body := env.postJSON(t, location, presentationBody("whatever"))
	requireErrorEnvelope(t, resp, body, http.StatusBadRequest, "DataError")
	require.Contains(t, body["message"], "did not request a presentation")
}

func TestVCAPIUnsupportedExchange(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, inviteWorkflowBody())
	location := env.createExchange(t, id, nil)

	resp, body := env.postJSON(t, location, map[string]any{})
	requireErrorEnvelope(t, resp, body, http.StatusBadRequest, "NotSupportedError")
	require.Contains(t, body["message"], "VC-API")
}
