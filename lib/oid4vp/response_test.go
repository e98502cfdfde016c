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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/courier/lib/exchange"
	"github.com/gravitational/courier/lib/types"
)

func testSubmission(format string) map[string]any {
	return map[string]any{
		"id":            "submission-1",
		"definition_id": "definition-1",
		"descriptor_map": []any{map[string]any{
			"id":     "descriptor-0",
			"format": format,
			"path":   "$",
		}},
	}
}

func testSubmissionJSON(t *testing.T, format string) string {
	t.Helper()
	data, err := json.Marshal(testSubmission(format))
	require.NoError(t, err)
	return string(data)
}

func literalPresentation() map[string]any {
	return map[string]any{
		"@context": []any{"https://www.w3.org/ns/credentials/v2"},
		"type":     []any{"VerifiablePresentation"},
		"proof": map[string]any{
			"type": "DataIntegrityProof",
		},
	}
}

func TestProcessAuthorizationResponseLiteral(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	workflow := presentationWorkflow(t, &types.StepOpenID{})
	record := insertExchange(t, env, workflow)

	vpToken, err := json.Marshal(literalPresentation())
	require.NoError(t, err)

	body, err := env.server.ProcessAuthorizationResponse(ctx, workflow, record, "", &AuthorizationResponse{
		VPToken:                string(vpToken),
		PresentationSubmission: testSubmissionJSON(t, "ldp_vp"),
	})
	require.NoError(t, err)
	require.Empty(t, body)

	// The pure presentation workflow completes on submission: one write for
	// the authorization request build, one for the terminal transition.
	require.Equal(t, types.ExchangeStateComplete, record.Exchange.State)
	require.Equal(t, uint64(2), record.Exchange.Sequence)

	result := exchange.GetStepResult(record.Exchange, "present")
	require.NotNil(t, result)
	require.Equal(t, "did:key:z6Mk", result["did"])
	require.NotContains(t, result, "envelopedPresentation")
	openID, ok := result["openId"].(map[string]any)
	require.True(t, ok)
	require.NotNil(t, openID["authorizationRequest"])
	require.NotNil(t, openID["presentationSubmission"])

	// The verifier saw the exchange nonce as the pinned challenge.
	require.Len(t, env.invoker.payloads, 1)
	options := env.invoker.payloads[0]["options"].(map[string]any)
	require.Equal(t, record.Exchange.ID, options["challenge"])
	require.Equal(t, "https://courier.example.com", options["domain"])
	require.Equal(t, []string{"proof"}, options["checks"])
}

func TestProcessAuthorizationResponseJWT(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	workflow := presentationWorkflow(t, &types.StepOpenID{})
	record := insertExchange(t, env, workflow)

	contents := map[string]any{
		"@context": []any{"https://www.w3.org/ns/credentials/v2"},
		"type":     []any{"VerifiablePresentation"},
	}
	payload, err := json.Marshal(map[string]any{"vp": contents})
	require.NoError(t, err)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256"}`))
	token := header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".c2ln"

	_, err = env.server.ProcessAuthorizationResponse(ctx, workflow, record, "", &AuthorizationResponse{
		VPToken:                token,
		PresentationSubmission: testSubmissionJSON(t, "jwt_vp"),
	})
	require.NoError(t, err)
	require.Equal(t, types.ExchangeStateComplete, record.Exchange.State)

	result := exchange.GetStepResult(record.Exchange, "present")
	require.NotNil(t, result)
	envelope, ok := result["envelopedPresentation"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "EnvelopedVerifiablePresentation", envelope["type"])
	id, _ := envelope["id"].(string)
	require.True(t, strings.HasPrefix(id, "data:application/jwt,"), "unexpected envelope id %q", id)
	require.Equal(t, token, strings.TrimPrefix(id, "data:application/jwt,"))
	require.Equal(t, contents, result["verifiablePresentation"])
}

func TestProcessAuthorizationResponseEncrypted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	workflow := presentationWorkflow(t, &types.StepOpenID{
		OID4VPClientProfile: types.OID4VPClientProfile{
			ResponseMode: ResponseModeDirectPostJWT,
		},
	})

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	id, err := types.NewLocalID()
	require.NoError(t, err)
	record, err := env.store.Insert(ctx, workflow, &types.Exchange{
		ID:      id,
		Step:    workflow.InitialStep,
		Expires: types.NewTimestamp(env.clock.Now().Add(15 * time.Minute)),
		Secrets: &types.ExchangeSecrets{
			OID4VP: map[string]*types.OID4VPSecrets{
				"": {KeyAgreementKey: &jose.JSONWebKey{
					Key:       key,
					KeyID:     "enc-1",
					Use:       "enc",
					Algorithm: string(jose.ECDH_ES),
				}},
			},
		},
	})
	require.NoError(t, err)

	plaintext, err := json.Marshal(map[string]any{
		"vp_token":                literalPresentation(),
		"presentation_submission": testSubmission("ldp_vp"),
	})
	require.NoError(t, err)
	encrypter, err := jose.NewEncrypter(jose.A256GCM,
		jose.Recipient{Algorithm: jose.ECDH_ES, Key: &key.PublicKey, KeyID: "enc-1"}, nil)
	require.NoError(t, err)
	encrypted, err := encrypter.Encrypt(plaintext)
	require.NoError(t, err)
	serialized, err := encrypted.CompactSerialize()
	require.NoError(t, err)

	_, err = env.server.ProcessAuthorizationResponse(ctx, workflow, record, "", &AuthorizationResponse{
		Response: serialized,
	})
	require.NoError(t, err)
	require.Equal(t, types.ExchangeStateComplete, record.Exchange.State)
	require.NotNil(t, exchange.GetStepResult(record.Exchange, "present"))
}

func TestProcessAuthorizationResponseEncryptedWithoutKey(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	workflow := presentationWorkflow(t, &types.StepOpenID{})
	record := insertExchange(t, env, workflow)

	_, err := env.server.ProcessAuthorizationResponse(ctx, workflow, record, "", &AuthorizationResponse{
		Response: "eyJhbGciOiJFQ0RILUVTIn0..AAAA.AAAA.AAAA",
	})
	require.True(t, trace.IsNotImplemented(err), "expected NotImplemented, got %v", err)
}

func TestProcessAuthorizationResponseMdoc(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	workflow := presentationWorkflow(t, &types.StepOpenID{})
	record := insertExchange(t, env, workflow)

	// 0xa0 is an empty CBOR map.
	token := base64.RawURLEncoding.EncodeToString([]byte{0xa0})
	_, err := env.server.ProcessAuthorizationResponse(ctx, workflow, record, "", &AuthorizationResponse{
		VPToken:                token,
		PresentationSubmission: testSubmissionJSON(t, "mso_mdoc"),
	})
	require.NoError(t, err)

	result := exchange.GetStepResult(record.Exchange, "present")
	require.NotNil(t, result)
	envelope := result["envelopedPresentation"].(map[string]any)
	require.Equal(t, "data:application/mdl-vp-token,"+token, envelope["id"])
}

func TestProcessAuthorizationResponseMdocRejectsBadToken(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	workflow := presentationWorkflow(t, &types.StepOpenID{})
	record := insertExchange(t, env, workflow)

	// 0xff is not well-formed CBOR.
	token := base64.RawURLEncoding.EncodeToString([]byte{0xff})
	_, err := env.server.ProcessAuthorizationResponse(ctx, workflow, record, "", &AuthorizationResponse{
		VPToken:                token,
		PresentationSubmission: testSubmissionJSON(t, "mso_mdoc"),
	})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	require.ErrorContains(t, err, "CBOR")
}

func TestProcessAuthorizationResponsePriorSubmission(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	workflow := presentationWorkflow(t, &types.StepOpenID{
		ClientProfiles: map[string]*types.OID4VPClientProfile{
			"mobile":  {},
			"desktop": {},
		},
	})
	record := insertExchange(t, env, workflow)

	require.NoError(t, exchange.SetStepResult(record.Exchange, "present", &exchange.StepResult{
		OpenID: &exchange.OpenIDResult{
			ClientProfileID:        "mobile",
			PresentationSubmission: testSubmission("ldp_vp"),
		},
	}))

	vpToken, err := json.Marshal(literalPresentation())
	require.NoError(t, err)
	_, err = env.server.ProcessAuthorizationResponse(ctx, workflow, record, "desktop", &AuthorizationResponse{
		VPToken:                string(vpToken),
		PresentationSubmission: testSubmissionJSON(t, "ldp_vp"),
	})
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
}

func TestProcessAuthorizationResponseTerminalExchange(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	workflow := presentationWorkflow(t, &types.StepOpenID{})
	record := insertExchange(t, env, workflow)
	record.Exchange.State = types.ExchangeStateComplete

	_, err := env.server.ProcessAuthorizationResponse(ctx, workflow, record, "", &AuthorizationResponse{})
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
}

func TestProcessAuthorizationResponseInvalidSubmission(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	workflow := presentationWorkflow(t, &types.StepOpenID{})
	record := insertExchange(t, env, workflow)

	vpToken, err := json.Marshal(literalPresentation())
	require.NoError(t, err)
	_, err = env.server.ProcessAuthorizationResponse(ctx, workflow, record, "", &AuthorizationResponse{
		VPToken:                string(vpToken),
		PresentationSubmission: `{"id": "submission-1"}`,
	})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	require.ErrorContains(t, err, "schema")
}

func TestProcessAuthorizationResponseUnverified(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.invoker.verified = false
	workflow := presentationWorkflow(t, &types.StepOpenID{})
	record := insertExchange(t, env, workflow)

	vpToken, err := json.Marshal(literalPresentation())
	require.NoError(t, err)
	_, err = env.server.ProcessAuthorizationResponse(ctx, workflow, record, "", &AuthorizationResponse{
		VPToken:                string(vpToken),
		PresentationSubmission: testSubmissionJSON(t, "ldp_vp"),
	})
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
	// Nothing terminal committed, the wallet may retry.
	require.Equal(t, types.ExchangeStateActive, record.Exchange.State)
	require.Nil(t, exchange.GetStepResult(record.Exchange, "present"))
}
