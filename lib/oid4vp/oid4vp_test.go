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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/courier/lib/backend/memory"
	"github.com/gravitational/courier/lib/exchange"
	"github.com/gravitational/courier/lib/types"
	"github.com/gravitational/courier/lib/verify"
)

// verifierInvoker fakes the remote verifier capability endpoint. It records
// the invocation payloads and reports every presentation as verified unless
// verified is flipped off.
type verifierInvoker struct {
	verified bool
	payloads []map[string]any
}

func (v *verifierInvoker) Invoke(ctx context.Context, capability *types.Capability, url string, payload any) (map[string]any, error) {
	body, ok := payload.(map[string]any)
	if !ok {
		return nil, trace.BadParameter("unexpected payload %T", payload)
	}
	v.payloads = append(v.payloads, body)
	return map[string]any{
		"verified": v.verified,
		"presentationResult": map[string]any{
			"results": []any{map[string]any{
				"verificationMethod": map[string]any{
					"id":         "did:key:z6Mk#z6Mk",
					"controller": "did:key:z6Mk",
				},
			}},
		},
	}, nil
}

type testEnv struct {
	clock   clockwork.Clock
	store   *exchange.Store
	server  *Server
	invoker *verifierInvoker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, bk.Close()) })

	store, err := exchange.NewStore(exchange.StoreConfig{Backend: bk, Clock: clock})
	require.NoError(t, err)

	invoker := &verifierInvoker{verified: true}
	verifier, err := verify.NewGateway(verify.GatewayConfig{Invoker: invoker, Clock: clock})
	require.NoError(t, err)

	server, err := NewServer(ServerConfig{Store: store, Verifier: verifier, Clock: clock})
	require.NoError(t, err)
	return &testEnv{clock: clock, store: store, server: server, invoker: invoker}
}

// presentationWorkflow returns a single-step workflow asking for a
// DriversLicenseCredential over OID4VP.
func presentationWorkflow(t *testing.T, openID *types.StepOpenID) *types.Workflow {
	t.Helper()
	id, err := types.NewLocalID()
	require.NoError(t, err)
	return &types.Workflow{
		ID:          "https://courier.example.com/workflows/" + id,
		InitialStep: "present",
		Steps: map[string]*types.Step{
			"present": {
				VerifiablePresentationRequest: map[string]any{
					"query": []any{map[string]any{
						"type": "QueryByExample",
						"credentialQuery": []any{map[string]any{
							"example": map[string]any{"type": "DriversLicenseCredential"},
						}},
					}},
				},
				OpenID: openID,
			},
		},
		Zcaps: map[string]*types.Capability{
			types.ZcapVerifyPresentation: {
				ID:               "urn:zcap:verify",
				InvocationTarget: "https://verifier.example.com/verifiers/1",
			},
		},
	}
}

func insertExchange(t *testing.T, env *testEnv, workflow *types.Workflow) *types.ExchangeRecord {
	t.Helper()
	id, err := types.NewLocalID()
	require.NoError(t, err)
	record, err := env.store.Insert(context.Background(), workflow, &types.Exchange{
		ID:      id,
		Step:    workflow.InitialStep,
		Expires: types.NewTimestamp(env.clock.Now().Add(15 * time.Minute)),
	})
	require.NoError(t, err)
	return record
}

func TestFromVPRStringType(t *testing.T) {
	request, err := FromVPR(map[string]any{
		"query": map[string]any{
			"type": "QueryByExample",
			"credentialQuery": []any{map[string]any{
				"example": map[string]any{"type": "DriversLicenseCredential"},
			}},
		},
	})
	require.NoError(t, err)

	definition, ok := request["presentation_definition"].(map[string]any)
	require.True(t, ok)
	require.NotEmpty(t, definition["id"])

	descriptors, ok := definition["input_descriptors"].([]any)
	require.True(t, ok)
	require.Len(t, descriptors, 1)
	descriptor := descriptors[0].(map[string]any)
	require.Equal(t, "descriptor-0", descriptor["id"])

	constraints := descriptor["constraints"].(map[string]any)
	fields := constraints["fields"].([]any)
	require.Len(t, fields, 1)
	field := fields[0].(map[string]any)
	require.Equal(t, []any{"$.type", "$.vc.type"}, field["path"])
	require.Equal(t, map[string]any{"type": "string", "const": "DriversLicenseCredential"}, field["filter"])
}

func TestFromVPRArrayType(t *testing.T) {
	request, err := FromVPR(map[string]any{
		"query": []any{map[string]any{
			"type": "QueryByExample",
			"credentialQuery": []any{map[string]any{
				"example": map[string]any{
					"type": []any{"VerifiableCredential", "DriversLicenseCredential"},
				},
			}},
		}},
	})
	require.NoError(t, err)

	definition := request["presentation_definition"].(map[string]any)
	descriptor := definition["input_descriptors"].([]any)[0].(map[string]any)
	field := descriptor["constraints"].(map[string]any)["fields"].([]any)[0].(map[string]any)
	require.Equal(t, map[string]any{
		"type": "array",
		"contains": map[string]any{
			"type": "string",
			"enum": []any{"VerifiableCredential", "DriversLicenseCredential"},
		},
	}, field["filter"])
}

func TestFromVPRDIDAuthenticationOnly(t *testing.T) {
	request, err := FromVPR(map[string]any{
		"query": map[string]any{"type": "DIDAuthentication"},
	})
	require.NoError(t, err)
	definition := request["presentation_definition"].(map[string]any)
	require.Equal(t, []any{}, definition["input_descriptors"])
}

func TestFromVPRUnsupportedQuery(t *testing.T) {
	_, err := FromVPR(map[string]any{
		"query": map[string]any{"type": "ZcapQuery"},
	})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestBuildAuthorizationRequestDefaults(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	workflow := presentationWorkflow(t, &types.StepOpenID{})
	record := insertExchange(t, env, workflow)

	request, err := env.server.BuildAuthorizationRequest(ctx, workflow, record, "")
	require.NoError(t, err)

	responseURI := workflow.ExchangeURL(record.Exchange.ID) + "/openid/client/authorization/response"
	require.Equal(t, "vp_token", request["response_type"])
	require.Equal(t, responseURI, request["response_uri"])
	require.Equal(t, responseURI, request["client_id"])
	require.Equal(t, ClientIDSchemeRedirectURI, request["client_id_scheme"])
	require.Equal(t, ResponseModeDirectPost, request["response_mode"])
	require.Equal(t, record.Exchange.ID, request["nonce"])

	metadata := request["client_metadata"].(map[string]any)
	formats := metadata["vp_formats"].(map[string]any)
	for _, alias := range []string{"jwt_vp", "jwt_vp_json", "di_vp", "ldp_vp", "mso_mdoc"} {
		require.Contains(t, formats, alias)
	}
	require.NotContains(t, metadata, "require_signed_request_object")

	// Building commits the activation and caches the request.
	require.Equal(t, types.ExchangeStateActive, record.Exchange.State)
	require.Equal(t, uint64(1), record.Exchange.Sequence)
	require.Equal(t, request, record.Exchange.Variables[defaultRequestVariable])

	// A rebuild serves the cache without another write.
	again, err := env.server.BuildAuthorizationRequest(ctx, workflow, record, "")
	require.NoError(t, err)
	require.Equal(t, request, again)
	require.Equal(t, uint64(1), record.Exchange.Sequence)
}

func TestBuildAuthorizationRequestX509Profile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	workflow := presentationWorkflow(t, &types.StepOpenID{
		OID4VPClientProfile: types.OID4VPClientProfile{
			ClientIDScheme: ClientIDSchemeX509SANDNS,
			ClientID:       "verifier.example.com",
		},
	})
	record := insertExchange(t, env, workflow)

	request, err := env.server.BuildAuthorizationRequest(ctx, workflow, record, "")
	require.NoError(t, err)
	require.Equal(t, ClientIDSchemeX509SANDNS, request["client_id_scheme"])
	require.Equal(t, "verifier.example.com", request["client_id"])
	// x509_san_dns submissions must come back encrypted and signed.
	require.Equal(t, ResponseModeDirectPostJWT, request["response_mode"])
	metadata := request["client_metadata"].(map[string]any)
	require.Equal(t, true, metadata["require_signed_request_object"])
}

func TestBuildAuthorizationRequestLiteralProfile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	literal := map[string]any{
		"response_type": "vp_token",
		"client_id":     "https://verifier.example.com/callback",
		"nonce":         "pinned-nonce",
	}
	workflow := presentationWorkflow(t, &types.StepOpenID{
		OID4VPClientProfile: types.OID4VPClientProfile{AuthorizationRequest: literal},
	})
	record := insertExchange(t, env, workflow)

	request, err := env.server.BuildAuthorizationRequest(ctx, workflow, record, "")
	require.NoError(t, err)
	require.Equal(t, literal, request)

	// Literal requests are never cached, only the activation commits.
	require.Equal(t, types.ExchangeStateActive, record.Exchange.State)
	require.Equal(t, uint64(1), record.Exchange.Sequence)
	require.NotContains(t, record.Exchange.Variables, defaultRequestVariable)
}

func TestBuildAuthorizationRequestProfileSelection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	workflow := presentationWorkflow(t, &types.StepOpenID{
		ClientProfiles: map[string]*types.OID4VPClientProfile{
			"mobile": {},
		},
	})
	record := insertExchange(t, env, workflow)

	_, err := env.server.BuildAuthorizationRequest(ctx, workflow, record, "desktop")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	_, err = env.server.BuildAuthorizationRequest(ctx, workflow, record, "")
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	request, err := env.server.BuildAuthorizationRequest(ctx, workflow, record, "mobile")
	require.NoError(t, err)
	responseURI := workflow.ExchangeURL(record.Exchange.ID) + "/openid/clients/mobile/authorization/response"
	require.Equal(t, responseURI, request["response_uri"])
}

func TestBuildAuthorizationRequestWithoutOpenID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	workflow := presentationWorkflow(t, nil)
	record := insertExchange(t, env, workflow)

	_, err := env.server.BuildAuthorizationRequest(ctx, workflow, record, "")
	require.True(t, trace.IsNotImplemented(err), "expected NotImplemented, got %v", err)
}
