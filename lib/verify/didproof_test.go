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

package verify

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/courier/lib/did"
	"github.com/gravitational/courier/lib/jwt"
	"github.com/gravitational/courier/lib/types"
)

type proofEnv struct {
	clock    *clockwork.FakeClock
	gateway  *Gateway
	workflow *types.Workflow
	exchange *types.Exchange

	holderDID string
	vmID      string
	key       ed25519.PrivateKey
}

func newProofEnv(t *testing.T) *proofEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	gateway, err := NewGateway(GatewayConfig{Invoker: &stubInvoker{}, Clock: clock})
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	holderDID, err := did.FromEd25519(pub)
	require.NoError(t, err)

	return &proofEnv{
		clock:     clock,
		gateway:   gateway,
		workflow:  &types.Workflow{ID: "https://courier.example.com/workflows/w1"},
		exchange:  &types.Exchange{ID: "exchange-1"},
		holderDID: holderDID,
		vmID:      holderDID + "#" + strings.TrimPrefix(holderDID, "did:key:"),
		key:       priv,
	}
}

func (e *proofEnv) claims() josejwt.Claims {
	return josejwt.Claims{
		Issuer:   e.holderDID,
		Audience: josejwt.Audience{e.workflow.ID + "/exchanges/" + e.exchange.ID},
		Expiry:   josejwt.NewNumericDate(e.clock.Now().Add(5 * time.Minute)),
	}
}

func (e *proofEnv) sign(t *testing.T, key ed25519.PrivateKey, kid string, claims josejwt.Claims, nonce string) string {
	t.Helper()
	token, err := jwt.Sign(
		&jose.JSONWebKey{Key: key, KeyID: kid},
		"openid4vci-proof+jwt",
		claims,
		map[string]any{"nonce": nonce},
	)
	require.NoError(t, err)
	return token
}

func (e *proofEnv) verify(t *testing.T, token string, req *types.JWTDIDProofRequest) (string, error) {
	t.Helper()
	return e.gateway.DIDProof(context.Background(), DIDProofParams{
		Workflow:     e.workflow,
		Exchange:     e.exchange,
		JWT:          token,
		ProofRequest: req,
	})
}

func TestDIDProof(t *testing.T) {
	env := newProofEnv(t)
	token := env.sign(t, env.key, env.vmID, env.claims(), env.exchange.ID)

	proven, err := env.verify(t, token, nil)
	require.NoError(t, err)
	require.Equal(t, env.holderDID, proven)
}

func TestDIDProofRejectsBareDIDKid(t *testing.T) {
	env := newProofEnv(t)
	token := env.sign(t, env.key, env.holderDID, env.claims(), env.exchange.ID)

	_, err := env.verify(t, token, nil)
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
	require.ErrorContains(t, err, "verification method")
}

func TestDIDProofRejectsForeignKey(t *testing.T) {
	env := newProofEnv(t)
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	// Signed by a different key but claiming the holder's method id.
	token := env.sign(t, otherKey, env.vmID, env.claims(), env.exchange.ID)

	_, err = env.verify(t, token, nil)
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
	require.ErrorContains(t, err, "verification failed")
}

func TestDIDProofRejectsWrongAudience(t *testing.T) {
	env := newProofEnv(t)
	claims := env.claims()
	claims.Audience = josejwt.Audience{"https://elsewhere.example.com/exchanges/other"}
	token := env.sign(t, env.key, env.vmID, claims, env.exchange.ID)

	_, err := env.verify(t, token, nil)
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
	require.ErrorContains(t, err, "audience")
}

func TestDIDProofRejectsWrongIssuer(t *testing.T) {
	env := newProofEnv(t)
	claims := env.claims()
	claims.Issuer = "did:key:z6MkSomeoneElse"
	token := env.sign(t, env.key, env.vmID, claims, env.exchange.ID)

	_, err := env.verify(t, token, nil)
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
	require.ErrorContains(t, err, "issuer")
}

func TestDIDProofRejectsWrongNonce(t *testing.T) {
	env := newProofEnv(t)
	token := env.sign(t, env.key, env.vmID, env.claims(), "some-other-exchange")

	_, err := env.verify(t, token, nil)
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
	require.ErrorContains(t, err, "nonce")
}

func TestDIDProofExpiryWithSkew(t *testing.T) {
	env := newProofEnv(t)

	// Expired within the default skew still verifies.
	claims := env.claims()
	claims.Expiry = josejwt.NewNumericDate(env.clock.Now().Add(-2 * time.Minute))
	token := env.sign(t, env.key, env.vmID, claims, env.exchange.ID)
	_, err := env.verify(t, token, nil)
	require.NoError(t, err)

	// Past the skew it is dead.
	claims.Expiry = josejwt.NewNumericDate(env.clock.Now().Add(-10 * time.Minute))
	token = env.sign(t, env.key, env.vmID, claims, env.exchange.ID)
	_, err = env.verify(t, token, nil)
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
	require.ErrorContains(t, err, "expired")
}

func TestDIDProofNotYetValid(t *testing.T) {
	env := newProofEnv(t)
	claims := env.claims()
	claims.NotBefore = josejwt.NewNumericDate(env.clock.Now().Add(10 * time.Minute))
	token := env.sign(t, env.key, env.vmID, claims, env.exchange.ID)

	_, err := env.verify(t, token, nil)
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
	require.ErrorContains(t, err, "not valid yet")
}

func TestDIDProofExchangeClockSkew(t *testing.T) {
	env := newProofEnv(t)
	// The exchange narrows the skew to 10 seconds.
	env.exchange.OpenID = &types.OpenIDState{
		OAuth2: &types.OAuth2Config{MaxClockSkewSeconds: 10},
	}
	claims := env.claims()
	claims.Expiry = josejwt.NewNumericDate(env.clock.Now().Add(-2 * time.Minute))
	token := env.sign(t, env.key, env.vmID, claims, env.exchange.ID)

	_, err := env.verify(t, token, nil)
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
	require.ErrorContains(t, err, "expired")
}

func TestDIDProofAcceptedMethods(t *testing.T) {
	env := newProofEnv(t)
	token := env.sign(t, env.key, env.vmID, env.claims(), env.exchange.ID)

	_, err := env.verify(t, token, &types.JWTDIDProofRequest{
		AcceptedMethods: []types.AcceptedDIDMethod{{Method: "web"}},
	})
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
	require.ErrorContains(t, err, "not accepted")

	proven, err := env.verify(t, token, &types.JWTDIDProofRequest{
		AcceptedMethods: []types.AcceptedDIDMethod{{Method: "key"}},
	})
	require.NoError(t, err)
	require.Equal(t, env.holderDID, proven)
}

func TestDIDProofAllowedAlgorithms(t *testing.T) {
	env := newProofEnv(t)
	token := env.sign(t, env.key, env.vmID, env.claims(), env.exchange.ID)

	_, err := env.verify(t, token, &types.JWTDIDProofRequest{
		AllowedAlgorithms: []string{"none"},
	})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	_, err = env.verify(t, token, &types.JWTDIDProofRequest{
		AllowedAlgorithms: []string{"RS256"},
	})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	require.ErrorContains(t, err, "unsupported")

	// An EdDSA proof fails a step that only accepts ES256.
	_, err = env.verify(t, token, &types.JWTDIDProofRequest{
		AllowedAlgorithms: []string{"ES256"},
	})
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)

	proven, err := env.verify(t, token, &types.JWTDIDProofRequest{
		AllowedAlgorithms: []string{"Ed25519"},
	})
	require.NoError(t, err)
	require.Equal(t, env.holderDID, proven)
}
