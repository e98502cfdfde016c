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
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"

	"github.com/gravitational/courier/lib/defaults"
	"github.com/gravitational/courier/lib/did"
	"github.com/gravitational/courier/lib/jwt"
	"github.com/gravitational/courier/lib/types"
)

// defaultProofAlgorithms are the signature algorithms accepted on holder
// DID proof JWTs when the step does not restrict them.
var defaultProofAlgorithms = []jose.SignatureAlgorithm{jose.ES256, jose.ES384, jose.EdDSA}

// DIDProofParams are the inputs of one DID proof JWT verification.
type DIDProofParams struct {
	// Workflow owns the exchange.
	Workflow *types.Workflow
	// Exchange is the exchange the proof is bound to: its id doubles as
	// the proof nonce and its URL as the audience.
	Exchange *types.Exchange
	// JWT is the compact holder proof.
	JWT string
	// ProofRequest is the step's jwtDidProofRequest, when present.
	ProofRequest *types.JWTDIDProofRequest
}

// DIDProof verifies a holder proof of DID control. The proof must be signed
// by a verification method the holder's DID document authorizes for
// authentication, be addressed to this exchange and carry the exchange id
// as nonce. The proven DID is returned.
func (g *Gateway) DIDProof(ctx context.Context, params DIDProofParams) (string, error) {
	if params.Workflow == nil || params.Exchange == nil {
		return "", trace.BadParameter("missing workflow or exchange")
	}
	allowed, err := allowedAlgorithms(params.ProofRequest)
	if err != nil {
		return "", trace.Wrap(err)
	}

	kid, _, err := jwt.ParseHeader(params.JWT, allowed)
	if err != nil {
		return "", trace.AccessDenied("invalid DID proof: %v", err)
	}
	holderDID, _, found := strings.Cut(kid, "#")
	if !found || holderDID == "" {
		return "", trace.AccessDenied("DID proof kid %q is not a verification method id", kid)
	}
	if err := checkAcceptedMethod(holderDID, params.ProofRequest); err != nil {
		return "", trace.Wrap(err)
	}

	document, err := g.cfg.Resolver.Resolve(ctx, holderDID)
	if err != nil {
		return "", trace.AccessDenied("failed to resolve DID %q: %v", holderDID, err)
	}
	vm, err := document.AuthenticationMethod(kid)
	if err != nil {
		return "", trace.Wrap(err)
	}

	var claims josejwt.Claims
	var all map[string]any
	if err := jwt.Verify(params.JWT, vm.Key, allowed, &claims, &all); err != nil {
		return "", trace.AccessDenied("DID proof verification failed: %v", err)
	}

	audience := params.Workflow.ID + "/exchanges/" + params.Exchange.ID
	if !slices.Contains(claims.Audience, audience) {
		return "", trace.AccessDenied("DID proof audience %v does not match %q", []string(claims.Audience), audience)
	}
	if claims.Issuer != vm.Controller {
		return "", trace.AccessDenied("DID proof issuer %q does not match key controller %q", claims.Issuer, vm.Controller)
	}
	nonce, _ := all["nonce"].(string)
	if nonce != params.Exchange.ID {
		return "", trace.AccessDenied("DID proof nonce does not match the exchange")
	}

	skew := g.clockSkew(params.Exchange)
	now := g.cfg.Clock.Now()
	if claims.Expiry != nil && now.After(claims.Expiry.Time().Add(skew)) {
		return "", trace.AccessDenied("DID proof is expired")
	}
	if claims.NotBefore != nil && now.Add(skew).Before(claims.NotBefore.Time()) {
		return "", trace.AccessDenied("DID proof is not valid yet")
	}
	return claims.Issuer, nil
}

func (g *Gateway) clockSkew(exchange *types.Exchange) time.Duration {
	if exchange.OpenID != nil && exchange.OpenID.OAuth2 != nil && exchange.OpenID.OAuth2.MaxClockSkewSeconds > 0 {
		return time.Duration(exchange.OpenID.OAuth2.MaxClockSkewSeconds) * time.Second
	}
	return defaults.MaxClockSkew
}

// allowedAlgorithms maps a proof request's allowed algorithm names to jose
// algorithms. The none algorithm is always rejected.
func allowedAlgorithms(req *types.JWTDIDProofRequest) ([]jose.SignatureAlgorithm, error) {
	if req == nil || len(req.AllowedAlgorithms) == 0 {
		return defaultProofAlgorithms, nil
	}
	var allowed []jose.SignatureAlgorithm
	for _, name := range req.AllowedAlgorithms {
		switch name {
		case "none":
			return nil, trace.BadParameter("algorithm none is never allowed")
		case "Ed25519", "EdDSA":
			allowed = append(allowed, jose.EdDSA)
		case string(jose.ES256):
			allowed = append(allowed, jose.ES256)
		case string(jose.ES384):
			allowed = append(allowed, jose.ES384)
		default:
			return nil, trace.BadParameter("unsupported DID proof algorithm %q", name)
		}
	}
	return allowed, nil
}

func checkAcceptedMethod(holderDID string, req *types.JWTDIDProofRequest) error {
	if req == nil || len(req.AcceptedMethods) == 0 {
		return nil
	}
	method, err := did.Method(holderDID)
	if err != nil {
		return trace.AccessDenied("invalid DID %q: %v", holderDID, err)
	}
	for _, accepted := range req.AcceptedMethods {
		if accepted.Method == method {
			return nil
		}
	}
	return trace.AccessDenied("DID method %q is not accepted by this step", method)
}
