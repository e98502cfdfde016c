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
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/courier/lib/defaults"
	"github.com/gravitational/courier/lib/httplib"
	"github.com/gravitational/courier/lib/jwt"
	"github.com/gravitational/courier/lib/oid4vp"
	"github.com/gravitational/courier/lib/types"
	"github.com/gravitational/courier/lib/utils"
)

// createExchangeRequest is the body of POST <workflow>/exchanges.
type createExchangeRequest struct {
	// TTL is the exchange lifetime in seconds. Mutually exclusive with
	// Expires.
	TTL int64 `json:"ttl,omitempty"`
	// Expires is an absolute expiry timestamp.
	Expires types.Timestamp `json:"expires,omitempty"`
	// Variables seeds the exchange variable scope.
	Variables map[string]any `json:"variables,omitempty"`
	// Step overrides the workflow's initial step.
	Step string `json:"step,omitempty"`
	// OpenID requests a virtual OID4VCI authorization server.
	OpenID *types.OpenIDState `json:"openId,omitempty"`
}

// createExchange mints a new exchange under the workflow and replies 204
// with its location.
func (h *Handler) createExchange(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	workflow, err := h.fetchWorkflow(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req createExchangeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	expires, err := h.exchangeExpiry(&req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	step := req.Step
	if step == "" {
		step = workflow.InitialStep
	}
	if step != "" {
		if _, ok := workflow.Steps[step]; !ok {
			return nil, trace.BadParameter("workflow has no step %q", step)
		}
	}
	openID, err := prepareOpenID(req.OpenID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	variables, err := utils.DeepCopyJSONMap(req.Variables)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	id, err := types.NewLocalID()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	exch := &types.Exchange{
		ID:        id,
		State:     types.ExchangeStatePending,
		Step:      step,
		Expires:   types.NewTimestamp(expires),
		Variables: variables,
		OpenID:    openID,
	}
	exch.Secrets, err = mintSecrets(workflow, step)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	exch.Protocols = protocolURLs(workflow, exch)

	if _, err := h.cfg.Store.Insert(r.Context(), workflow, exch); err != nil {
		return nil, trace.Wrap(err)
	}
	w.Header().Set("Location", workflow.ExchangeURL(exch.ID))
	w.WriteHeader(http.StatusNoContent)
	return nil, nil
}

// getExchange returns the redacted exchange.
func (h *Handler) getExchange(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	_, record, err := h.fetchExchange(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	redacted, err := record.Exchange.Redacted()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	httplib.SetNoCacheHeaders(w.Header())
	return map[string]any{"exchange": redacted}, nil
}

// exchangeExpiry resolves the requested lifetime: ttl and expires are
// mutually exclusive, the default is 15 minutes and nothing may live past
// 48 hours.
func (h *Handler) exchangeExpiry(req *createExchangeRequest) (time.Time, error) {
	now := h.cfg.Clock.Now()
	if req.TTL != 0 && !req.Expires.IsZero() {
		return time.Time{}, trace.BadParameter("ttl and expires are mutually exclusive")
	}
	if !req.Expires.IsZero() {
		expires := req.Expires.Time
		if !expires.After(now) {
			return time.Time{}, trace.BadParameter("expires is in the past")
		}
		if expires.After(now.Add(defaults.MaxExchangeTTL)) {
			return time.Time{}, trace.BadParameter("expires exceeds the maximum lifetime of %v", defaults.MaxExchangeTTL)
		}
		return expires, nil
	}
	ttl := defaults.ExchangeTTL
	if req.TTL != 0 {
		if req.TTL < 0 {
			return time.Time{}, trace.BadParameter("ttl cannot be negative")
		}
		ttl = time.Duration(req.TTL) * time.Second
		if ttl > defaults.MaxExchangeTTL {
			return time.Time{}, trace.BadParameter("ttl exceeds the maximum lifetime of %v", defaults.MaxExchangeTTL)
		}
	}
	return now.Add(ttl), nil
}

// prepareOpenID finalizes the virtual authorization server state: generates
// or imports the signing key pair and defaults the pre-authorized code.
func prepareOpenID(openID *types.OpenIDState) (*types.OpenIDState, error) {
	if openID == nil {
		return nil, nil
	}
	if err := openID.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if openID.OAuth2.GenerateKeyPair != nil {
		keyPair, err := jwt.GenerateKeyPair(openID.OAuth2.GenerateKeyPair.Algorithm)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		openID.OAuth2.KeyPair = keyPair
		openID.OAuth2.GenerateKeyPair = nil
	}
	if openID.PreAuthorizedCode == "" {
		openID.PreAuthorizedCode = uuid.NewString()
	}
	for _, request := range openID.ExpectedCredentialRequests {
		if err := request.Normalize(); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return openID, nil
}

// mintSecrets generates key agreement keys for every client profile of the
// starting step that returns authorization responses encrypted. Templated
// steps resolve at runtime, so nothing can be minted for them here.
func mintSecrets(workflow *types.Workflow, stepName string) (*types.ExchangeSecrets, error) {
	if stepName == "" {
		return nil, nil
	}
	step := workflow.Steps[stepName]
	if step == nil || step.StepTemplate != nil || step.OpenID == nil {
		return nil, nil
	}
	profiles := map[string]*types.OID4VPClientProfile{}
	if len(step.OpenID.ClientProfiles) > 0 {
		for id, profile := range step.OpenID.ClientProfiles {
			profiles[id] = profile
		}
	} else {
		profiles[""] = &step.OpenID.OID4VPClientProfile
	}

	var secrets *types.ExchangeSecrets
	for id, profile := range profiles {
		if !encryptedResponses(profile) {
			continue
		}
		key, err := generateKeyAgreementKey()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if secrets == nil {
			secrets = &types.ExchangeSecrets{OID4VP: map[string]*types.OID4VPSecrets{}}
		}
		secrets.OID4VP[id] = &types.OID4VPSecrets{KeyAgreementKey: key}
	}
	return secrets, nil
}

// encryptedResponses reports whether the profile's authorization responses
// arrive as direct_post.jwt.
func encryptedResponses(profile *types.OID4VPClientProfile) bool {
	return profile.ResponseMode == oid4vp.ResponseModeDirectPostJWT ||
		profile.ClientIDScheme == oid4vp.ClientIDSchemeX509SANDNS
}

const jwkThumbprintHash = crypto.SHA256

// generateKeyAgreementKey mints a P-256 key for ECDH-ES response
// decryption, key id set to the RFC 7638 thumbprint.
func generateKeyAgreementKey() (*jose.JSONWebKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	jwk := &jose.JSONWebKey{Key: key, Use: "enc", Algorithm: string(jose.ECDH_ES)}
	thumbprint, err := jwk.Thumbprint(jwkThumbprintHash)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	jwk.KeyID = base64.RawURLEncoding.EncodeToString(thumbprint)
	return jwk, nil
}

// protocolURLs maps each protocol the exchange can be driven over to its
// entry point.
func protocolURLs(workflow *types.Workflow, exch *types.Exchange) map[string]string {
	exchangeURL := workflow.ExchangeURL(exch.ID)
	protocols := map[string]string{
		"vcapi": exchangeURL,
	}
	if exch.OpenID != nil {
		offer := exchangeURL + "/openid/credential-offer"
		protocols["OID4VCI"] = "openid-credential-offer://?credential_offer_uri=" + url.QueryEscape(offer)
	}
	if exch.Step != "" {
		if step := workflow.Steps[exch.Step]; step != nil && step.StepTemplate == nil && step.OpenID != nil {
			if len(step.OpenID.ClientProfiles) == 0 {
				request := exchangeURL + "/openid/client/authorization/request"
				protocols["OID4VP"] = "openid4vp://authorize?request_uri=" + url.QueryEscape(request)
			}
		}
	}
	return protocols
}
