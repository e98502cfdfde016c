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
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/httplib"
	"github.com/gravitational/courier/lib/jwt"
	"github.com/gravitational/courier/lib/oid4vci"
	"github.com/gravitational/courier/lib/oid4vp"
)

func (h *Handler) openIDMetadata(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	workflow, record, err := h.fetchExchange(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.OID4VCI.Metadata(workflow, record.Exchange)
}

func (h *Handler) openIDJWKS(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	_, record, err := h.fetchExchange(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.OID4VCI.JWKS(record.Exchange)
}

func (h *Handler) openIDToken(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	workflow, record, err := h.fetchExchange(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := r.ParseForm(); err != nil {
		return nil, trace.BadParameter("failed to parse token request form: %v", err)
	}
	httplib.SetNoCacheHeaders(w.Header())
	return h.cfg.OID4VCI.Token(r.Context(), workflow, record, oid4vci.TokenRequest{
		GrantType:         r.PostFormValue("grant_type"),
		PreAuthorizedCode: r.PostFormValue("pre-authorized_code"),
	})
}

func (h *Handler) openIDCredential(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	workflow, record, err := h.fetchExchange(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	bearer, err := bearerToken(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var request oid4vci.CredentialRequest
	if err := httplib.ReadJSON(r, &request); err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.OID4VCI.Credential(r.Context(), workflow, record, bearer, &request)
}

func (h *Handler) openIDBatchCredential(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	workflow, record, err := h.fetchExchange(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	bearer, err := bearerToken(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var body struct {
		CredentialRequests []*oid4vci.CredentialRequest `json:"credential_requests"`
	}
	if err := httplib.ReadJSON(r, &body); err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.OID4VCI.BatchCredential(r.Context(), workflow, record, bearer, body.CredentialRequests)
}

func (h *Handler) openIDCredentialOffer(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	workflow, record, err := h.fetchExchange(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.OID4VCI.CredentialOffer(workflow, record.Exchange)
}

func (h *Handler) openIDNonce(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	_, record, err := h.fetchExchange(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	httplib.SetNoCacheHeaders(w.Header())
	return h.cfg.OID4VCI.Nonce(record.Exchange), nil
}

// authorizationRequest serves the OID4VP authorization request as an
// unsecured request object JWT.
func (h *Handler) authorizationRequest(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	workflow, record, err := h.fetchExchange(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	request, err := h.cfg.OID4VP.BuildAuthorizationRequest(r.Context(), workflow, record, p.ByName("client_profile_id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	signed, err := jwt.SignUnsecured(request, "oauth-authz-req+jwt")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	httplib.SetNoCacheHeaders(w.Header())
	w.Header().Set("Content-Type", courier.MimeTypeAuthzRequestJWT)
	if _, err := w.Write([]byte(signed)); err != nil {
		h.cfg.Logger.DebugContext(r.Context(), "Failed to write authorization request.", "error", err)
	}
	return nil, nil
}

// authorizationResponse accepts a wallet's form-encoded authorization
// response, plain or encrypted.
func (h *Handler) authorizationResponse(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	workflow, record, err := h.fetchExchange(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := r.ParseForm(); err != nil {
		return nil, trace.BadParameter("failed to parse authorization response form: %v", err)
	}
	response := &oid4vp.AuthorizationResponse{
		VPToken:                r.PostFormValue("vp_token"),
		PresentationSubmission: r.PostFormValue("presentation_submission"),
		Response:               r.PostFormValue("response"),
	}
	return h.cfg.OID4VP.ProcessAuthorizationResponse(r.Context(), workflow, record, p.ByName("client_profile_id"), response)
}

// bearerToken extracts the bearer access token from the request.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", trace.AccessDenied("request carries no bearer token")
	}
	return token, nil
}
