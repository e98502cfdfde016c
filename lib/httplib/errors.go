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

package httplib

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/gravitational/trace"

	"github.com/gravitational/courier/lib/types"
)

// Public error names of the workflow API envelope.
const (
	NameNotFound     = "NotFoundError"
	NameData         = "DataError"
	NameNotAllowed   = "NotAllowedError"
	NameNotSupported = "NotSupportedError"
	NameInvalidState = "InvalidStateError"
	NameDuplicate    = "DuplicateError"
	NameOperation    = "OperationError"
)

// ErrorEnvelope is the error body of workflow and VC-API endpoints.
type ErrorEnvelope struct {
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// OAuthErrorEnvelope is the error body of OID4VCI and OID4VP endpoints.
type OAuthErrorEnvelope struct {
	Err         string         `json:"error"`
	Description string         `json:"error_description,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// MarshalJSON inlines Details next to the error code. Protocol errors carry
// fields like c_nonce and authorization_request at the top level of the
// body, not nested.
func (e *OAuthErrorEnvelope) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(e.Details)+2)
	for key, value := range e.Details {
		body[key] = value
	}
	body["error"] = e.Err
	if e.Description != "" {
		body["error_description"] = e.Description
	}
	return json.Marshal(body)
}

// UnmarshalJSON reverses MarshalJSON.
func (e *OAuthErrorEnvelope) UnmarshalJSON(data []byte) error {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return trace.Wrap(err)
	}
	e.Err, _ = body["error"].(string)
	e.Description, _ = body["error_description"].(string)
	delete(body, "error")
	delete(body, "error_description")
	if len(body) > 0 {
		e.Details = body
	}
	return nil
}

// OAuthError carries a protocol-mandated OAuth2 error code through the
// handler stack, for example invalid_grant or presentation_required.
type OAuthError struct {
	// Code is the OAuth2 error code.
	Code string
	// Description is the human readable error_description.
	Description string
	// Status is the HTTP status to reply with.
	Status int
	// Details is merged into the response body next to the code.
	Details map[string]any
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// StatusCode implements the status override hook.
func (e *OAuthError) StatusCode() int {
	if e.Status == 0 {
		return http.StatusBadRequest
	}
	return e.Status
}

// statusCoder lets an error dictate its HTTP status.
type statusCoder interface {
	StatusCode() int
}

// ErrorName maps an error to its public envelope name.
func ErrorName(err error) string {
	switch {
	case trace.IsNotFound(err):
		return NameNotFound
	case trace.IsAccessDenied(err):
		return NameNotAllowed
	case trace.IsNotImplemented(err):
		return NameNotSupported
	case trace.IsCompareFailed(err):
		return NameInvalidState
	case trace.IsAlreadyExists(err):
		return NameDuplicate
	case trace.IsConnectionProblem(err):
		return NameOperation
	default:
		return NameData
	}
}

// StatusCode maps an error to the HTTP status of its public reply. An error
// implementing StatusCode() overrides the kind-based mapping.
func StatusCode(err error) int {
	var coder statusCoder
	if errors.As(err, &coder) {
		return coder.StatusCode()
	}
	switch {
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsNotImplemented(err):
		// unsupported protocol or step shape, a client problem
		return http.StatusBadRequest
	case trace.IsCompareFailed(err):
		return http.StatusConflict
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsConnectionProblem(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToEnvelope converts an error into the workflow API error body. Stack
// traces never cross this boundary; only the user message survives.
func ToEnvelope(err error) (int, *ErrorEnvelope) {
	status := StatusCode(err)
	return status, &ErrorEnvelope{
		Name:    ErrorName(err),
		Message: trace.UserMessage(err),
		Details: map[string]any{
			"httpStatusCode": status,
			"public":         true,
		},
	}
}

// ToOAuthEnvelope converts an error into the OAuth2-style error body used by
// the OID4VCI and OID4VP surfaces.
func ToOAuthEnvelope(err error) (int, *OAuthErrorEnvelope) {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr.StatusCode(), &OAuthErrorEnvelope{
			Err:         oauthErr.Code,
			Description: oauthErr.Description,
			Details:     oauthErr.Details,
		}
	}
	status := StatusCode(err)
	return status, &OAuthErrorEnvelope{
		Err:         snakeCase(ErrorName(err)),
		Description: trace.UserMessage(err),
	}
}

// ToLastError converts an error into the sanitized form persisted on the
// exchange record.
func ToLastError(err error) *types.LastError {
	if err == nil {
		return nil
	}
	status := StatusCode(err)
	return &types.LastError{
		Name:    ErrorName(err),
		Message: trace.UserMessage(err),
		Details: map[string]any{
			"httpStatusCode": status,
			"public":         true,
		},
	}
}

// snakeCase converts a CamelCase error name to snake_case.
func snakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
