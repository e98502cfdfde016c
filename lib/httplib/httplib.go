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

// Package httplib implements common utility functions for the courier HTTP
// handlers: JSON handler adapters and the two public error envelopes.
package httplib

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// MaxBodyBytes caps request bodies accepted by ReadJSON.
const MaxBodyBytes = 1 << 20

// HandlerFunc is an HTTP handler that returns a JSON-encodable result or an
// error. A nil result with a nil error means the handler already wrote the
// response.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler wraps fn into an httprouter handle replying with the workflow
// API error envelope.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(r.Context(), w, err)
			return
		}
		if out == nil {
			return
		}
		roundtrip.ReplyJSON(w, http.StatusOK, out)
	}
}

// MakeOAuthHandler wraps fn into an httprouter handle replying with the
// OAuth2-style error envelope used by the OID4VCI and OID4VP surfaces.
func MakeOAuthHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyOAuthError(r.Context(), w, err)
			return
		}
		if out == nil {
			return
		}
		roundtrip.ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads the request body and unmarshals it into val. Oversized
// bodies and non-JSON payloads are rejected.
func ReadJSON(r *http.Request, val any) error {
	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != "application/json" {
			return trace.BadParameter("expected application/json content type, got %q", contentType)
		}
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if len(data) > MaxBodyBytes {
		return trace.BadParameter("request body exceeds %d bytes", MaxBodyBytes)
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("failed to parse JSON request body: %v", err)
	}
	return nil
}

// ReplyError writes err to w using the workflow API envelope.
func ReplyError(ctx context.Context, w http.ResponseWriter, err error) {
	status, envelope := ToEnvelope(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "Request failed.", "error", err)
	} else {
		slog.DebugContext(ctx, "Request failed.", "error", err)
	}
	roundtrip.ReplyJSON(w, status, envelope)
}

// ReplyOAuthError writes err to w using the OAuth2-style envelope.
func ReplyOAuthError(ctx context.Context, w http.ResponseWriter, err error) {
	status, envelope := ToOAuthEnvelope(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "Request failed.", "error", err)
	} else {
		slog.DebugContext(ctx, "Request failed.", "error", err)
	}
	roundtrip.ReplyJSON(w, status, envelope)
}

// SetNoCacheHeaders marks a response as uncacheable. Exchange state is
// mutable and protocol endpoints mint per-request artifacts.
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}
