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

// Package courier holds constants shared across the courier codebase.
package courier

// Version is the semantic version of the courier build. Overridden at link
// time by the release pipeline.
var Version = "0.1.0-dev"

const (
	// ComponentKey is the name of the log attribute containing the component
	// name emitting a log line.
	ComponentKey = "component"

	// ComponentWeb is the HTTP API surface.
	ComponentWeb = "web"

	// ComponentExchange is the exchange state machine processor.
	ComponentExchange = "exchange"

	// ComponentBackend is the exchange/workflow storage layer.
	ComponentBackend = "backend"

	// ComponentIssuer is the credential issuance engine.
	ComponentIssuer = "issuer"

	// ComponentVerifier is the presentation verification gateway.
	ComponentVerifier = "verifier"

	// ComponentCapability is the delegated capability (zcap) HTTP client.
	ComponentCapability = "capability"

	// ComponentOID4VCI is the OpenID for Verifiable Credential Issuance
	// protocol adapter.
	ComponentOID4VCI = "oid4vci"

	// ComponentOID4VP is the OpenID for Verifiable Presentations protocol
	// adapter.
	ComponentOID4VP = "oid4vp"

	// ComponentEvents is the exchange update notification sink.
	ComponentEvents = "events"
)

const (
	// MimeTypeJSON is the canonical JSON content type served and accepted by
	// the VC-API and workflow surfaces.
	MimeTypeJSON = "application/json"

	// MimeTypeForm is the content type of OID4VP authorization responses.
	MimeTypeForm = "application/x-www-form-urlencoded"

	// MimeTypeAuthzRequestJWT is the content type of an OID4VP authorization
	// request serialized as an unsecured JWT.
	MimeTypeAuthzRequestJWT = "application/oauth-authz-req+jwt"
)
