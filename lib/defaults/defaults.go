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

// Package defaults contains default constants used throughout the courier
// codebase.
package defaults

import "time"

const (
	// HTTPListenPort is the port the workflow API listens on when the config
	// file does not say otherwise.
	HTTPListenPort = 3090

	// HTTPListenAddr is the default bind address of the workflow API.
	HTTPListenAddr = "0.0.0.0"

	// BackendType is the storage backend used when the config file does not
	// name one.
	BackendType = "memory"

	// MongoDatabase is the database name used by the mongodb backend.
	MongoDatabase = "courier"

	// MongoCollection is the collection holding exchange records.
	MongoCollection = "exchanges"

	// MongoWorkflowCollection is the collection holding workflow documents.
	MongoWorkflowCollection = "workflows"
)

const (
	// ExchangeTTL is how long a freshly created exchange stays usable when
	// the creation request carries neither ttl nor expires.
	ExchangeTTL = 15 * time.Minute

	// MaxExchangeTTL caps how far in the future an exchange may expire.
	MaxExchangeTTL = 48 * time.Hour

	// InvalidExchangeTTL is how long an invalidated exchange is retained
	// before the TTL index evicts it.
	InvalidExchangeTTL = 72 * time.Hour

	// ProcessTimeout bounds a single state machine pass over an exchange.
	// The effective deadline is the earlier of meta.created+ProcessTimeout
	// and the exchange expiry.
	ProcessTimeout = 15 * time.Minute

	// AccessTokenTTL bounds the lifetime of access tokens minted by the
	// per-exchange authorization server. Tokens never outlive the exchange.
	AccessTokenTTL = 15 * time.Minute

	// MaxClockSkew is the tolerance applied when checking exp and nbf claims
	// of holder-supplied DID proof JWTs.
	MaxClockSkew = 5 * time.Minute
)

const (
	// LastErrorFreeUpdates is the number of exchange updates that may record
	// a lastError without rate limiting.
	LastErrorFreeUpdates = 5

	// LastErrorMinInterval is the minimum spacing between persisted
	// lastError updates once the free budget is spent.
	LastErrorMinInterval = time.Second
)

const (
	// CapabilityTimeout bounds a single delegated capability invocation
	// against a remote issuer or verifier instance.
	CapabilityTimeout = 30 * time.Second

	// ReadHeadersTimeout is the HTTP server header read timeout.
	ReadHeadersTimeout = 10 * time.Second

	// IdleTimeout is the HTTP server idle connection timeout.
	IdleTimeout = 90 * time.Second

	// ShutdownTimeout bounds graceful HTTP server shutdown.
	ShutdownTimeout = 30 * time.Second

	// DIDCacheTTL is how long resolved DID documents stay cached.
	DIDCacheTTL = 5 * time.Minute

	// DIDCacheSize caps the number of cached DID documents.
	DIDCacheSize = 1024

	// EvictionInterval is how often the in-memory backend sweeps expired
	// records. The mongodb backend delegates eviction to a TTL index.
	EvictionInterval = time.Minute
)
