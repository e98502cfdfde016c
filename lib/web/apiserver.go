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

// Package web implements the courier HTTP API: workflow CRUD, exchange
// creation, the VC-API exchange surface and the per-exchange OID4VCI,
// OID4VP and invite-request protocol endpoints.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/backend"
	"github.com/gravitational/courier/lib/capability"
	"github.com/gravitational/courier/lib/exchange"
	"github.com/gravitational/courier/lib/httplib"
	"github.com/gravitational/courier/lib/oid4vci"
	"github.com/gravitational/courier/lib/oid4vp"
	"github.com/gravitational/courier/lib/types"
	"github.com/gravitational/courier/lib/verify"
)

// Config holds the API server dependencies.
type Config struct {
	// Backend stores workflow documents.
	Backend backend.Backend
	// Store reads and writes exchange records.
	Store *exchange.Store
	// Processor drives exchange passes.
	Processor *exchange.Processor
	// Verifier checks received presentations.
	Verifier *verify.Gateway
	// Invoker invokes delegated capabilities, used for remote challenge
	// creation.
	Invoker capability.Invoker
	// OID4VCI serves the per-exchange issuance protocol.
	OID4VCI *oid4vci.Server
	// OID4VP serves the per-exchange presentation protocol.
	OID4VP *oid4vp.Server
	// PublicURL is the externally visible base URL workflow and exchange
	// ids are minted under, without a trailing slash.
	PublicURL string
	// Metrics, when set, exposes the gatherer on /metrics.
	Metrics prometheus.Gatherer
	// ReadyCheck reports readiness for /readyz. Nil means always ready.
	ReadyCheck func(ctx context.Context) error
	// Clock drives timestamps.
	Clock clockwork.Clock
	// Logger is the API server logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Processor == nil {
		return trace.BadParameter("missing parameter Processor")
	}
	if c.Verifier == nil {
		return trace.BadParameter("missing parameter Verifier")
	}
	if c.Invoker == nil {
		return trace.BadParameter("missing parameter Invoker")
	}
	if c.OID4VCI == nil {
		return trace.BadParameter("missing parameter OID4VCI")
	}
	if c.OID4VP == nil {
		return trace.BadParameter("missing parameter OID4VP")
	}
	if c.PublicURL == "" {
		return trace.BadParameter("missing parameter PublicURL")
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.Clock == nil {
		c.Clock = c.Store.Clock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(courier.ComponentKey, courier.ComponentWeb)
	}
	return nil
}

// Handler is the courier API server.
type Handler struct {
	httprouter.Router
	cfg Config
}

// NewHandler returns an API server with all routes mounted.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}

	h.GET("/healthz", httplib.MakeHandler(h.healthz))
	h.GET("/readyz", httplib.MakeHandler(h.readyz))
	if cfg.Metrics != nil {
		h.Handler(http.MethodGet, "/metrics",
			promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	// Workflow CRUD.
	h.POST("/workflows", httplib.MakeHandler(h.createWorkflow))
	h.GET("/workflows", httplib.MakeHandler(h.listWorkflows))
	h.GET("/workflows/:workflow_id", httplib.MakeHandler(h.getWorkflow))
	h.POST("/workflows/:workflow_id", httplib.MakeHandler(h.updateWorkflow))
	h.DELETE("/workflows/:workflow_id", httplib.MakeHandler(h.deleteWorkflow))

	// Exchange lifecycle and the VC-API surface.
	h.POST("/workflows/:workflow_id/exchanges", httplib.MakeHandler(h.createExchange))
	h.GET(exchangePath(""), httplib.MakeHandler(h.getExchange))
	h.POST(exchangePath(""), httplib.MakeHandler(h.processExchange))

	// OID4VCI. RFC 8414 prefixes the well-known segment to the issuer path
	// but some wallets request it suffixed, so both wordings are served.
	for _, doc := range []string{"oauth-authorization-server", "openid-credential-issuer"} {
		h.GET("/.well-known/"+doc+exchangePath(""), httplib.MakeOAuthHandler(h.openIDMetadata))
		h.GET(exchangePath("/.well-known/"+doc), httplib.MakeOAuthHandler(h.openIDMetadata))
	}
	h.GET(exchangePath("/openid/jwks"), httplib.MakeOAuthHandler(h.openIDJWKS))
	h.POST(exchangePath("/openid/token"), httplib.MakeOAuthHandler(h.openIDToken))
	h.POST(exchangePath("/openid/credential"), httplib.MakeOAuthHandler(h.openIDCredential))
	h.POST(exchangePath("/openid/batch_credential"), httplib.MakeOAuthHandler(h.openIDBatchCredential))
	h.GET(exchangePath("/openid/credential-offer"), httplib.MakeOAuthHandler(h.openIDCredentialOffer))
	h.POST(exchangePath("/openid/nonce"), httplib.MakeOAuthHandler(h.openIDNonce))

	// OID4VP. The profile-less client path serves legacy single-profile
	// steps.
	h.GET(exchangePath("/openid/client/authorization/request"), httplib.MakeOAuthHandler(h.authorizationRequest))
	h.GET(exchangePath("/openid/clients/:client_profile_id/authorization/request"), httplib.MakeOAuthHandler(h.authorizationRequest))
	h.POST(exchangePath("/openid/client/authorization/response"), httplib.MakeOAuthHandler(h.authorizationResponse))
	h.POST(exchangePath("/openid/clients/:client_profile_id/authorization/response"), httplib.MakeOAuthHandler(h.authorizationResponse))

	// Invite-request protocol.
	h.POST(exchangePath("/invite-request/response"), httplib.MakeHandler(h.inviteResponse))

	return h, nil
}

func exchangePath(suffix string) string {
	return "/workflows/:workflow_id/exchanges/:exchange_id" + suffix
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return map[string]any{"status": "ok"}, nil
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if h.cfg.ReadyCheck != nil {
		if err := h.cfg.ReadyCheck(r.Context()); err != nil {
			return nil, trace.ConnectionProblem(err, "service is not ready")
		}
	}
	return map[string]any{"status": "ok"}, nil
}

// fetchWorkflow loads the workflow named by the route.
func (h *Handler) fetchWorkflow(ctx context.Context, p httprouter.Params) (*types.Workflow, error) {
	encoded := p.ByName("workflow_id")
	localID, err := types.DecodeLocalID(encoded)
	if err != nil {
		return nil, trace.NotFound("workflow %q not found", encoded)
	}
	workflow, err := h.cfg.Backend.GetWorkflow(ctx, localID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return workflow, nil
}

// fetchExchange loads the workflow and the visible exchange record named by
// the route.
func (h *Handler) fetchExchange(ctx context.Context, p httprouter.Params) (*types.Workflow, *types.ExchangeRecord, error) {
	workflow, err := h.fetchWorkflow(ctx, p)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	record, err := h.cfg.Store.Get(ctx, workflow, p.ByName("exchange_id"), false)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return workflow, record, nil
}

// workflowURL mints the canonical URL of a workflow from its encoded local
// id.
func (h *Handler) workflowURL(encodedLocalID string) string {
	return h.cfg.PublicURL + "/workflows/" + encodedLocalID
}
