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

// Package verify wraps the remote presentation verifier: it assembles check
// options, invokes the verifyPresentation capability and normalizes the
// result. It also verifies holder DID proof JWTs locally.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"net/url"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/capability"
	"github.com/gravitational/courier/lib/did"
	"github.com/gravitational/courier/lib/schema"
	"github.com/gravitational/courier/lib/types"
)

// GatewayConfig holds verification gateway parameters.
type GatewayConfig struct {
	// Invoker invokes the verifyPresentation capability.
	Invoker capability.Invoker
	// Resolver resolves holder DIDs for proof JWT checks.
	Resolver did.Resolver
	// Clock drives exp and nbf checks.
	Clock clockwork.Clock
	// Logger is the gateway logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *GatewayConfig) CheckAndSetDefaults() error {
	if c.Invoker == nil {
		return trace.BadParameter("missing parameter Invoker")
	}
	if c.Resolver == nil {
		c.Resolver = did.KeyResolver{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(courier.ComponentKey, courier.ComponentVerifier)
	}
	return nil
}

// Gateway talks to the remote verifier.
type Gateway struct {
	cfg GatewayConfig
}

// NewGateway returns a verification gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Gateway{cfg: cfg}, nil
}

// PresentationParams are the inputs of one presentation verification.
type PresentationParams struct {
	// Workflow owns the exchange the presentation answers.
	Workflow *types.Workflow
	// VPR is the request the presentation answers, when the step has one.
	VPR map[string]any
	// Presentation is the received presentation.
	Presentation map[string]any
	// ExpectedChallenge pins the proof challenge. Empty delegates replay
	// protection to the remote verifier.
	ExpectedChallenge string
	// AllowUnprotectedPresentation waives the proof check for
	// presentations that carry none.
	AllowUnprotectedPresentation bool
	// Options is passed through to the remote verifier.
	Options map[string]any
	// ResultSchema, when set, validates the shape of the verifier result.
	ResultSchema *types.PresentationSchema
}

// Result is the normalized verifier output.
type Result struct {
	// Verified reports overall success.
	Verified bool
	// ChallengeUses is the verifier's replay accounting, passed through.
	ChallengeUses any
	// VerificationMethod is the method the presentation proof verified
	// against, nil for unprotected presentations.
	VerificationMethod map[string]any
	// CredentialResults are the per-credential verifier results.
	CredentialResults []any
	// PresentationResult is the presentation-level verifier result.
	PresentationResult map[string]any
	// Raw is the entire verifier response.
	Raw map[string]any
}

// Controller returns the controller DID of the proving verification method,
// empty when the presentation was unprotected.
func (r *Result) Controller() string {
	if r.VerificationMethod == nil {
		return ""
	}
	controller, _ := r.VerificationMethod["controller"].(string)
	return controller
}

// Presentation verifies a received presentation through the remote
// verifier.
func (g *Gateway) Presentation(ctx context.Context, params PresentationParams) (*Result, error) {
	if params.Workflow == nil || params.Presentation == nil {
		return nil, trace.BadParameter("missing workflow or presentation")
	}
	verifyCapability, ok := params.Workflow.Zcaps[types.ZcapVerifyPresentation]
	if !ok {
		return nil, trace.BadParameter("workflow has no %q capability", types.ZcapVerifyPresentation)
	}

	hasProof := params.Presentation["proof"] != nil ||
		hasType(params.Presentation, "EnvelopedVerifiablePresentation")
	checks := []string{"proof"}
	if !hasProof && params.AllowUnprotectedPresentation {
		checks = checks[:0]
	}
	if params.ExpectedChallenge == "" {
		// Without a pinned challenge the remote verifier manages replay.
		checks = append(checks, "challenge")
	}

	domain, _ := params.VPR["domain"].(string)
	if domain == "" {
		origin, err := originOf(params.Workflow.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		domain = origin
	}
	challenge := params.ExpectedChallenge
	if challenge == "" {
		challenge, _ = params.VPR["challenge"].(string)
	}
	if challenge == "" {
		if proof, ok := params.Presentation["proof"].(map[string]any); ok {
			challenge, _ = proof["challenge"].(string)
		}
	}

	options := map[string]any{"checks": checks, "domain": domain}
	if challenge != "" {
		options["challenge"] = challenge
	}
	for k, v := range params.Options {
		options[k] = v
	}

	response, err := g.cfg.Invoker.Invoke(ctx, verifyCapability, "", map[string]any{
		"verifiablePresentation": params.Presentation,
		"options":                options,
	})
	if err != nil {
		return nil, trace.Wrap(normalizeRemoteError(err))
	}

	if params.ResultSchema != nil && params.ResultSchema.JSONSchema != nil {
		if err := schema.Validate(response, params.ResultSchema.JSONSchema); err != nil {
			return nil, trace.Wrap(err, "verifier result failed schema validation")
		}
	}

	result := &Result{Raw: response}
	result.Verified, _ = response["verified"].(bool)
	result.ChallengeUses = response["challengeUses"]
	result.CredentialResults, _ = response["credentialResults"].([]any)
	result.PresentationResult, _ = response["presentationResult"].(map[string]any)
	if results, ok := result.PresentationResult["results"].([]any); ok && len(results) > 0 {
		if first, ok := results[0].(map[string]any); ok {
			result.VerificationMethod, _ = first["verificationMethod"].(map[string]any)
		}
	}
	if !result.Verified {
		return nil, trace.AccessDenied("presentation verification failed: %v", remoteMessage(response))
	}
	return result, nil
}

// hasType reports whether a presentation declares the given type. The type
// field is a string or an array of strings on the wire.
func hasType(document map[string]any, typeName string) bool {
	switch t := document["type"].(type) {
	case string:
		return t == typeName
	case []any:
		for _, entry := range t {
			if s, ok := entry.(string); ok && s == typeName {
				return true
			}
		}
	}
	return false
}

// originOf reduces a URL to its scheme://host origin.
func originOf(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", trace.BadParameter("cannot derive origin from %q", rawURL)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

// normalizeRemoteError converts a remote verifier failure into the public
// error taxonomy. Stack traces the remote may embed never survive.
func normalizeRemoteError(err error) error {
	var remote *capability.RemoteError
	if !errors.As(err, &remote) {
		return err
	}
	body := stripStacks(remote.Body)
	message := remoteMessage(body)
	if remote.Status >= 500 {
		return trace.ConnectionProblem(nil, "verifier failed: %v", message)
	}
	return trace.BadParameter("presentation did not verify: %v", message)
}

// remoteMessage digs a human readable message out of a remote error body.
func remoteMessage(body map[string]any) string {
	if body == nil {
		return "unknown error"
	}
	if message, ok := body["message"].(string); ok && message != "" {
		return message
	}
	if nested, ok := body["error"].(map[string]any); ok {
		if message, ok := nested["message"].(string); ok && message != "" {
			return message
		}
	}
	if name, ok := body["name"].(string); ok && name != "" {
		return name
	}
	return "unknown error"
}

// stripStacks removes stack keys from a remote error body at any depth.
func stripStacks(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for key, value := range v {
		if key == "stack" {
			continue
		}
		switch child := value.(type) {
		case map[string]any:
			out[key] = stripStacks(child)
		case []any:
			cleaned := make([]any, 0, len(child))
			for _, entry := range child {
				if m, ok := entry.(map[string]any); ok {
					cleaned = append(cleaned, stripStacks(m))
					continue
				}
				cleaned = append(cleaned, entry)
			}
			out[key] = cleaned
		default:
			out[key] = value
		}
	}
	return out
}
