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
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/courier/lib/exchange"
	"github.com/gravitational/courier/lib/httplib"
	"github.com/gravitational/courier/lib/schema"
	"github.com/gravitational/courier/lib/template"
	"github.com/gravitational/courier/lib/types"
	"github.com/gravitational/courier/lib/verify"
)

// vcapiRequest is the body of the VC-API exchange endpoint.
type vcapiRequest struct {
	VerifiablePresentation map[string]any `json:"verifiablePresentation,omitempty"`
}

// processExchange drives one VC-API interaction: an empty body asks for the
// current presentation request, a body carrying a presentation answers it.
func (h *Handler) processExchange(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	workflow, record, err := h.fetchExchange(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req vcapiRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	exch := record.Exchange
	if exch.State.Terminal() {
		return nil, trace.AccessDenied("Exchange is %s", exch.State)
	}

	var step *types.Step
	if exch.Step != "" {
		step, err = template.EvaluateStep(workflow, exch, exch.Step)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if !supportsVCAPI(workflow, step) {
		return nil, trace.NotImplemented("this exchange does not support the VC-API protocol")
	}

	received := req.VerifiablePresentation
	if received != nil {
		if step == nil || step.VerifiablePresentationRequest == nil {
			return nil, trace.BadParameter("exchange did not request a presentation")
		}
		if err := h.acceptPresentation(r.Context(), workflow, record, step, received); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	response, err := h.cfg.Processor.Process(r.Context(), exchange.ProcessParams{
		Workflow:             workflow,
		Record:               record,
		ReceivedPresentation: received,
		InputRequired: func(step *types.Step, received map[string]any) bool {
			return step.VerifiablePresentationRequest != nil && received == nil
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.decorateChallenge(r.Context(), workflow, record, response); err != nil {
		return nil, trace.Wrap(err)
	}
	httplib.SetNoCacheHeaders(w.Header())
	return response, nil
}

// supportsVCAPI reports whether the exchange's current shape has anything to
// offer a VC-API client.
func supportsVCAPI(workflow *types.Workflow, step *types.Step) bool {
	if step != nil {
		if step.VerifiablePresentationRequest != nil || step.VerifiablePresentation != nil {
			return true
		}
	}
	return len(workflow.CredentialTemplates) > 0
}

// acceptPresentation validates, verifies and records a received
// presentation before the processor advances the exchange.
func (h *Handler) acceptPresentation(ctx context.Context, workflow *types.Workflow, record *types.ExchangeRecord, step *types.Step, received map[string]any) error {
	exch := record.Exchange
	contents, err := presentationContents(received)
	if err != nil {
		return trace.Wrap(err)
	}
	if step.PresentationSchema != nil && step.PresentationSchema.JSONSchema != nil {
		if err := schema.Validate(contents, step.PresentationSchema.JSONSchema); err != nil {
			return trace.Wrap(err, "presentation failed schema validation")
		}
	}

	// Pin the challenge only when this step minted one: the exchange id on
	// the initial step. Remotely minted and unminted challenges are the
	// verifier's to check.
	expectedChallenge := ""
	if step.CreateChallenge && exch.Step == workflow.InitialStep {
		expectedChallenge = exch.ID
	}
	result, err := h.cfg.Verifier.Presentation(ctx, verify.PresentationParams{
		Workflow:                     workflow,
		VPR:                          step.VerifiablePresentationRequest,
		Presentation:                 received,
		ExpectedChallenge:            expectedChallenge,
		AllowUnprotectedPresentation: step.AllowUnprotectedPresentation,
		Options:                      step.VerifyPresentationOptions,
		ResultSchema:                 step.VerifyPresentationResultSchema,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	stepResult := &exchange.StepResult{
		DID:                    result.Controller(),
		VerificationMethod:     result.VerificationMethod,
		VerifiablePresentation: contents,
	}
	if step.VerifyPresentationResultSchema != nil {
		stepResult.VerifyPresentationResults = result.Raw
	}
	if isEnvelopedPresentation(received) {
		stepResult.EnvelopedPresentation = received
	}
	return trace.Wrap(exchange.SetStepResult(exch, exch.Step, stepResult))
}

// decorateChallenge injects the challenge a returned presentation request
// must be answered with. Only steps that opt in via createChallenge get
// one: the exchange id on the initial step, a remotely created challenge on
// later steps. Everything else ships the request as authored.
func (h *Handler) decorateChallenge(ctx context.Context, workflow *types.Workflow, record *types.ExchangeRecord, response *exchange.Response) error {
	if response == nil || response.VerifiablePresentationRequest == nil || response.Step == nil {
		return nil
	}
	if !response.Step.CreateChallenge {
		return nil
	}
	vpr := response.VerifiablePresentationRequest
	if _, ok := vpr["challenge"]; ok {
		return nil
	}
	challenge := ""
	if response.StepName == workflow.InitialStep {
		challenge = record.Exchange.ID
	} else {
		remote, err := h.createChallenge(ctx, workflow)
		if err != nil {
			return trace.Wrap(err)
		}
		challenge = remote
	}

	decorated := make(map[string]any, len(vpr)+1)
	for k, v := range vpr {
		decorated[k] = v
	}
	decorated["challenge"] = challenge
	response.VerifiablePresentationRequest = decorated
	return nil
}

// createChallenge asks the remote verifier for a fresh challenge through
// the workflow's createChallenge capability.
func (h *Handler) createChallenge(ctx context.Context, workflow *types.Workflow) (string, error) {
	capability, ok := workflow.Zcaps[types.ZcapCreateChallenge]
	if !ok {
		return "", trace.NotFound("workflow has no %q capability", types.ZcapCreateChallenge)
	}
	body, err := h.cfg.Invoker.Invoke(ctx, capability, capability.InvocationTarget, map[string]any{})
	if err != nil {
		return "", trace.Wrap(err)
	}
	challenge, _ := body["challenge"].(string)
	if challenge == "" {
		return "", trace.BadParameter("challenge endpoint returned no challenge")
	}
	return challenge, nil
}

const envelopedJWTPrefix = "data:application/jwt,"

// presentationContents returns the document schema validation runs against:
// the presentation itself, or the payload of an enveloped JWT presentation.
func presentationContents(presentation map[string]any) (map[string]any, error) {
	if !isEnvelopedPresentation(presentation) {
		return presentation, nil
	}
	id, _ := presentation["id"].(string)
	raw, found := strings.CutPrefix(id, envelopedJWTPrefix)
	if !found {
		return nil, trace.BadParameter("enveloped presentation carries an unsupported media type")
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, trace.BadParameter("enveloped presentation is not a compact JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, trace.BadParameter("enveloped presentation payload is not base64url: %v", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, trace.BadParameter("enveloped presentation payload is not JSON: %v", err)
	}
	if vp, ok := claims["vp"].(map[string]any); ok {
		return vp, nil
	}
	return claims, nil
}

func isEnvelopedPresentation(presentation map[string]any) bool {
	switch t := presentation["type"].(type) {
	case string:
		return t == "EnvelopedVerifiablePresentation"
	case []any:
		for _, entry := range t {
			if s, ok := entry.(string); ok && s == "EnvelopedVerifiablePresentation" {
				return true
			}
		}
	}
	return false
}
