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

// Package issuer resolves which credential templates a step issues,
// evaluates them against the exchange variables and drives the remote
// issuer instances through their delegated capabilities.
package issuer

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/capability"
	"github.com/gravitational/courier/lib/template"
	"github.com/gravitational/courier/lib/types"
	"github.com/gravitational/courier/lib/utils"
)

// FormatDefault is the credential format issued when the protocol surface
// does not negotiate one.
const FormatDefault = "application/vc"

// NewPresentation returns an empty VC Data Model v2 presentation.
func NewPresentation() map[string]any {
	return map[string]any{
		"@context": []any{"https://www.w3.org/ns/credentials/v2"},
		"type":     []any{"VerifiablePresentation"},
	}
}

// RequestParams selects one credential template and the variables it is
// evaluated with.
type RequestParams struct {
	// Template is the credential template to evaluate.
	Template *types.TypedTemplate
	// Variables is the evaluation scope. Nil selects the full exchange
	// variables.
	Variables map[string]any
	// Result, when set, is the dotted variables path the issued credential
	// is filed under instead of being returned to the client.
	Result string
}

// RequestParamsForStep resolves the issue requests of a step against the
// workflow's credential templates.
//
// Workflows predating steps, and single-step workflows whose step declares
// no issue requests, issue every credential template. Everything else is
// driven by step.issueRequests, each naming its template by index or id.
func RequestParamsForStep(workflow *types.Workflow, exchange *types.Exchange, step *types.Step) ([]RequestParams, error) {
	if len(workflow.CredentialTemplates) == 0 {
		return nil, nil
	}
	legacy := len(workflow.Steps) == 0 ||
		(len(workflow.Steps) == 1 && (step == nil || len(step.IssueRequests) == 0))
	if legacy {
		params := make([]RequestParams, 0, len(workflow.CredentialTemplates))
		for _, tmpl := range workflow.CredentialTemplates {
			params = append(params, RequestParams{Template: tmpl})
		}
		return params, nil
	}
	if step == nil {
		return nil, nil
	}

	params := make([]RequestParams, 0, len(step.IssueRequests))
	for i, request := range step.IssueRequests {
		tmpl, err := templateForRequest(workflow, request)
		if err != nil {
			return nil, trace.Wrap(err, "issueRequests[%d]", i)
		}
		variables, err := variablesForRequest(exchange, request)
		if err != nil {
			return nil, trace.Wrap(err, "issueRequests[%d]", i)
		}
		params = append(params, RequestParams{
			Template:  tmpl,
			Variables: variables,
			Result:    request.Result,
		})
	}
	return params, nil
}

// IssueToClient reports whether any of the requests delivers a credential
// to the client rather than filing it into the exchange variables.
func IssueToClient(params []RequestParams) bool {
	for _, p := range params {
		if p.Result == "" {
			return true
		}
	}
	return false
}

func templateForRequest(workflow *types.Workflow, request *types.IssueRequest) (*types.TypedTemplate, error) {
	if request.CredentialTemplateIndex != nil {
		index := *request.CredentialTemplateIndex
		if index < 0 || index >= len(workflow.CredentialTemplates) {
			return nil, trace.BadParameter("credentialTemplateIndex %d is out of range", index)
		}
		return workflow.CredentialTemplates[index], nil
	}
	if request.CredentialTemplateID != "" {
		for _, tmpl := range workflow.CredentialTemplates {
			if tmpl.ID == request.CredentialTemplateID {
				return tmpl, nil
			}
		}
		return nil, trace.BadParameter("unknown credentialTemplateId %q", request.CredentialTemplateID)
	}
	if len(workflow.CredentialTemplates) == 1 {
		return workflow.CredentialTemplates[0], nil
	}
	return nil, trace.BadParameter("issue request does not name a credential template")
}

func variablesForRequest(exchange *types.Exchange, request *types.IssueRequest) (map[string]any, error) {
	switch v := request.Variables.(type) {
	case nil:
		return nil, nil
	case string:
		selected, ok := exchange.Variables[v].(map[string]any)
		if !ok {
			return nil, trace.BadParameter("variables %q does not name an object in the exchange variables", v)
		}
		return selected, nil
	case map[string]any:
		return v, nil
	default:
		return nil, trace.BadParameter("variables must be a string or an object, got %T", request.Variables)
	}
}

// EngineConfig holds issuance engine parameters.
type EngineConfig struct {
	// Invoker invokes issue capabilities.
	Invoker capability.Invoker
	// Logger is the engine logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *EngineConfig) CheckAndSetDefaults() error {
	if c.Invoker == nil {
		return trace.BadParameter("missing parameter Invoker")
	}
	if c.Logger == nil {
		c.Logger = slog.With(courier.ComponentKey, courier.ComponentIssuer)
	}
	return nil
}

// Engine issues credentials.
type Engine struct {
	cfg EngineConfig
}

// NewEngine returns an issuance engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg}, nil
}

// IssueParams are the inputs of one issuance pass.
type IssueParams struct {
	// Workflow owns the templates and issuer instances.
	Workflow *types.Workflow
	// Exchange supplies the variable scope and takes filed credentials.
	Exchange *types.Exchange
	// Step is the step being processed, nil on stepless workflows.
	Step *types.Step
	// Format is the requested credential format. Empty selects the
	// default.
	Format string
	// Requests are the resolved issue requests.
	Requests []RequestParams
}

// IssueResult is the outcome of one issuance pass.
type IssueResult struct {
	// Presentation carries the credentials issued to the client, nil when
	// nothing is returned.
	Presentation map[string]any
	// Credentials are the client-bound credentials in issue order, also
	// present inside Presentation.
	Credentials []any
	// ExchangeChanged reports whether credentials were filed into the
	// exchange variables.
	ExchangeChanged bool
}

// Issue evaluates every selected template, posts the credentials to the
// matching issuer instances in parallel and assembles the response
// presentation. Credentials with a result path are filed into the exchange
// variables instead.
func (e *Engine) Issue(ctx context.Context, params IssueParams) (*IssueResult, error) {
	format := params.Format
	if format == "" {
		format = FormatDefault
	}
	issueCapability, err := capabilityForFormat(params.Workflow, format)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	target := capability.IssueURL(issueCapability.InvocationTarget)

	// Each goroutine owns its slot, no lock needed.
	issued := make([]any, len(params.Requests))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, request := range params.Requests {
		group.Go(func() error {
			out, err := template.Evaluate(params.Workflow, params.Exchange, request.Template, request.Variables)
			if err != nil {
				return trace.Wrap(err)
			}
			credential, options := normalizeIssueBody(out)
			body := map[string]any{"credential": credential}
			if options != nil {
				body["options"] = options
			}
			response, err := e.cfg.Invoker.Invoke(groupCtx, issueCapability, target, body)
			if err != nil {
				return trace.Wrap(err)
			}
			vc, ok := response["verifiableCredential"]
			if !ok {
				vc = response
			}
			issued[i] = vc
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}

	result := &IssueResult{}
	var clientCredentials []any
	for i, request := range params.Requests {
		if request.Result == "" {
			clientCredentials = append(clientCredentials, issued[i])
			continue
		}
		if params.Exchange.Variables == nil {
			params.Exchange.Variables = make(map[string]any)
		}
		if err := template.SetVariable(params.Exchange.Variables, request.Result, issued[i]); err != nil {
			return nil, trace.Wrap(err)
		}
		result.ExchangeChanged = true
	}

	var stepPresentation map[string]any
	if params.Step != nil {
		stepPresentation = params.Step.VerifiablePresentation
	}
	if len(clientCredentials) == 0 && stepPresentation == nil {
		return result, nil
	}

	presentation := NewPresentation()
	if stepPresentation != nil {
		copied, err := utils.DeepCopyJSONMap(stepPresentation)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		presentation = copied
	}
	if len(clientCredentials) > 0 {
		existing, _ := presentation["verifiableCredential"].([]any)
		presentation["verifiableCredential"] = append(existing, clientCredentials...)
	}
	result.Presentation = presentation
	result.Credentials = clientCredentials
	return result, nil
}

// normalizeIssueBody splits a template result into the credential and the
// issuance options. Templates producing a bare credential are the common
// case; templates may instead produce {credential, options}.
func normalizeIssueBody(out any) (credential any, options any) {
	obj, ok := out.(map[string]any)
	if !ok {
		return out, nil
	}
	inner, hasCredential := obj["credential"]
	opts, hasOptions := obj["options"]
	envelopeKeys := 1
	if hasOptions {
		envelopeKeys = 2
	}
	if hasCredential && len(obj) == envelopeKeys {
		return inner, opts
	}
	return obj, nil
}

// capabilityForFormat resolves the issue capability serving a credential
// format. Workflows without issuer instances fall back to the workflow-wide
// issue capability for any format.
func capabilityForFormat(workflow *types.Workflow, format string) (*types.Capability, error) {
	if len(workflow.IssuerInstances) == 0 {
		return workflow.IssueCapability(nil)
	}
	instance, err := workflow.IssuerInstanceForFormat(format)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return workflow.IssueCapability(instance)
}
