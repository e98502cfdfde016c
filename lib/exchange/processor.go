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

package exchange

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/defaults"
	"github.com/gravitational/courier/lib/events"
	"github.com/gravitational/courier/lib/httplib"
	"github.com/gravitational/courier/lib/issuer"
	"github.com/gravitational/courier/lib/template"
	"github.com/gravitational/courier/lib/types"
)

// ProcessorConfig holds processor dependencies.
type ProcessorConfig struct {
	// Store persists exchange transitions.
	Store *Store
	// Issuer issues credentials for steps that request it.
	Issuer *issuer.Engine
	// Emitter is notified after every pass, successful or not. Never nil
	// after defaults.
	Emitter events.Emitter
	// Clock drives the pass deadline.
	Clock clockwork.Clock
	// Logger is the processor logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ProcessorConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Issuer == nil {
		return trace.BadParameter("missing parameter Issuer")
	}
	if c.Emitter == nil {
		c.Emitter = events.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = c.Store.Clock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(courier.ComponentKey, courier.ComponentExchange)
	}
	return nil
}

// Processor runs exchange passes: one pass evaluates steps starting at the
// current one, decides between returning a presentation request and
// proceeding, issues credentials, advances steps and persists every
// committed transition through the store's compare-and-swap.
type Processor struct {
	cfg ProcessorConfig
}

// NewProcessor returns a processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Processor{cfg: cfg}, nil
}

// InputRequiredFunc decides whether a step needs holder input before it can
// proceed. Protocol adapters supply their own predicate.
type InputRequiredFunc func(step *types.Step, receivedPresentation map[string]any) bool

// ProcessParams are the inputs of one pass.
type ProcessParams struct {
	// Workflow owns the exchange.
	Workflow *types.Workflow
	// Record is the current exchange record, mutated in place as the pass
	// commits transitions.
	Record *types.ExchangeRecord
	// ReceivedPresentation is the presentation this request delivered,
	// already verified and recorded by the adapter. Nil when none.
	ReceivedPresentation map[string]any
	// InputRequired is the adapter's input predicate. Nil never requires
	// input.
	InputRequired InputRequiredFunc
	// Format is the negotiated credential format, empty for the default.
	Format string
}

// Response is the outcome of a pass, shaped for the VC-API surface.
type Response struct {
	VerifiablePresentationRequest map[string]any `json:"verifiablePresentationRequest,omitempty"`
	VerifiablePresentation        map[string]any `json:"verifiablePresentation,omitempty"`
	RedirectURL                   string         `json:"redirectUrl,omitempty"`

	// Step is the resolved step the pass stopped on. Adapters use it to
	// decorate the response; it never serializes.
	Step *types.Step `json:"-"`
	// StepName names Step.
	StepName string `json:"-"`
	// Credentials are the client-bound credentials issued during the
	// pass, for adapters that deliver them outside a presentation.
	Credentials []any `json:"-"`
}

// maxStepsPerPass bounds step advancement within one pass. Workflows deep
// enough to hit this are cyclic.
const maxStepsPerPass = 100

// Process runs one pass over the exchange.
func (p *Processor) Process(ctx context.Context, params ProcessParams) (*Response, error) {
	if params.Workflow == nil || params.Record == nil {
		return nil, trace.BadParameter("missing workflow or record")
	}
	exchange := params.Record.Exchange

	// Replays of finished exchanges are refused outright and never
	// recorded as a processing failure.
	if exchange.State.Terminal() {
		return nil, trace.AccessDenied("Exchange is %s", exchange.State)
	}

	response, err := p.process(ctx, params)
	if err != nil {
		if !trace.IsCompareFailed(err) {
			p.recordLastError(ctx, params, err)
		}
		p.emit(params)
		return nil, trace.Wrap(err)
	}
	p.emit(params)
	return response, nil
}

func (p *Processor) process(ctx context.Context, params ProcessParams) (*Response, error) {
	workflow, record := params.Workflow, params.Record
	exchange := record.Exchange
	received := params.ReceivedPresentation

	activated := false
	if exchange.State == types.ExchangeStatePending {
		exchange.State = types.ExchangeStateActive
		activated = true
	}

	deadline := exchange.Expires.Time
	if processDeadline := record.Meta.Created.Add(defaults.ProcessTimeout); processDeadline.Before(deadline) {
		deadline = processDeadline
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var response *Response
	visited := make(map[string]bool)
	for range maxStepsPerPass {
		if !p.cfg.Clock.Now().Before(deadline) {
			return nil, trace.Errorf("Exchange has expired.")
		}

		var step *types.Step
		stepName := exchange.Step
		if stepName != "" {
			if visited[stepName] {
				return nil, trace.BadParameter("workflow steps are cyclical at %q", stepName)
			}
			visited[stepName] = true
			resolved, err := template.EvaluateStep(workflow, exchange, stepName)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			step = resolved
		}

		if step != nil && params.InputRequired != nil && params.InputRequired(step, received) {
			if response == nil {
				response = &Response{}
			}
			response.VerifiablePresentationRequest = step.VerifiablePresentationRequest
			response.Step, response.StepName = step, stepName
			// The activation still has to commit so a second caller sees
			// the exchange in flight.
			if activated {
				if err := p.persist(ctx, record); err != nil {
					return nil, trace.Wrap(err)
				}
				activated = false
			}
			return response, nil
		}

		issueRequests, err := issuer.RequestParamsForStep(workflow, exchange, step)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		issueToClient := issuer.IssueToClient(issueRequests)

		if step != nil && (step.VerifiablePresentation != nil || issueToClient) && response != nil && response.VerifiablePresentation != nil {
			// A prior iteration already produced the client's
			// presentation; deliver it before starting another.
			return response, nil
		}

		if len(issueRequests) > 0 || (step != nil && step.VerifiablePresentation != nil) {
			result, err := p.cfg.Issuer.Issue(ctx, issuer.IssueParams{
				Workflow: workflow,
				Exchange: exchange,
				Step:     step,
				Format:   params.Format,
				Requests: issueRequests,
			})
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if result.Presentation != nil {
				if response == nil {
					response = &Response{}
				}
				response.VerifiablePresentation = result.Presentation
				response.Credentials = result.Credentials
			}
		}

		advanced := false
		if step != nil {
			if step.RedirectURL != "" {
				if response == nil {
					response = &Response{}
				}
				response.RedirectURL = step.RedirectURL
			}
			if step.NextStep != "" {
				if response == nil {
					response = &Response{}
				}
				if response.VerifiablePresentationRequest == nil {
					response.VerifiablePresentationRequest = map[string]any{}
				}
				exchange.Step = step.NextStep
				advanced = true
			}
			if response != nil {
				response.Step, response.StepName = step, stepName
			}
		}
		if !advanced {
			exchange.State = types.ExchangeStateComplete
		}

		if err := p.persist(ctx, record); err != nil {
			return nil, trace.Wrap(err)
		}
		activated = false
		if !advanced {
			if response == nil {
				response = &Response{Step: step, StepName: stepName}
			}
			return response, nil
		}
		// The received presentation answered the step that just finished.
		received = nil
	}
	return nil, trace.BadParameter("workflow did not settle within %d steps", maxStepsPerPass)
}

// persist commits the current in-memory exchange through the store,
// rolling the sequence back when the write does not land.
func (p *Processor) persist(ctx context.Context, record *types.ExchangeRecord) error {
	record.Exchange.Sequence++
	var err error
	if record.Exchange.State == types.ExchangeStateComplete {
		err = p.cfg.Store.Complete(ctx, record)
	} else {
		err = p.cfg.Store.Update(ctx, record)
	}
	if err != nil {
		record.Exchange.Sequence--
		return trace.Wrap(err)
	}
	return nil
}

// recordLastError persists the sanitized failure, best effort.
func (p *Processor) recordLastError(ctx context.Context, params ProcessParams, processErr error) {
	lastErr := httplib.ToLastError(processErr)
	err := p.cfg.Store.SetLastError(context.WithoutCancel(ctx), params.Record, lastErr, params.Record.Meta.Updated.Time)
	if err != nil {
		p.cfg.Logger.DebugContext(ctx, "Failed to record exchange lastError.",
			"exchange", params.Record.Exchange.ID, "error", err)
	}
}

func (p *Processor) emit(params ProcessParams) {
	p.cfg.Emitter.EmitExchangeUpdated(events.ExchangeUpdate{
		WorkflowID: params.Workflow.ID,
		ExchangeID: params.Record.Exchange.ID,
		State:      params.Record.Exchange.State,
		Step:       params.Record.Exchange.Step,
	})
}
