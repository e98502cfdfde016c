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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/courier/lib/exchange"
	"github.com/gravitational/courier/lib/httplib"
	"github.com/gravitational/courier/lib/template"
	"github.com/gravitational/courier/lib/types"
	"github.com/gravitational/courier/lib/utils"
)

// inviteResponseRequest is the body of the invite-request response
// endpoint.
type inviteResponseRequest struct {
	URL         string `json:"url"`
	Purpose     string `json:"purpose,omitempty"`
	ReferenceID string `json:"referenceId,omitempty"`
}

// inviteResponse accepts an out-of-band invite response and completes the
// exchange in a single transition.
func (h *Handler) inviteResponse(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	workflow, record, err := h.fetchExchange(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req inviteResponseRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.URL == "" {
		return nil, trace.BadParameter("invite response is missing url")
	}
	exch := record.Exchange
	if exch.State != types.ExchangeStatePending {
		return nil, trace.AccessDenied("Exchange is %s", exch.State)
	}
	if exch.Step == "" {
		return nil, trace.NotImplemented("exchange has no step awaiting an invite response")
	}
	step, err := template.EvaluateStep(workflow, exch, exch.Step)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if step.InviteRequest == nil {
		return nil, trace.NotImplemented("step %q does not support the invite-request protocol", exch.Step)
	}

	// The mutation has to revert wholesale when the write does not land, so
	// a caller retrying sees the untouched pending exchange.
	savedVariables, err := utils.DeepCopyJSONMap(exch.Variables)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	inviteResult := map[string]any{
		"inviteResponse": map[string]any{
			"url":         req.URL,
			"purpose":     req.Purpose,
			"referenceId": req.ReferenceID,
		},
	}
	if err := exchange.SetStepResult(exch, exch.Step, &exchange.StepResult{InviteRequest: inviteResult}); err != nil {
		return nil, trace.Wrap(err)
	}
	exch.State = types.ExchangeStateComplete
	exch.Sequence++
	if err := h.cfg.Store.Complete(r.Context(), record); err != nil {
		exch.Sequence--
		exch.State = types.ExchangeStatePending
		exch.Variables = savedVariables
		return nil, trace.Wrap(err)
	}

	body := map[string]any{}
	if referenceID, ok := step.InviteRequest["referenceId"].(string); ok && referenceID != "" {
		body["referenceId"] = referenceID
	}
	return body, nil
}
