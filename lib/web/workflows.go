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

	"github.com/gravitational/courier/lib/httplib"
	"github.com/gravitational/courier/lib/types"
)

// createWorkflow registers a workflow. A workflow without an id gets a fresh
// one minted under the service's public URL; a client-supplied id must
// already have that shape.
func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var workflow types.Workflow
	if err := httplib.ReadJSON(r, &workflow); err != nil {
		return nil, trace.Wrap(err)
	}
	if workflow.ID == "" {
		encoded, err := types.NewLocalID()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		workflow.ID = h.workflowURL(encoded)
	} else if err := h.checkWorkflowID(&workflow); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := workflow.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Backend.CreateWorkflow(r.Context(), &workflow); err != nil {
		return nil, trace.Wrap(err)
	}
	w.Header().Set("Location", workflow.ID)
	return map[string]any{"workflow": &workflow}, nil
}

// updateWorkflow replaces the workflow named by the route.
func (h *Handler) updateWorkflow(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	existing, err := h.fetchWorkflow(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var workflow types.Workflow
	if err := httplib.ReadJSON(r, &workflow); err != nil {
		return nil, trace.Wrap(err)
	}
	if workflow.ID == "" {
		workflow.ID = existing.ID
	} else if workflow.ID != existing.ID {
		return nil, trace.BadParameter("workflow id %q does not match the route", workflow.ID)
	}
	if err := workflow.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Backend.UpsertWorkflow(r.Context(), &workflow); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"workflow": &workflow}, nil
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	workflow, err := h.fetchWorkflow(r.Context(), p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"workflow": workflow}, nil
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	workflows, err := h.cfg.Backend.ListWorkflows(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"workflows": workflows}, nil
}

func (h *Handler) deleteWorkflow(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	encoded := p.ByName("workflow_id")
	localID, err := types.DecodeLocalID(encoded)
	if err != nil {
		return nil, trace.NotFound("workflow %q not found", encoded)
	}
	if err := h.cfg.Backend.DeleteWorkflow(r.Context(), localID); err != nil {
		return nil, trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil, nil
}

// checkWorkflowID requires a client-supplied workflow id to live under this
// service's public URL. The trailing segment is validated by
// CheckAndSetDefaults.
func (h *Handler) checkWorkflowID(workflow *types.Workflow) error {
	localID, err := workflow.LocalID()
	if err != nil {
		return trace.Wrap(err)
	}
	encoded, err := types.EncodeLocalID(localID)
	if err != nil {
		return trace.Wrap(err)
	}
	if workflow.ID != h.workflowURL(encoded) {
		return trace.BadParameter("workflow id %q does not match %q", workflow.ID, h.workflowURL(encoded))
	}
	return nil
}
