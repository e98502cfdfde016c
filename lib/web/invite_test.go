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
	"testing"

	"github.com/stretchr/testify/require"
)

func inviteWorkflowBody() map[string]any {
	return map[string]any{
		"initialStep": "invite",
		"steps": map[string]any{
			"invite": map[string]any{
				"inviteRequest": map[string]any{
					"type":        "https://didcomm.org/out-of-band/2.0/invitation",
					"referenceId": "ref-1",
				},
			},
		},
	}
}

func TestInviteResponse(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, inviteWorkflowBody())
	location := env.createExchange(t, id, nil)

	resp, body := env.postJSON(t, location+"/invite-request/response", map[string]any{
		"url":         "https://peer.example.com/oob/123",
		"purpose":     "connect",
		"referenceId": "peer-7",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	require.Equal(t, map[string]any{"referenceId": "ref-1"}, body)

	resp, body = env.getJSON(t, location)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exch := body["exchange"].(map[string]any)
	require.Equal(t, "complete", exch["state"])

	results := exch["variables"].(map[string]any)["results"].(map[string]any)
	invite := results["invite"].(map[string]any)["inviteRequest"].(map[string]any)
	response := invite["inviteResponse"].(map[string]any)
	require.Equal(t, "https://peer.example.com/oob/123", response["url"])
	require.Equal(t, "peer-7", response["referenceId"])
}

func TestInviteResponseReplay(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, inviteWorkflowBody())
	location := env.createExchange(t, id, nil)

	resp, body := env.postJSON(t, location+"/invite-request/response", map[string]any{
		"url": "https://peer.example.com/oob/123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)

	resp, body = env.postJSON(t, location+"/invite-request/response", map[string]any{
		"url": "https://peer.example.com/oob/123",
	})
	requireErrorEnvelope(t, resp, body, http.StatusForbidden, "NotAllowedError")
	require.Equal(t, "Exchange is complete", body["message"])
}

func TestInviteResponseRequiresURL(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, inviteWorkflowBody())
	location := env.createExchange(t, id, nil)

	resp, body := env.postJSON(t, location+"/invite-request/response", map[string]any{
		"purpose": "connect",
	})
	requireErrorEnvelope(t, resp, body, http.StatusBadRequest, "DataError")
	require.Contains(t, body["message"], "url")
}

func TestInviteResponseUnsupportedStep(t *testing.T) {
	env := newWebEnv(t)
	id := env.createWorkflow(t, didAuthWorkflowBody())
	location := env.createExchange(t, id, nil)

	resp, body := env.postJSON(t, location+"/invite-request/response", map[string]any{
		"url": "https://peer.example.com/oob/123",
	})
	requireErrorEnvelope(t, resp, body, http.StatusBadRequest, "NotSupportedError")
	require.Contains(t, body["message"], "invite-request")
}
