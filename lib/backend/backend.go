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

// Package backend defines the storage contract shared by all courier
// storage implementations.
//
// Backends store raw records and enforce atomic conditional replacement.
// Visibility policy (expired records, invalidated exchanges, conflict
// classification) lives one layer up in lib/exchange.
package backend

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/gravitational/courier/lib/types"
)

// ReplaceCondition is the predicate a conditional replace matches against
// the stored record. A replace commits only if the stored sequence equals
// Sequence and, when States is non-empty, the stored state is one of States.
type ReplaceCondition struct {
	// Sequence is the expected stored sequence.
	Sequence uint64
	// States restricts the stored states the replace may land on. Empty
	// means any state.
	States []types.ExchangeState
}

// MatchesState reports whether state satisfies the condition.
func (c ReplaceCondition) MatchesState(state types.ExchangeState) bool {
	if len(c.States) == 0 {
		return true
	}
	for _, s := range c.States {
		if s == state {
			return true
		}
	}
	return false
}

// Backend is the storage contract for exchange records and workflow
// documents.
//
// Error conventions: duplicate inserts return trace.AlreadyExists, missing
// records return trace.NotFound, and a conditional replace whose condition
// does not match anything returns trace.CompareFailed. A CompareFailed does
// not distinguish a missing record from a condition mismatch; callers
// re-read to tell them apart.
type Backend interface {
	// InsertExchange writes a new record.
	InsertExchange(ctx context.Context, record *types.ExchangeRecord) error

	// GetExchange returns the stored record regardless of its state or
	// expiry.
	GetExchange(ctx context.Context, workflowLocalID []byte, exchangeID string) (*types.ExchangeRecord, error)

	// ReplaceExchange atomically replaces the record identified by record's
	// workflow and exchange ids if the stored record matches cond.
	ReplaceExchange(ctx context.Context, record *types.ExchangeRecord, cond ReplaceCondition) error

	// CreateWorkflow writes a new workflow document.
	CreateWorkflow(ctx context.Context, workflow *types.Workflow) error

	// UpsertWorkflow creates or replaces a workflow document.
	UpsertWorkflow(ctx context.Context, workflow *types.Workflow) error

	// GetWorkflow returns the workflow with the given raw local id.
	GetWorkflow(ctx context.Context, localID []byte) (*types.Workflow, error)

	// DeleteWorkflow removes the workflow with the given raw local id.
	DeleteWorkflow(ctx context.Context, localID []byte) error

	// ListWorkflows returns all stored workflows.
	ListWorkflows(ctx context.Context) ([]*types.Workflow, error)

	// Close releases backend resources.
	Close() error
}

// CheckRecord validates a record before it reaches a backend.
func CheckRecord(record *types.ExchangeRecord) error {
	if record == nil {
		return trace.BadParameter("missing exchange record")
	}
	if len(record.WorkflowLocalID) != types.LocalIDSize {
		return trace.BadParameter("record workflow local id must be %d bytes", types.LocalIDSize)
	}
	if err := record.Exchange.Check(); err != nil {
		return trace.Wrap(err)
	}
	if record.Meta == nil {
		return trace.BadParameter("record is missing meta")
	}
	if record.Meta.Expires.IsZero() {
		return trace.BadParameter("record is missing meta.expires")
	}
	return nil
}
