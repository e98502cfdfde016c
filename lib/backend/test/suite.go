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

// Package test contains a storage contract suite every backend
// implementation must pass.
package test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/courier/lib/backend"
	"github.com/gravitational/courier/lib/types"
)

// Constructor builds a fresh empty backend for one subtest.
type Constructor func(t *testing.T, clock clockwork.Clock) backend.Backend

// NewRecord returns a valid pending record owned by a fresh workflow.
func NewRecord(t *testing.T, clock clockwork.Clock) *types.ExchangeRecord {
	t.Helper()
	workflowID, err := types.NewLocalID()
	require.NoError(t, err)
	workflowLocalID, err := types.DecodeLocalID(workflowID)
	require.NoError(t, err)
	exchangeID, err := types.NewLocalID()
	require.NoError(t, err)

	now := types.NewTimestamp(clock.Now())
	expires := types.NewTimestamp(clock.Now().Add(15 * time.Minute))
	return &types.ExchangeRecord{
		WorkflowLocalID: workflowLocalID,
		Exchange: &types.Exchange{
			ID:       exchangeID,
			Sequence: 0,
			State:    types.ExchangeStatePending,
			Expires:  expires,
			Variables: map[string]any{
				"name": "alice",
			},
		},
		Meta: &types.Meta{Created: now, Updated: now, Expires: expires},
	}
}

// RunSuite exercises the storage contract against the given constructor.
func RunSuite(t *testing.T, newBackend Constructor) {
	ctx := context.Background()

	t.Run("InsertAndGet", func(t *testing.T) {
		clock := clockwork.NewRealClock()
		bk := newBackend(t, clock)
		record := NewRecord(t, clock)

		require.NoError(t, bk.InsertExchange(ctx, record))

		got, err := bk.GetExchange(ctx, record.WorkflowLocalID, record.Exchange.ID)
		require.NoError(t, err)
		require.Equal(t, record.Exchange.ID, got.Exchange.ID)
		require.Equal(t, types.ExchangeStatePending, got.Exchange.State)
		require.Equal(t, uint64(0), got.Exchange.Sequence)
		require.Equal(t, record.Exchange.Variables, got.Exchange.Variables)
		require.True(t, got.Meta.Expires.Equal(record.Meta.Expires.Time))
	})

	t.Run("GetMissing", func(t *testing.T) {
		clock := clockwork.NewRealClock()
		bk := newBackend(t, clock)
		record := NewRecord(t, clock)

		_, err := bk.GetExchange(ctx, record.WorkflowLocalID, record.Exchange.ID)
		require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
	})

	t.Run("DuplicateInsert", func(t *testing.T) {
		clock := clockwork.NewRealClock()
		bk := newBackend(t, clock)
		record := NewRecord(t, clock)

		require.NoError(t, bk.InsertExchange(ctx, record))
		err := bk.InsertExchange(ctx, record)
		require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)
	})

	t.Run("SameExchangeIDUnderDifferentWorkflows", func(t *testing.T) {
		clock := clockwork.NewRealClock()
		bk := newBackend(t, clock)
		first := NewRecord(t, clock)
		second := NewRecord(t, clock)
		second.Exchange.ID = first.Exchange.ID

		require.NoError(t, bk.InsertExchange(ctx, first))
		require.NoError(t, bk.InsertExchange(ctx, second), "uniqueness is scoped to the workflow")
	})

	t.Run("ReplaceMatchesSequenceAndState", func(t *testing.T) {
		clock := clockwork.NewRealClock()
		bk := newBackend(t, clock)
		record := NewRecord(t, clock)
		require.NoError(t, bk.InsertExchange(ctx, record))

		next, err := record.Clone()
		require.NoError(t, err)
		next.Exchange.Sequence = 1
		next.Exchange.State = types.ExchangeStateActive

		cond := backend.ReplaceCondition{
			Sequence: 0,
			States:   []types.ExchangeState{types.ExchangeStatePending, types.ExchangeStateActive},
		}
		require.NoError(t, bk.ReplaceExchange(ctx, next, cond))

		got, err := bk.GetExchange(ctx, record.WorkflowLocalID, record.Exchange.ID)
		require.NoError(t, err)
		require.Equal(t, uint64(1), got.Exchange.Sequence)
		require.Equal(t, types.ExchangeStateActive, got.Exchange.State)
	})

	t.Run("ReplaceSequenceMismatch", func(t *testing.T) {
		clock := clockwork.NewRealClock()
		bk := newBackend(t, clock)
		record := NewRecord(t, clock)
		require.NoError(t, bk.InsertExchange(ctx, record))

		next, err := record.Clone()
		require.NoError(t, err)
		next.Exchange.Sequence = 2

		err = bk.ReplaceExchange(ctx, next, backend.ReplaceCondition{Sequence: 1})
		require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
	})

	t.Run("ReplaceStateMismatch", func(t *testing.T) {
		clock := clockwork.NewRealClock()
		bk := newBackend(t, clock)
		record := NewRecord(t, clock)
		record.Exchange.State = types.ExchangeStateComplete
		require.NoError(t, bk.InsertExchange(ctx, record))

		next, err := record.Clone()
		require.NoError(t, err)
		next.Exchange.Sequence = 1

		err = bk.ReplaceExchange(ctx, next, backend.ReplaceCondition{
			Sequence: 0,
			States:   []types.ExchangeState{types.ExchangeStatePending, types.ExchangeStateActive},
		})
		require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
	})

	t.Run("ReplaceMissingRecord", func(t *testing.T) {
		clock := clockwork.NewRealClock()
		bk := newBackend(t, clock)
		record := NewRecord(t, clock)

		err := bk.ReplaceExchange(ctx, record, backend.ReplaceCondition{Sequence: 0})
		require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
	})

	t.Run("ExactlyOneConcurrentReplaceWins", func(t *testing.T) {
		clock := clockwork.NewRealClock()
		bk := newBackend(t, clock)
		record := NewRecord(t, clock)
		require.NoError(t, bk.InsertExchange(ctx, record))

		const writers = 16
		var wins atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next, err := record.Clone()
				if err != nil {
					return
				}
				next.Exchange.Sequence = 1
				next.Exchange.State = types.ExchangeStateActive
				err = bk.ReplaceExchange(ctx, next, backend.ReplaceCondition{
					Sequence: 0,
					States:   []types.ExchangeState{types.ExchangeStatePending, types.ExchangeStateActive},
				})
				if err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int64(1), wins.Load(), "exactly one concurrent replace must win")
	})

	t.Run("VariablesWithReservedKeysRoundTrip", func(t *testing.T) {
		clock := clockwork.NewRealClock()
		bk := newBackend(t, clock)
		record := NewRecord(t, clock)
		record.Exchange.Variables = map[string]any{
			"results": map[string]any{
				"$.weird%key": map[string]any{"a.b": "c"},
			},
			"plain": float64(42),
		}
		require.NoError(t, bk.InsertExchange(ctx, record))

		got, err := bk.GetExchange(ctx, record.WorkflowLocalID, record.Exchange.ID)
		require.NoError(t, err)
		require.Equal(t, record.Exchange.Variables, got.Exchange.Variables)
	})

	t.Run("WorkflowCRUD", func(t *testing.T) {
		clock := clockwork.NewRealClock()
		bk := newBackend(t, clock)

		localEncoded, err := types.NewLocalID()
		require.NoError(t, err)
		localID, err := types.DecodeLocalID(localEncoded)
		require.NoError(t, err)
		workflow := &types.Workflow{
			ID:          "https://issuer.example/workflows/" + localEncoded,
			InitialStep: "didAuthn",
			Steps: map[string]*types.Step{
				"didAuthn": {VerifiablePresentationRequest: map[string]any{"query": map[string]any{"type": "DIDAuthentication"}}},
			},
		}

		require.NoError(t, bk.CreateWorkflow(ctx, workflow))
		err = bk.CreateWorkflow(ctx, workflow)
		require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)

		got, err := bk.GetWorkflow(ctx, localID)
		require.NoError(t, err)
		require.Equal(t, workflow.ID, got.ID)
		require.Contains(t, got.Steps, "didAuthn")

		workflow.InitialStep = "intro"
		workflow.Steps["intro"] = &types.Step{NextStep: "didAuthn"}
		require.NoError(t, bk.UpsertWorkflow(ctx, workflow))

		got, err = bk.GetWorkflow(ctx, localID)
		require.NoError(t, err)
		require.Equal(t, "intro", got.InitialStep)

		listed, err := bk.ListWorkflows(ctx)
		require.NoError(t, err)
		require.Len(t, listed, 1)

		require.NoError(t, bk.DeleteWorkflow(ctx, localID))
		_, err = bk.GetWorkflow(ctx, localID)
		require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
		err = bk.DeleteWorkflow(ctx, localID)
		require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
	})
}
