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

// Package exchange holds the exchange state machine: the store enforcing the
// sequencing and lifecycle contract over a raw backend, and the processor
// driving steps, issuance and state transitions.
package exchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/backend"
	"github.com/gravitational/courier/lib/defaults"
	"github.com/gravitational/courier/lib/types"
)

// StoreConfig holds exchange store parameters.
type StoreConfig struct {
	// Backend is the storage implementation.
	Backend backend.Backend
	// Clock drives expiry decisions and timestamps.
	Clock clockwork.Clock
	// Logger is the store logger.
	Logger *slog.Logger
	// LastErrorFreeUpdates is the number of writes an exchange may take
	// before lastError persistence is rate limited.
	LastErrorFreeUpdates uint64
	// LastErrorMinInterval is the minimum spacing between rate limited
	// lastError writes.
	LastErrorMinInterval time.Duration
}

// CheckAndSetDefaults checks and sets defaults.
func (c *StoreConfig) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(courier.ComponentKey, courier.ComponentBackend)
	}
	if c.LastErrorFreeUpdates == 0 {
		c.LastErrorFreeUpdates = defaults.LastErrorFreeUpdates
	}
	if c.LastErrorMinInterval <= 0 {
		c.LastErrorMinInterval = defaults.LastErrorMinInterval
	}
	return nil
}

// Store enforces the exchange lifecycle contract over a raw backend: insert
// pins the initial state, reads hide expired and invalidated records, and
// every write is a compare-and-swap on the exchange sequence. The store is
// the single serialization point for concurrent writers; there is no
// in-process lock.
type Store struct {
	cfg StoreConfig
}

// NewStore returns a store over cfg.Backend.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg}, nil
}

// Clock exposes the store clock so callers share its notion of now.
func (s *Store) Clock() clockwork.Clock {
	return s.cfg.Clock
}

// Insert writes a fresh exchange owned by workflow. The exchange starts at
// sequence zero in the pending state regardless of what the caller set.
func (s *Store) Insert(ctx context.Context, workflow *types.Workflow, exchange *types.Exchange) (*types.ExchangeRecord, error) {
	localID, err := workflow.LocalID()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	exchange.Sequence = 0
	exchange.State = types.ExchangeStatePending
	now := types.NewTimestamp(s.cfg.Clock.Now())
	record := &types.ExchangeRecord{
		WorkflowLocalID: localID,
		Exchange:        exchange,
		Meta: &types.Meta{
			Created: now,
			Updated: now,
			Expires: exchange.Expires,
		},
	}
	if err := s.cfg.Backend.InsertExchange(ctx, record); err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// Get returns the record for an exchange owned by workflow. Expired records
// read as not found unless allowExpired is set, even while the background
// evictor has not removed them yet. Invalidated records always read as not
// found.
func (s *Store) Get(ctx context.Context, workflow *types.Workflow, exchangeID string, allowExpired bool) (*types.ExchangeRecord, error) {
	localID, err := workflow.LocalID()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := s.cfg.Backend.GetExchange(ctx, localID, exchangeID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if record.Exchange.State == types.ExchangeStateInvalid {
		return nil, trace.NotFound("exchange %q not found", exchangeID)
	}
	if !allowExpired && !record.Exchange.Expires.After(s.cfg.Clock.Now()) {
		return nil, trace.NotFound("exchange %q not found", exchangeID)
	}
	return record, nil
}

// Update commits a non-terminal write. The caller increments the exchange
// sequence by one before calling; the write lands only if the stored record
// still carries the previous sequence and is pending or active. A mismatch
// is classified by re-reading: missing record means not found, anything else
// is a conflict.
func (s *Store) Update(ctx context.Context, record *types.ExchangeRecord) error {
	if record.Exchange.State.Terminal() && record.Exchange.State != types.ExchangeStateComplete {
		return trace.BadParameter("update cannot write state %q", record.Exchange.State)
	}
	if record.Exchange.Sequence == 0 {
		return trace.BadParameter("update requires an incremented sequence")
	}
	s.touch(record)
	cond := backend.ReplaceCondition{
		Sequence: record.Exchange.Sequence - 1,
		States:   []types.ExchangeState{types.ExchangeStatePending, types.ExchangeStateActive},
	}
	err := s.cfg.Backend.ReplaceExchange(ctx, record, cond)
	if err == nil {
		return nil
	}
	if !trace.IsCompareFailed(err) {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.classifyConflict(ctx, record))
}

// Complete commits the terminal write of an exchange. The caller sets
// state to complete and increments the sequence. A conflict against a
// record that is still in flight surfaces as such; a conflict against a
// record that already reached a terminal state is a replay, which
// invalidates the exchange in the background and reads as a duplicate.
func (s *Store) Complete(ctx context.Context, record *types.ExchangeRecord) error {
	if record.Exchange.State != types.ExchangeStateComplete {
		return trace.BadParameter("complete requires state %q, got %q",
			types.ExchangeStateComplete, record.Exchange.State)
	}
	if record.Exchange.Sequence == 0 {
		return trace.BadParameter("complete requires an incremented sequence")
	}
	s.touch(record)
	cond := backend.ReplaceCondition{
		Sequence: record.Exchange.Sequence - 1,
		States:   []types.ExchangeState{types.ExchangeStatePending, types.ExchangeStateActive},
	}
	err := s.cfg.Backend.ReplaceExchange(ctx, record, cond)
	if err == nil {
		return nil
	}
	if !trace.IsCompareFailed(err) {
		return trace.Wrap(err)
	}

	stored, getErr := s.cfg.Backend.GetExchange(ctx, record.WorkflowLocalID, record.Exchange.ID)
	if getErr != nil {
		return trace.Wrap(getErr)
	}
	switch stored.Exchange.State {
	case types.ExchangeStatePending, types.ExchangeStateActive:
		return trace.CompareFailed("exchange %q changed concurrently", record.Exchange.ID)
	default:
		// Terminal state reached by someone else: this call is a replay.
		go s.Invalidate(context.WithoutCancel(ctx), stored)
		return trace.AlreadyExists("exchange %q is already complete", record.Exchange.ID)
	}
}

// SetLastError persists a sanitized processing failure on the exchange.
// Once the exchange has taken more writes than the free budget, updates
// landing within the minimum interval of lastUpdated are suppressed. The
// write itself is a sequence CAS with no state constraint so failures on
// completed exchanges are still recorded.
func (s *Store) SetLastError(ctx context.Context, record *types.ExchangeRecord, lastErr *types.LastError, lastUpdated time.Time) error {
	if lastErr == nil {
		return trace.BadParameter("missing lastError")
	}
	if record.Exchange.Sequence > s.cfg.LastErrorFreeUpdates &&
		s.cfg.Clock.Now().Before(lastUpdated.Add(s.cfg.LastErrorMinInterval)) {
		return nil
	}
	next, err := record.Clone()
	if err != nil {
		return trace.Wrap(err)
	}
	next.Exchange.LastError = lastErr
	next.Exchange.Sequence++
	s.touch(next)
	cond := backend.ReplaceCondition{Sequence: record.Exchange.Sequence}
	if err := s.cfg.Backend.ReplaceExchange(ctx, next, cond); err != nil {
		return trace.Wrap(err)
	}
	record.Exchange.LastError = lastErr
	record.Exchange.Sequence = next.Exchange.Sequence
	record.Meta.Updated = next.Meta.Updated
	return nil
}

// Invalidate force-marks a record invalid and extends its retention so
// operators can inspect replayed exchanges before the TTL index drops them.
// Failures are logged, never surfaced.
func (s *Store) Invalidate(ctx context.Context, record *types.ExchangeRecord) {
	next, err := record.Clone()
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to clone exchange for invalidation.",
			"exchange", record.Exchange.ID, "error", err)
		return
	}
	now := s.cfg.Clock.Now()
	next.Exchange.State = types.ExchangeStateInvalid
	next.Exchange.Sequence++
	next.Exchange.Expires = types.NewTimestamp(now.Add(defaults.InvalidExchangeTTL))
	next.Meta.Updated = types.NewTimestamp(now)
	next.Meta.Expires = next.Exchange.Expires
	cond := backend.ReplaceCondition{Sequence: record.Exchange.Sequence}
	if err := s.cfg.Backend.ReplaceExchange(ctx, next, cond); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to invalidate exchange.",
			"exchange", record.Exchange.ID, "error", err)
	}
}

// classifyConflict re-reads a record after a failed CAS to tell a vanished
// record from a concurrent writer.
func (s *Store) classifyConflict(ctx context.Context, record *types.ExchangeRecord) error {
	_, err := s.cfg.Backend.GetExchange(ctx, record.WorkflowLocalID, record.Exchange.ID)
	if trace.IsNotFound(err) {
		return trace.NotFound("exchange %q not found", record.Exchange.ID)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.CompareFailed("exchange %q changed concurrently", record.Exchange.ID)
}

// touch refreshes the bookkeeping envelope before a write.
func (s *Store) touch(record *types.ExchangeRecord) {
	record.Meta.Updated = types.NewTimestamp(s.cfg.Clock.Now())
	record.Meta.Expires = record.Exchange.Expires
}
