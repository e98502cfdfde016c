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

// Package events notifies interested collaborators about exchange updates.
// Emission is fire-and-forget: the processor path must never block on, or
// fail because of, a slow or broken subscriber.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/types"
)

// ExchangeUpdate describes one committed or attempted change to an
// exchange.
type ExchangeUpdate struct {
	// WorkflowID is the owning workflow URL.
	WorkflowID string
	// ExchangeID is the exchange local id.
	ExchangeID string
	// State is the exchange state after the update.
	State types.ExchangeState
	// Step is the current step after the update.
	Step string
}

// Emitter publishes exchange updates.
type Emitter interface {
	// EmitExchangeUpdated publishes one update. Implementations must not
	// block and must not panic into the caller.
	EmitExchangeUpdated(update ExchangeUpdate)
}

// DiscardEmitter drops all updates.
type DiscardEmitter struct{}

// EmitExchangeUpdated implements Emitter.
func (DiscardEmitter) EmitExchangeUpdated(ExchangeUpdate) {}

// AsyncEmitter fans updates out to a sink on a background goroutine with a
// bounded buffer. Updates beyond the buffer are dropped and counted rather
// than blocking the processor.
type AsyncEmitter struct {
	logger *slog.Logger
	ch     chan ExchangeUpdate
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	dropped uint64
}

// NewAsyncEmitter starts an emitter delivering updates to sink. Close stops
// delivery.
func NewAsyncEmitter(buffer int, sink func(ctx context.Context, update ExchangeUpdate)) *AsyncEmitter {
	if buffer <= 0 {
		buffer = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &AsyncEmitter{
		logger: slog.With(courier.ComponentKey, courier.ComponentEvents),
		ch:     make(chan ExchangeUpdate, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go e.run(ctx, sink)
	return e
}

func (e *AsyncEmitter) run(ctx context.Context, sink func(ctx context.Context, update ExchangeUpdate)) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-e.ch:
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.logger.WarnContext(ctx, "Exchange update sink panicked.", "panic", r)
					}
				}()
				sink(ctx, update)
			}()
		}
	}
}

// EmitExchangeUpdated implements Emitter.
func (e *AsyncEmitter) EmitExchangeUpdated(update ExchangeUpdate) {
	select {
	case e.ch <- update:
	default:
		e.mu.Lock()
		e.dropped++
		dropped := e.dropped
		e.mu.Unlock()
		e.logger.Debug("Dropped exchange update.", "exchange", update.ExchangeID, "dropped_total", dropped)
	}
}

// Dropped returns how many updates were dropped due to a full buffer.
func (e *AsyncEmitter) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close stops the delivery goroutine. Buffered updates may be lost.
func (e *AsyncEmitter) Close() {
	e.cancel()
	<-e.done
}
