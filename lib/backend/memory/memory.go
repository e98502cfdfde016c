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

// Package memory implements the storage contract in process memory. It
// backs tests and single node deployments that can afford to lose state on
// restart.
package memory

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/backend"
	"github.com/gravitational/courier/lib/defaults"
	"github.com/gravitational/courier/lib/types"
)

// Config holds memory backend settings.
type Config struct {
	// Clock drives expiry checks and the sweeper. Defaults to the wall
	// clock.
	Clock clockwork.Clock
	// EvictionInterval is how often the sweeper scans for expired records.
	EvictionInterval time.Duration
	// Logger is the backend logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = defaults.EvictionInterval
	}
	if c.Logger == nil {
		c.Logger = slog.With(courier.ComponentKey, courier.ComponentBackend)
	}
	return nil
}

// Memory is an in-process Backend.
type Memory struct {
	cfg    Config
	cancel context.CancelFunc

	mu        sync.Mutex
	exchanges map[string]*types.ExchangeRecord
	workflows map[string]*types.Workflow
}

// New returns a started memory backend. Close stops the sweeper.
func New(cfg Config) (*Memory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory{
		cfg:       cfg,
		cancel:    cancel,
		exchanges: make(map[string]*types.ExchangeRecord),
		workflows: make(map[string]*types.Workflow),
	}
	go m.sweep(ctx)
	return m, nil
}

// Close stops the sweeper.
func (m *Memory) Close() error {
	m.cancel()
	return nil
}

func exchangeKey(workflowLocalID []byte, exchangeID string) string {
	return hex.EncodeToString(workflowLocalID) + "/" + exchangeID
}

// InsertExchange writes a new record.
func (m *Memory) InsertExchange(ctx context.Context, record *types.ExchangeRecord) error {
	if err := backend.CheckRecord(record); err != nil {
		return trace.Wrap(err)
	}
	clone, err := record.Clone()
	if err != nil {
		return trace.Wrap(err)
	}
	key := exchangeKey(record.WorkflowLocalID, record.Exchange.ID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.exchanges[key]; exists {
		return trace.AlreadyExists("exchange %q already exists", record.Exchange.ID)
	}
	m.exchanges[key] = clone
	return nil
}

// GetExchange returns the stored record regardless of state or expiry.
func (m *Memory) GetExchange(ctx context.Context, workflowLocalID []byte, exchangeID string) (*types.ExchangeRecord, error) {
	m.mu.Lock()
	record, exists := m.exchanges[exchangeKey(workflowLocalID, exchangeID)]
	m.mu.Unlock()
	if !exists {
		return nil, trace.NotFound("exchange %q not found", exchangeID)
	}
	clone, err := record.Clone()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return clone, nil
}

// ReplaceExchange atomically replaces a record matching cond.
func (m *Memory) ReplaceExchange(ctx context.Context, record *types.ExchangeRecord, cond backend.ReplaceCondition) error {
	if err := backend.CheckRecord(record); err != nil {
		return trace.Wrap(err)
	}
	clone, err := record.Clone()
	if err != nil {
		return trace.Wrap(err)
	}
	key := exchangeKey(record.WorkflowLocalID, record.Exchange.ID)

	m.mu.Lock()
	defer m.mu.Unlock()
	stored, exists := m.exchanges[key]
	if !exists || stored.Exchange.Sequence != cond.Sequence || !cond.MatchesState(stored.Exchange.State) {
		return trace.CompareFailed("exchange %q did not match the replace condition", record.Exchange.ID)
	}
	m.exchanges[key] = clone
	return nil
}

// CreateWorkflow writes a new workflow document.
func (m *Memory) CreateWorkflow(ctx context.Context, workflow *types.Workflow) error {
	localID, err := workflow.LocalID()
	if err != nil {
		return trace.Wrap(err)
	}
	clone, err := cloneWorkflow(workflow)
	if err != nil {
		return trace.Wrap(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := hex.EncodeToString(localID)
	if _, exists := m.workflows[key]; exists {
		return trace.AlreadyExists("workflow %q already exists", workflow.ID)
	}
	m.workflows[key] = clone
	return nil
}

// UpsertWorkflow creates or replaces a workflow document.
func (m *Memory) UpsertWorkflow(ctx context.Context, workflow *types.Workflow) error {
	localID, err := workflow.LocalID()
	if err != nil {
		return trace.Wrap(err)
	}
	clone, err := cloneWorkflow(workflow)
	if err != nil {
		return trace.Wrap(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[hex.EncodeToString(localID)] = clone
	return nil
}

// GetWorkflow returns the workflow with the given raw local id.
func (m *Memory) GetWorkflow(ctx context.Context, localID []byte) (*types.Workflow, error) {
	m.mu.Lock()
	workflow, exists := m.workflows[hex.EncodeToString(localID)]
	m.mu.Unlock()
	if !exists {
		return nil, trace.NotFound("workflow not found")
	}
	return cloneWorkflow(workflow)
}

// DeleteWorkflow removes the workflow with the given raw local id.
func (m *Memory) DeleteWorkflow(ctx context.Context, localID []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := hex.EncodeToString(localID)
	if _, exists := m.workflows[key]; !exists {
		return trace.NotFound("workflow not found")
	}
	delete(m.workflows, key)
	return nil
}

// ListWorkflows returns all stored workflows ordered by id.
func (m *Memory) ListWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	m.mu.Lock()
	workflows := make([]*types.Workflow, 0, len(m.workflows))
	for _, workflow := range m.workflows {
		workflows = append(workflows, workflow)
	}
	m.mu.Unlock()

	out := make([]*types.Workflow, 0, len(workflows))
	for _, workflow := range workflows {
		clone, err := cloneWorkflow(workflow)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// sweep periodically drops records past meta.expires, standing in for the
// TTL index a real database provides.
func (m *Memory) sweep(ctx context.Context) {
	ticker := m.cfg.Clock.NewTicker(m.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.removeExpired()
		}
	}
}

func (m *Memory) removeExpired() {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, record := range m.exchanges {
		if !record.Meta.Expires.After(now) {
			delete(m.exchanges, key)
			removed++
		}
	}
	if removed > 0 {
		m.cfg.Logger.DebugContext(context.Background(), "Swept expired exchanges.", "count", removed)
	}
}

func cloneWorkflow(workflow *types.Workflow) (*types.Workflow, error) {
	data, err := json.Marshal(workflow)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out types.Workflow
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}
