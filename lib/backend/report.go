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

package backend

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/courier/lib/types"
	"github.com/gravitational/courier/lib/utils"
)

// ReporterConfig configures the reporter wrapper.
type ReporterConfig struct {
	// Backend is the backend to wrap.
	Backend Backend
	// Clock is used to measure operation latency.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ReporterConfig) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Reporter wraps a Backend implementation and reports statistics about
// backend operations.
type Reporter struct {
	ReporterConfig
}

// NewReporter returns a new Reporter.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(
		writeRequests, writeRequestsFailed, writeLatencies,
		readRequests, readRequestsFailed, readLatencies,
		replaceConflicts,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reporter{ReporterConfig: cfg}, nil
}

// InsertExchange writes a new record.
func (s *Reporter) InsertExchange(ctx context.Context, record *types.ExchangeRecord) error {
	start := s.Clock.Now()
	err := s.Backend.InsertExchange(ctx, record)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil {
		writeRequestsFailed.Inc()
	}
	return err
}

// GetExchange returns the stored record.
func (s *Reporter) GetExchange(ctx context.Context, workflowLocalID []byte, exchangeID string) (*types.ExchangeRecord, error) {
	start := s.Clock.Now()
	record, err := s.Backend.GetExchange(ctx, workflowLocalID, exchangeID)
	readLatencies.Observe(time.Since(start).Seconds())
	readRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		readRequestsFailed.Inc()
	}
	return record, err
}

// ReplaceExchange atomically replaces a record.
func (s *Reporter) ReplaceExchange(ctx context.Context, record *types.ExchangeRecord, cond ReplaceCondition) error {
	start := s.Clock.Now()
	err := s.Backend.ReplaceExchange(ctx, record, cond)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil {
		if trace.IsCompareFailed(err) {
			replaceConflicts.Inc()
		} else {
			writeRequestsFailed.Inc()
		}
	}
	return err
}

// CreateWorkflow writes a new workflow document.
func (s *Reporter) CreateWorkflow(ctx context.Context, workflow *types.Workflow) error {
	start := s.Clock.Now()
	err := s.Backend.CreateWorkflow(ctx, workflow)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil {
		writeRequestsFailed.Inc()
	}
	return err
}

// UpsertWorkflow creates or replaces a workflow document.
func (s *Reporter) UpsertWorkflow(ctx context.Context, workflow *types.Workflow) error {
	start := s.Clock.Now()
	err := s.Backend.UpsertWorkflow(ctx, workflow)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil {
		writeRequestsFailed.Inc()
	}
	return err
}

// GetWorkflow returns a workflow document.
func (s *Reporter) GetWorkflow(ctx context.Context, localID []byte) (*types.Workflow, error) {
	start := s.Clock.Now()
	workflow, err := s.Backend.GetWorkflow(ctx, localID)
	readLatencies.Observe(time.Since(start).Seconds())
	readRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		readRequestsFailed.Inc()
	}
	return workflow, err
}

// DeleteWorkflow removes a workflow document.
func (s *Reporter) DeleteWorkflow(ctx context.Context, localID []byte) error {
	start := s.Clock.Now()
	err := s.Backend.DeleteWorkflow(ctx, localID)
	writeLatencies.Observe(time.Since(start).Seconds())
	writeRequests.Inc()
	if err != nil && !trace.IsNotFound(err) {
		writeRequestsFailed.Inc()
	}
	return err
}

// ListWorkflows returns all stored workflows.
func (s *Reporter) ListWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	start := s.Clock.Now()
	workflows, err := s.Backend.ListWorkflows(ctx)
	readLatencies.Observe(time.Since(start).Seconds())
	readRequests.Inc()
	if err != nil {
		readRequestsFailed.Inc()
	}
	return workflows, err
}

// Close releases backend resources.
func (s *Reporter) Close() error {
	return s.Backend.Close()
}

var (
	writeRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_write_requests_total",
			Help: "Number of write requests to the backend",
		},
	)
	writeRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_write_requests_failed_total",
			Help: "Number of failed write requests to the backend",
		},
	)
	readRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_read_requests_total",
			Help: "Number of read requests to the backend",
		},
	)
	readRequestsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_read_requests_failed_total",
			Help: "Number of failed read requests to the backend",
		},
	)
	writeLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "backend_write_seconds",
			Help: "Latency for backend write operations",
		},
	)
	readLatencies = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "backend_read_seconds",
			Help: "Latency for backend read operations",
		},
	)
	replaceConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_replace_conflicts_total",
			Help: "Number of conditional replaces lost to a concurrent writer",
		},
	)
)
