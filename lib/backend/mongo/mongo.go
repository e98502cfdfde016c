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

// Package mongo implements the storage contract on MongoDB. One collection
// holds exchange records under a compound unique index and a TTL index on
// meta.expires; a second collection holds workflow documents.
package mongo

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/backend"
	"github.com/gravitational/courier/lib/defaults"
	"github.com/gravitational/courier/lib/types"
	"github.com/gravitational/courier/lib/utils"
)

// Config holds MongoDB backend settings.
type Config struct {
	// URI is the MongoDB connection string.
	URI string
	// Database is the database name.
	Database string
	// Collection holds exchange records.
	Collection string
	// WorkflowCollection holds workflow documents.
	WorkflowCollection string
	// ConnectTimeout bounds the initial connection and index bootstrap.
	ConnectTimeout time.Duration
	// Logger is the backend logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.URI == "" {
		return trace.BadParameter("missing parameter URI")
	}
	if c.Database == "" {
		c.Database = defaults.MongoDatabase
	}
	if c.Collection == "" {
		c.Collection = defaults.MongoCollection
	}
	if c.WorkflowCollection == "" {
		c.WorkflowCollection = defaults.MongoWorkflowCollection
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.With(courier.ComponentKey, courier.ComponentBackend)
	}
	return nil
}

// Mongo is a MongoDB backed Backend.
type Mongo struct {
	cfg       Config
	client    *mongo.Client
	exchanges *mongo.Collection
	workflows *mongo.Collection
}

// New connects to MongoDB and bootstraps the indexes.
func New(ctx context.Context, cfg Config) (*Mongo, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to connect to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, trace.ConnectionProblem(err, "failed to ping mongodb")
	}

	m := &Mongo{
		cfg:       cfg,
		client:    client,
		exchanges: client.Database(cfg.Database).Collection(cfg.Collection),
		workflows: client.Database(cfg.Database).Collection(cfg.WorkflowCollection),
	}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.exchanges.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "workflowIdLocal", Value: 1},
				{Key: "exchange.id", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("workflow_exchange_unique"),
		},
		{
			Keys:    bson.D{{Key: "meta.expires", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("meta_expires_ttl"),
		},
	})
	if err != nil {
		return trace.ConnectionProblem(err, "failed to create exchange indexes")
	}
	return nil
}

// Close disconnects from MongoDB.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	return trace.Wrap(m.client.Disconnect(ctx))
}

// InsertExchange writes a new record.
func (m *Mongo) InsertExchange(ctx context.Context, record *types.ExchangeRecord) error {
	if err := backend.CheckRecord(record); err != nil {
		return trace.Wrap(err)
	}
	doc, err := encodeRecord(record)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := m.exchanges.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return trace.AlreadyExists("exchange %q already exists", record.Exchange.ID)
		}
		return trace.ConnectionProblem(err, "failed to insert exchange")
	}
	return nil
}

// GetExchange returns the stored record regardless of state or expiry.
func (m *Mongo) GetExchange(ctx context.Context, workflowLocalID []byte, exchangeID string) (*types.ExchangeRecord, error) {
	filter := bson.M{
		"workflowIdLocal": primitive.Binary{Data: workflowLocalID},
		"exchange.id":     exchangeID,
	}
	var doc bson.M
	if err := m.exchanges.FindOne(ctx, filter).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, trace.NotFound("exchange %q not found", exchangeID)
		}
		return nil, trace.ConnectionProblem(err, "failed to read exchange")
	}
	record, err := decodeRecord(doc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// ReplaceExchange atomically replaces a record matching cond.
func (m *Mongo) ReplaceExchange(ctx context.Context, record *types.ExchangeRecord, cond backend.ReplaceCondition) error {
	if err := backend.CheckRecord(record); err != nil {
		return trace.Wrap(err)
	}
	doc, err := encodeRecord(record)
	if err != nil {
		return trace.Wrap(err)
	}
	filter := bson.M{
		"workflowIdLocal":   primitive.Binary{Data: record.WorkflowLocalID},
		"exchange.id":       record.Exchange.ID,
		"exchange.sequence": int64(cond.Sequence),
	}
	if len(cond.States) > 0 {
		states := make([]string, 0, len(cond.States))
		for _, state := range cond.States {
			states = append(states, string(state))
		}
		filter["exchange.state"] = bson.M{"$in": states}
	}
	result, err := m.exchanges.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return trace.ConnectionProblem(err, "failed to replace exchange")
	}
	if result.MatchedCount == 0 {
		return trace.CompareFailed("exchange %q did not match the replace condition", record.Exchange.ID)
	}
	return nil
}

// CreateWorkflow writes a new workflow document.
func (m *Mongo) CreateWorkflow(ctx context.Context, workflow *types.Workflow) error {
	doc, err := encodeWorkflow(workflow)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := m.workflows.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return trace.AlreadyExists("workflow %q already exists", workflow.ID)
		}
		return trace.ConnectionProblem(err, "failed to insert workflow")
	}
	return nil
}

// UpsertWorkflow creates or replaces a workflow document.
func (m *Mongo) UpsertWorkflow(ctx context.Context, workflow *types.Workflow) error {
	doc, err := encodeWorkflow(workflow)
	if err != nil {
		return trace.Wrap(err)
	}
	filter := bson.M{"_id": doc["_id"]}
	if _, err := m.workflows.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return trace.ConnectionProblem(err, "failed to upsert workflow")
	}
	return nil
}

// GetWorkflow returns the workflow with the given raw local id.
func (m *Mongo) GetWorkflow(ctx context.Context, localID []byte) (*types.Workflow, error) {
	var doc bson.M
	err := m.workflows.FindOne(ctx, bson.M{"_id": primitive.Binary{Data: localID}}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, trace.NotFound("workflow not found")
		}
		return nil, trace.ConnectionProblem(err, "failed to read workflow")
	}
	return decodeWorkflow(doc)
}

// DeleteWorkflow removes the workflow with the given raw local id.
func (m *Mongo) DeleteWorkflow(ctx context.Context, localID []byte) error {
	result, err := m.workflows.DeleteOne(ctx, bson.M{"_id": primitive.Binary{Data: localID}})
	if err != nil {
		return trace.ConnectionProblem(err, "failed to delete workflow")
	}
	if result.DeletedCount == 0 {
		return trace.NotFound("workflow not found")
	}
	return nil
}

// ListWorkflows returns all stored workflows.
func (m *Mongo) ListWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	cursor, err := m.workflows.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "workflow.id", Value: 1}}))
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to list workflows")
	}
	defer cursor.Close(ctx)

	var workflows []*types.Workflow
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, trace.ConnectionProblem(err, "failed to decode workflow")
		}
		workflow, err := decodeWorkflow(doc)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		workflows = append(workflows, workflow)
	}
	if err := cursor.Err(); err != nil {
		return nil, trace.ConnectionProblem(err, "failed to iterate workflows")
	}
	return workflows, nil
}

// encodeRecord converts a record into its stored document. The exchange is
// JSON shaped before it becomes BSON so custom JSON marshalers apply; meta
// times are stored as real dates for the TTL index.
func encodeRecord(record *types.ExchangeRecord) (bson.M, error) {
	exchangeDoc, err := utils.ToJSONMap(record.Exchange)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	storedVariables, err := backend.EncodeVariables(record.Exchange.Variables)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if storedVariables == nil {
		delete(exchangeDoc, "variables")
	} else {
		exchangeDoc["variables"] = storedVariables
	}
	// keep the sequence an integer; the JSON round trip above turns it
	// into a double
	exchangeDoc["sequence"] = int64(record.Exchange.Sequence)

	return bson.M{
		"workflowIdLocal": primitive.Binary{Data: record.WorkflowLocalID},
		"exchange":        exchangeDoc,
		"meta": bson.M{
			"created": record.Meta.Created.UTC(),
			"updated": record.Meta.Updated.UTC(),
			"expires": record.Meta.Expires.UTC(),
		},
	}, nil
}

func decodeRecord(doc bson.M) (*types.ExchangeRecord, error) {
	bin, ok := doc["workflowIdLocal"].(primitive.Binary)
	if !ok {
		return nil, trace.BadParameter("stored record is missing workflowIdLocal")
	}
	exchangeDoc, ok := doc["exchange"].(bson.M)
	if !ok {
		return nil, trace.BadParameter("stored record is missing exchange")
	}
	variables, err := backend.DecodeVariables(normalizeBSON(exchangeDoc["variables"]))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	delete(exchangeDoc, "variables")

	data, err := json.Marshal(normalizeBSON(exchangeDoc))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var exchange types.Exchange
	if err := json.Unmarshal(data, &exchange); err != nil {
		return nil, trace.BadParameter("stored exchange document is malformed: %v", err)
	}
	exchange.Variables = variables

	metaDoc, ok := doc["meta"].(bson.M)
	if !ok {
		return nil, trace.BadParameter("stored record is missing meta")
	}
	meta := &types.Meta{}
	for field, target := range map[string]*types.Timestamp{
		"created": &meta.Created,
		"updated": &meta.Updated,
		"expires": &meta.Expires,
	} {
		dt, ok := metaDoc[field].(primitive.DateTime)
		if !ok {
			return nil, trace.BadParameter("stored meta.%s is not a date", field)
		}
		*target = types.NewTimestamp(dt.Time())
	}

	return &types.ExchangeRecord{
		WorkflowLocalID: bin.Data,
		Exchange:        &exchange,
		Meta:            meta,
	}, nil
}

func encodeWorkflow(workflow *types.Workflow) (bson.M, error) {
	localID, err := workflow.LocalID()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	workflowDoc, err := utils.ToJSONMap(workflow)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return bson.M{
		"_id":      primitive.Binary{Data: localID},
		"workflow": workflowDoc,
	}, nil
}

func decodeWorkflow(doc bson.M) (*types.Workflow, error) {
	workflowDoc, ok := doc["workflow"].(bson.M)
	if !ok {
		return nil, trace.BadParameter("stored document is missing workflow")
	}
	data, err := json.Marshal(normalizeBSON(workflowDoc))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var workflow types.Workflow
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, trace.BadParameter("stored workflow document is malformed: %v", err)
	}
	return &workflow, nil
}

// normalizeBSON rewrites BSON decoder types into plain JSON shapes so the
// document can round trip through encoding/json.
func normalizeBSON(v any) any {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = normalizeBSON(child)
		}
		return out
	case bson.A:
		out := make([]any, 0, len(val))
		for _, child := range val {
			out = append(out, normalizeBSON(child))
		}
		return out
	case primitive.DateTime:
		return val.Time().UTC().Format(time.RFC3339Nano)
	case primitive.Binary:
		return val.Data
	default:
		return v
	}
}
