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

package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/gravitational/courier/lib/backend"
	"github.com/gravitational/courier/lib/backend/test"
	"github.com/gravitational/courier/lib/types"
)

// TestMongoContract needs a reachable server, for example
// COURIER_MONGO_TEST_URI=mongodb://127.0.0.1:27017 go test ./lib/backend/mongo
func TestMongoContract(t *testing.T) {
	uri := os.Getenv("COURIER_MONGO_TEST_URI")
	if uri == "" {
		t.Skip("set COURIER_MONGO_TEST_URI to run mongodb backend tests")
	}
	var n int
	test.RunSuite(t, func(t *testing.T, clock clockwork.Clock) backend.Backend {
		n++
		m, err := New(context.Background(), Config{
			URI:                uri,
			Database:           "courier_test",
			Collection:         fmt.Sprintf("exchanges_%d_%d", os.Getpid(), n),
			WorkflowCollection: fmt.Sprintf("workflows_%d_%d", os.Getpid(), n),
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx := context.Background()
			_ = m.exchanges.Drop(ctx)
			_ = m.workflows.Drop(ctx)
			require.NoError(t, m.Close())
		})
		return m
	})
}

// TestRecordCodec round trips a record through real BSON marshaling without
// needing a server.
func TestRecordCodec(t *testing.T) {
	clock := clockwork.NewRealClock()
	record := test.NewRecord(t, clock)
	record.Exchange.Step = "didAuthn"
	record.Exchange.Sequence = 7
	record.Exchange.State = types.ExchangeStateActive
	record.Exchange.Protocols = map[string]string{"vcapi": "https://issuer.example/workflows/x/exchanges/y"}
	record.Exchange.Variables = map[string]any{
		"results": map[string]any{
			"didAuthn": map[string]any{"did": "did:key:z6Mk"},
		},
	}

	doc, err := encodeRecord(record)
	require.NoError(t, err)

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	var stored bson.M
	require.NoError(t, bson.Unmarshal(raw, &stored))

	decoded, err := decodeRecord(stored)
	require.NoError(t, err)

	require.Equal(t, record.WorkflowLocalID, decoded.WorkflowLocalID)
	require.Equal(t, record.Exchange.ID, decoded.Exchange.ID)
	require.Equal(t, uint64(7), decoded.Exchange.Sequence)
	require.Equal(t, types.ExchangeStateActive, decoded.Exchange.State)
	require.Equal(t, "didAuthn", decoded.Exchange.Step)
	require.Equal(t, record.Exchange.Protocols, decoded.Exchange.Protocols)
	require.Equal(t, record.Exchange.Variables, decoded.Exchange.Variables)
	require.True(t, decoded.Meta.Expires.Equal(record.Meta.Expires.Time))
	require.WithinDuration(t, record.Meta.Created.Time, decoded.Meta.Created.Time, time.Millisecond)
}

// TestRecordCodecEscapesVariables checks the reserved key escape hatch: a
// variables object with %, $ or . in any key is stored as one JSON string.
func TestRecordCodecEscapesVariables(t *testing.T) {
	clock := clockwork.NewRealClock()
	record := test.NewRecord(t, clock)
	record.Exchange.Variables = map[string]any{
		"query": map[string]any{"$filter": "a.b"},
	}

	doc, err := encodeRecord(record)
	require.NoError(t, err)
	exchangeDoc := doc["exchange"].(map[string]any)
	_, isString := exchangeDoc["variables"].(string)
	require.True(t, isString, "variables with reserved keys must be stored as a JSON string")

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	var stored bson.M
	require.NoError(t, bson.Unmarshal(raw, &stored))

	decoded, err := decodeRecord(stored)
	require.NoError(t, err)
	require.Equal(t, record.Exchange.Variables, decoded.Exchange.Variables)
}
