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

package types

import (
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
)

// rfc3339Milli is the wire format of every timestamp: UTC, millisecond
// precision, Z suffix.
const rfc3339Milli = "2006-01-02T15:04:05.000Z"

// Timestamp is a time.Time that serializes to RFC 3339 with millisecond
// precision and a Z suffix. All timestamps embedded in workflow and exchange
// documents use this representation.
type Timestamp struct {
	time.Time
}

// NewTimestamp converts t to UTC and truncates it to millisecond precision.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(rfc3339Milli))
}

// UnmarshalJSON implements json.Unmarshaler. Any RFC 3339 input is accepted
// and truncated to the canonical precision.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return trace.BadParameter("timestamp is not a JSON string: %v", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return trace.BadParameter("invalid timestamp %q: %v", s, err)
	}
	*t = NewTimestamp(parsed)
	return nil
}

// String returns the canonical wire form.
func (t Timestamp) String() string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(rfc3339Milli)
}
