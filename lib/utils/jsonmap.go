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

package utils

import (
	"encoding/json"

	"github.com/gravitational/trace"
)

// ToJSONMap converts v into a generic JSON object by a marshal round trip.
// Numbers come back as float64, matching what encoding/json produces for
// untyped documents.
func ToJSONMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// FromJSONMap decodes a generic JSON object into the typed value out points
// to. Unknown fields are dropped silently to stay compatible with documents
// written by newer builds.
func FromJSONMap(m map[string]any, out any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// DeepCopyJSONMap returns a copy of m sharing no structure with the
// original. Values must be JSON encodable.
func DeepCopyJSONMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	return ToJSONMap(m)
}
