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
	"encoding/json"
	"strings"

	"github.com/gravitational/trace"
)

// Document databases reserve these characters in field names. A variables
// object using any of them in a key, at any depth, is stored as one JSON
// string instead of a structured document.
const reservedKeyChars = "%$."

// NeedsEscaping reports whether any object key in v, at any depth, contains
// a character a document store cannot carry in field names.
func NeedsEscaping(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		for key, child := range val {
			if strings.ContainsAny(key, reservedKeyChars) {
				return true
			}
			if NeedsEscaping(child) {
				return true
			}
		}
	case []any:
		for _, child := range val {
			if NeedsEscaping(child) {
				return true
			}
		}
	}
	return false
}

// EncodeVariables returns the storable form of a variables object: the
// object itself, or its JSON text when a key uses a reserved character.
func EncodeVariables(variables map[string]any) (any, error) {
	if variables == nil {
		return nil, nil
	}
	if !NeedsEscaping(variables) {
		return variables, nil
	}
	data, err := json.Marshal(variables)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return string(data), nil
}

// DecodeVariables reverses EncodeVariables.
func DecodeVariables(stored any) (map[string]any, error) {
	switch val := stored.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return val, nil
	case string:
		var variables map[string]any
		if err := json.Unmarshal([]byte(val), &variables); err != nil {
			return nil, trace.BadParameter("stored variables blob is not valid JSON: %v", err)
		}
		return variables, nil
	default:
		return nil, trace.BadParameter("stored variables have unexpected type %T", stored)
	}
}
