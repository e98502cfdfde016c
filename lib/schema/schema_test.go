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

package schema

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestValidatePresentationSubmission(t *testing.T) {
	valid := map[string]any{
		"id":            "submission-1",
		"definition_id": "definition-1",
		"descriptor_map": []any{map[string]any{
			"id":     "descriptor-0",
			"format": "ldp_vp",
			"path":   "$",
			"path_nested": map[string]any{
				"id":     "descriptor-0",
				"format": "ldp_vc",
				"path":   "$.verifiableCredential[0]",
			},
		}},
	}
	require.NoError(t, ValidatePresentationSubmission(valid))

	missingDefinition := map[string]any{
		"id":             "submission-1",
		"descriptor_map": []any{},
	}
	err := ValidatePresentationSubmission(missingDefinition)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	require.ErrorContains(t, err, "definition_id")

	badDescriptor := map[string]any{
		"id":            "submission-1",
		"definition_id": "definition-1",
		"descriptor_map": []any{map[string]any{
			"id": "descriptor-0",
		}},
	}
	err = ValidatePresentationSubmission(badDescriptor)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestValidateVerifiablePresentation(t *testing.T) {
	valid := map[string]any{
		"@context": []any{"https://www.w3.org/ns/credentials/v2"},
		"type":     []any{"VerifiablePresentation"},
		"verifiableCredential": []any{
			map[string]any{"type": []any{"VerifiableCredential"}},
			"eyJh.eyJi.c2ln",
		},
		"proof": map[string]any{"type": "DataIntegrityProof"},
	}
	require.NoError(t, ValidateVerifiablePresentation(valid))

	// The type field may be a bare string.
	require.NoError(t, ValidateVerifiablePresentation(map[string]any{
		"@context": []any{"https://www.w3.org/ns/credentials/v2"},
		"type":     "VerifiablePresentation",
	}))

	// A string context is a malformed document, not an array shorthand.
	err := ValidateVerifiablePresentation(map[string]any{
		"@context": "https://www.w3.org/ns/credentials/v2",
		"type":     "VerifiablePresentation",
	})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	err = ValidateVerifiablePresentation(map[string]any{"type": "VerifiablePresentation"})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	require.ErrorContains(t, err, "@context")
}

func TestValidate(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"verified"},
		"properties": map[string]any{
			"verified": map[string]any{"type": "boolean"},
		},
	}

	require.NoError(t, Validate(map[string]any{"verified": true}, schema))

	err := Validate(map[string]any{"verified": "yes"}, schema)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	require.ErrorContains(t, err, "verified")

	err = Validate(map[string]any{"verified": true}, nil)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	require.ErrorContains(t, err, "missing schema")
}
