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

// Package schema validates protocol documents against JSON Schemas: the
// per-step presentationSchema and verifyPresentationResultSchema configured
// in workflows, and the fixed schemas of OID4VP artifacts.
package schema

import (
	_ "embed"
	"strings"

	"github.com/gravitational/trace"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed presentation_submission.json
var presentationSubmissionSchema string

//go:embed verifiable_presentation.json
var verifiablePresentationSchema string

// Validate checks document against a JSON Schema given as a generic object.
// Violations surface as a single BadParameter naming every failed
// constraint.
func Validate(document any, schema map[string]any) error {
	if schema == nil {
		return trace.BadParameter("missing schema")
	}
	return validate(document, gojsonschema.NewGoLoader(schema))
}

// ValidatePresentationSubmission checks an OID4VP presentation_submission
// document.
func ValidatePresentationSubmission(document any) error {
	return validate(document, gojsonschema.NewStringLoader(presentationSubmissionSchema))
}

// ValidateVerifiablePresentation structurally checks a verifiable
// presentation received as a JSON object.
func ValidateVerifiablePresentation(document any) error {
	return validate(document, gojsonschema.NewStringLoader(verifiablePresentationSchema))
}

func validate(document any, schemaLoader gojsonschema.JSONLoader) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(document))
	if err != nil {
		return trace.BadParameter("schema validation failed: %v", err)
	}
	if result.Valid() {
		return nil
	}
	var failures []string
	for _, violation := range result.Errors() {
		failures = append(failures, violation.String())
	}
	return trace.BadParameter("document does not match schema: %s", strings.Join(failures, "; "))
}
