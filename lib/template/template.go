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

// Package template evaluates the JSONata templates embedded in workflow
// definitions: credential bodies, dynamic steps and authorization request
// fragments.
package template

import (
	"strings"

	jsonata "github.com/blues/jsonata-go"
	"github.com/gravitational/trace"

	"github.com/gravitational/courier/lib/types"
	"github.com/gravitational/courier/lib/utils"
)

// Scope builds the effective variable scope for one evaluation: the given
// variables (default: the full exchange variables) decorated with a globals
// object. The legacy exchanger alias of the workflow id is kept for
// templates written against older deployments.
func Scope(workflow *types.Workflow, exchange *types.Exchange, variables map[string]any) (map[string]any, error) {
	base := variables
	if base == nil {
		base = exchange.Variables
	}
	scope, err := utils.DeepCopyJSONMap(base)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if scope == nil {
		scope = make(map[string]any)
	}
	scope["globals"] = map[string]any{
		"workflow":  map[string]any{"id": workflow.ID},
		"exchanger": map[string]any{"id": workflow.ID},
		"exchange":  map[string]any{"id": exchange.ID},
	}
	return scope, nil
}

// Evaluate runs a typed template against the scope built from workflow,
// exchange and variables. The scope doubles as the evaluation input and as
// JSONata variable bindings, so both `results.x` and `$results.x` resolve.
func Evaluate(workflow *types.Workflow, exchange *types.Exchange, tmpl *types.TypedTemplate, variables map[string]any) (any, error) {
	if err := tmpl.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	scope, err := Scope(workflow, exchange, variables)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	expr, err := jsonata.Compile(tmpl.Template)
	if err != nil {
		return nil, trace.BadParameter("failed to compile template: %v", err)
	}
	if err := expr.RegisterVars(scope); err != nil {
		return nil, trace.BadParameter("failed to bind template variables: %v", err)
	}
	out, err := expr.Eval(scope)
	if err != nil {
		return nil, trace.BadParameter("template evaluation failed: %v", err)
	}
	return out, nil
}

// EvaluateStep resolves the named workflow step: static steps are returned
// after structural validation, templated steps are evaluated first and must
// produce a non-empty object.
func EvaluateStep(workflow *types.Workflow, exchange *types.Exchange, stepName string) (*types.Step, error) {
	step, ok := workflow.Steps[stepName]
	if !ok {
		return nil, trace.BadParameter("workflow has no step %q", stepName)
	}
	if step.StepTemplate == nil {
		if err := step.Check(stepName); err != nil {
			return nil, trace.Wrap(err)
		}
		return step, nil
	}

	out, err := Evaluate(workflow, exchange, step.StepTemplate, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	obj, ok := out.(map[string]any)
	if !ok || len(obj) == 0 {
		return nil, trace.BadParameter("step template %q must produce a non-empty object", stepName)
	}
	var resolved types.Step
	if err := utils.FromJSONMap(obj, &resolved); err != nil {
		return nil, trace.BadParameter("step template %q produced a malformed step: %v", stepName, err)
	}
	if err := resolved.Check(stepName); err != nil {
		return nil, trace.Wrap(err)
	}
	return &resolved, nil
}

// SetVariable writes value at a dotted path inside variables, creating
// intermediate objects as needed. Existing non-object intermediates are an
// error.
func SetVariable(variables map[string]any, path string, value any) error {
	if variables == nil {
		return trace.BadParameter("missing variables")
	}
	if path == "" {
		return trace.BadParameter("missing variable path")
	}
	segments := strings.Split(path, ".")
	current := variables
	for _, segment := range segments[:len(segments)-1] {
		if segment == "" {
			return trace.BadParameter("variable path %q has an empty segment", path)
		}
		child, exists := current[segment]
		if !exists {
			next := make(map[string]any)
			current[segment] = next
			current = next
			continue
		}
		next, ok := child.(map[string]any)
		if !ok {
			return trace.BadParameter("variable path %q crosses a non-object value at %q", path, segment)
		}
		current = next
	}
	last := segments[len(segments)-1]
	if last == "" {
		return trace.BadParameter("variable path %q has an empty segment", path)
	}
	current[last] = value
	return nil
}
