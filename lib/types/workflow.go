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
	"strings"

	"github.com/gravitational/trace"
)

const (
	// MaxIssuerInstances caps the issuer instances one workflow may carry.
	MaxIssuerInstances = 10

	// MaxClientProfiles caps the OID4VP client profiles one workflow may
	// carry.
	MaxClientProfiles = 10
)

// IssuerInstance binds a set of credential formats to the capability used to
// issue them.
type IssuerInstance struct {
	// SupportedFormats lists the credential formats this instance can
	// produce, for example application/vc or jwt_vc_json.
	SupportedFormats []string `json:"supportedFormats"`
	// ZcapReferenceIDs names the capabilities this instance invokes.
	ZcapReferenceIDs *ZcapReferenceIDs `json:"zcapReferenceIds,omitempty"`
}

// ZcapReferenceIDs maps instance operations to capability reference ids in
// workflow.zcaps.
type ZcapReferenceIDs struct {
	Issue string `json:"issue,omitempty"`
}

// Workflow is the immutable configuration a family of exchanges runs
// against.
type Workflow struct {
	// ID is the workflow URL. Its trailing path segment is the 128-bit
	// local identifier.
	ID string `json:"id"`
	// InitialStep names the step fresh exchanges start on.
	InitialStep string `json:"initialStep,omitempty"`
	// Steps maps step name to step definition.
	Steps map[string]*Step `json:"steps,omitempty"`
	// CredentialTemplates are the credential bodies this workflow can
	// issue.
	CredentialTemplates []*TypedTemplate `json:"credentialTemplates,omitempty"`
	// IssuerInstances bind credential formats to issuance capabilities.
	IssuerInstances []*IssuerInstance `json:"issuerInstances,omitempty"`
	// Zcaps maps reference id to delegated capability.
	Zcaps map[string]*Capability `json:"zcaps,omitempty"`
	// OID4VPClientProfiles registers reusable client profiles.
	OID4VPClientProfiles map[string]*OID4VPClientProfile `json:"oid4vpClientProfiles,omitempty"`
}

// LocalID returns the decoded 128-bit identifier carried in the trailing
// path segment of the workflow id.
func (w *Workflow) LocalID() ([]byte, error) {
	segment := w.ID
	if i := strings.LastIndex(segment, "/"); i >= 0 {
		segment = segment[i+1:]
	}
	raw, err := DecodeLocalID(segment)
	if err != nil {
		return nil, trace.BadParameter("workflow id %q does not end in a local identifier: %v", w.ID, err)
	}
	return raw, nil
}

// ExchangeURL returns the canonical URL of an exchange under this
// workflow. The URL doubles as the OAuth2 issuer and audience of the
// exchange's virtual authorization server.
func (w *Workflow) ExchangeURL(exchangeID string) string {
	return w.ID + "/exchanges/" + exchangeID
}

// SupportedFormats returns the union of formats across issuer instances.
// Order follows first appearance.
func (w *Workflow) SupportedFormats() []string {
	var formats []string
	seen := make(map[string]bool)
	for _, instance := range w.IssuerInstances {
		for _, format := range instance.SupportedFormats {
			if !seen[format] {
				seen[format] = true
				formats = append(formats, format)
			}
		}
	}
	return formats
}

// IssuerInstanceForFormat returns the first issuer instance declaring
// support for format.
func (w *Workflow) IssuerInstanceForFormat(format string) (*IssuerInstance, error) {
	for _, instance := range w.IssuerInstances {
		for _, f := range instance.SupportedFormats {
			if f == format {
				return instance, nil
			}
		}
	}
	return nil, trace.NotFound("no issuer instance supports format %q", format)
}

// IssueCapability resolves the capability an issuer instance invokes for
// issuance, falling back to the workflow-wide issue capability.
func (w *Workflow) IssueCapability(instance *IssuerInstance) (*Capability, error) {
	referenceID := ZcapIssue
	if instance != nil && instance.ZcapReferenceIDs != nil && instance.ZcapReferenceIDs.Issue != "" {
		referenceID = instance.ZcapReferenceIDs.Issue
	}
	capability, ok := w.Zcaps[referenceID]
	if !ok {
		return nil, trace.NotFound("workflow has no capability %q", referenceID)
	}
	return capability, nil
}

// CheckAndSetDefaults validates the workflow configuration the way the CRUD
// surface requires before it is persisted.
func (w *Workflow) CheckAndSetDefaults() error {
	if w.ID == "" {
		return trace.BadParameter("workflow is missing id")
	}
	if _, err := w.LocalID(); err != nil {
		return trace.Wrap(err)
	}
	if len(w.Steps) > 0 && w.InitialStep == "" {
		return trace.BadParameter("workflow with steps requires initialStep")
	}
	if w.InitialStep != "" {
		if _, ok := w.Steps[w.InitialStep]; !ok {
			return trace.BadParameter("initialStep %q is not a step", w.InitialStep)
		}
	}
	for name, step := range w.Steps {
		if err := step.Check(name); err != nil {
			return trace.Wrap(err)
		}
		if step.NextStep != "" && step.StepTemplate == nil {
			if _, ok := w.Steps[step.NextStep]; !ok {
				return trace.BadParameter("step %q advances to unknown step %q", name, step.NextStep)
			}
		}
	}
	for i, tmpl := range w.CredentialTemplates {
		if err := tmpl.Check(); err != nil {
			return trace.Wrap(err, "credentialTemplates[%d]", i)
		}
	}
	if len(w.IssuerInstances) > MaxIssuerInstances {
		return trace.BadParameter("workflow carries %d issuer instances, limit is %d", len(w.IssuerInstances), MaxIssuerInstances)
	}
	if len(w.OID4VPClientProfiles) > MaxClientProfiles {
		return trace.BadParameter("workflow carries %d client profiles, limit is %d", len(w.OID4VPClientProfiles), MaxClientProfiles)
	}
	for referenceID, capability := range w.Zcaps {
		if err := capability.Check(); err != nil {
			return trace.Wrap(err, "zcaps[%q]", referenceID)
		}
	}
	if len(w.CredentialTemplates) > 0 {
		if err := w.checkIssueCapabilities(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// checkIssueCapabilities requires an issuance capability to be reachable:
// either the workflow-wide issue reference exists or every issuer instance
// names a reference present in zcaps.
func (w *Workflow) checkIssueCapabilities() error {
	if _, ok := w.Zcaps[ZcapIssue]; ok {
		return nil
	}
	if len(w.IssuerInstances) == 0 {
		return trace.BadParameter("workflow with credentialTemplates requires an issue capability")
	}
	for i, instance := range w.IssuerInstances {
		if instance.ZcapReferenceIDs == nil || instance.ZcapReferenceIDs.Issue == "" {
			return trace.BadParameter("issuerInstances[%d] is missing zcapReferenceIds.issue", i)
		}
		if _, ok := w.Zcaps[instance.ZcapReferenceIDs.Issue]; !ok {
			return trace.BadParameter("issuerInstances[%d] references unknown capability %q", i, instance.ZcapReferenceIDs.Issue)
		}
	}
	return nil
}
