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

// Package capability invokes delegated authorization capabilities (zcaps)
// against remote issuer, verifier and challenge services. Invocations are
// signed HTTP POSTs; the capability document authorizes the call, the
// service agent key proves who is calling.
package capability

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/defaults"
	"github.com/gravitational/courier/lib/did"
	"github.com/gravitational/courier/lib/types"
)

// Invoker invokes a capability with a JSON payload and returns the remote
// JSON response. It is the only seam between the engine and remote issuer,
// verifier and challenge services, which keeps it trivially mockable.
type Invoker interface {
	// Invoke posts payload to url, or to the capability invocation target
	// when url is empty, attaching a signed capability invocation.
	Invoke(ctx context.Context, capability *types.Capability, url string, payload any) (map[string]any, error)
}

// RemoteError carries the status and body of a failed remote invocation so
// callers can normalize it without string parsing.
type RemoteError struct {
	// Status is the remote HTTP status.
	Status int
	// Body is the decoded remote error body, when it was JSON.
	Body map[string]any
	// Raw is the raw remote body.
	Raw string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote returned HTTP %d: %s", e.Status, e.Raw)
}

// ClientConfig holds capability client parameters.
type ClientConfig struct {
	// SigningKey is the service agent key invocations are signed with.
	// Generated fresh when unset.
	SigningKey ed25519.PrivateKey
	// HTTPClient is the underlying HTTP client.
	HTTPClient *http.Client
	// Clock supplies the invocation date header.
	Clock clockwork.Clock
	// Logger is the client logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.SigningKey == nil {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return trace.Wrap(err)
		}
		c.SigningKey = key
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaults.CapabilityTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(courier.ComponentKey, courier.ComponentCapability)
	}
	return nil
}

// Client is the HTTP capability Invoker.
type Client struct {
	cfg   ClientConfig
	keyID string
}

// NewClient returns a capability client signing as the service agent key.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	agentDID, err := did.FromEd25519(cfg.SigningKey.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// The did:key fragment repeats the encoded key.
	return &Client{cfg: cfg, keyID: agentDID + "#" + strings.TrimPrefix(agentDID, "did:key:")}, nil
}

// KeyID returns the verification method id remote services see in the
// invocation signature.
func (c *Client) KeyID() string {
	return c.keyID
}

// Invoke implements Invoker.
func (c *Client) Invoke(ctx context.Context, capability *types.Capability, target string, payload any) (map[string]any, error) {
	if err := capability.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if target == "" {
		target = capability.InvocationTarget
	}
	if _, err := url.Parse(target); err != nil {
		return nil, trace.BadParameter("invalid invocation target %q: %v", target, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", courier.MimeTypeJSON)
	if err := c.sign(req, capability, body); err != nil {
		return nil, trace.Wrap(err)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "capability invocation against %v failed", target)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to read response from %v", target)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		remote := &RemoteError{Status: resp.StatusCode, Raw: string(respBody)}
		// Remote error bodies are usually JSON; keep the decoded form for
		// callers that normalize errors.
		var decoded map[string]any
		if json.Unmarshal(respBody, &decoded) == nil {
			remote.Body = decoded
		}
		return nil, trace.ConnectionProblem(remote, "capability invocation against %v failed with HTTP %d", target, resp.StatusCode)
	}
	if len(respBody) == 0 {
		return map[string]any{}, nil
	}
	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, trace.ConnectionProblem(err, "remote %v returned a non-JSON body", target)
	}
	return result, nil
}

// sign attaches a capability invocation and an http-signature covering the
// request target, timing, body digest and the invocation header.
func (c *Client) sign(req *http.Request, capability *types.Capability, body []byte) error {
	capabilityJSON, err := json.Marshal(capability)
	if err != nil {
		return trace.Wrap(err)
	}
	digest := sha256.Sum256(body)
	req.Header.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(digest[:]))
	req.Header.Set("Date", c.cfg.Clock.Now().UTC().Format(time.RFC1123))
	req.Header.Set("Capability-Invocation", fmt.Sprintf("zcap capability=%q,action=%q",
		base64.RawURLEncoding.EncodeToString(capabilityJSON), "write"))

	covered := []string{"(request-target)", "host", "date", "digest", "capability-invocation"}
	var lines []string
	for _, name := range covered {
		switch name {
		case "(request-target)":
			lines = append(lines, fmt.Sprintf("(request-target): %s %s",
				strings.ToLower(req.Method), req.URL.RequestURI()))
		case "host":
			lines = append(lines, "host: "+req.URL.Host)
		default:
			lines = append(lines, name+": "+req.Header.Get(http.CanonicalHeaderKey(name)))
		}
	}
	signature := ed25519.Sign(c.cfg.SigningKey, []byte(strings.Join(lines, "\n")))
	req.Header.Set("Authorization", fmt.Sprintf(
		"Signature keyId=%q,algorithm=%q,headers=%q,signature=%q",
		c.keyID, "ed25519", strings.Join(covered, " "),
		base64.StdEncoding.EncodeToString(signature)))
	return nil
}

// IssueURL applies the issuance URL convention to an invocation target:
// targets already pointing at an issue endpoint pass through, a bare
// /credentials collection gets /issue appended, anything else gets the full
// /credentials/issue suffix.
func IssueURL(target string) string {
	switch {
	case strings.HasSuffix(target, "/credentials/issue"):
		return target
	case strings.HasSuffix(target, "/credentials"):
		return target + "/issue"
	default:
		return target + "/credentials/issue"
	}
}
