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

// Package did resolves DIDs to the verification methods courier checks
// holder proofs against. The did:key method is implemented in-tree; other
// methods plug in through the Resolver interface.
package did

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"
	"github.com/multiformats/go-multibase"
)

// VerificationMethod is one key a DID document authorizes.
type VerificationMethod struct {
	// ID is the full verification method id, <did>#<fragment>.
	ID string
	// Type is the verification method type.
	Type string
	// Controller is the DID controlling the key.
	Controller string
	// Key is the public key in JWK form.
	Key *jose.JSONWebKey
}

// Document is the subset of a DID document proof verification needs.
type Document struct {
	// ID is the document subject DID.
	ID string
	// VerificationMethods maps verification method id to method.
	VerificationMethods map[string]*VerificationMethod
	// Authentication lists verification method ids authorized for
	// authentication proofs.
	Authentication []string
}

// AuthenticationMethod returns the verification method with the given id,
// requiring the controller to have authorized it for authentication.
func (d *Document) AuthenticationMethod(id string) (*VerificationMethod, error) {
	vm, ok := d.VerificationMethods[id]
	if !ok {
		return nil, trace.NotFound("DID document %q has no verification method %q", d.ID, id)
	}
	for _, authorized := range d.Authentication {
		if authorized == id {
			return vm, nil
		}
	}
	return nil, trace.AccessDenied("verification method %q is not authorized for authentication", id)
}

// Resolver resolves a DID to its document.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
}

// Method returns the method name of a DID, for example "key" for
// did:key:....
func Method(did string) (string, error) {
	parts := strings.SplitN(did, ":", 3)
	if len(parts) != 3 || parts[0] != "did" || parts[1] == "" {
		return "", trace.BadParameter("malformed DID %q", did)
	}
	return parts[1], nil
}

// Multicodec headers of the key types did:key carries.
var (
	codecEd25519 = []byte{0xed, 0x01}
	codecP256    = []byte{0x80, 0x24}
	codecP384    = []byte{0x81, 0x24}
)

// KeyResolver resolves did:key identifiers. Resolution is pure computation:
// the document is derived from the key material embedded in the DID itself.
type KeyResolver struct{}

// Resolve implements Resolver for the did:key method.
func (KeyResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	method, err := Method(did)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if method != "key" {
		return nil, trace.NotImplemented("DID method %q is not supported", method)
	}
	encoded := did[len("did:key:"):]
	base, data, err := multibase.Decode(encoded)
	if err != nil {
		return nil, trace.BadParameter("malformed did:key %q: %v", did, err)
	}
	if base != multibase.Base58BTC {
		return nil, trace.BadParameter("did:key %q must use base58btc encoding", did)
	}
	key, keyType, err := decodePublicKey(data)
	if err != nil {
		return nil, trace.Wrap(err, "did:key %q", did)
	}

	vmID := did + "#" + encoded
	vm := &VerificationMethod{
		ID:         vmID,
		Type:       keyType,
		Controller: did,
		Key:        &jose.JSONWebKey{Key: key, KeyID: vmID, Use: "sig"},
	}
	return &Document{
		ID:                  did,
		VerificationMethods: map[string]*VerificationMethod{vmID: vm},
		Authentication:      []string{vmID},
	}, nil
}

func decodePublicKey(data []byte) (any, string, error) {
	switch {
	case bytes.HasPrefix(data, codecEd25519):
		raw := data[len(codecEd25519):]
		if len(raw) != ed25519.PublicKeySize {
			return nil, "", trace.BadParameter("Ed25519 key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
		}
		return ed25519.PublicKey(raw), "Ed25519VerificationKey2020", nil
	case bytes.HasPrefix(data, codecP256):
		key, err := unmarshalCompressed(elliptic.P256(), data[len(codecP256):])
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		return key, "Multikey", nil
	case bytes.HasPrefix(data, codecP384):
		key, err := unmarshalCompressed(elliptic.P384(), data[len(codecP384):])
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		return key, "Multikey", nil
	default:
		return nil, "", trace.BadParameter("unsupported key multicodec")
	}
}

func unmarshalCompressed(curve elliptic.Curve, raw []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.UnmarshalCompressed(curve, raw)
	if x == nil {
		return nil, trace.BadParameter("invalid compressed point on curve %s", curve.Params().Name)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// FromEd25519 returns the did:key DID of an Ed25519 public key.
func FromEd25519(key ed25519.PublicKey) (string, error) {
	framed := make([]byte, 0, len(codecEd25519)+len(key))
	framed = append(framed, codecEd25519...)
	framed = append(framed, key...)
	encoded, err := multibase.Encode(multibase.Base58BTC, framed)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return "did:key:" + encoded, nil
}

// FromECDSA returns the did:key DID of a NIST curve public key.
func FromECDSA(key *ecdsa.PublicKey) (string, error) {
	var codec []byte
	switch key.Curve {
	case elliptic.P256():
		codec = codecP256
	case elliptic.P384():
		codec = codecP384
	default:
		return "", trace.BadParameter("unsupported curve %s", key.Curve.Params().Name)
	}
	compressed := elliptic.MarshalCompressed(key.Curve, key.X, key.Y)
	framed := make([]byte, 0, len(codec)+len(compressed))
	framed = append(framed, codec...)
	framed = append(framed, compressed...)
	encoded, err := multibase.Encode(multibase.Base58BTC, framed)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return "did:key:" + encoded, nil
}
