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

// Package jwt wraps go-jose with the key handling conventions used across
// the courier protocol surfaces: JWK key pair generation, signature
// algorithm inference and compact JWT signing and verification.
package jwt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"

	"github.com/gravitational/courier/lib/types"
)

// TypeAccessToken is the typ header of OAuth2 access tokens.
const TypeAccessToken = "at+jwt"

// GenerateKeyPair generates a fresh key pair for the given JWS algorithm
// and returns it in JWK form, key id set to the RFC 7638 thumbprint.
func GenerateKeyPair(algorithm string) (*types.KeyPair, error) {
	var key crypto.Signer
	var err error
	switch algorithm {
	case "EdDSA", "Ed25519":
		_, key, err = ed25519.GenerateKey(rand.Reader)
	case string(jose.ES256):
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case string(jose.ES384):
		key, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case string(jose.ES512):
		key, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case string(jose.PS256), string(jose.RS256):
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	case "ES256K":
		return nil, trace.BadParameter("algorithm ES256K (secp256k1) is not supported")
	default:
		return nil, trace.BadParameter("unsupported key algorithm %q", algorithm)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	private := &jose.JSONWebKey{Key: key, Use: "sig"}
	alg, err := AlgorithmForKey(private)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	private.Algorithm = string(alg)

	public := private.Public()
	thumbprint, err := public.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	kid := base64.RawURLEncoding.EncodeToString(thumbprint)
	private.KeyID = kid
	public.KeyID = kid

	return &types.KeyPair{PrivateKeyJWK: private, PublicKeyJWK: &public}, nil
}

// AlgorithmForKey infers the JWS algorithm from the key material: Ed25519
// signs EdDSA, NIST curves their matching ES variant, RSA keys PS256.
func AlgorithmForKey(key *jose.JSONWebKey) (jose.SignatureAlgorithm, error) {
	if key == nil || key.Key == nil {
		return "", trace.BadParameter("missing key")
	}
	if key.Algorithm != "" {
		if key.Algorithm == "ES256K" {
			return "", trace.BadParameter("algorithm ES256K (secp256k1) is not supported")
		}
	}
	switch k := key.Key.(type) {
	case ed25519.PrivateKey, ed25519.PublicKey:
		return jose.EdDSA, nil
	case *ecdsa.PrivateKey:
		return algorithmForCurve(k.Curve)
	case *ecdsa.PublicKey:
		return algorithmForCurve(k.Curve)
	case *rsa.PrivateKey, *rsa.PublicKey:
		return jose.PS256, nil
	default:
		return "", trace.BadParameter("unsupported key type %T", key.Key)
	}
}

func algorithmForCurve(curve elliptic.Curve) (jose.SignatureAlgorithm, error) {
	switch curve {
	case elliptic.P256():
		return jose.ES256, nil
	case elliptic.P384():
		return jose.ES384, nil
	case elliptic.P521():
		return jose.ES512, nil
	default:
		return "", trace.BadParameter("unsupported elliptic curve %q", curve.Params().Name)
	}
}

// Sign produces a compact JWT signed with the private JWK. typ becomes the
// typ header; each claims value is merged into the payload.
func Sign(key *jose.JSONWebKey, typ string, claims ...any) (string, error) {
	alg, err := AlgorithmForKey(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	opts := (&jose.SignerOptions{}).WithType(jose.ContentType(typ))
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		return "", trace.Wrap(err)
	}
	builder := jwt.Signed(signer)
	for _, c := range claims {
		builder = builder.Claims(c)
	}
	token, err := builder.Serialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// SignUnsecured produces a compact JWT with alg none, used for OID4VP
// authorization request objects under the redirect_uri client id scheme.
func SignUnsecured(claims map[string]any, typ string) (string, error) {
	header := map[string]any{"alg": "none"}
	if typ != "" {
		header["typ"] = typ
	}
	headerJSON, err := encodeSegment(header)
	if err != nil {
		return "", trace.Wrap(err)
	}
	claimsJSON, err := encodeSegment(claims)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return headerJSON + "." + claimsJSON + ".", nil
}

// Verify checks the compact token's signature against key, allowing only
// the listed algorithms, and decodes the claims into each dest. Signature
// failures surface as access denied.
func Verify(raw string, key *jose.JSONWebKey, allowed []jose.SignatureAlgorithm, dest ...any) error {
	token, err := jwt.ParseSigned(raw, allowed)
	if err != nil {
		return trace.BadParameter("failed to parse JWT: %v", err)
	}
	if err := token.Claims(key, dest...); err != nil {
		return trace.AccessDenied("JWT signature verification failed: %v", err)
	}
	return nil
}

// ParseHeader returns the kid and alg of the token's first signature
// without verifying anything.
func ParseHeader(raw string, allowed []jose.SignatureAlgorithm) (kid string, alg jose.SignatureAlgorithm, err error) {
	token, err := jwt.ParseSigned(raw, allowed)
	if err != nil {
		return "", "", trace.BadParameter("failed to parse JWT: %v", err)
	}
	if len(token.Headers) == 0 {
		return "", "", trace.BadParameter("JWT carries no signature header")
	}
	header := token.Headers[0]
	return header.KeyID, jose.SignatureAlgorithm(header.Algorithm), nil
}

func encodeSegment(v map[string]any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}
