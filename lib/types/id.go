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
	"github.com/gravitational/trace"
	"github.com/multiformats/go-multibase"

	"github.com/gravitational/courier/lib/utils"
)

// Exchange and workflow local identifiers are 128-bit random values carried
// as multibase base58btc strings of a multihash frame. The frame uses the
// identity hash function, so the digest is the raw value itself.
const (
	// LocalIDSize is the raw identifier size in bytes.
	LocalIDSize = 16

	// multihashIdentityCode marks the identity hash function.
	multihashIdentityCode = 0x00
)

// NewLocalID generates a fresh 128-bit identifier in its encoded form.
func NewLocalID() (string, error) {
	raw, err := utils.CryptoRandomBytes(LocalIDSize)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return EncodeLocalID(raw)
}

// EncodeLocalID wraps the raw 16-byte identifier in a multihash frame and
// encodes it with multibase base58btc.
func EncodeLocalID(raw []byte) (string, error) {
	if len(raw) != LocalIDSize {
		return "", trace.BadParameter("local id must be %d bytes, got %d", LocalIDSize, len(raw))
	}
	framed := make([]byte, 0, 2+LocalIDSize)
	framed = append(framed, multihashIdentityCode, LocalIDSize)
	framed = append(framed, raw...)
	encoded, err := multibase.Encode(multibase.Base58BTC, framed)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return encoded, nil
}

// DecodeLocalID reverses EncodeLocalID, returning the raw 16-byte value. It
// rejects identifiers that are not base58btc, not identity-multihash framed
// or not 128 bits wide.
func DecodeLocalID(encoded string) ([]byte, error) {
	base, data, err := multibase.Decode(encoded)
	if err != nil {
		return nil, trace.BadParameter("invalid identifier %q: %v", encoded, err)
	}
	if base != multibase.Base58BTC {
		return nil, trace.BadParameter("identifier %q must use base58btc encoding", encoded)
	}
	if len(data) != 2+LocalIDSize || data[0] != multihashIdentityCode || data[1] != LocalIDSize {
		return nil, trace.BadParameter("identifier %q is not an identity multihash of %d bytes", encoded, LocalIDSize)
	}
	raw := make([]byte, LocalIDSize)
	copy(raw, data[2:])
	return raw, nil
}

// IsLocalID reports whether encoded parses as a valid local identifier.
func IsLocalID(encoded string) bool {
	_, err := DecodeLocalID(encoded)
	return err == nil
}
