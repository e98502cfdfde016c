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
	"crypto/rand"

	"github.com/gravitational/trace"
)

// CryptoRandomBytes fills and returns a buffer of the given size from the
// crypto-strong random source.
func CryptoRandomBytes(size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := rand.Reader.Read(buf); err != nil {
		return nil, trace.Wrap(err)
	}
	return buf, nil
}
