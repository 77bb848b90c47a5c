// Copyright 2026 The Chainarchive Authors
// This file is part of Chainarchive.
//
// Chainarchive is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Chainarchive is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Chainarchive. If not, see <http://www.gnu.org/licenses/>.

package table

import (
	"strings"

	"github.com/holiman/uint256"
)

// maxSafeInteger is 2^53, the JSON-number precision boundary: integers
// beyond it are projected as text instead of a JSON number.
const maxSafeInteger = uint64(1) << 53

// ParseHexQuantity parses a "0x..."-prefixed hex quantity (as RPC responses
// encode numeric fields) into a uint64. It returns ok=false for anything
// that isn't a well-formed hex quantity, leaving the caller free to keep
// the original string instead: hex quantities are parsed to integers only
// when the destination column is integer-typed, otherwise the original
// string is stored as-is.
func ParseHexQuantity(s string) (v uint64, ok bool) {
	h, ok := trimHexPrefix(s)
	if !ok || h == "" {
		return 0, false
	}
	var n uint64
	for i := 0; i < len(h); i++ {
		d, ok := hexDigit(h[i])
		if !ok {
			return 0, false
		}
		if n > (^uint64(0))>>4 {
			return 0, false // would overflow uint64
		}
		n = n<<4 | uint64(d)
	}
	return n, true
}

// ExceedsSafeInteger reports whether v cannot be represented exactly as an
// IEEE-754 double, so the query layer should project it as JSON text.
func ExceedsSafeInteger(v uint64) bool {
	return v > maxSafeInteger
}

// ParseFixedPoint parses a hex or decimal quantity string into a uint256,
// for TypeFixedPoint token-quantity columns. Returns ok=false if s is not
// a valid quantity in either base.
func ParseFixedPoint(s string) (*uint256.Int, bool) {
	if h, ok := trimHexPrefix(s); ok {
		n, err := uint256.FromHex("0x" + h)
		if err != nil {
			return nil, false
		}
		return n, true
	}
	n, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, false
	}
	return n, true
}

func trimHexPrefix(s string) (string, bool) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return strings.ToLower(s[2:]), true
	}
	return "", false
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
