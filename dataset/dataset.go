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

// Package dataset encodes and decodes the dataset URL used to address an
// archive ("s3://chain-name" or a local path) for transport over the wire,
// where it travels as unpadded URL-safe base64.
package dataset

import (
	"encoding/base64"
	"fmt"
	"net/url"
)

// Encode returns the URL-safe, unpadded base64 encoding of s's UTF-8 bytes.
func Encode(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// Decode restores padding, base64-decodes, and round-trips the result
// through url.Parse to validate it is a well-formed dataset URL. It returns
// an error if any step fails, so a corrupt or tampered wire value never
// silently decodes to garbage.
func Decode(encoded string) (string, error) {
	padded := encoded
	if r := len(padded) % 4; r != 0 {
		padded += "===="[:4-r]
	}
	raw, err := base64.URLEncoding.DecodeString(padded)
	if err != nil {
		return "", fmt.Errorf("decode dataset: %w", err)
	}
	s := string(raw)
	if _, err := url.Parse(s); err != nil {
		return "", fmt.Errorf("decode dataset: not a valid url: %w", err)
	}
	return s, nil
}
