// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CacheKey derives the stable content-addressed cache key for a tool
// call. The key is the RFC 8785 canonical JSON encoding of
// {args, tool}: object keys sorted, array order preserved, scalars
// untouched, so key-permuted argument maps produce byte-equal keys.
func CacheKey(tool string, args map[string]any) (string, error) {
	raw, err := json.Marshal(map[string]any{"tool": tool, "args": args})
	if err != nil {
		return "", fmt.Errorf("failed to encode cache key source: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize cache key: %w", err)
	}
	return string(canonical), nil
}
