// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import "github.com/modelcontextprotocol/go-sdk/mcp"

// ToolInfo describes one aggregated tool and the backend serving it.
type ToolInfo struct {
	Tool    *mcp.Tool
	Backend string
}

// aggregateTools merges per-backend tool lists into a single
// deduplicated list. Backends are visited in the given order; the first
// occurrence of a tool name wins and later duplicates are dropped.
func aggregateTools(order []string, byBackend map[string][]*mcp.Tool) []ToolInfo {
	seen := make(map[string]struct{})
	var merged []ToolInfo
	for _, backend := range order {
		for _, tool := range byBackend[backend] {
			if _, ok := seen[tool.Name]; ok {
				continue
			}
			seen[tool.Name] = struct{}{}
			merged = append(merged, ToolInfo{Tool: tool, Backend: backend})
		}
	}
	return merged
}
