// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries the build version stamped by the Go linker.
package version

// version is populated by the Go linker via -ldflags.
var version string

// Parse returns the service's version string, or "dev" for builds made
// without the release tooling.
func Parse() string {
	if version == "" {
		return "dev"
	}
	return version
}
