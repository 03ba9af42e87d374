// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouterResolve(t *testing.T) {
	r := newRouter([]RoutingRule{
		{Pattern: "a_*", Server: "a"},
		{Pattern: "a_ping", Server: "never-reached"},
		{Pattern: "*", Server: "b"},
	})

	server, ok := r.resolve("a_ping")
	require.True(t, ok)
	require.Equal(t, "a", server)

	server, ok = r.resolve("c_ping")
	require.True(t, ok)
	require.Equal(t, "b", server)
}

func TestRouterNoMatch(t *testing.T) {
	r := newRouter([]RoutingRule{{Pattern: "a_*", Server: "a"}})
	_, ok := r.resolve("b_ping")
	require.False(t, ok)
}

func TestRouterEmpty(t *testing.T) {
	r := newRouter(nil)
	_, ok := r.resolve("anything")
	require.False(t, ok)
}
