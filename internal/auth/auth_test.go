package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scratchpad/internal/config"
	"scratchpad/internal/notebook"
)

func TestDisabledResolverUsesDefaultTenant(t *testing.T) {
	r := NewResolver(false, nil)
	assert.False(t, r.Enabled())

	tenant, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, notebook.DefaultTenant, tenant)

	// Credentials are ignored while auth is disabled.
	tenant, err = r.Resolve("Bearer whatever")
	require.NoError(t, err)
	assert.Equal(t, notebook.DefaultTenant, tenant)
}

func TestEnabledResolver(t *testing.T) {
	r := NewResolver(true, []config.Principal{
		{Name: "alice", Token: "tok-a"},
		{Name: "bob", Token: "tok-b"},
	})
	assert.True(t, r.Enabled())
	assert.Equal(t, "alice", r.FirstTenant())

	tenant, err := r.Resolve("Bearer tok-b")
	require.NoError(t, err)
	assert.Equal(t, "bob", tenant)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "no bearer prefix", header: "tok-a"},
		{name: "wrong scheme", header: "Basic tok-a"},
		{name: "unknown token", header: "Bearer nope"},
		{name: "empty token", header: "Bearer "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.header)
			require.Error(t, err)
			assert.Equal(t, notebook.CodeUnauthorized, notebook.AsDomain(err).Code)
		})
	}
}

func TestFirstTenantWithoutPrincipals(t *testing.T) {
	r := NewResolver(false, nil)
	assert.Equal(t, notebook.DefaultTenant, r.FirstTenant())
}
