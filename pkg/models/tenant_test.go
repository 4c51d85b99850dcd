package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantDomain(t *testing.T) {
	domain, err := TenantDomain("Alice@Example.ORG")
	require.NoError(t, err)
	assert.Equal(t, "example.org", domain)

	for _, bad := range []string{"", "alice", "a@b@c", "@example.org", "alice@"} {
		_, err := TenantDomain(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewTenant(t *testing.T) {
	assert.Equal(t, &Tenant{Name: "example.org", Domain: "example.org"}, NewTenant("Example.org", ""))
	assert.Equal(t, "Local Dev Tenant", NewTenant("localhost", "Local Dev Tenant").Name)
}
