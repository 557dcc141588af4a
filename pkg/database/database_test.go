package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoDRGuard/pkg/config"
)

func TestResolve(t *testing.T) {
	r := NewResolver(config.ToolsConfig{})

	p, conn, err := r.Resolve("mysql://root:pw@localhost/app")
	require.NoError(t, err)
	assert.Equal(t, "mysql", p.Name())
	assert.Equal(t, "app", conn.Database)

	p, conn, err = r.Resolve("postgres://pg@localhost:6543/reports")
	require.NoError(t, err)
	assert.Equal(t, "postgres", p.Name())
	assert.Equal(t, 6543, conn.Port)
}

func TestResolveUnsupported(t *testing.T) {
	_, _, err := NewResolver(config.ToolsConfig{}).Resolve("mongodb://localhost/app")
	assert.Error(t, err)
}
