// Package database selects the dump and restore provider for a connection string
package database

import (
	"fmt"

	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database/common"

	// Register the built-in providers
	_ "github.com/supporttools/GoDRGuard/pkg/backup/database/mysql"
	_ "github.com/supporttools/GoDRGuard/pkg/backup/database/postgresql"
)

// Provider is the interface all database providers implement
type Provider = common.Provider

// Connection is a parsed connection string
type Connection = common.Connection

// Resolver maps connection strings to providers
type Resolver interface {
	Resolve(connectionString string) (Provider, Connection, error)
}

// ToolResolver resolves providers bound to a set of tool binaries
type ToolResolver struct {
	Tools config.ToolsConfig
}

// NewResolver creates a resolver using the configured tool binaries
func NewResolver(tools config.ToolsConfig) *ToolResolver {
	return &ToolResolver{Tools: tools}
}

// Resolve parses connectionString and returns the provider for its scheme
func (r *ToolResolver) Resolve(connectionString string) (Provider, Connection, error) {
	conn, err := common.ParseConnectionString(connectionString)
	if err != nil {
		return nil, Connection{}, err
	}

	factory, ok := common.GetProvider(conn.Scheme)
	if !ok {
		return nil, Connection{}, fmt.Errorf("no provider registered for %s", conn.Scheme)
	}
	return factory.Create(r.Tools), conn, nil
}
