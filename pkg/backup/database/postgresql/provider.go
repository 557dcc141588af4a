// Package postgresql provides the PostgreSQL dump and restore provider
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
)

// Provider implements common.Provider with pg_dump and psql
type Provider struct {
	DumpBinary   string
	ClientBinary string
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "postgres"
}

// Dump runs pg_dump in plain format and streams the output
func (p *Provider) Dump(ctx context.Context, conn common.Connection, output io.Writer) error {
	if conn.Database == "" {
		return errors.New("postgres connection string must name a database")
	}

	cmd := p.createDumpCommand(conn)
	cmd.Stdout = output

	if err := common.RunCommand(ctx, cmd); err != nil {
		return errors.Wrapf(err, "failed to dump %s", conn.Database)
	}
	return nil
}

// Restore pipes a plain-format dump into psql, stopping at the first error
func (p *Provider) Restore(ctx context.Context, conn common.Connection, input io.Reader) error {
	if conn.Database == "" {
		return errors.New("postgres restore target must name a database")
	}

	args := append(connectionArgs(conn),
		"--dbname", conn.Database,
		"--quiet",
		"-v", "ON_ERROR_STOP=1",
	)
	cmd := exec.Command(p.ClientBinary, args...)
	cmd.Env = passwordEnv(conn)
	cmd.Stdin = input

	if err := common.RunCommand(ctx, cmd); err != nil {
		return errors.Wrapf(err, "failed to restore into %s", conn.Database)
	}
	return nil
}

// DumpCommand returns the command that would be used for a dump
func (p *Provider) DumpCommand(conn common.Connection) string {
	return p.createDumpCommand(conn).String()
}

func (p *Provider) createDumpCommand(conn common.Connection) *exec.Cmd {
	args := append(connectionArgs(conn),
		"--dbname", conn.Database,
		"--format=plain",
		"--no-owner",
		"--no-privileges",
	)

	cmd := exec.Command(p.DumpBinary, args...)
	cmd.Env = passwordEnv(conn)
	return cmd
}

func connectionArgs(conn common.Connection) []string {
	args := []string{
		"--host", conn.Host,
		"--port", strconv.Itoa(conn.Port),
		"--no-password", // Don't prompt for password; use PGPASSWORD env var
	}
	if conn.User != "" {
		args = append(args, "--username", conn.User)
	}
	return args
}

func passwordEnv(conn common.Connection) []string {
	env := os.Environ()
	if conn.Password != "" {
		env = append(env, fmt.Sprintf("PGPASSWORD=%s", conn.Password))
	}
	return env
}

// CreateDatabase creates an empty database
func (p *Provider) CreateDatabase(ctx context.Context, admin common.Connection, name string) error {
	return p.exec(ctx, admin, "CREATE DATABASE "+pq.QuoteIdentifier(name))
}

// DropDatabase drops a database if it exists
func (p *Provider) DropDatabase(ctx context.Context, admin common.Connection, name string) error {
	return p.exec(ctx, admin, "DROP DATABASE IF EXISTS "+pq.QuoteIdentifier(name))
}

func (p *Provider) exec(ctx context.Context, admin common.Connection, statement string) error {
	maintenance := admin
	if maintenance.Database == "" {
		maintenance.Database = "postgres"
	}

	db, err := sql.Open("postgres", DSN(maintenance))
	if err != nil {
		return errors.Wrap(err, "failed to open PostgreSQL connection")
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, statement); err != nil {
		return errors.Wrapf(err, "failed to execute %q", statement)
	}
	return nil
}

// DSN renders a lib/pq keyword/value connection string
func DSN(conn common.Connection) string {
	sslmode := conn.Params.Get("sslmode")
	if sslmode == "" {
		sslmode = "disable"
	}
	parts := []string{
		"host=" + quoteValue(conn.Host),
		fmt.Sprintf("port=%d", conn.Port),
		"user=" + quoteValue(conn.User),
		"password=" + quoteValue(conn.Password),
		"dbname=" + quoteValue(conn.Database),
		"sslmode=" + sslmode,
	}
	return strings.Join(parts, " ")
}

func quoteValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Factory creates PostgreSQL providers
type Factory struct{}

// Create returns a new Provider bound to the configured binaries
func (f *Factory) Create(tools config.ToolsConfig) common.Provider {
	provider := &Provider{
		DumpBinary:   tools.PGDump,
		ClientBinary: tools.PSQL,
	}
	if provider.DumpBinary == "" {
		provider.DumpBinary = "pg_dump"
	}
	if provider.ClientBinary == "" {
		provider.ClientBinary = "psql"
	}
	return provider
}

func init() {
	common.RegisterProvider("postgres", &Factory{})
}
