// Package mysql provides the MySQL dump and restore provider
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
)

// Provider implements common.Provider with mysqldump and the mysql client
type Provider struct {
	DumpBinary   string
	ClientBinary string
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "mysql"
}

// Dump runs mysqldump for conn.Database and streams the output
func (p *Provider) Dump(ctx context.Context, conn common.Connection, output io.Writer) error {
	if conn.Database == "" {
		return errors.New("mysql connection string must name a database")
	}

	cmd := p.createDumpCommand(conn)
	cmd.Stdout = output

	if err := common.RunCommand(ctx, cmd); err != nil {
		return errors.Wrapf(err, "failed to dump %s", conn.Database)
	}
	return nil
}

// Restore pipes a dump into the mysql client
func (p *Provider) Restore(ctx context.Context, conn common.Connection, input io.Reader) error {
	if conn.Database == "" {
		return errors.New("mysql restore target must name a database")
	}

	cmd := exec.Command(p.ClientBinary, append(connectionArgs(conn), conn.Database)...)
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

// createDumpCommand builds mysqldump with consistent-snapshot options. The password
// travels in MYSQL_PWD so it never appears in the process list.
func (p *Provider) createDumpCommand(conn common.Connection) *exec.Cmd {
	args := connectionArgs(conn)
	args = append(args,
		"--single-transaction",
		"--quick",
		"--triggers",
		"--routines",
		"--events",
		conn.Database,
	)

	cmd := exec.Command(p.DumpBinary, args...)
	cmd.Env = passwordEnv(conn)
	return cmd
}

func connectionArgs(conn common.Connection) []string {
	args := []string{
		"-h", conn.Host,
		"-P", strconv.Itoa(conn.Port),
	}
	if conn.User != "" {
		args = append(args, "-u", conn.User)
	}
	return args
}

func passwordEnv(conn common.Connection) []string {
	env := os.Environ()
	if conn.Password != "" {
		env = append(env, "MYSQL_PWD="+conn.Password)
	}
	return env
}

// CreateDatabase creates an empty database
func (p *Provider) CreateDatabase(ctx context.Context, admin common.Connection, name string) error {
	return p.exec(ctx, admin, fmt.Sprintf("CREATE DATABASE %s", quoteIdentifier(name)))
}

// DropDatabase drops a database if it exists
func (p *Provider) DropDatabase(ctx context.Context, admin common.Connection, name string) error {
	return p.exec(ctx, admin, fmt.Sprintf("DROP DATABASE IF EXISTS %s", quoteIdentifier(name)))
}

func (p *Provider) exec(ctx context.Context, admin common.Connection, statement string) error {
	db, err := sql.Open("mysql", DSN(admin.WithDatabase("")))
	if err != nil {
		return errors.Wrap(err, "failed to open MySQL connection")
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, statement); err != nil {
		return errors.Wrapf(err, "failed to execute %q", statement)
	}
	return nil
}

// DSN renders a go-sql-driver DSN for conn
func DSN(conn common.Connection) string {
	cfg := mysql.NewConfig()
	cfg.User = conn.User
	cfg.Passwd = conn.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", conn.Host, conn.Port)
	cfg.DBName = conn.Database
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// Factory creates MySQL providers
type Factory struct{}

// Create returns a new Provider bound to the configured binaries
func (f *Factory) Create(tools config.ToolsConfig) common.Provider {
	provider := &Provider{
		DumpBinary:   tools.MySQLDump,
		ClientBinary: tools.MySQL,
	}
	if provider.DumpBinary == "" {
		provider.DumpBinary = "mysqldump"
	}
	if provider.ClientBinary == "" {
		provider.ClientBinary = "mysql"
	}
	return provider
}

func init() {
	common.RegisterProvider("mysql", &Factory{})
}
