// Package config defines the configuration for compatibility runs.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config describes one compatibility run: which branch is under test, where
// published releases are indexed, which binary is the current release, and
// how spawned server instances are reached.
type Config struct {
	// Branch is the development branch name, e.g. "stable/3". The target
	// major version is the first run of digits found in it.
	Branch string
	// Platform identifies the release index documents to fetch,
	// e.g. "linux-x86_64".
	Platform string
	// IndexBaseURL is the root of the package archive. Index documents live
	// under {IndexBaseURL}/archive/.jsonindexes/.
	IndexBaseURL string
	// CurrentBinary is the path to the server binary of the release under
	// test (the "new" side of the upgrade).
	CurrentBinary string
	// ServerBinaryName is the basename of the server binary inside extracted
	// release archives.
	ServerBinaryName string

	// WorkDir is the base directory for downloaded archives and per-entry
	// ephemeral data directories.
	WorkDir string
	// KeepWorkDir leaves data directories in place after a run, for
	// post-mortem inspection.
	KeepWorkDir bool

	// Host and Port are the address spawned instances serve on. Port 0
	// selects a random free port per entry.
	Host string
	Port int
	// User, Password and Database are the client credentials and the
	// administrative database used for DDL.
	User     string
	Password string
	Database string

	// StartTimeout bounds the wait for a spawned instance to accept
	// connections. StopTimeout bounds the SIGTERM grace period before the
	// process is killed.
	StartTimeout time.Duration
	StopTimeout  time.Duration
	// MigrationTimeout bounds the bootstrap-only run of the current release
	// that performs the on-disk upgrade. Migrations are known to outlive
	// ordinary test timeouts, so this bound is separate and generous.
	MigrationTimeout time.Duration

	// FixtureDatabases are created in the old release when an entry's
	// make-dbs flag is set.
	FixtureDatabases []string
	// RegressionTests is the fixed, named subset of the regression suite run
	// against the upgraded data directory.
	RegressionTests []string

	// MaxParallel bounds how many matrix entries run concurrently.
	MaxParallel int
}

// DefaultFixtureDatabases is the fixture set the verification suite expects.
var DefaultFixtureDatabases = []string{"dump01", "dump02", "functions", "casts", "policies"}

// DefaultRegressionTests is the scoped subset of the regression suite
// exercised against upgraded data directories.
var DefaultRegressionTests = []string{"dump_basic", "dump_restore", "schema_migrations", "access_policies"}

// New returns the default configuration with the given options applied.
func New(opts ...Option) Config {
	cfg := Config{
		Platform:         "linux-x86_64",
		IndexBaseURL:     "https://packages.edgedb.com",
		ServerBinaryName: "edgedb-server",
		WorkDir:          ".compatkit",
		Host:             "localhost",
		Port:             0,
		User:             "admin",
		Password:         "test",
		Database:         "postgres",
		StartTimeout:     2 * time.Minute,
		StopTimeout:      30 * time.Second,
		MigrationTimeout: 30 * time.Minute,
		FixtureDatabases: DefaultFixtureDatabases,
		RegressionTests:  DefaultRegressionTests,
		MaxParallel:      2,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Validate checks that the fields every run depends on are set.
func (c *Config) Validate() error {
	var errs []string
	if c.Branch == "" {
		errs = append(errs, "Branch must not be empty")
	}
	if c.Platform == "" {
		errs = append(errs, "Platform must not be empty")
	}
	if c.IndexBaseURL == "" {
		errs = append(errs, "IndexBaseURL must not be empty")
	}
	if c.CurrentBinary == "" {
		errs = append(errs, "CurrentBinary must not be empty")
	}
	if c.ServerBinaryName == "" {
		errs = append(errs, "ServerBinaryName must not be empty")
	}
	if len(c.FixtureDatabases) == 0 {
		errs = append(errs, "FixtureDatabases must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, ", "))
	}
	return nil
}

// ClientDSN builds the connection string for a database served by an
// instance on the given port. Instances run in insecure dev mode, so TLS is
// always disabled.
func (c *Config) ClientDSN(database string, port int) string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, host, port, database)
}
