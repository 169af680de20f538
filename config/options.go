package config

import "time"

// Option mutates a Config during construction.
type Option func(*Config)

// WithBranch sets the development branch whose major version selects
// upgrade-test candidates.
func WithBranch(branch string) Option {
	return func(c *Config) { c.Branch = branch }
}

// WithPlatform sets the release index platform identifier.
func WithPlatform(platform string) Option {
	return func(c *Config) { c.Platform = platform }
}

// WithIndexBaseURL points the fetcher at a different package archive root,
// e.g. an httptest fixture server.
func WithIndexBaseURL(base string) Option {
	return func(c *Config) { c.IndexBaseURL = base }
}

// WithCurrentBinary sets the path to the server binary of the release under
// test.
func WithCurrentBinary(path string) Option {
	return func(c *Config) { c.CurrentBinary = path }
}

// WithWorkDir sets the base directory for archives and data directories.
func WithWorkDir(dir string) Option {
	return func(c *Config) { c.WorkDir = dir }
}

// WithKeepWorkDir prevents data directories from being removed on cleanup.
func WithKeepWorkDir() Option {
	return func(c *Config) { c.KeepWorkDir = true }
}

// WithPort fixes the serving port instead of picking a free one per entry.
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithClientCredentials sets the user, password and administrative database
// used by client connections.
func WithClientCredentials(user, password, database string) Option {
	return func(c *Config) {
		c.User = user
		c.Password = password
		c.Database = database
	}
}

// WithStartTimeout bounds the readiness wait after spawning an instance.
func WithStartTimeout(d time.Duration) Option {
	return func(c *Config) { c.StartTimeout = d }
}

// WithStopTimeout bounds the SIGTERM grace period before SIGKILL.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Config) { c.StopTimeout = d }
}

// WithMigrationTimeout bounds the bootstrap-only upgrade/migration run.
func WithMigrationTimeout(d time.Duration) Option {
	return func(c *Config) { c.MigrationTimeout = d }
}

// WithFixtureDatabases overrides the fixture database set.
func WithFixtureDatabases(names ...string) Option {
	return func(c *Config) { c.FixtureDatabases = names }
}

// WithRegressionTests overrides the named regression subset.
func WithRegressionTests(names ...string) Option {
	return func(c *Config) { c.RegressionTests = names }
}

// WithMaxParallel bounds concurrent matrix entries.
func WithMaxParallel(n int) Option {
	return func(c *Config) { c.MaxParallel = n }
}
