// Package upgrade runs the current release against a data directory
// produced by an older release: first a bootstrap-only pass that forces the
// on-disk upgrade/migration to complete, then a scoped subset of the
// regression suite.
package upgrade

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/veiloq/compatkit/compaterr"
	"github.com/veiloq/compatkit/config"
	"github.com/veiloq/compatkit/instance"
)

// TestResult is the outcome of one named regression test.
type TestResult struct {
	Name   string
	Passed bool
	// Output is the combined stdout/stderr of the test subprocess, kept for
	// the failure report.
	Output string
}

// Run upgrades dataDir with the current release and executes the configured
// regression subset against it. The migration pass runs under its own
// timeout; the regression suite's per-test timeouts are unsuitable for
// migration work. Test failures are aggregated: every named test runs even
// when earlier ones fail, and the returned results always cover the full
// subset that was reached.
func Run(ctx context.Context, cfg config.Config, dataDir string, log *zap.Logger) ([]TestResult, error) {
	if err := migrate(ctx, cfg, dataDir, log); err != nil {
		return nil, err
	}
	return runSuite(ctx, cfg, dataDir, log)
}

// migrate runs the current binary bootstrap-only against dataDir, which
// deterministically completes any pending upgrade step.
func migrate(ctx context.Context, cfg config.Config, dataDir string, log *zap.Logger) error {
	timeout := cfg.MigrationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	// The cause distinguishes this deadline from the parent context's own
	// expiry or cancellation, which must not be reported as a migration
	// timeout.
	mctx, cancel := context.WithTimeoutCause(ctx, timeout, compaterr.MigrationTimeout)
	defer cancel()

	cmd := instance.ServerCommand{
		Binary:        cfg.CurrentBinary,
		DataDir:       dataDir,
		BootstrapOnly: true,
		TestMode:      true,
	}
	log.Info("running upgrade migration", zap.String("dataDir", dataDir), zap.Duration("timeout", timeout))

	var stderr bytes.Buffer
	proc := exec.CommandContext(mctx, cmd.Binary, cmd.Args()...)
	proc.Stderr = &stderr
	// Don't let an inherited pipe held by a grandchild block Wait.
	proc.WaitDelay = 10 * time.Second
	err := proc.Run()
	if err == nil {
		log.Info("upgrade migration complete")
		return nil
	}
	if errors.Is(context.Cause(mctx), compaterr.MigrationTimeout) {
		return compaterr.Newf(compaterr.MigrationTimeout,
			"migration of %s exceeded %s", dataDir, timeout)
	}
	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "migration of %s interrupted", dataDir)
	}
	return compaterr.Wrapf(compaterr.Bootstrap, err,
		"upgrade bootstrap failed: %s", strings.TrimSpace(stderr.String()))
}

// runSuite executes each named test as its own subprocess so one failure
// cannot take down the rest of the subset.
func runSuite(ctx context.Context, cfg config.Config, dataDir string, log *zap.Logger) ([]TestResult, error) {
	results := make([]TestResult, 0, len(cfg.RegressionTests))
	var failed []string

	for _, name := range cfg.RegressionTests {
		args := []string{"test", "-D", dataDir, "--include", name}
		log.Info("running regression test", zap.String("test", name))

		var out bytes.Buffer
		proc := exec.CommandContext(ctx, cfg.CurrentBinary, args...)
		proc.Stdout = &out
		proc.Stderr = &out
		proc.WaitDelay = 10 * time.Second
		err := proc.Run()

		results = append(results, TestResult{Name: name, Passed: err == nil, Output: out.String()})
		if err != nil {
			failed = append(failed, name)
			log.Warn("regression test failed", zap.String("test", name), zap.Error(err))
		} else {
			log.Info("regression test passed", zap.String("test", name))
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}

	if len(failed) > 0 {
		return results, compaterr.Newf(compaterr.TestFailure,
			"%d of %d regression tests failed: %s",
			len(failed), len(cfg.RegressionTests), strings.Join(failed, ", "))
	}
	return results, nil
}
