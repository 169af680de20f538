package upgrade_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/compatkit/compaterr"
	"github.com/veiloq/compatkit/config"
	"github.com/veiloq/compatkit/upgrade"
)

// fakeBinary writes an executable shell script standing in for the current
// release binary.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edgedb-server")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunReportsPerTest(t *testing.T) {
	// Exits non-zero whenever the literal argument "broken_test" appears,
	// so the bootstrap pass succeeds and exactly one named test fails.
	bin := fakeBinary(t, `#!/bin/sh
for a in "$@"; do
	if [ "$a" = "broken_test" ]; then
		echo "assertion failed" >&2
		exit 1
	fi
done
exit 0
`)
	cfg := config.New(
		config.WithBranch("stable/3"),
		config.WithCurrentBinary(bin),
		config.WithWorkDir(t.TempDir()),
		config.WithRegressionTests("dump_basic", "broken_test", "schema_migrations"),
	)

	results, err := upgrade.Run(context.Background(), cfg, t.TempDir(), zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, compaterr.TestFailure))
	assert.Contains(t, err.Error(), "broken_test")

	// Every named test ran despite the failure in the middle.
	require.Len(t, results, 3)
	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed)
	assert.True(t, results[2].Passed)
	assert.Contains(t, results[1].Output, "assertion failed")
}

func TestRunAllPassing(t *testing.T) {
	bin := fakeBinary(t, "#!/bin/sh\nexit 0\n")
	cfg := config.New(
		config.WithBranch("stable/3"),
		config.WithCurrentBinary(bin),
		config.WithWorkDir(t.TempDir()),
		config.WithRegressionTests("dump_basic", "dump_restore"),
	)

	results, err := upgrade.Run(context.Background(), cfg, t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Passed, "test %s", r.Name)
	}
}

func TestRunMigrationFailure(t *testing.T) {
	bin := fakeBinary(t, `#!/bin/sh
echo "cannot open data directory" >&2
exit 2
`)
	cfg := config.New(
		config.WithBranch("stable/3"),
		config.WithCurrentBinary(bin),
		config.WithWorkDir(t.TempDir()),
	)

	results, err := upgrade.Run(context.Background(), cfg, t.TempDir(), zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Nil(t, results)
	assert.True(t, errors.Is(err, compaterr.Bootstrap))
	assert.Contains(t, err.Error(), "cannot open data directory")
}

func TestRunMigrationTimeout(t *testing.T) {
	bin := fakeBinary(t, "#!/bin/sh\nexec sleep 30\n")
	cfg := config.New(
		config.WithBranch("stable/3"),
		config.WithCurrentBinary(bin),
		config.WithWorkDir(t.TempDir()),
		config.WithMigrationTimeout(200*time.Millisecond),
	)

	start := time.Now()
	_, err := upgrade.Run(context.Background(), cfg, t.TempDir(), zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, compaterr.MigrationTimeout))
	assert.False(t, errors.Is(err, compaterr.Bootstrap))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunParentCancellationNotATimeout(t *testing.T) {
	// When the caller's own context expires before MigrationTimeout, the
	// failure is an interruption, not a migration timeout.
	bin := fakeBinary(t, "#!/bin/sh\nexec sleep 30\n")
	cfg := config.New(
		config.WithBranch("stable/3"),
		config.WithCurrentBinary(bin),
		config.WithWorkDir(t.TempDir()),
		config.WithMigrationTimeout(time.Hour),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := upgrade.Run(ctx, cfg, t.TempDir(), zaptest.NewLogger(t))
	require.Error(t, err)
	assert.False(t, errors.Is(err, compaterr.MigrationTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 10*time.Second)
}
