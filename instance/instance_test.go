package instance

import (
	"archive/tar"
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/compatkit/compaterr"
	"github.com/veiloq/compatkit/config"
)

func TestServerCommandArgs(t *testing.T) {
	bootstrap := ServerCommand{
		Binary:        "/opt/edgedb/bin/edgedb-server",
		DataDir:       "/tmp/data dir",
		BootstrapOnly: true,
		TestMode:      true,
	}
	assert.Equal(t,
		[]string{"-D", "/tmp/data dir", "--bootstrap-only", "--testmode"},
		bootstrap.Args())

	serve := ServerCommand{
		Binary:   "/opt/edgedb/bin/edgedb-server",
		DataDir:  "/tmp/data",
		Port:     10850,
		TestMode: true,
		Insecure: true,
	}
	assert.Equal(t,
		[]string{"-D", "/tmp/data", "--testmode", "--security", "insecure_dev_mode", "--port", "10850"},
		serve.Args())
}

// releaseArchive builds a tar.gz laid out like a release archive, with the
// server binary nested under <root>/bin/.
func releaseArchive(t *testing.T, binName, script string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "edgedb-server-3.0/bin/" + binName,
		Mode:     0o755,
		Size:     int64(len(script)),
		Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write([]byte(script))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractAndLocate(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "edgedb-server-3.0.tar.gz")
	require.NoError(t, os.WriteFile(archive, releaseArchive(t, "edgedb-server", "#!/bin/sh\nexit 0\n"), 0o644))

	dest := filepath.Join(dir, "release")
	require.NoError(t, extractArchive(archive, dest))

	bin, err := locateBinary(dest, "edgedb-server")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "edgedb-server-3.0", "bin", "edgedb-server"), bin)

	stat, err := os.Stat(bin)
	require.NoError(t, err)
	assert.NotZero(t, stat.Mode()&0o100, "binary must be executable")
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../evil",
		Mode:     0o644,
		Size:     0,
		Typeflag: tar.TypeReg,
	}))
	require.NoError(t, tw.Close())

	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar")
	require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0o644))

	err := extractArchive(archive, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
}

func TestLocateBinaryMissing(t *testing.T) {
	_, err := locateBinary(t.TempDir(), "edgedb-server")
	require.Error(t, err)
}

func TestFreePort(t *testing.T) {
	port, err := FreePort("127.0.0.1")
	require.NoError(t, err)
	require.Greater(t, port, 0)

	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestUniqueName(t *testing.T) {
	a, err := uniqueName("data_3_0_")
	require.NoError(t, err)
	b, err := uniqueName("data_3_0_")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "data_3_0_")
}

func TestOrchestratorBootstrap(t *testing.T) {
	archive := releaseArchive(t, "edgedb-server", "#!/bin/sh\nexit 0\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	cfg := config.New(
		config.WithWorkDir(t.TempDir()),
		config.WithPort(10850),
	)
	o, err := NewOrchestrator(cfg, "3.0", srv.URL+"/edgedb-server-3.0.tar.gz", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, StateFetched, o.State())
	require.Equal(t, 10850, o.Port())

	require.NoError(t, o.Bootstrap(context.Background()))
	assert.Equal(t, StateBootstrapped, o.State())
	assert.DirExists(t, o.DataDir())

	// Second bootstrap is an invalid transition.
	err = o.Bootstrap(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, compaterr.Bootstrap))

	require.NoError(t, o.RemoveDataDir())
	assert.NoDirExists(t, o.DataDir())
}

func TestOrchestratorBootstrapConcurrentSameVersion(t *testing.T) {
	// The seed and no-seed entries of one version run in parallel and share
	// the archive and release cache. Neither may observe the other's
	// in-flight download or a half-extracted tree. The server dribbles the
	// archive out in two chunks to keep the first download in flight while
	// the second bootstrap starts.
	archive := releaseArchive(t, "edgedb-server", "#!/bin/sh\nexit 0\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		half := len(archive) / 2
		_, _ = w.Write(archive[:half])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write(archive[half:])
	}))
	defer srv.Close()

	work := t.TempDir()
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		port := 10860 + i
		go func() {
			cfg := config.New(config.WithWorkDir(work), config.WithPort(port))
			o, err := NewOrchestrator(cfg, "3.0", srv.URL+"/edgedb-server-3.0.tar.gz", zaptest.NewLogger(t))
			if err != nil {
				errs <- err
				return
			}
			errs <- o.Bootstrap(context.Background())
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
}

func TestOrchestratorBootstrapFailure(t *testing.T) {
	archive := releaseArchive(t, "edgedb-server", "#!/bin/sh\necho 'bootstrap exploded' >&2\nexit 3\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	cfg := config.New(config.WithWorkDir(t.TempDir()), config.WithPort(10850))
	o, err := NewOrchestrator(cfg, "3.0", srv.URL+"/edgedb-server-3.0.tar.gz", zaptest.NewLogger(t))
	require.NoError(t, err)

	err = o.Bootstrap(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, compaterr.Bootstrap))
	assert.Contains(t, err.Error(), "bootstrap exploded")
	assert.Equal(t, StateFetched, o.State())
}

func TestOrchestratorStartRequiresBootstrap(t *testing.T) {
	cfg := config.New(config.WithWorkDir(t.TempDir()), config.WithPort(10850))
	o, err := NewOrchestrator(cfg, "3.0", "https://example.com/x.tar.gz", zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = o.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, compaterr.Spawn))
}

func TestOrchestratorStartFailureStopsProcess(t *testing.T) {
	// The "server" never listens, so readiness times out; the spawned
	// process must still be terminated before Start returns.
	archive := releaseArchive(t, "edgedb-server", "#!/bin/sh\nexec sleep 60\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	cfg := config.New(
		config.WithWorkDir(t.TempDir()),
		config.WithPort(10851),
		config.WithStartTimeout(2*time.Second),
		config.WithStopTimeout(5*time.Second),
	)
	o, err := NewOrchestrator(cfg, "3.0", srv.URL+"/edgedb-server-3.0.tar.gz", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, o.Bootstrap(context.Background()))

	start := time.Now()
	_, err = o.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, compaterr.Spawn))
	// Start blocked only for the readiness bound plus the stop, not for
	// the fake server's sleep.
	assert.Less(t, time.Since(start), 30*time.Second)
	assert.NotEqual(t, StateRunning, o.State())
}

func TestHandleStopIdempotent(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	require.NoError(t, cmd.Start())

	stops := 0
	h := &Handle{
		cmd:         cmd,
		stderr:      stderr,
		stopTimeout: 10 * time.Second,
		waitCh:      make(chan error, 1),
		log:         zaptest.NewLogger(t),
		onStop:      func() { stops++ },
	}
	go func() { h.waitCh <- cmd.Wait() }()

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	assert.Equal(t, 1, stops)
	require.NotNil(t, cmd.ProcessState)
	assert.False(t, cmd.ProcessState.Success()) // killed by signal
}

func TestHandleStderrReadWhileRunning(t *testing.T) {
	// Stderr is read for diagnostics while the process is still writing it,
	// e.g. when seeding fails against a live instance.
	script := filepath.Join(t.TempDir(), "chatter")
	require.NoError(t, os.WriteFile(script,
		[]byte("#!/bin/sh\nwhile true; do echo chatter >&2; done\n"), 0o755))

	cmd := exec.Command(script)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	require.NoError(t, cmd.Start())

	h := &Handle{
		cmd:         cmd,
		stderr:      stderr,
		stopTimeout: 10 * time.Second,
		waitCh:      make(chan error, 1),
		log:         zaptest.NewLogger(t),
	}
	go func() { h.waitCh <- cmd.Wait() }()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		_ = h.Stderr()
	}

	require.NoError(t, h.Stop())
	assert.Contains(t, h.Stderr(), "chatter")
}
