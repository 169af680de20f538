// Package instance manages the lifecycle of a database server process built
// from a published release: fetch the archive, bootstrap a fresh data
// directory, serve, and terminate. Each orchestrator owns exactly one data
// directory and at most one running process at a time.
package instance

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/veiloq/compatkit/compaterr"
	"github.com/veiloq/compatkit/config"
)

// State of the orchestrator's release instance.
type State int

const (
	StateFetched State = iota
	StateBootstrapped
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateFetched:
		return "fetched"
	case StateBootstrapped:
		return "bootstrapped"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Orchestrator drives one release instance through
// fetched → bootstrapped → running → terminated. Downgrade verification
// re-enters running from terminated against the same data directory.
type Orchestrator struct {
	cfg     config.Config
	version string
	url     string
	port    int
	dataDir string
	binPath string
	state   State
	client  *http.Client
	log     *zap.Logger
}

// NewOrchestrator prepares an orchestrator for one matrix entry. When the
// config leaves the port at 0 a free local port is reserved here, so every
// consumer of this entry sees the same port.
func NewOrchestrator(cfg config.Config, version, downloadURL string, log *zap.Logger) (*Orchestrator, error) {
	port := cfg.Port
	if port == 0 {
		var err error
		port, err = FreePort(cfg.Host)
		if err != nil {
			return nil, compaterr.Wrapf(compaterr.Spawn, err, "assigning port for %s", version)
		}
		log.Debug("assigned free port", zap.Int("port", port), zap.String("version", version))
	}

	dirName, err := uniqueName("data_" + sanitizeVersion(version) + "_")
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:     cfg,
		version: version,
		url:     downloadURL,
		port:    port,
		dataDir: filepath.Join(cfg.WorkDir, dirName),
		state:   StateFetched,
		client:  &http.Client{Timeout: 10 * time.Minute},
		log:     log.With(zap.String("version", version)),
	}, nil
}

// Port the instance serves on.
func (o *Orchestrator) Port() int { return o.port }

// DataDir is the instance's ephemeral on-disk data directory.
func (o *Orchestrator) DataDir() string { return o.dataDir }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return o.state }

// fetchGroup collapses concurrent fetches of the same release. The seed and
// no-seed entries of one version run in parallel and share the archive and
// release cache under WorkDir; only one of them may populate it.
var fetchGroup singleflight.Group

// fetchRelease downloads and extracts the release archive and returns the
// path of the server binary inside the extracted tree. Safe for concurrent
// use by sibling entries of the same version.
func (o *Orchestrator) fetchRelease(ctx context.Context) (string, error) {
	key := filepath.Join(o.cfg.WorkDir, sanitizeVersion(o.version))
	v, err, _ := fetchGroup.Do(key, func() (interface{}, error) {
		archiveDir := filepath.Join(o.cfg.WorkDir, "archives")
		if err := os.MkdirAll(archiveDir, 0o755); err != nil {
			return nil, compaterr.Wrapf(compaterr.Bootstrap, err, "creating archive directory")
		}
		archivePath, err := downloadArchive(ctx, o.client, o.url, archiveDir, o.log)
		if err != nil {
			return nil, compaterr.Wrapf(compaterr.Bootstrap, err, "downloading release %s", o.version)
		}

		releaseDir := filepath.Join(o.cfg.WorkDir, "releases", sanitizeVersion(o.version))
		binPath, err := locateBinary(releaseDir, o.cfg.ServerBinaryName)
		if err != nil {
			// Not extracted yet (or a previous extraction was incomplete).
			if err := extractArchive(archivePath, releaseDir); err != nil {
				return nil, compaterr.Wrapf(compaterr.Bootstrap, err, "extracting release %s", o.version)
			}
			binPath, err = locateBinary(releaseDir, o.cfg.ServerBinaryName)
			if err != nil {
				return nil, compaterr.Wrapf(compaterr.Bootstrap, err, "locating server binary for %s", o.version)
			}
		}
		return binPath, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Bootstrap downloads and extracts the release archive, then runs the
// release binary in bootstrap-only test mode against a fresh data
// directory. Transition: fetched → bootstrapped.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	if o.state != StateFetched {
		return compaterr.Newf(compaterr.Bootstrap, "cannot bootstrap from state %s", o.state)
	}

	binPath, err := o.fetchRelease(ctx)
	if err != nil {
		return err
	}
	o.binPath = binPath

	if err := os.MkdirAll(o.dataDir, 0o700); err != nil {
		return compaterr.Wrapf(compaterr.Bootstrap, err, "creating data directory")
	}

	cmd := ServerCommand{Binary: binPath, DataDir: o.dataDir, BootstrapOnly: true, TestMode: true}
	o.log.Info("bootstrapping release data directory", zap.String("dataDir", o.dataDir))
	var stderr bytes.Buffer
	proc := exec.CommandContext(ctx, cmd.Binary, cmd.Args()...)
	proc.Stderr = &stderr
	// Don't let an inherited pipe held by a grandchild block Wait.
	proc.WaitDelay = 10 * time.Second
	if err := proc.Run(); err != nil {
		return compaterr.Wrapf(compaterr.Bootstrap, err,
			"bootstrap of %s exited: %s", o.version, strings.TrimSpace(stderr.String()))
	}

	o.state = StateBootstrapped
	return nil
}

// Start spawns the release binary as a long-lived serving process and blocks
// until it accepts client connections, bounded by the configured start
// timeout. Transitions bootstrapped → running, and also terminated →
// running for downgrade re-spawns. The returned handle owns the process;
// its Stop must run on every exit path.
func (o *Orchestrator) Start(ctx context.Context) (*Handle, error) {
	if o.state != StateBootstrapped && o.state != StateTerminated {
		return nil, compaterr.Newf(compaterr.Spawn, "cannot start from state %s", o.state)
	}

	cmd := ServerCommand{
		Binary:   o.binPath,
		DataDir:  o.dataDir,
		Port:     o.port,
		TestMode: true,
		Insecure: true,
	}
	o.log.Info("spawning server instance", zap.Int("port", o.port))

	proc := exec.Command(cmd.Binary, cmd.Args()...)
	stderr := &syncBuffer{}
	proc.Stderr = stderr
	proc.WaitDelay = 10 * time.Second
	if err := proc.Start(); err != nil {
		return nil, compaterr.Wrapf(compaterr.Spawn, err, "spawning %s", o.version)
	}

	h := &Handle{
		cmd:         proc,
		stderr:      stderr,
		stopTimeout: o.cfg.StopTimeout,
		waitCh:      make(chan error, 1),
		log:         o.log,
		onStop:      func() { o.state = StateTerminated },
	}
	go func() { h.waitCh <- proc.Wait() }()

	if err := o.waitReady(ctx); err != nil {
		// The spawn succeeded, so the handle must still be released here to
		// keep terminations paired with successful spawns.
		stopErr := h.Stop()
		return nil, compaterr.Wrapf(compaterr.Spawn, err,
			"instance %s did not become ready (stop: %v): %s",
			o.version, stopErr, strings.TrimSpace(stderr.String()))
	}

	o.state = StateRunning
	o.log.Info("server instance ready", zap.Int("port", o.port))
	return h, nil
}

// waitReady retries a client connection with exponential backoff until the
// instance accepts it or the start timeout elapses.
func (o *Orchestrator) waitReady(ctx context.Context) error {
	dsn := o.cfg.ClientDSN(o.cfg.Database, o.port)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = o.cfg.StartTimeout

	attempt := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		conn, err := pgx.Connect(pingCtx, dsn)
		if err != nil {
			return err
		}
		defer conn.Close(pingCtx)
		return conn.Ping(pingCtx)
	}
	return backoff.Retry(attempt, backoff.WithContext(policy, ctx))
}

// RemoveDataDir deletes the entry's data directory. No-op when the config
// keeps work directories.
func (o *Orchestrator) RemoveDataDir() error {
	if o.cfg.KeepWorkDir {
		o.log.Info("keeping data directory", zap.String("dataDir", o.dataDir))
		return nil
	}
	o.log.Debug("removing data directory", zap.String("dataDir", o.dataDir))
	return os.RemoveAll(o.dataDir)
}

// syncBuffer synchronizes the exec copier goroutine's stderr writes with
// reads through Handle.Stderr while the process is still running.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Handle is the owned resource for one running server process.
type Handle struct {
	cmd         *exec.Cmd
	stderr      *syncBuffer
	stopTimeout time.Duration
	waitCh      chan error
	log         *zap.Logger
	onStop      func()

	mu      sync.Mutex
	stopped bool
	stopErr error
}

// Stop terminates the process and blocks until it exits. SIGTERM first; if
// the process ignores it past the stop timeout, SIGKILL. Idempotent:
// subsequent calls return the first result.
func (h *Handle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return h.stopErr
	}
	h.stopped = true
	h.stopErr = h.terminate()
	if h.onStop != nil {
		h.onStop()
	}
	return h.stopErr
}

func (h *Handle) terminate() error {
	h.log.Debug("terminating server instance", zap.Int("pid", h.cmd.Process.Pid))
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; collect the exit status.
		<-h.waitCh
		return nil
	}

	timeout := h.stopTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-h.waitCh:
		return nil
	case <-time.After(timeout):
		h.log.Warn("instance ignored SIGTERM, killing", zap.Int("pid", h.cmd.Process.Pid))
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		<-h.waitCh
		return nil
	}
}

// Stderr returns the process's captured stderr so far, the primary
// diagnostic payload for a failing entry. Safe to call while the process is
// still running.
func (h *Handle) Stderr() string {
	return h.stderr.String()
}

// FreePort asks the kernel for a free TCP port on host.
func FreePort(host string) (int, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("listening on port 0: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// uniqueName appends random hex to prefix, lowercased and safe for use as a
// directory name.
func uniqueName(prefix string) (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return strings.ToLower(prefix + hex.EncodeToString(b)), nil
}

func sanitizeVersion(v string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, v)
}
