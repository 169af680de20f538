package compatkit

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/veiloq/compatkit/config"
	"github.com/veiloq/compatkit/index"
	"github.com/veiloq/compatkit/instance"
	"github.com/veiloq/compatkit/internal/cleanup"
	"github.com/veiloq/compatkit/internal/logger"
	"github.com/veiloq/compatkit/matrix"
	"github.com/veiloq/compatkit/seed"
	"github.com/veiloq/compatkit/upgrade"
	"github.com/veiloq/compatkit/verify"
)

// Server is a running release instance owned by one matrix entry. Stop must
// be called on every exit path and is idempotent.
type Server interface {
	Stop() error
	Stderr() string
}

// Provisioner manages the lifecycle of one entry's release instance and its
// data directory.
type Provisioner interface {
	Bootstrap(ctx context.Context) error
	Start(ctx context.Context) (Server, error)
	DataDir() string
	Port() int
	RemoveDataDir() error
}

// Phase names the pipeline step an entry was in when it finished or failed.
type Phase string

const (
	PhaseProvision Phase = "provision"
	PhaseSeed      Phase = "seed"
	PhaseUpgrade   Phase = "upgrade"
	PhaseVerify    Phase = "verify"
	PhaseDone      Phase = "done"
)

// Result is the outcome of one matrix entry. A failing entry reports the
// phase it failed in and never affects sibling entries.
type Result struct {
	Entry matrix.Entry
	Phase Phase
	Tests []upgrade.TestResult
	Err   error
}

// OK reports whether the entry completed every phase.
func (r Result) OK() bool { return r.Err == nil }

// Kit drives compatibility runs for one configuration.
type Kit struct {
	cfg     config.Config
	log     *zap.Logger
	fetcher index.Fetcher

	// Phase implementations, replaceable in tests.
	provision func(e matrix.Entry) (Provisioner, error)
	seedFn    func(ctx context.Context, cfg config.Config, port int, log *zap.Logger) error
	upgradeFn func(ctx context.Context, cfg config.Config, dataDir string, log *zap.Logger) ([]upgrade.TestResult, error)
	verifyFn  func(ctx context.Context, cfg config.Config, port int, log *zap.Logger) error
}

// Option configures a Kit beyond its Config.
type Option func(*Kit)

// WithFetcher substitutes the release index port, e.g. with a fixture in
// tests.
func WithFetcher(f index.Fetcher) Option {
	return func(k *Kit) { k.fetcher = f }
}

// WithLogger overrides the logger built by New.
func WithLogger(log *zap.Logger) Option {
	return func(k *Kit) { k.log = log }
}

// New validates cfg and assembles a Kit. When t is non-nil the kit logs
// through zaptest.
func New(t *testing.T, cfg config.Config, opts ...Option) (*Kit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(t, cfg.WorkDir)
	if err != nil {
		return nil, err
	}

	k := &Kit{
		cfg:       cfg,
		log:       log,
		seedFn:    seed.Apply,
		upgradeFn: upgrade.Run,
		verifyFn:  verify.Downgrade,
	}
	k.provision = func(e matrix.Entry) (Provisioner, error) {
		o, err := instance.NewOrchestrator(k.cfg, e.Version, e.DownloadURL, k.log)
		if err != nil {
			return nil, err
		}
		return orchestrated{o}, nil
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.fetcher == nil {
		k.fetcher = index.NewHTTPFetcher(cfg.IndexBaseURL, cfg.Platform, k.log)
	}
	return k, nil
}

// orchestrated adapts *instance.Orchestrator to the Provisioner interface
// (its Start returns the concrete handle type).
type orchestrated struct {
	*instance.Orchestrator
}

func (o orchestrated) Start(ctx context.Context) (Server, error) {
	h, err := o.Orchestrator.Start(ctx)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// BuildMatrix fetches both release channels, filters them against the
// branch's target major, and expands the admissible versions into matrix
// entries. Fetch, parse and branch errors are fatal to the whole run.
func (k *Kit) BuildMatrix(ctx context.Context) ([]matrix.Entry, error) {
	major, err := matrix.MajorFromBranch(k.cfg.Branch)
	if err != nil {
		return nil, err
	}
	records, err := index.FetchAll(ctx, k.fetcher)
	if err != nil {
		return nil, err
	}
	admissible := matrix.Filter(records, major)
	entries := matrix.Expand(admissible)
	k.log.Info("test matrix built",
		zap.Int("major", major),
		zap.Int("admissible", len(admissible)),
		zap.Int("entries", len(entries)))
	return entries, nil
}

// RunEntry executes the full pipeline for one matrix entry. Every server
// process spawned for the entry is terminated before RunEntry returns,
// regardless of which phase failed.
func (k *Kit) RunEntry(ctx context.Context, e matrix.Entry) (res Result) {
	res = Result{Entry: e, Phase: PhaseProvision}
	log := k.log.With(
		zap.String("edgedb-version", e.Version),
		zap.Bool("make-dbs", e.SeedFixtureDBs))

	prov, err := k.provision(e)
	if err != nil {
		res.Err = err
		return res
	}

	stack := cleanup.NewStack(log)
	defer func() {
		if err := stack.Release(); err != nil && res.Err == nil {
			res.Err = err
		}
		if res.Err != nil {
			log.Error("matrix entry failed",
				zap.String("phase", string(res.Phase)), zap.Error(res.Err))
		}
	}()
	stack.Defer(prov.RemoveDataDir)

	if err := prov.Bootstrap(ctx); err != nil {
		res.Err = err
		return res
	}

	srv, err := prov.Start(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	stack.Defer(srv.Stop)

	if e.SeedFixtureDBs {
		res.Phase = PhaseSeed
		if err := k.seedFn(ctx, k.cfg, prov.Port(), log); err != nil {
			log.Error("seeding failed", zap.String("stderr", srv.Stderr()))
			res.Err = err
			return res
		}
	}

	// The old release must be down before the current release opens the
	// data directory.
	if err := srv.Stop(); err != nil {
		res.Err = err
		return res
	}

	res.Phase = PhaseUpgrade
	tests, err := k.upgradeFn(ctx, k.cfg, prov.DataDir(), log)
	res.Tests = tests
	if err != nil {
		res.Err = err
		return res
	}

	// Downgrading from a beta/rc back to itself is not tested, and without
	// seeded fixtures there is nothing to read back.
	if e.SeedFixtureDBs && !e.Prerelease {
		res.Phase = PhaseVerify
		old, err := prov.Start(ctx)
		if err != nil {
			res.Err = err
			return res
		}
		stack.Defer(old.Stop)
		if err := k.verifyFn(ctx, k.cfg, prov.Port(), log); err != nil {
			res.Err = err
			return res
		}
	}

	res.Phase = PhaseDone
	log.Info("matrix entry passed")
	return res
}

// RunMatrix runs entries across a bounded worker fan-out. Entries are
// independent: one failure never cancels or affects siblings, and the
// returned slice is index-aligned with entries.
func (k *Kit) RunMatrix(ctx context.Context, entries []matrix.Entry) []Result {
	results := make([]Result, len(entries))

	var g errgroup.Group
	limit := k.cfg.MaxParallel
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			results[i] = k.RunEntry(ctx, e)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors
	return results
}

// Run builds the matrix and executes every entry.
func (k *Kit) Run(ctx context.Context) ([]Result, error) {
	entries, err := k.BuildMatrix(ctx)
	if err != nil {
		return nil, err
	}
	return k.RunMatrix(ctx, entries), nil
}
