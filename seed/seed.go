// Package seed creates the fixture databases that the verification suite
// reads back after an upgrade/downgrade cycle.
package seed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/veiloq/compatkit/compaterr"
	"github.com/veiloq/compatkit/config"

	_ "github.com/lib/pq"
)

// PoliciesDatabase holds the issue fixture used by downgrade verification.
const PoliciesDatabase = "policies"

// Watcher is one subscriber of an Issue.
type Watcher struct {
	Name string `json:"name"`
}

// Issue is the canonical fixture record.
type Issue struct {
	Name     string    `json:"name"`
	Number   string    `json:"number"`
	Watchers []Watcher `json:"watchers"`
}

// FixtureIssue is the single record seeded into the policies database. Its
// exact shape is what downgrade verification asserts on.
var FixtureIssue = Issue{
	Name:     "Release EdgeDB",
	Number:   "1",
	Watchers: []Watcher{{Name: "Yury"}},
}

// Apply creates every configured fixture database on the running instance
// and populates the policies database with the issue fixture. The databases
// persist in the instance's data directory after it terminates. The first
// failing statement is fatal to the entry; there is no partial-success
// recovery.
func Apply(ctx context.Context, cfg config.Config, port int, log *zap.Logger) error {
	admin, err := sql.Open("postgres", cfg.ClientDSN(cfg.Database, port))
	if err != nil {
		return compaterr.Wrapf(compaterr.Seed, err, "opening admin connection")
	}
	defer admin.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := admin.PingContext(pingCtx); err != nil {
		return compaterr.Wrapf(compaterr.Seed, err, "pinging admin database %q", cfg.Database)
	}

	for _, name := range cfg.FixtureDatabases {
		quoted := pgx.Identifier{name}.Sanitize()
		log.Debug("creating fixture database", zap.String("database", name))
		if _, err := admin.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", quoted)); err != nil {
			return compaterr.Wrapf(compaterr.Seed, err, "creating fixture database %q", name)
		}
	}
	log.Info("fixture databases created", zap.Int("count", len(cfg.FixtureDatabases)))

	if err := seedPolicies(ctx, cfg, port); err != nil {
		return err
	}
	log.Info("policies fixture seeded",
		zap.String("issue", FixtureIssue.Name), zap.String("number", FixtureIssue.Number))
	return nil
}

func seedPolicies(ctx context.Context, cfg config.Config, port int) error {
	db, err := sql.Open("postgres", cfg.ClientDSN(PoliciesDatabase, port))
	if err != nil {
		return compaterr.Wrapf(compaterr.Seed, err, "opening %q connection", PoliciesDatabase)
	}
	defer db.Close()

	const ddl = `CREATE TABLE issue (
		name text NOT NULL,
		number text NOT NULL,
		watchers jsonb NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return compaterr.Wrapf(compaterr.Seed, err, "creating issue table")
	}

	watchers, err := json.Marshal(FixtureIssue.Watchers)
	if err != nil {
		return compaterr.Wrapf(compaterr.Seed, err, "encoding watchers")
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO issue (name, number, watchers) VALUES ($1, $2, $3)",
		FixtureIssue.Name, FixtureIssue.Number, watchers)
	if err != nil {
		return compaterr.Wrapf(compaterr.Seed, err, "inserting issue fixture")
	}
	return nil
}
