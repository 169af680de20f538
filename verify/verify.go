// Package verify checks downgrade safety: after the current release has
// upgraded a data directory, the original old release is spawned against it
// again and a fixed query must still return the exact seeded fixture.
package verify

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/veiloq/compatkit/compaterr"
	"github.com/veiloq/compatkit/config"
	"github.com/veiloq/compatkit/seed"
)

// IssueQuery returns the issues matching a number as one JSON document, the
// shape the seeded fixture is asserted against.
const IssueQuery = `SELECT json_agg(json_build_object(
	'name', name,
	'number', number,
	'watchers', watchers
)) FROM issue WHERE number = $1`

// Downgrade connects to the policies fixture database of a running old
// release instance and asserts that the issue fixture survived the
// upgrade/downgrade round trip with exact structural equality. A deviation
// fails with a Verification-kind mismatch carrying both values.
func Downgrade(ctx context.Context, cfg config.Config, port int, log *zap.Logger) error {
	dsn := cfg.ClientDSN(seed.PoliciesDatabase, port)
	log.Info("verifying downgrade readability", zap.String("database", seed.PoliciesDatabase))

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return compaterr.Wrapf(compaterr.Spawn, err, "connecting to %q", seed.PoliciesDatabase)
	}
	defer conn.Close(ctx)

	var raw []byte
	if err := conn.QueryRow(ctx, IssueQuery, seed.FixtureIssue.Number).Scan(&raw); err != nil {
		return errors.Wrapf(err, "running verification query")
	}
	if err := CompareResult(raw); err != nil {
		return err
	}
	log.Info("downgrade verification passed")
	return nil
}

// CompareResult checks a raw JSON query result against the expected fixture
// document, field by field.
func CompareResult(raw []byte) error {
	var actual interface{}
	if err := json.Unmarshal(raw, &actual); err != nil {
		return errors.Wrapf(err, "decoding verification result %q", raw)
	}

	expected := expectedDocument()
	if !cmp.Equal(expected, actual) {
		return compaterr.NewMismatch(IssueQuery, expected, actual)
	}
	return nil
}

// expectedDocument is the fixture issue as a decoded JSON value, so the
// comparison is structural rather than textual.
func expectedDocument() interface{} {
	b, err := json.Marshal([]seed.Issue{seed.FixtureIssue})
	if err != nil {
		panic(err) // fixture is a static struct
	}
	var doc interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		panic(err)
	}
	return doc
}
