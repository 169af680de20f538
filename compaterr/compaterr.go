// Package compaterr defines the error taxonomy shared by the compatkit
// packages. Each kind is a reference error; values produced by the
// constructors below are marked with their kind so callers can classify
// failures across package boundaries with errors.Is.
//
// Kinds split into three scopes:
//
//   - run-fatal: Fetch, Parse, BranchParse. No partial matrix is computable,
//     so the whole run fails.
//   - entry-fatal: Bootstrap, Seed, Spawn, MigrationTimeout, Verification.
//     The owning matrix entry fails; sibling entries are unaffected.
//   - aggregated: TestFailure. Individual regression tests fail without
//     aborting the remaining tests of the same entry.
package compaterr

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
)

// Reference errors for the failure kinds. Use errors.Is to test against them.
var (
	Fetch            = errors.New("release index fetch failed")
	Parse            = errors.New("release index parse failed")
	BranchParse      = errors.New("no major version in branch name")
	Bootstrap        = errors.New("release bootstrap failed")
	Seed             = errors.New("fixture seeding failed")
	Spawn            = errors.New("server spawn failed")
	MigrationTimeout = errors.New("upgrade migration timed out")
	TestFailure      = errors.New("regression test failed")
	Verification     = errors.New("downgrade verification mismatch")
)

// Newf creates a new error of the given kind.
func Newf(kind error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), kind)
}

// Wrapf annotates err with a message and marks it with the given kind.
// Returns nil if err is nil.
func Wrapf(kind error, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), kind)
}

// Mismatch reports that a downgrade verification query returned a result
// that differs from the expected structure. It carries both values for
// diagnostics; the error is marked with the Verification kind.
type Mismatch struct {
	Query    string
	Expected interface{}
	Actual   interface{}
}

// NewMismatch builds a Verification-marked mismatch error.
func NewMismatch(query string, expected, actual interface{}) error {
	return errors.Mark(&Mismatch{Query: query, Expected: expected, Actual: actual}, Verification)
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("verification query %q returned unexpected result:\n%s", m.Query, m.Diff())
}

// Diff renders the expected/actual difference (expected on the left).
func (m *Mismatch) Diff() string {
	return cmp.Diff(m.Expected, m.Actual)
}

// Format implements fmt.Formatter so %+v includes the full payloads.
func (m *Mismatch) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		exp, _ := json.Marshal(m.Expected)
		act, _ := json.Marshal(m.Actual)
		fmt.Fprintf(s, "%s\nexpected: %s\nactual:   %s", m.Error(), exp, act)
		return
	}
	fmt.Fprint(s, m.Error())
}
