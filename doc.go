// Package compatkit verifies that a database server reads data created by
// its earlier published releases (upgrade compatibility) and that those
// releases can still read the data after it has been upgraded (downgrade
// compatibility).
//
// A run selects candidate releases from the published stable and testing
// indexes, expands them into a test matrix, and drives each matrix entry
// through an isolated pipeline: bootstrap the old release into a fresh data
// directory, optionally seed fixture databases, upgrade the directory with
// the current release and run a scoped regression subset against it, then
// re-spawn the old release and verify a fixed query still returns the exact
// seeded fixture.
//
// Entries share no state and may run concurrently; within an entry the
// phases are strictly sequential, and any spawned server process is
// terminated on every exit path.
package compatkit
