// Package matrix selects upgrade-test candidate versions and expands them
// into the test matrix consumed by the downstream fan-out scheduler.
package matrix

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"

	"github.com/veiloq/compatkit/compaterr"
	"github.com/veiloq/compatkit/index"
)

var digitRun = regexp.MustCompile(`\d+`)

// MajorFromBranch derives the target major version from a branch name: the
// first run of digits found in it. A branch without digits cannot produce a
// matrix and fails the run.
func MajorFromBranch(branch string) (int, error) {
	m := digitRun.FindString(branch)
	if m == "" {
		return 0, compaterr.Newf(compaterr.BranchParse, "branch %q contains no digits", branch)
	}
	major, err := strconv.Atoi(m)
	if err != nil {
		return 0, compaterr.Wrapf(compaterr.BranchParse, err, "branch %q", branch)
	}
	return major, nil
}

// Admissible reports whether a published release is a valid upgrade-test
// candidate for the target major: same major, and either a final release or
// a beta/rc prerelease. Alphas are never admissible.
func Admissible(r index.VersionRecord, targetMajor int) bool {
	if r.Major != targetMajor {
		return false
	}
	switch r.Phase {
	case index.PhaseNone, index.PhaseBeta, index.PhaseRC:
		return true
	}
	return false
}

// Filter returns the admissible subset of records, ordered by version
// ascending so the emitted matrix is reproducible. Pure.
func Filter(records []index.VersionRecord, targetMajor int) []index.VersionRecord {
	admissible := make([]index.VersionRecord, 0, len(records))
	for _, r := range records {
		if Admissible(r, targetMajor) {
			admissible = append(admissible, r)
		}
	}
	sort.Slice(admissible, func(i, j int) bool {
		vi, erri := admissible[i].Semver()
		vj, errj := admissible[j].Semver()
		if erri != nil || errj != nil {
			return admissible[i].Version < admissible[j].Version
		}
		return vi.LessThan(vj)
	})
	return admissible
}

// Entry is one test-matrix cell: a candidate version crossed with the
// seed-fixture-databases flag. Prerelease records whether the version is
// itself a beta/rc, which exempts it from downgrade verification.
type Entry struct {
	Version        string
	DownloadURL    string
	SeedFixtureDBs bool
	Prerelease     bool
}

// Expand crosses every admissible record with {true, false}. Pure; the
// result has exactly twice as many entries as records.
func Expand(records []index.VersionRecord) []Entry {
	entries := make([]Entry, 0, 2*len(records))
	for _, r := range records {
		for _, seed := range []bool{true, false} {
			entries = append(entries, Entry{
				Version:        r.Version,
				DownloadURL:    r.DownloadURL,
				SeedFixtureDBs: seed,
				Prerelease:     r.Phase == index.PhaseBeta || r.Phase == index.PhaseRC,
			})
		}
	}
	return entries
}

// Include is the wire form of one entry in the downstream scheduler's
// fan-out contract.
type Include struct {
	Version string `json:"edgedb-version"`
	URL     string `json:"edgedb-url"`
	MakeDBs bool   `json:"make-dbs"`
}

// MarshalInclude emits the {"include": [...]} document consumed by the
// downstream scheduler, one job per entry.
func MarshalInclude(entries []Entry) ([]byte, error) {
	includes := make([]Include, len(entries))
	for i, e := range entries {
		includes[i] = Include{Version: e.Version, URL: e.DownloadURL, MakeDBs: e.SeedFixtureDBs}
	}
	return json.Marshal(struct {
		Include []Include `json:"include"`
	}{Include: includes})
}
