package matrix_test

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/compatkit/compaterr"
	"github.com/veiloq/compatkit/index"
	"github.com/veiloq/compatkit/matrix"
)

func TestMajorFromBranch(t *testing.T) {
	tests := []struct {
		branch string
		major  int
	}{
		{"stable/3", 3},
		{"stable/4", 4},
		{"releases/v12.x", 12},
		{"3.0-maintenance", 3},
	}
	for _, tc := range tests {
		t.Run(tc.branch, func(t *testing.T) {
			major, err := matrix.MajorFromBranch(tc.branch)
			require.NoError(t, err)
			assert.Equal(t, tc.major, major)
		})
	}
}

func TestMajorFromBranchNoDigits(t *testing.T) {
	_, err := matrix.MajorFromBranch("master")
	require.Error(t, err)
	assert.True(t, errors.Is(err, compaterr.BranchParse))
}

func TestAdmissible(t *testing.T) {
	tests := []struct {
		name       string
		record     index.VersionRecord
		admissible bool
	}{
		{"final release", index.VersionRecord{Version: "3.0", Major: 3, Phase: index.PhaseNone}, true},
		{"rc", index.VersionRecord{Version: "3.0-rc.1", Major: 3, Phase: index.PhaseRC}, true},
		{"beta", index.VersionRecord{Version: "3.0-beta.2", Major: 3, Phase: index.PhaseBeta}, true},
		{"alpha never admissible", index.VersionRecord{Version: "3.0-alpha.1", Major: 3, Phase: index.PhaseAlpha}, false},
		{"wrong major", index.VersionRecord{Version: "2.9", Major: 2, Phase: index.PhaseNone}, false},
		{"wrong major rc", index.VersionRecord{Version: "4.0-rc.1", Major: 4, Phase: index.PhaseRC}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.admissible, matrix.Admissible(tc.record, 3))
		})
	}
}

func scenarioRecords() []index.VersionRecord {
	return []index.VersionRecord{
		{Version: "3.0", Major: 3, Phase: index.PhaseNone, DownloadURL: "https://example.com/3.0.tar.gz"},
		{Version: "3.0-rc.1", Major: 3, Phase: index.PhaseRC, DownloadURL: "https://example.com/3.0-rc.1.tar.gz"},
		{Version: "3.0-alpha.1", Major: 3, Phase: index.PhaseAlpha, DownloadURL: "https://example.com/3.0-alpha.1.tar.gz"},
	}
}

func TestFilterScenario(t *testing.T) {
	admissible := matrix.Filter(scenarioRecords(), 3)
	require.Len(t, admissible, 2)

	versions := []string{admissible[0].Version, admissible[1].Version}
	// Sorted ascending: the rc precedes the final release.
	assert.Equal(t, []string{"3.0-rc.1", "3.0"}, versions)

	entries := matrix.Expand(admissible)
	assert.Len(t, entries, 4)
}

func TestFilterIsPure(t *testing.T) {
	records := scenarioRecords()
	first := matrix.Filter(records, 3)
	second := matrix.Filter(records, 3)
	assert.Equal(t, first, second)
}

func TestExpandDoublesRecords(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		records := make([]index.VersionRecord, n)
		for i := range records {
			records[i] = index.VersionRecord{Version: "3.0", Major: 3}
		}
		entries := matrix.Expand(records)
		require.Len(t, entries, 2*n)
	}

	entries := matrix.Expand(scenarioRecords()[:1])
	require.Len(t, entries, 2)
	assert.True(t, entries[0].SeedFixtureDBs)
	assert.False(t, entries[1].SeedFixtureDBs)
}

func TestExpandMarksPrereleases(t *testing.T) {
	entries := matrix.Expand([]index.VersionRecord{
		{Version: "3.0", Phase: index.PhaseNone},
		{Version: "3.0-rc.1", Phase: index.PhaseRC},
		{Version: "3.0-beta.1", Phase: index.PhaseBeta},
	})
	require.Len(t, entries, 6)
	assert.False(t, entries[0].Prerelease)
	assert.True(t, entries[2].Prerelease)
	assert.True(t, entries[4].Prerelease)
}

func TestMarshalInclude(t *testing.T) {
	entries := []matrix.Entry{
		{Version: "3.0", DownloadURL: "https://example.com/3.0.tar.gz", SeedFixtureDBs: true},
	}
	raw, err := matrix.MarshalInclude(entries)
	require.NoError(t, err)

	var doc map[string][]map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc["include"], 1)

	job := doc["include"][0]
	assert.Equal(t, "3.0", job["edgedb-version"])
	assert.Equal(t, "https://example.com/3.0.tar.gz", job["edgedb-url"])
	assert.Equal(t, true, job["make-dbs"])
}
