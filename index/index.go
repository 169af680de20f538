// Package index retrieves and parses the published release indexes of the
// stable and testing channels.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/veiloq/compatkit/compaterr"
)

// PrereleasePhase is the release-maturity tag of a published version.
type PrereleasePhase int

const (
	PhaseNone PrereleasePhase = iota
	PhaseAlpha
	PhaseBeta
	PhaseRC
)

func (p PrereleasePhase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseAlpha:
		return "alpha"
	case PhaseBeta:
		return "beta"
	case PhaseRC:
		return "rc"
	}
	return fmt.Sprintf("PrereleasePhase(%d)", int(p))
}

func parsePhase(s string) (PrereleasePhase, error) {
	switch s {
	case "alpha":
		return PhaseAlpha, nil
	case "beta":
		return PhaseBeta, nil
	case "rc":
		return PhaseRC, nil
	}
	return PhaseNone, fmt.Errorf("unknown prerelease phase %q", s)
}

// VersionRecord is one published release. Immutable once fetched.
type VersionRecord struct {
	Version     string
	Major       int
	Phase       PrereleasePhase
	DownloadURL string
}

// Semver parses the record's version string. Version strings in the index
// may omit the patch component ("3.0"); the parser tolerates that.
func (r VersionRecord) Semver() (*semver.Version, error) {
	return semver.NewVersion(r.Version)
}

// Channel selects one of the two published index documents.
type Channel string

const (
	Stable  Channel = "stable"
	Testing Channel = "testing"
)

// Fetcher retrieves the release records of one channel. It is a port: tests
// substitute fixtures, production uses HTTPFetcher.
type Fetcher interface {
	Fetch(ctx context.Context, ch Channel) ([]VersionRecord, error)
}

// FetchAll concatenates the records of the stable and testing channels.
// Any fetch failure is fatal to the whole run.
func FetchAll(ctx context.Context, f Fetcher) ([]VersionRecord, error) {
	var all []VersionRecord
	for _, ch := range []Channel{Stable, Testing} {
		records, err := f.Fetch(ctx, ch)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	return all, nil
}

// Wire schema of the index documents.
type indexDocument struct {
	Packages []indexPackage `json:"packages"`
}

type indexPackage struct {
	Version        string         `json:"version"`
	VersionDetails versionDetails `json:"version_details"`
	InstallRefs    []installRef   `json:"installrefs"`
}

type versionDetails struct {
	Major      int          `json:"major"`
	Prerelease []prerelease `json:"prerelease"`
}

type prerelease struct {
	Phase string `json:"phase"`
}

type installRef struct {
	Ref string `json:"ref"`
}

// HTTPFetcher retrieves index documents from
// {base}/archive/.jsonindexes/{platform}[.testing].json over HTTPS.
type HTTPFetcher struct {
	base     string
	platform string
	client   *http.Client
	log      *zap.Logger
}

// NewHTTPFetcher builds a fetcher for the given archive root and platform.
func NewHTTPFetcher(base, platform string, log *zap.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		base:     strings.TrimRight(base, "/"),
		platform: platform,
		client:   &http.Client{Timeout: 60 * time.Second},
		log:      log,
	}
}

func (f *HTTPFetcher) indexURL(ch Channel) string {
	name := f.platform + ".json"
	if ch == Testing {
		name = f.platform + ".testing.json"
	}
	return f.base + "/archive/.jsonindexes/" + name
}

// Fetch implements Fetcher. It fails with a Fetch-kind error on network
// failure or a non-2xx response, and a Parse-kind error when the document
// does not match the expected schema. No retries: a fetch failure is fatal
// to the run.
func (f *HTTPFetcher) Fetch(ctx context.Context, ch Channel) ([]VersionRecord, error) {
	u := f.indexURL(ch)
	f.log.Debug("fetching release index", zap.String("channel", string(ch)), zap.String("url", u))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, compaterr.Wrapf(compaterr.Fetch, err, "building request for %s", u)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, compaterr.Wrapf(compaterr.Fetch, err, "fetching %s", u)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, compaterr.Newf(compaterr.Fetch,
			"unexpected HTTP response from %s: %d\n%s", u, resp.StatusCode, body)
	}

	records, err := Parse(resp.Body, f.base)
	if err != nil {
		return nil, compaterr.Wrapf(compaterr.Parse, err, "parsing index %s", u)
	}
	f.log.Debug("release index fetched",
		zap.String("channel", string(ch)), zap.Int("records", len(records)))
	return records, nil
}

// Parse decodes one index document into version records. Download URLs are
// resolved against base when the install ref is relative. A package whose
// version entry is absent in the prerelease array is a final release
// (PhaseNone); the field itself may be missing entirely, which is treated
// identically to an empty sequence.
func Parse(r io.Reader, base string) ([]VersionRecord, error) {
	var doc indexDocument
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding index document: %w", err)
	}

	records := make([]VersionRecord, 0, len(doc.Packages))
	for _, pkg := range doc.Packages {
		if pkg.Version == "" {
			return nil, fmt.Errorf("index package without a version")
		}
		if _, err := semver.NewVersion(pkg.Version); err != nil {
			return nil, fmt.Errorf("index package version %q: %w", pkg.Version, err)
		}
		if len(pkg.InstallRefs) == 0 || pkg.InstallRefs[0].Ref == "" {
			return nil, fmt.Errorf("index package %q has no install ref", pkg.Version)
		}

		phase := PhaseNone
		if len(pkg.VersionDetails.Prerelease) > 0 {
			var err error
			phase, err = parsePhase(pkg.VersionDetails.Prerelease[0].Phase)
			if err != nil {
				return nil, fmt.Errorf("index package %q: %w", pkg.Version, err)
			}
		}

		records = append(records, VersionRecord{
			Version:     pkg.Version,
			Major:       pkg.VersionDetails.Major,
			Phase:       phase,
			DownloadURL: resolveRef(base, pkg.InstallRefs[0].Ref),
		})
	}
	return records, nil
}

func resolveRef(base, ref string) string {
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(ref, "/")
}
