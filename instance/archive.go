package instance

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// downloadArchive fetches the release archive at rawURL into destDir,
// skipping the download when a non-empty copy is already cached there.
// The body is written to a temp file and renamed into place, so the cache
// check never observes a partial download. Returns the local archive path.
func downloadArchive(ctx context.Context, client *http.Client, rawURL, destDir string, log *zap.Logger) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, "parsing archive URL %q", rawURL)
	}
	dest := filepath.Join(destDir, path.Base(u.Path))

	if stat, err := os.Stat(dest); err == nil && stat.Size() > 0 {
		log.Debug("archive cache hit", zap.String("path", dest))
		return dest, nil
	}

	log.Info("downloading release archive", zap.String("url", rawURL), zap.String("dest", dest))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "downloading %s", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", errors.Newf("unexpected HTTP response from %s: %d\n%s", rawURL, resp.StatusCode, body)
	}

	tmp, err := os.CreateTemp(destDir, path.Base(u.Path)+".partial-")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", errors.Wrapf(err, "writing %s", dest)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return dest, nil
}

// extractArchive unpacks a release archive (.tar, .tar.gz/.tgz or .tar.zst)
// into destDir. Extraction happens in a temp directory that replaces destDir
// in one rename, so a crashed or concurrent run never leaves a half-written
// tree where callers look for the binary.
func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "opening gzip stream of %s", archivePath)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(archivePath, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "opening zstd stream of %s", archivePath)
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(archivePath, ".tar"):
	default:
		return errors.Newf("unsupported archive format: %s", archivePath)
	}

	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(destDir), filepath.Base(destDir)+".partial-")
	if err != nil {
		return err
	}
	if err := untar(r, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	// Drop any incomplete previous extraction before the swap.
	if err := os.RemoveAll(destDir); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	if err := os.Rename(tmp, destDir); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	return nil
}

func untar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading tar stream")
		}

		rel := filepath.Clean(hdr.Name)
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
			return errors.Newf("archive entry escapes destination: %q", hdr.Name)
		}
		target := filepath.Join(destDir, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode)|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errors.Wrapf(err, "extracting %s", hdr.Name)
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !errors.Is(err, fs.ErrExist) {
				return err
			}
		}
	}
}

// locateBinary finds the server binary inside an extracted release tree.
// Release archives nest it under an arbitrary top-level directory, usually
// as <root>/bin/<name>.
func locateBinary(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", errors.Newf("binary %q not found under %s", name, root)
	}
	if err := os.Chmod(found, 0o755); err != nil {
		return "", err
	}
	return found, nil
}
