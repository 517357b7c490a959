package client

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"

	"github.com/carp-registry/carp/internal/apperrors"
	"github.com/carp-registry/carp/internal/validation"
)

// gzipOSUnknown is the RFC 1952 "unknown" OS byte, so archives are identical across platforms.
const gzipOSUnknown = 255

// ReadManifest loads and validates dir/carp.yaml.
func ReadManifest(dir string) (*validation.Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, validation.ManifestFileName)) // #nosec G304 -- user-chosen agent directory
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidArgument,
			fmt.Sprintf("cannot read %s in %s", validation.ManifestFileName, dir), err)
	}
	var m validation.Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidArgument,
			fmt.Sprintf("%s is not valid YAML", validation.ManifestFileName), err)
	}
	if err := validation.ValidateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Pack reads the manifest in dir and builds a reproducible tar.gz of the agent. Hidden files
// are skipped, the manifest is always included, and when the manifest lists file globs only
// matching files are packed. Symlinks and special files are rejected.
func Pack(dir string, maxBytes int64) (*validation.Manifest, []byte, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, nil, err
	}
	for _, pattern := range m.Files {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, nil, apperrors.Newf(apperrors.KindInvalidArgument, "invalid file pattern %q", pattern)
		}
	}

	files, err := collectFiles(dir, m.Files)
	if err != nil {
		return nil, nil, err
	}
	archive, err := tarGz(dir, files)
	if err != nil {
		return nil, nil, err
	}
	if err := validation.ValidateArchive(archive, maxBytes); err != nil {
		return nil, nil, err
	}
	return m, archive, nil
}

// collectFiles returns the slash-separated relative paths to pack, sorted.
func collectFiles(dir string, patterns []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return apperrors.Newf(apperrors.KindInvalidArgument, "symlinks cannot be packed: %s", rel)
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return apperrors.Newf(apperrors.KindInvalidArgument, "not a regular file: %s", rel)
		}
		if rel == validation.ManifestFileName || matchesAny(rel, patterns) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindInternal {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "walking agent directory", err)
	}
	slices.Sort(files)
	return files, nil
}

// matchesAny reports whether rel matches one of patterns. A pattern matches the file itself or
// any parent directory, so "src" and "src/*" both include everything under src/. No patterns
// means everything matches.
func matchesAny(rel string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(path.Clean(filepath.ToSlash(pattern)), "./")
		for candidate := rel; candidate != "." && candidate != "/"; candidate = path.Dir(candidate) {
			if ok, _ := path.Match(pattern, candidate); ok {
				return true
			}
		}
	}
	return false
}

func tarGz(dir string, files []string) ([]byte, error) {
	epoch := time.Unix(0, 0).UTC()

	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	gw.ModTime = epoch
	gw.OS = gzipOSUnknown

	tw := tar.NewWriter(gw)
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel))) // #nosec G304 -- path from WalkDir
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", rel, err)
		}
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     rel,
			Mode:     0o644,
			Size:     int64(len(data)),
			ModTime:  epoch,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("writing tar header for %s: %w", rel, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("writing %s: %w", rel, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip: %w", err)
	}
	return buf.Bytes(), nil
}
