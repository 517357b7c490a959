package distribution

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"

	"github.com/carp-registry/carp/internal/apperrors"
	"github.com/carp-registry/carp/internal/validation"
)

const (
	DefaultMaxFileBytes  = 100 << 20
	DefaultMaxTotalBytes = 500 << 20

	stagingPattern = ".carp-staging-*"
	backupPattern  = ".carp-previous-*"
)

// entry is one validated archive member held in memory between the two passes.
type entry struct {
	path string // cleaned, slash separated
	dir  bool
	mode fs.FileMode
	data []byte
}

// Extractor unpacks tar.gz and zip archives without ever letting an entry escape the target
// directory. Extraction is all or nothing.
type Extractor struct {
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// NewExtractor returns an Extractor with the default size limits.
func NewExtractor() *Extractor {
	return &Extractor{MaxFileBytes: DefaultMaxFileBytes, MaxTotalBytes: DefaultMaxTotalBytes}
}

// Extract unpacks data into targetDir and returns the relative paths of the files written.
//
// Every entry is read and validated before anything touches the disk. A non-empty targetDir is
// only replaced when overwrite is set; the new tree is built in a sibling staging directory and
// renamed into place, so a failure leaves targetDir exactly as it was.
func (x *Extractor) Extract(data []byte, targetDir string, overwrite bool) ([]string, error) {
	entries, err := x.scan(data)
	if err != nil {
		return nil, err
	}

	target, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidArgument, "invalid target directory", err)
	}
	for _, e := range entries {
		if _, err := validation.ResolveWithin(target, e.path); err != nil {
			return nil, err
		}
	}

	exists, err := destinationInUse(target)
	if err != nil {
		return nil, err
	}
	if exists && !overwrite {
		return nil, apperrors.Newf(apperrors.KindDestinationExists, "destination %s already exists and is not empty", targetDir)
	}

	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to create parent directory", err)
	}
	staging, err := os.MkdirTemp(parent, stagingPattern)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to create staging directory", err)
	}
	_ = os.Chmod(staging, 0o755)
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	files, err := writeEntries(staging, entries)
	if err != nil {
		return nil, err
	}
	if err := swapInto(staging, target, parent); err != nil {
		return nil, err
	}
	committed = true
	return files, nil
}

// scan is the first pass: parse the container, validate each path and type, and buffer content.
func (x *Extractor) scan(data []byte) ([]entry, error) {
	switch validation.DetectArchiveFormat(data) {
	case validation.FormatTarGz:
		return x.scanTarGz(data)
	case validation.FormatZip:
		return x.scanZip(data)
	default:
		return nil, apperrors.New(apperrors.KindCorruptArchive, "unrecognized archive format")
	}
}

type budget struct {
	maxFile, maxTotal, total int64
}

func (b *budget) read(name string, r io.Reader) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(r, b.maxFile+1))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindCorruptArchive, fmt.Sprintf("failed to read %q", name), err)
	}
	if int64(len(buf)) > b.maxFile {
		return nil, apperrors.Newf(apperrors.KindCorruptArchive, "entry %q exceeds the per-file size limit", name)
	}
	b.total += int64(len(buf))
	if b.total > b.maxTotal {
		return nil, apperrors.New(apperrors.KindCorruptArchive, "archive exceeds the total size limit")
	}
	return buf, nil
}

func (x *Extractor) limits() *budget {
	b := &budget{maxFile: x.MaxFileBytes, maxTotal: x.MaxTotalBytes}
	if b.maxFile <= 0 {
		b.maxFile = DefaultMaxFileBytes
	}
	if b.maxTotal <= 0 {
		b.maxTotal = DefaultMaxTotalBytes
	}
	return b
}

func (x *Extractor) scanTarGz(data []byte) ([]entry, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindCorruptArchive, "invalid gzip stream", err)
	}
	defer gz.Close()

	b := x.limits()
	tr := tar.NewReader(gz)
	var entries []entry
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return nil, apperrors.Wrap(apperrors.KindPathTraversal, "archive contains an unsafe path", err)
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindCorruptArchive, "invalid tar stream", err)
		}

		clean, err := validation.CleanEntryPath(hdr.Name)
		if err != nil {
			return nil, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			entries = append(entries, entry{path: clean, dir: true})
		case tar.TypeReg:
			buf, err := b.read(clean, tr)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry{path: clean, mode: hdr.FileInfo().Mode().Perm(), data: buf})
		case tar.TypeXGlobalHeader:
			// pax global headers carry no file
		default:
			return nil, apperrors.Newf(apperrors.KindCorruptArchive, "unsupported entry type for %q", hdr.Name)
		}
	}
	return entries, nil
}

func (x *Extractor) scanZip(data []byte) ([]entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, zip.ErrInsecurePath) {
		return nil, apperrors.Wrap(apperrors.KindPathTraversal, "archive contains an unsafe path", err)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindCorruptArchive, "invalid zip archive", err)
	}

	b := x.limits()
	entries := make([]entry, 0, len(zr.File))
	for _, f := range zr.File {
		clean, err := validation.CleanEntryPath(f.Name)
		if err != nil {
			return nil, err
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			entries = append(entries, entry{path: clean, dir: true})
		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return nil, apperrors.Wrap(apperrors.KindCorruptArchive, fmt.Sprintf("failed to open %q", f.Name), err)
			}
			buf, err := b.read(clean, rc)
			rc.Close()
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry{path: clean, mode: mode.Perm(), data: buf})
		default:
			return nil, apperrors.Newf(apperrors.KindCorruptArchive, "unsupported entry type for %q", f.Name)
		}
	}
	return entries, nil
}

// writeEntries is the second pass, writing into the staging directory only.
func writeEntries(root string, entries []entry) ([]string, error) {
	var files []string
	for _, e := range entries {
		dest, err := validation.ResolveWithin(root, e.path)
		if err != nil {
			return nil, err
		}
		if e.dir {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return nil, apperrors.Wrap(apperrors.KindInternal, "failed to create directory", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "failed to create directory", err)
		}
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		// group/other write bits are never restored from an archive
		mode &= 0o755
		if err := os.WriteFile(dest, e.data, mode|0o600); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "failed to write file", err)
		}
		files = append(files, e.path)
	}
	sort.Strings(files)
	return files, nil
}

// swapInto moves staging to target. An existing target is renamed aside first and restored if
// the final rename fails.
func swapInto(staging, target, parent string) error {
	_, err := os.Lstat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.Rename(staging, target); err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "failed to move extracted files into place", err)
		}
		return nil
	case err != nil:
		return apperrors.Wrap(apperrors.KindInternal, "failed to inspect destination", err)
	}

	backupDir, err := os.MkdirTemp(parent, backupPattern)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "failed to prepare destination swap", err)
	}
	backup := filepath.Join(backupDir, "old")
	if err := os.Rename(target, backup); err != nil {
		_ = os.RemoveAll(backupDir)
		return apperrors.Wrap(apperrors.KindInternal, "failed to move existing destination aside", err)
	}
	if err := os.Rename(staging, target); err != nil {
		if restoreErr := os.Rename(backup, target); restoreErr != nil {
			return apperrors.Wrap(apperrors.KindInternal,
				fmt.Sprintf("failed to move extracted files into place; previous contents left at %s", backup), err)
		}
		_ = os.RemoveAll(backupDir)
		return apperrors.Wrap(apperrors.KindInternal, "failed to move extracted files into place", err)
	}
	_ = os.RemoveAll(backupDir)
	return nil
}

// destinationInUse reports whether target exists and has any content. A regular file at target
// counts as in use.
func destinationInUse(target string) (bool, error) {
	info, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindInternal, "failed to inspect destination", err)
	}
	if !info.IsDir() {
		return true, nil
	}
	f, err := os.Open(target)
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindInternal, "failed to inspect destination", err)
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindInternal, "failed to inspect destination", err)
	}
	return true, nil
}
