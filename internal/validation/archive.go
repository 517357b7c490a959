// Package validation provides input validation for the registry and the CLI: identifier
// allow-lists for names and versions, archive entry path safety, publish-time archive checks,
// manifest checks and semantic version helpers. Validators run before any data is persisted
// or written to disk so bad input is rejected early.
package validation

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/carp-registry/carp/internal/apperrors"
)

const (
	// MaxArchiveSize is the maximum size for an agent archive (100MB)
	MaxArchiveSize = 100 * 1024 * 1024
)

// ArchiveFormat identifies a supported archive container.
type ArchiveFormat string

const (
	FormatUnknown ArchiveFormat = ""
	FormatTarGz   ArchiveFormat = "tar.gz"
	FormatZip     ArchiveFormat = "zip"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte("PK\x03\x04")
	// An archive with no entries is only an end-of-central-directory record.
	zipEmptyMagic = []byte("PK\x05\x06")
)

// DetectArchiveFormat sniffs the leading magic bytes.
func DetectArchiveFormat(data []byte) ArchiveFormat {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return FormatTarGz
	case bytes.HasPrefix(data, zipMagic), bytes.HasPrefix(data, zipEmptyMagic):
		return FormatZip
	default:
		return FormatUnknown
	}
}

// ValidateArchive validates an uploaded archive before it is stored: the container must parse,
// every entry path must be safe, only regular files and directories are allowed, and the
// uncompressed total must stay under maxSize.
func ValidateArchive(data []byte, maxSize int64) error {
	if maxSize <= 0 {
		maxSize = MaxArchiveSize
	}
	if int64(len(data)) > maxSize {
		return apperrors.Newf(apperrors.KindInvalidArgument, "archive size exceeds maximum allowed size of %d bytes", maxSize)
	}

	switch DetectArchiveFormat(data) {
	case FormatTarGz:
		return validateTarGz(data, maxSize)
	case FormatZip:
		return validateZip(data, maxSize)
	default:
		return apperrors.New(apperrors.KindCorruptArchive, "unsupported archive format: expected tar.gz or zip")
	}
}

func validateTarGz(data []byte, maxSize int64) error {
	gzReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return apperrors.Wrap(apperrors.KindCorruptArchive, "invalid gzip format", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)

	var totalSize int64
	fileCount := 0

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return apperrors.Wrap(apperrors.KindPathTraversal, "archive contains an unsafe path", err)
		}
		if err != nil {
			return apperrors.Wrap(apperrors.KindCorruptArchive, "invalid tar format", err)
		}

		if err := validatePath(header.Name); err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeReg, tar.TypeDir:
		default:
			return apperrors.Newf(apperrors.KindCorruptArchive, "unsupported entry type for %q", header.Name)
		}

		fileCount++
		totalSize += header.Size
		if totalSize > maxSize {
			return apperrors.Newf(apperrors.KindInvalidArgument, "archive size exceeds maximum allowed size of %d bytes", maxSize)
		}
	}

	if fileCount == 0 {
		return apperrors.New(apperrors.KindInvalidArgument, "archive is empty")
	}
	return nil
}

func validateZip(data []byte, maxSize int64) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, zip.ErrInsecurePath) {
		return apperrors.Wrap(apperrors.KindPathTraversal, "archive contains an unsafe path", err)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.KindCorruptArchive, "invalid zip format", err)
	}
	if len(zr.File) == 0 {
		return apperrors.New(apperrors.KindInvalidArgument, "archive is empty")
	}

	var totalSize int64
	for _, f := range zr.File {
		if err := validatePath(f.Name); err != nil {
			return err
		}
		mode := f.Mode()
		if !mode.IsRegular() && !mode.IsDir() {
			return apperrors.Newf(apperrors.KindCorruptArchive, "unsupported entry type for %q", f.Name)
		}
		totalSize += int64(f.UncompressedSize64)
		if totalSize > maxSize {
			return apperrors.Newf(apperrors.KindInvalidArgument, "archive size exceeds maximum allowed size of %d bytes", maxSize)
		}
	}
	return nil
}

// validatePath applies the shared entry path rules plus the publish-only rule that VCS
// metadata must not be shipped.
func validatePath(name string) error {
	cleaned, err := CleanEntryPath(name)
	if err != nil {
		return err
	}
	if cleaned == ".git" || strings.HasPrefix(cleaned, ".git/") {
		return apperrors.New(apperrors.KindInvalidArgument, "git directories not allowed in archives")
	}
	return nil
}
