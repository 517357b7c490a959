package validation

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/carp-registry/carp/internal/apperrors"
)

// CleanEntryPath normalizes an archive entry name and rejects anything that is not a plain
// relative path: Unix absolute paths, Windows drive and UNC paths, and names whose cleaned form
// climbs above the archive root. Backslashes are treated as separators so archives built on
// Windows are checked the same way on every host. The result uses forward slashes.
func CleanEntryPath(name string) (string, error) {
	if name == "" {
		return "", apperrors.New(apperrors.KindPathTraversal, "archive entry has an empty name")
	}
	if strings.ContainsRune(name, 0) {
		return "", apperrors.New(apperrors.KindPathTraversal, "archive entry name contains a NUL byte")
	}

	slashed := strings.ReplaceAll(name, `\`, "/")

	if strings.HasPrefix(slashed, "/") {
		return "", apperrors.Newf(apperrors.KindPathTraversal, "absolute path not allowed: %q", name)
	}
	if len(slashed) >= 2 && slashed[1] == ':' && isASCIILetter(slashed[0]) {
		return "", apperrors.Newf(apperrors.KindPathTraversal, "drive-qualified path not allowed: %q", name)
	}

	cleaned := path.Clean(slashed)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", apperrors.Newf(apperrors.KindPathTraversal, "path escapes archive root: %q", name)
	}
	return cleaned, nil
}

// ResolveWithin joins an entry path onto root and confirms the result stays inside root.
func ResolveWithin(root, entry string) (string, error) {
	cleaned, err := CleanEntryPath(entry)
	if err != nil {
		return "", err
	}

	target := filepath.Join(root, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", apperrors.Newf(apperrors.KindPathTraversal, "path escapes destination: %q", entry)
	}
	return target, nil
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
