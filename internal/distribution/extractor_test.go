package distribution

import (
	"archive/tar"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carp-registry/carp/internal/apperrors"
)

func TestExtract_TarGzRoundTrip(t *testing.T) {
	data := buildTarGz(t,
		tarEntry{name: "carp.yaml", body: "name: web-scraper\n"},
		tarEntry{name: "src/", typeflag: tar.TypeDir},
		tarEntry{name: "src/main.py", body: "print('hi')\n"},
		tarEntry{name: "./src/lib/util.py", body: "X = 1\n"},
	)
	target := filepath.Join(t.TempDir(), "out")

	files, err := NewExtractor().Extract(data, target, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"carp.yaml", "src/lib/util.py", "src/main.py"}, files)

	for name, want := range map[string]string{
		"carp.yaml":       "name: web-scraper\n",
		"src/main.py":     "print('hi')\n",
		"src/lib/util.py": "X = 1\n",
	} {
		got, err := os.ReadFile(filepath.Join(target, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.Equal(t, want, string(got), name)
	}
}

func TestExtract_ZipRoundTrip(t *testing.T) {
	data := buildZip(t, map[string]string{
		"agent.json":    `{"name":"summarizer"}`,
		"prompts/a.txt": "alpha",
		"prompts/b.txt": "beta",
	})
	target := filepath.Join(t.TempDir(), "out")

	files, err := NewExtractor().Extract(data, target, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent.json", "prompts/a.txt", "prompts/b.txt"}, files)

	got, err := os.ReadFile(filepath.Join(target, "prompts", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta", string(got))
}

func TestExtract_PathTraversalWritesNothing(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
	}{
		{"tar parent escape", func(t *testing.T) []byte {
			return buildTarGz(t, tarEntry{name: "ok.txt", body: "fine"}, tarEntry{name: "../../etc/passwd", body: "root"})
		}},
		{"tar nested escape", func(t *testing.T) []byte {
			return buildTarGz(t, tarEntry{name: "a/../../evil", body: "x"})
		}},
		{"tar absolute", func(t *testing.T) []byte {
			return buildTarGz(t, tarEntry{name: "/etc/passwd", body: "root"})
		}},
		{"tar windows drive", func(t *testing.T) []byte {
			return buildTarGz(t, tarEntry{name: `C:\Windows\evil.dll`, body: "x"})
		}},
		{"tar backslash escape", func(t *testing.T) []byte {
			return buildTarGz(t, tarEntry{name: `..\..\evil`, body: "x"})
		}},
		{"zip parent escape", func(t *testing.T) []byte {
			return buildZip(t, map[string]string{"ok.txt": "fine", "../../etc/passwd": "root"})
		}},
		{"zip absolute", func(t *testing.T) []byte {
			return buildZip(t, map[string]string{"/etc/passwd": "root"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := t.TempDir()
			target := filepath.Join(base, "out")

			_, err := NewExtractor().Extract(tt.data(t), target, false)
			assert.ErrorIs(t, err, apperrors.PathTraversal)
			assert.Empty(t, listTree(t, base), "nothing may be written")
		})
	}
}

func TestExtract_RejectsLinksAndDevices(t *testing.T) {
	tests := []struct {
		name  string
		entry tarEntry
	}{
		{"symlink", tarEntry{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"}},
		{"hardlink", tarEntry{name: "hard", typeflag: tar.TypeLink, linkname: "carp.yaml"}},
		{"char device", tarEntry{name: "dev", typeflag: tar.TypeChar}},
		{"fifo", tarEntry{name: "pipe", typeflag: tar.TypeFifo}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := t.TempDir()
			data := buildTarGz(t, tarEntry{name: "carp.yaml", body: "x"}, tt.entry)

			_, err := NewExtractor().Extract(data, filepath.Join(base, "out"), false)
			assert.ErrorIs(t, err, apperrors.CorruptArchive)
			assert.Empty(t, listTree(t, base))
		})
	}
}

func TestExtract_CorruptInput(t *testing.T) {
	base := t.TempDir()
	tests := map[string][]byte{
		"not an archive": []byte("hello world"),
		"truncated gzip": buildTarGz(t, tarEntry{name: "a", body: strings.Repeat("z", 4096)})[:20],
		"empty":          {},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewExtractor().Extract(data, filepath.Join(base, "out"), false)
			assert.ErrorIs(t, err, apperrors.CorruptArchive)
		})
	}
	assert.Empty(t, listTree(t, base))
}

func TestExtract_SizeLimits(t *testing.T) {
	data := buildTarGz(t,
		tarEntry{name: "a", body: strings.Repeat("a", 600)},
		tarEntry{name: "b", body: strings.Repeat("b", 600)},
	)

	t.Run("per file", func(t *testing.T) {
		x := &Extractor{MaxFileBytes: 500, MaxTotalBytes: 10_000}
		_, err := x.Extract(data, filepath.Join(t.TempDir(), "out"), false)
		assert.ErrorIs(t, err, apperrors.CorruptArchive)
	})

	t.Run("total", func(t *testing.T) {
		x := &Extractor{MaxFileBytes: 1000, MaxTotalBytes: 1000}
		_, err := x.Extract(data, filepath.Join(t.TempDir(), "out"), false)
		assert.ErrorIs(t, err, apperrors.CorruptArchive)
	})
}

func TestExtract_DestinationExists(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.MkdirAll(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep.txt"), []byte("mine"), 0o644))

	data := buildTarGz(t, tarEntry{name: "new.txt", body: "theirs"})
	_, err := NewExtractor().Extract(data, target, false)
	assert.ErrorIs(t, err, apperrors.DestinationExists)
	assert.Equal(t, []string{"keep.txt"}, listTree(t, target))
}

func TestExtract_EmptyExistingDirectoryIsReused(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.MkdirAll(target, 0o755))

	_, err := NewExtractor().Extract(buildTarGz(t, tarEntry{name: "a.txt", body: "a"}), target, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, listTree(t, target))
}

func TestExtract_OverwriteReplacesContents(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "out")
	require.NoError(t, os.MkdirAll(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "stale.txt"), []byte("old"), 0o644))

	_, err := NewExtractor().Extract(buildTarGz(t, tarEntry{name: "fresh.txt", body: "new"}), target, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh.txt"}, listTree(t, target))
	// no staging or backup directories are left next to the target
	assert.Equal(t, []string{"out", "out/fresh.txt"}, listTree(t, base))
}

func TestExtract_FailedOverwriteKeepsOriginal(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.MkdirAll(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep.txt"), []byte("mine"), 0o644))

	bad := buildTarGz(t, tarEntry{name: "ok.txt", body: "x"}, tarEntry{name: "../escape", body: "x"})
	_, err := NewExtractor().Extract(bad, target, true)
	assert.ErrorIs(t, err, apperrors.PathTraversal)
	assert.Equal(t, []string{"keep.txt"}, listTree(t, target))
}
