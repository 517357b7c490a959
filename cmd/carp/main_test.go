package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carp-registry/carp/internal/buildinfo"
	"github.com/carp-registry/carp/internal/client"
	"github.com/carp-registry/carp/internal/distribution"
	"github.com/carp-registry/carp/pkg/checksum"
)

type result struct {
	code   int
	stdout string
	stderr string
}

// carp runs the CLI in-process against registryURL with an isolated config file.
func carp(t *testing.T, configPath, registryURL, stdin string, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	env := map[string]string{client.EnvRegistryURL: registryURL}
	full := append([]string{"--config", configPath}, args...)
	code := run(context.Background(), full, strings.NewReader(stdin), &out, &errOut, func(k string) string { return env[k] })
	return result{code: code, stdout: out.String(), stderr: errOut.String()}
}

func newConfigPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "carp", "config.yaml")
}

func TestVersionAndUsage(t *testing.T) {
	cfg := newConfigPath(t)

	r := carp(t, cfg, "http://unused", "", "--version")
	assert.Equal(t, 0, r.code)
	assert.Equal(t, "carp "+buildinfo.Version+"\n", r.stdout)

	r = carp(t, cfg, "http://unused", "", "frobnicate")
	assert.Equal(t, 2, r.code)
	assert.Contains(t, r.stderr, `unknown command "frobnicate"`)

	r = carp(t, cfg, "http://unused", "")
	assert.Equal(t, 2, r.code)
	assert.Contains(t, r.stderr, "Commands:")

	r = carp(t, cfg, "http://unused", "", "search", "--bogus")
	assert.Equal(t, 2, r.code)

	r = carp(t, cfg, "http://unused", "", "keys", "--help")
	assert.Equal(t, 0, r.code)
	assert.Contains(t, r.stderr, "revoke")
}

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "scraper", r.URL.Query().Get("q"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agents": []map[string]any{{"name": "web-scraper", "version": "1.0.0", "description": "Scrapes", "downloads": 3}},
			"total":  4,
		})
	}))
	defer srv.Close()

	r := carp(t, newConfigPath(t), srv.URL, "", "search", "scraper")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "web-scraper")
	assert.Contains(t, r.stdout, "showing 1 of 4")
}

func TestTrending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/agents/trending", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agents": []map[string]any{{"name": "summarizer", "version": "0.1.0", "downloads": 40}},
		})
	}))
	defer srv.Close()

	r := carp(t, newConfigPath(t), srv.URL, "", "trending", "--limit", "3")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "summarizer")
	assert.Contains(t, r.stdout, "40")

	r = carp(t, newConfigPath(t), srv.URL, "", "latest", "extra")
	assert.Equal(t, 2, r.code)
}

func TestLogin_SavesKey(t *testing.T) {
	cfg := newConfigPath(t)

	r := carp(t, cfg, "http://unused", "carp_abcdefghijklmnopqrstuvwxyz012345\n", "login", "--endpoint", "development")
	require.Equal(t, 0, r.code, r.stderr)

	s, err := client.LoadSettings(cfg)
	require.NoError(t, err)
	assert.Equal(t, "carp_abcdefghijklmnopqrstuvwxyz012345", s.APIKey)
	assert.Equal(t, "development", s.Endpoint)

	info, err := os.Stat(cfg)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLogin_RejectsGarbage(t *testing.T) {
	r := carp(t, newConfigPath(t), "http://unused", "", "login", "--key", "has space")
	assert.Equal(t, 2, r.code)
}

func TestStatusAndLogout(t *testing.T) {
	const key = "carp_abcdefghijklmnopqrstuvwxyz0123456789ABCD"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/auth/api-keys", r.URL.Path)
		assert.Equal(t, "Bearer "+key, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]any{})
	}))
	defer srv.Close()

	cfg := newConfigPath(t)
	require.NoError(t, client.SaveSettings(cfg, &client.Settings{APIKey: key, Endpoint: "development"}))

	r := carp(t, cfg, srv.URL, "", "status", "--check")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "registry: "+srv.URL)
	assert.Contains(t, r.stdout, "carp_abcdefghijk...")
	assert.NotContains(t, r.stdout, key)
	assert.Contains(t, r.stdout, "key is valid")

	r = carp(t, cfg, srv.URL, "", "logout")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "API key removed")

	s, err := client.LoadSettings(cfg)
	require.NoError(t, err)
	assert.Empty(t, s.APIKey)
	assert.Equal(t, "development", s.Endpoint)

	r = carp(t, cfg, srv.URL, "", "status")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "not configured")

	r = carp(t, cfg, srv.URL, "", "logout")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "no API key stored")
}

func TestAuthErrorsCarryHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"auth_invalid","message":"invalid credentials"}`))
	}))
	defer srv.Close()

	cfg := newConfigPath(t)
	require.NoError(t, client.SaveSettings(cfg, &client.Settings{APIKey: "carp_revoked"}))

	r := carp(t, cfg, srv.URL, "", "keys", "list")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "error: invalid credentials")
	assert.Contains(t, r.stderr, "hint:")
}

func TestPublish_DryRun(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "carp.yaml"),
		[]byte("name: web-scraper\nversion: 1.0.0\ndescription: Scrapes pages\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644))

	r := carp(t, newConfigPath(t), "http://unused", "", "publish", dir, "--dry-run")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "would publish web-scraper@1.0.0")
}

func TestPull_EndToEnd(t *testing.T) {
	agentDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "carp.yaml"),
		[]byte("name: web-scraper\nversion: 2.0.0\ndescription: Scrapes pages\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "main.py"), []byte("print('hi')\n"), 0o644))
	_, archive, err := client.Pack(agentDir, 0)
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/api/v1/agents/web-scraper/2.0.0/download", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(distribution.Descriptor{
			Name: "web-scraper", Version: "2.0.0",
			Checksum: checksum.SumSHA256(archive), DownloadURL: srv.URL + "/blob", Size: int64(len(archive)),
		})
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, buildinfo.UserAgent(), r.UserAgent())
		_, _ = w.Write(archive)
	})

	target := filepath.Join(t.TempDir(), "agent")
	r := carp(t, newConfigPath(t), srv.URL, "", "pull", "web-scraper@2.0.0", "-o", target)
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "pulled web-scraper@2.0.0")

	got, err := os.ReadFile(filepath.Join(target, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(got))

	// a second pull into the same directory refuses to clobber it
	r = carp(t, newConfigPath(t), srv.URL, "", "pull", "web-scraper@2.0.0", "-o", target)
	assert.Equal(t, 1, r.code)
}

func TestKeysUpdate_FlagValidation(t *testing.T) {
	cfg := newConfigPath(t)
	tests := [][]string{
		{"keys", "update"},
		{"keys", "update", "k1"},
		{"keys", "update", "k1", "--active", "--inactive"},
		{"keys", "update", "k1", "--expires-in", "1h", "--no-expiry"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args[2:], " "), func(t *testing.T) {
			r := carp(t, cfg, "http://unused", "", args...)
			assert.Equal(t, 2, r.code)
		})
	}
}

func TestParseRef(t *testing.T) {
	name, sel := parseRef("web-scraper@1.2.3")
	assert.Equal(t, "web-scraper", name)
	assert.Equal(t, distribution.Exact("1.2.3"), sel)

	name, sel = parseRef("web-scraper")
	assert.Equal(t, "web-scraper", name)
	assert.True(t, sel.Latest)
}
