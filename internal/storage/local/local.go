// Package local implements the local filesystem storage backend. It is intended for development
// and single-node deployments; several registry instances would need a shared filesystem.
//
// Downloads are served by the registry itself at /v1/files/<path>. The URLs handed out by
// GetURL carry an expiry and an HMAC-SHA256 signature so they behave like the presigned URLs
// of the cloud backends: anyone holding the URL may fetch the object until it expires.
package local

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/carp-registry/carp/internal/config"
	"github.com/carp-registry/carp/internal/storage"
	"github.com/carp-registry/carp/internal/validation"
)

// FilesRoute is the route prefix the API serves local objects under.
const FilesRoute = "/v1/files/"

const (
	minSecretLength = 32
	hkdfInfo        = "carp local file url v1"
)

var (
	// ErrSignatureInvalid means the signature does not match the path and expiry.
	ErrSignatureInvalid = errors.New("invalid file url signature")
	// ErrURLExpired means the signed URL is past its expiry.
	ErrURLExpired = errors.New("file url expired")
)

func init() {
	storage.Register("local", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Local, cfg.Server.BaseURL)
	})
}

// LocalStorage implements the Storage interface for local filesystem storage
type LocalStorage struct {
	basePath string
	baseURL  string
	key      []byte
	now      func() time.Time
}

// New creates a new local filesystem storage backend
func New(cfg *config.LocalStorageConfig, serverBaseURL string) (*LocalStorage, error) {
	if len(cfg.SigningSecret) < minSecretLength {
		return nil, fmt.Errorf("local storage signing_secret must be at least %d characters", minSecretLength)
	}
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	abs, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(cfg.SigningSecret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive url signing key: %w", err)
	}

	return &LocalStorage{
		basePath: abs,
		baseURL:  serverBaseURL,
		key:      key,
		now:      time.Now,
	}, nil
}

// resolve maps an object path onto the filesystem, refusing anything outside basePath.
func (s *LocalStorage) resolve(path string) (string, error) {
	return validation.ResolveWithin(s.basePath, path)
}

// Upload stores a file in the local filesystem. The content is written to a temporary file
// and renamed into place so readers never observe a partial object.
func (s *LocalStorage) Upload(ctx context.Context, path string, reader io.Reader, size int64) (*storage.UploadResult, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	tmp := file.Name()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), reader)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}

	return &storage.UploadResult{
		Path:     path,
		Size:     written,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Download retrieves a file from the local filesystem
func (s *LocalStorage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	return s.Open(path)
}

// Open returns the object as an *os.File so the files handler can serve ranges.
func (s *LocalStorage) Open(path string) (*os.File, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes a file from the local filesystem
func (s *LocalStorage) Delete(ctx context.Context, path string) error {
	fullPath, err := s.resolve(path)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	// Best effort: prune empty parent directories
	dir := filepath.Dir(fullPath)
	for dir != s.basePath && len(dir) > len(s.basePath) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}

	return nil
}

// GetURL returns a signed /v1/files URL valid for ttl.
func (s *LocalStorage) GetURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}

	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", s.sign(path, expires))

	return fmt.Sprintf("%s%s%s?%s", s.baseURL, FilesRoute, path, q.Encode()), nil
}

// Exists checks if a file exists at the specified path
func (s *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

// VerifySignature checks the expires and signature query values of a /v1/files request.
func (s *LocalStorage) VerifySignature(path, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureInvalid
	}
	got, _ := hex.DecodeString(s.sign(path, exp))
	if !hmac.Equal(got, want) {
		return ErrSignatureInvalid
	}
	if s.now().Unix() > exp {
		return ErrURLExpired
	}
	return nil
}

func (s *LocalStorage) sign(path string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
