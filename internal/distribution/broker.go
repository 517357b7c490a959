package distribution

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/carp-registry/carp/internal/apperrors"
	"github.com/carp-registry/carp/internal/telemetry"
)

const (
	DefaultSignedURLTTL = 5 * time.Minute
	DefaultSignTimeout  = 10 * time.Second
)

// URLSigner produces a time-limited transfer URL for a stored object. storage.Storage
// satisfies it.
type URLSigner interface {
	GetURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// SignedURL is a transfer location and the instant it stops working.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// Broker obtains signed transfer URLs from the storage collaborator.
type Broker struct {
	signer  URLSigner
	backend string
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
}

// NewBroker creates a Broker. backend labels failure metrics; zero durations use the defaults.
func NewBroker(signer URLSigner, backend string, ttl, timeout time.Duration) *Broker {
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	if timeout <= 0 {
		timeout = DefaultSignTimeout
	}
	return &Broker{signer: signer, backend: backend, ttl: ttl, timeout: timeout, now: time.Now}
}

// Sign returns a signed URL for storagePath. Any failure, including the timeout, is reported as
// UpstreamUnavailable so callers may retry. The URL itself is never logged.
func (b *Broker) Sign(ctx context.Context, storagePath string) (*SignedURL, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	issuedAt := b.now()
	url, err := b.signer.GetURL(ctx, storagePath, b.ttl)
	if err == nil && url == "" {
		err = errEmptyURL
	}
	if err != nil {
		telemetry.SignedURLFailuresTotal.WithLabelValues(b.backend).Inc()
		slog.Warn("failed to sign transfer url", "backend", b.backend, "path", storagePath, "error", err)
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "storage is temporarily unavailable", err)
	}

	return &SignedURL{URL: url, ExpiresAt: issuedAt.Add(b.ttl).UTC()}, nil
}

var errEmptyURL = errors.New("storage returned an empty url")
