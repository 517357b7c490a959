package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/carp-registry/carp/internal/apperrors"
)

const (
	DefaultConnectTimeout   = 5 * time.Second
	DefaultRequestTimeout   = 60 * time.Second
	DefaultMaxAttempts      = 4
	DefaultInitialInterval  = 200 * time.Millisecond
	DefaultMaxInterval      = 10 * time.Second
	DefaultMaxDownloadBytes = 100 << 20

	// randomizationFactor keeps successive delays strictly increasing with a multiplier of 2.
	randomizationFactor = 0.25
	backoffMultiplier   = 2

	maxErrorBodyBytes = 64 << 10
)

// FetcherOptions configures a Fetcher. Zero values use the defaults above.
type FetcherOptions struct {
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxBytes        int64
	UserAgent       string
	// Notify is called before each retry with the failure and the delay about to be slept.
	Notify func(err error, delay time.Duration)
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Fetcher downloads artifact bytes from a signed URL, retrying transient failures with
// exponential backoff and jitter.
type Fetcher struct {
	client *http.Client
	opts   FetcherOptions
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultMaxInterval
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxDownloadBytes
	}

	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.DialContext = (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
		transport = t
	}

	return &Fetcher{
		client: &http.Client{Timeout: opts.RequestTimeout, Transport: transport},
		opts:   opts,
	}
}

func (f *Fetcher) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.InitialInterval
	b.MaxInterval = f.opts.MaxInterval
	b.Multiplier = backoffMultiplier
	b.RandomizationFactor = randomizationFactor
	return b
}

// Fetch GETs rawURL and returns the whole body. Timeouts, connection errors and 5xx are
// retried; any 4xx, 429 included, fails at once with ClientError. The body is buffered in
// memory, so a cancelled fetch leaves nothing behind.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(f.newBackOff()),
		backoff.WithMaxTries(uint(f.opts.MaxAttempts)),
	}
	if f.opts.Notify != nil {
		opts = append(opts, backoff.WithNotify(f.opts.Notify))
	}

	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		return f.attempt(ctx, rawURL)
	}, opts...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && apperrors.KindOf(err) == apperrors.KindInternal {
			return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "download cancelled", ctxErr)
		}
		return nil, err
	}
	return data, nil
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(apperrors.New(apperrors.KindInvalidArgument, "invalid download url"))
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		cause := stripURL(err)
		if ctx.Err() != nil {
			return nil, backoff.Permanent(apperrors.Wrap(apperrors.KindUpstreamUnavailable, "download cancelled", cause))
		}
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "download failed", cause)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return f.readBody(ctx, resp.Body)

	case resp.StatusCode >= 500:
		drain(resp.Body)
		return nil, &apperrors.Error{
			Kind:    apperrors.KindUpstreamUnavailable,
			Message: fmt.Sprintf("server returned %d", resp.StatusCode),
			Status:  resp.StatusCode,
		}

	default:
		return nil, backoff.Permanent(clientError(resp))
	}
}

func (f *Fetcher) readBody(ctx context.Context, body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, f.opts.MaxBytes+1))
	if err != nil {
		cause := stripURL(err)
		if ctx.Err() != nil {
			return nil, backoff.Permanent(apperrors.Wrap(apperrors.KindUpstreamUnavailable, "download cancelled", cause))
		}
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "download interrupted", cause)
	}
	if int64(len(data)) > f.opts.MaxBytes {
		return nil, backoff.Permanent(apperrors.New(apperrors.KindCorruptArchive, "artifact exceeds download limit"))
	}
	return data, nil
}

// clientError builds a ClientError from a non-retryable response, keeping the registry's
// structured {"error","message"} body when there is one.
func clientError(resp *http.Response) *apperrors.Error {
	e := &apperrors.Error{
		Kind:    apperrors.KindClientError,
		Message: fmt.Sprintf("request rejected with status %d", resp.StatusCode),
		Status:  resp.StatusCode,
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil || len(raw) == 0 {
		return e
	}
	var body map[string]any
	if json.Unmarshal(raw, &body) != nil {
		return e
	}
	e.Body = body
	if msg, ok := body["message"].(string); ok && msg != "" {
		e.Message = fmt.Sprintf("request rejected with status %d: %s", resp.StatusCode, msg)
	}
	return e
}

// stripURL drops the request URL from transport errors so signed URLs never reach logs.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, maxErrorBodyBytes))
}
