package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrBadReference is returned for a media reference that can never
	// resolve; it fails the job without retries.
	ErrBadReference = errors.New("malformed media reference")

	// ErrSourceUnavailable is returned when the source exists but cannot be
	// fetched right now; the stage runner retries it.
	ErrSourceUnavailable = errors.New("media source unavailable")

	// ErrSourceRejected is returned when the object store permanently refuses
	// the reference (missing object, forbidden).
	ErrSourceRejected = errors.New("media source rejected")
)

// FetcherConfig configures the HTTP media fetcher.
type FetcherConfig struct {
	MaxBytes int64
	Timeout  time.Duration
}

// Fetcher resolves a media reference to raw audio bytes. References are
// presigned object-store or direct HTTP(S) URLs.
type Fetcher struct {
	maxBytes   int64
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher. maxBytes bounds the downloaded payload.
func NewFetcher(cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 500 << 20
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Fetcher{
		maxBytes:   maxBytes,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Fetch downloads the referenced media.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadReference, ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReference, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrSourceRejected, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: media exceeds %d bytes", ErrSourceRejected, f.maxBytes)
	}

	f.logger.Info("Media fetched",
		slog.String("ref", ref),
		slog.Int("bytes", len(body)),
	)
	return body, nil
}
