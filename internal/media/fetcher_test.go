package media

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("audio-bytes"))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{}, testLogger())

	body, err := f.Fetch(context.Background(), srv.URL+"/uploads/abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-bytes"), body)
}

func TestFetcher_Fetch_BadReference(t *testing.T) {
	f := NewFetcher(FetcherConfig{}, testLogger())

	for _, ref := range []string{"", "not a url", "ftp://example.com/a", "http://"} {
		_, err := f.Fetch(context.Background(), ref)
		assert.ErrorIs(t, err, ErrBadReference, "ref %q", ref)
	}
}

func TestFetcher_Fetch_StatusClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    error
	}{
		{name: "missing object", statusCode: http.StatusNotFound, wantErr: ErrSourceRejected},
		{name: "forbidden", statusCode: http.StatusForbidden, wantErr: ErrSourceRejected},
		{name: "rate limited", statusCode: http.StatusTooManyRequests, wantErr: ErrSourceUnavailable},
		{name: "server error", statusCode: http.StatusBadGateway, wantErr: ErrSourceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer srv.Close()

			f := NewFetcher(FetcherConfig{}, testLogger())

			_, err := f.Fetch(context.Background(), srv.URL)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFetcher_Fetch_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f := NewFetcher(FetcherConfig{}, testLogger())

	_, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestFetcher_Fetch_SizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{MaxBytes: 32}, testLogger())

	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceRejected)
	assert.Contains(t, err.Error(), "exceeds")
}
