package shelter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipanova/pulp-shelter/pkg/config"
	"github.com/ipanova/pulp-shelter/pkg/download"
)

func TestFetcherOptions_ZeroRetriesMeansOneAttempt(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.DownloadRetries = 0
	_, err := download.New(fetcherOptions(cfg)).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())

	cfg.DownloadRetries = 1
	attempts.Store(0)
	_, err = download.New(fetcherOptions(cfg)).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestFetcherOptions_MaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	cfg := config.Default()
	assert.Equal(t, cfg.DownloadMaxBytes, fetcherOptions(cfg).MaxBytes)

	cfg.DownloadMaxBytes = 16
	_, err := download.New(fetcherOptions(cfg)).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, download.ErrTooLarge)
}
