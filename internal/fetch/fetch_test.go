package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podscribe/transcriber/internal/pipeline"
)

func newFetcher(timeout time.Duration) *HTTPFetcher {
	logger, _ := test.NewNullLogger()
	return NewHTTPFetcher(timeout, "podscribe-test", logger)
}

func TestFetchFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/episode.mp3", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/cdn/episode.mp3", http.StatusFound)
	})
	mux.HandleFunc("/cdn/episode.mp3", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "podscribe-test", r.UserAgent())
		_, _ = w.Write([]byte("ID3audio-bytes"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "audio.mp3")
	require.NoError(t, newFetcher(0).Fetch(context.Background(), srv.URL+"/episode.mp3", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "ID3audio-bytes", string(data))
}

func TestFetchNon2xxIsDownloadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "audio.mp3")
	err := newFetcher(0).Fetch(context.Background(), srv.URL, dest)

	var dl *pipeline.DownloadError
	require.True(t, errors.As(err, &dl))
	assert.Contains(t, err.Error(), "download failed")
	assert.Contains(t, err.Error(), "404")
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := newFetcher(0).Fetch(context.Background(), url+"/a.mp3", filepath.Join(t.TempDir(), "audio.mp3"))
	var dl *pipeline.DownloadError
	require.True(t, errors.As(err, &dl))
	assert.Equal(t, url+"/a.mp3", dl.URL)
}

func TestFetchTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	dest := filepath.Join(t.TempDir(), "audio.mp3")
	err := newFetcher(50*time.Millisecond).Fetch(context.Background(), srv.URL, dest)
	var dl *pipeline.DownloadError
	require.True(t, errors.As(err, &dl))
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchRejectsEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "audio.mp3")
	err := newFetcher(0).Fetch(context.Background(), srv.URL, dest)
	assert.ErrorContains(t, err, "empty response body")
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}
