package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gametools/dlcore/config"
)

func TestProbeParsesContentRangeAndHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-0/400000")
		w.Header().Set("X-File-Md5", "deadbeef")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0})
	}))
	defer srv.Close()

	c := NewClient(&config.RuntimeConfig{})
	res, err := c.Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(400000), res.Size)
	assert.Equal(t, "deadbeef", res.ServerHash)
}

func TestProbeFallsBackTo200ContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "12345")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(&config.RuntimeConfig{})
	res, err := c.Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), res.Size)
}

func TestProbeUnparsableSizeFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		// Flushing before the handler returns sends a chunked response, so
		// net/http does not add a "Content-Length: 0" header of its own.
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	c := NewClient(&config.RuntimeConfig{})
	_, err := c.Probe(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestFetchRangeStreamsBody(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-2047/2048")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(&config.RuntimeConfig{})
	var out bytes.Buffer
	var lastProgress int64
	err := c.FetchRange(context.Background(), srv.URL, 0, 2047, 0, &out, func(n int64) { lastProgress = n })
	require.NoError(t, err)
	assert.Equal(t, body, out.Bytes())
	assert.Equal(t, int64(2048), lastProgress)
}

func TestFetchRangeRejects429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(&config.RuntimeConfig{})
	var out bytes.Buffer
	err := c.FetchRange(context.Background(), srv.URL, 0, 0, 0, &out, nil)
	assert.Error(t, err)
}
