package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gametools/dlcore/config"
	"github.com/gametools/dlcore/fetch"
)

func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start, end int64
		if hdr := r.Header.Get("Range"); hdr != "" {
			_, err := fmt.Sscanf(hdr, "bytes=%d-%d", &start, &end)
			require.NoError(t, err)
		}
		w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.Itoa(len(body)-1)+"/"+strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start:])
	}))
}

func TestRunFreshChunk(t *testing.T) {
	body := []byte("0123456789")
	srv := rangeServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	client := fetch.NewClient(&config.RuntimeConfig{})
	p := Params{Client: client, Cfg: &config.RuntimeConfig{}, URL: srv.URL, SavePath: dir, SaveName: "f.chunk0", Start: 0, End: int64(len(body) - 1)}

	res := Run(context.Background(), p, nil)
	require.True(t, res.Succeeded)
	assert.EqualValues(t, len(body), res.Downloaded)

	data, err := os.ReadFile(filepath.Join(dir, "f.chunk0"))
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestRunSkipsWhenAlreadyComplete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.chunk0")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	p := Params{Client: fetch.NewClient(&config.RuntimeConfig{}), Cfg: &config.RuntimeConfig{}, URL: "http://unused", SavePath: dir, SaveName: "f.chunk0", Start: 0, End: 9}
	res := Run(context.Background(), p, nil)
	assert.True(t, res.Succeeded)
	assert.EqualValues(t, 10, res.Downloaded)
}

func TestRunResumesPartialChunk(t *testing.T) {
	body := []byte("0123456789")
	srv := rangeServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "f.chunk0")
	require.NoError(t, os.WriteFile(path, body[:4], 0o644))

	client := fetch.NewClient(&config.RuntimeConfig{})
	p := Params{Client: client, Cfg: &config.RuntimeConfig{}, URL: srv.URL, SavePath: dir, SaveName: "f.chunk0", Start: 0, End: int64(len(body) - 1)}

	res := Run(context.Background(), p, nil)
	require.True(t, res.Succeeded)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, data)
}
