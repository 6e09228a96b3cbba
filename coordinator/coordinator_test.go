package coordinator

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gametools/dlcore/config"
	"github.com/gametools/dlcore/fetch"
	"github.com/gametools/dlcore/pool"
	"github.com/gametools/dlcore/registry"
)

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func assertFileBytes(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func waitFor(t *testing.T, reg *registry.Registry, id registry.TaskId, want registry.StateCode) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := reg.State(id); ok && st.Code() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := reg.State(id)
	t.Fatalf("task %d never reached state %v, last=%v", id, want, st.Code())
}

func TestRunSingleChunkFile(t *testing.T) {
	body := bytes.Repeat([]byte("a"), 1000)
	wantHash := md5Hex(body)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		w.Header().Set("X-File-Md5", wantHash)
		if rangeHdr == "bytes=0-0" {
			w.Header().Set("Content-Range", "bytes 0-0/1000")
			w.WriteHeader(http.StatusPartialContent)
			w.Write(body[:1])
			return
		}
		w.Header().Set("Content-Range", "bytes 0-999/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := &config.RuntimeConfig{TargetChunkSize: 4096}
	reg := registry.New()
	p := pool.New(2)
	defer p.Close()
	client := fetch.NewClient(cfg)
	c := New(reg, p, client, cfg, nil, "", func() int64 { return 0 })

	id, err := reg.CreateServer(registry.Descriptor{SaveName: "file.bin", SavePath: dir, URL: srv.URL}, 100)
	require.NoError(t, err)
	require.NoError(t, reg.Execute(id))

	c.Run(id)

	waitFor(t, reg, id, registry.Succeeded)
	st, _ := reg.State(id)
	assert.EqualValues(t, 1000, st.Downloaded())

	data, err := assertFileBytes(filepath.Join(dir, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestRunMultiChunkFile(t *testing.T) {
	body := bytes.Repeat([]byte("b"), 20000)
	wantHash := md5Hex(body)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		w.Header().Set("X-File-Md5", wantHash)
		if rangeHdr == "bytes=0-0" {
			w.Header().Set("Content-Range", "bytes 0-0/20000")
			w.WriteHeader(http.StatusPartialContent)
			w.Write(body[:1])
			return
		}
		var start, end int64
		if _, err := fmt.Sscanf(rangeHdr, "bytes=%d-%d", &start, &end); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if end >= int64(len(body)) {
			end = int64(len(body)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := &config.RuntimeConfig{TargetChunkSize: 4096}
	reg := registry.New()
	p := pool.New(4)
	defer p.Close()
	client := fetch.NewClient(cfg)
	c := New(reg, p, client, cfg, nil, "", func() int64 { return 0 })

	id, err := reg.CreateServer(registry.Descriptor{SaveName: "big.bin", SavePath: dir, URL: srv.URL}, 100)
	require.NoError(t, err)
	require.NoError(t, reg.Execute(id))

	c.Run(id)

	waitFor(t, reg, id, registry.Succeeded)

	data, err := assertFileBytes(filepath.Join(dir, "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, body, data)

	desc, _ := reg.Descriptor(id)
	assert.Equal(t, 0, desc.ChunkCount)
	assert.Equal(t, 0, desc.FinishChunk)
	assert.Empty(t, desc.ChunkTaskIds)
}

// Re-Executing a Succeeded task must replan from scratch: the prior
// children were deleted from the registry at finalize time, so their ids
// must not linger on the parent descriptor or the dispatch loop has
// nothing to submit and the task fails instead of re-downloading.
func TestReExecuteAfterSucceededReplans(t *testing.T) {
	body := bytes.Repeat([]byte("c"), 1000)
	wantHash := md5Hex(body)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		w.Header().Set("X-File-Md5", wantHash)
		if rangeHdr == "bytes=0-0" {
			w.Header().Set("Content-Range", "bytes 0-0/1000")
			w.WriteHeader(http.StatusPartialContent)
			w.Write(body[:1])
			return
		}
		w.Header().Set("Content-Range", "bytes 0-999/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := &config.RuntimeConfig{TargetChunkSize: 4096}
	reg := registry.New()
	p := pool.New(2)
	defer p.Close()
	client := fetch.NewClient(cfg)
	c := New(reg, p, client, cfg, nil, "", func() int64 { return 0 })

	id, err := reg.CreateServer(registry.Descriptor{SaveName: "redo.bin", SavePath: dir, URL: srv.URL}, 100)
	require.NoError(t, err)
	require.NoError(t, reg.Execute(id))
	c.Run(id)
	waitFor(t, reg, id, registry.Succeeded)

	require.NoError(t, os.Remove(filepath.Join(dir, "redo.bin")))

	require.NoError(t, reg.Execute(id))
	c.Run(id)
	waitFor(t, reg, id, registry.Succeeded)

	data, err := assertFileBytes(filepath.Join(dir, "redo.bin"))
	require.NoError(t, err)
	assert.Equal(t, body, data)
}
