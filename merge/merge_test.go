package merge

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeChunks(t *testing.T, dir string, parts ...string) []string {
	t.Helper()
	var paths []string
	for i, p := range parts {
		path := filepath.Join(dir, "f.chunk"+string(rune('0'+i)))
		require.NoError(t, os.WriteFile(path, []byte(p), 0o644))
		paths = append(paths, path)
	}
	return paths
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestMergeConcatenatesInOrderAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	chunks := writeChunks(t, dir, "hello ", "world")
	final := filepath.Join(dir, "f")

	err := Merge(chunks, final, md5Hex("hello world"))
	require.NoError(t, err)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	for _, c := range chunks {
		_, err := os.Stat(c)
		assert.True(t, os.IsNotExist(err))
	}
}

func TestMergeAcceptsWhenNoExpectedHash(t *testing.T) {
	dir := t.TempDir()
	chunks := writeChunks(t, dir, "abc")
	final := filepath.Join(dir, "f")

	err := Merge(chunks, final, "")
	require.NoError(t, err)
	_, err = os.Stat(final)
	assert.NoError(t, err)
}

func TestMergeDeletesFinalOnHashMismatch(t *testing.T) {
	dir := t.TempDir()
	chunks := writeChunks(t, dir, "abc")
	final := filepath.Join(dir, "f")

	err := Merge(chunks, final, "deadbeefdeadbeefdeadbeefdeadbeef")
	require.Error(t, err)

	_, statErr := os.Stat(final)
	assert.True(t, os.IsNotExist(statErr))
}

func TestVerifySingleChunkPath(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(final, []byte("solo"), 0o644))

	assert.NoError(t, Verify(final, md5Hex("solo")))
}

func TestVerifyMissingFileIsFailureEvenWithoutExpectedHash(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "does-not-exist")

	err := Verify(final, "")
	assert.Error(t, err)
}
