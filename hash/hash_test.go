package hash

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMD5FileMatchesReference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	sum := md5.Sum(content)
	want := hex.EncodeToString(sum[:])

	assert.Equal(t, want, MD5File(path))
}

func TestMD5FileMissingReturnsEmpty(t *testing.T) {
	assert.Empty(t, MD5File(filepath.Join(t.TempDir(), "nope.bin")))
}

func TestMD5FileEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	sum := md5.Sum(nil)
	want := hex.EncodeToString(sum[:])
	assert.Equal(t, want, MD5File(path))
}
