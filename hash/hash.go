// Package hash implements the streaming MD5 hasher used to verify merged
// downloads against a server- or client-supplied hash.
package hash

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
)

const bufSize = 64 * 1024

// MD5File reads path in fixed-size buffers and returns its lowercase hex
// MD5 digest. Any failure to open or read the file yields an empty string
// rather than an error; the merge package treats an empty digest as a
// failed verification.
func MD5File(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, bufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
