// Package hash computes the SHA-256 digests used as content-addressing keys
// throughout cfs.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// SHA256Bytes returns the lowercase hex SHA-256 digest of b.
func SHA256Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SHA256Stream consumes r to EOF and returns its hex SHA-256 digest along
// with the number of bytes read.
func SHA256Stream(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
