// Package lfs parses Git-LFS pointer files into their oid/size fields.
package lfs

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const header = "version https://git-lfs.github.com/spec/v1"

// Pointer is the parsed content of a Git-LFS pointer file.
type Pointer struct {
	HashAlg string
	Hash    string
	Size    int64
}

// Parse reads a Git-LFS pointer file from r. The expected format is:
//
//	version https://git-lfs.github.com/spec/v1
//	oid <alg>:<hex>
//	size <bytes>
func Parse(r io.Reader) (Pointer, error) {
	scanner := bufio.NewScanner(r)

	lines := make([]string, 0, 3)
	for scanner.Scan() && len(lines) < 3 {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return Pointer{}, fmt.Errorf("lfs: reading pointer: %w", err)
	}
	if len(lines) < 3 {
		return Pointer{}, fmt.Errorf("lfs: pointer file has %d lines, want at least 3", len(lines))
	}

	if lines[0] != header {
		return Pointer{}, fmt.Errorf("lfs: invalid pointer file header %q", lines[0])
	}

	oidFields := strings.Fields(lines[1])
	if len(oidFields) != 2 || oidFields[0] != "oid" {
		return Pointer{}, fmt.Errorf("lfs: invalid oid line %q", lines[1])
	}
	alg, hexHash, ok := strings.Cut(oidFields[1], ":")
	if !ok {
		return Pointer{}, fmt.Errorf("lfs: invalid oid %q, want alg:hex", oidFields[1])
	}

	sizeFields := strings.Fields(lines[2])
	if len(sizeFields) != 2 || sizeFields[0] != "size" {
		return Pointer{}, fmt.Errorf("lfs: invalid size line %q", lines[2])
	}
	size, err := strconv.ParseInt(sizeFields[1], 10, 64)
	if err != nil {
		return Pointer{}, fmt.Errorf("lfs: invalid size %q: %w", sizeFields[1], err)
	}

	return Pointer{HashAlg: alg, Hash: hexHash, Size: size}, nil
}
