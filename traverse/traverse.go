// Package traverse walks a local directory tree, hashes its files in
// parallel, and encodes it into a canonical Bazel Remote Execution v2
// Directory tree, uploading every blob and directory it produces.
package traverse

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/leakingtapan/cfs/hash"
	"github.com/leakingtapan/cfs/lfs"
)

// ignoredNames are directory entries excluded from the canonical tree.
var ignoredNames = map[string]bool{".git": true}

// Uploader receives every blob and file produced while building the tree.
// traverse never uploads directly; it only classifies and hands off, so the
// same Traverser works against a real upload.Pipeline or a dry-run no-op.
type Uploader interface {
	UploadBlob(digest *repb.Digest, data []byte)
	UploadFile(digest *repb.Digest, path string)
}

// Traverser computes the canonical root digest of a local path.
type Traverser struct {
	uploader Uploader
	digests  map[string]*repb.Digest
}

// New returns a Traverser that reports blobs/files to uploader as it walks.
func New(uploader Uploader) *Traverser {
	return &Traverser{uploader: uploader, digests: map[string]*repb.Digest{}}
}

// RootDigest computes the digest of the Directory tree rooted at path,
// hashing files in parallel first and then recursively encoding
// directories depth-first.
func (t *Traverser) RootDigest(root string) (*repb.Digest, error) {
	digests, err := t.hashFiles(root)
	if err != nil {
		return nil, err
	}
	t.digests = digests

	dir, err := t.buildDirectory(root)
	if err != nil {
		return nil, err
	}
	return t.digestDirectory(dir)
}

// hashFiles walks root and hashes every regular file it finds, bounded by
// GOMAXPROCS workers. Git-LFS pointer files are digested from their pointer
// content (oid/size), matching the way traverse treats them as already
// content-addressed — the actual LFS object is resolved later, by the
// upload pipeline.
func (t *Traverser) hashFiles(root string) (map[string]*repb.Digest, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && ignoredNames[d.Name()] {
			return filepath.SkipDir
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("traverse: walking %s: %w", root, err)
	}

	results := make([]*repb.Digest, len(paths))
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			d, err := digestFile(p)
			if err != nil {
				return err
			}
			results[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	digests := make(map[string]*repb.Digest, len(paths))
	for i, p := range paths {
		digests[p] = results[i]
		if t.uploader != nil {
			t.uploader.UploadFile(results[i], p)
		}
	}
	return digests, nil
}

// digestFile returns the file's LFS-pointer digest if it is a Git-LFS
// pointer, otherwise its SHA-256 content digest.
func digestFile(path string) (*repb.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("traverse: opening %s: %w", path, err)
	}
	defer f.Close()

	var header [256]byte
	n, _ := f.Read(header[:])
	if ptr, err := lfs.Parse(bytes.NewReader(header[:n])); err == nil {
		return &repb.Digest{Hash: ptr.Hash, SizeBytes: ptr.Size}, nil
	}

	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("traverse: seeking %s: %w", path, err)
	}
	h, size, err := hash.SHA256Stream(f)
	if err != nil {
		return nil, fmt.Errorf("traverse: hashing %s: %w", path, err)
	}
	return &repb.Digest{Hash: h, SizeBytes: size}, nil
}

// buildDirectory recursively encodes path into a canonical Directory proto,
// uploading each subdirectory's blob as it is produced.
func (t *Traverser) buildDirectory(path string) (*repb.Directory, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("traverse: reading dir %s: %w", path, err)
	}

	var files []*repb.FileNode
	var dirs []*repb.DirectoryNode
	var symlinks []*repb.SymlinkNode

	for _, e := range entries {
		if ignoredNames[e.Name()] {
			continue
		}
		childPath := filepath.Join(path, e.Name())
		info, err := e.Info()
		if err != nil {
			log.Warningf("traverse: stat %s: %v, skipping", childPath, err)
			continue
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(childPath)
			if err != nil {
				log.Warningf("traverse: readlink %s: %v, skipping", childPath, err)
				continue
			}
			symlinks = append(symlinks, &repb.SymlinkNode{Name: e.Name(), Target: target})
		case e.IsDir():
			childDir, err := t.buildDirectory(childPath)
			if err != nil {
				return nil, err
			}
			digest, err := t.digestDirectory(childDir)
			if err != nil {
				return nil, err
			}
			dirs = append(dirs, &repb.DirectoryNode{Name: e.Name(), Digest: digest})
		default:
			digest, ok := t.digests[childPath]
			if !ok {
				log.Warningf("traverse: no digest computed for %s, skipping", childPath)
				continue
			}
			files = append(files, &repb.FileNode{
				Name:         e.Name(),
				Digest:       digest,
				IsExecutable: info.Mode()&0o111 != 0,
				NodeProperties: &repb.NodeProperties{
					UnixMode: wrapperspb.UInt32(uint32(info.Mode().Perm())),
				},
			})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	sort.Slice(symlinks, func(i, j int) bool { return symlinks[i].Name < symlinks[j].Name })

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("traverse: stat %s: %w", path, err)
	}

	return &repb.Directory{
		Files:       files,
		Directories: dirs,
		Symlinks:    symlinks,
		NodeProperties: &repb.NodeProperties{
			UnixMode: wrapperspb.UInt32(uint32(info.Mode().Perm())),
		},
	}, nil
}

// digestDirectory marshals dir, hashes the resulting bytes, and reports the
// blob to the uploader. mtime is deliberately never set on the encoded
// NodeProperties so that two traversals of identical content produce
// identical digests.
func (t *Traverser) digestDirectory(dir *repb.Directory) (*repb.Digest, error) {
	b, err := proto.Marshal(dir)
	if err != nil {
		return nil, fmt.Errorf("traverse: marshaling directory: %w", err)
	}
	digest := &repb.Digest{Hash: hash.SHA256Bytes(b), SizeBytes: int64(len(b))}
	if t.uploader != nil {
		t.uploader.UploadBlob(digest, b)
	}
	return digest, nil
}
