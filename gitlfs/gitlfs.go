// Package gitlfs resolves Git-LFS pointer objects against a local git
// checkout, shelling out to the git and git-lfs binaries the way the
// original cfs tooling does.
package gitlfs

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Fetcher locates and fetches Git-LFS objects for a working tree rooted at
// Root. It implements the upload.LfsFetcher collaborator the upload
// pipeline depends on.
type Fetcher struct {
	// Root is the path passed to `git -C <root>` for every invocation.
	Root string
}

// GitRoot returns the top-level directory of the git repository containing
// path, by invoking `git -C <path> rev-parse --show-toplevel`.
func GitRoot(path string) (string, error) {
	out, err := exec.Command("git", "-C", path, "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return "", fmt.Errorf("gitlfs: git rev-parse --show-toplevel: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ObjectPath returns the on-disk path of the LFS object identified by hash
// under a git root: <root>/.git/lfs/objects/<hash[0:2]>/<hash[2:4]>/<hash>.
func ObjectPath(root, hash string) (string, error) {
	if len(hash) < 4 {
		return "", fmt.Errorf("gitlfs: hash %q too short to address an LFS object path", hash)
	}
	return filepath.Join(root, ".git", "lfs", "objects", hash[0:2], hash[2:4], hash), nil
}

// Fetch downloads the LFS object for the file at path (absolute, or
// relative to the current directory) by invoking
// `git -C <root> lfs fetch -I <relPath>`, where relPath is path made
// relative to f.Root — `git lfs fetch -I` requires a root-relative path.
func (f *Fetcher) Fetch(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("gitlfs: resolving %s: %w", path, err)
	}
	relPath, err := filepath.Rel(f.Root, absPath)
	if err != nil {
		return fmt.Errorf("gitlfs: computing %s relative to root %s: %w", path, f.Root, err)
	}
	cmd := exec.Command("git", "-C", f.Root, "lfs", "fetch", "-I", relPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gitlfs: git lfs fetch -I %s: %w: %s", relPath, err, out)
	}
	return nil
}

// ResolveObjectPath returns the on-disk LFS object path for hash, rooted at
// f.Root.
func (f *Fetcher) ResolveObjectPath(hash string) (string, error) {
	return ObjectPath(f.Root, hash)
}
