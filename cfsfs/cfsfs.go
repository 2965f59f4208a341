// Package cfsfs projects a Bazel Remote Execution v2 CAS directory tree as
// a read-only FUSE filesystem.
package cfsfs

import (
	"context"
	"sort"
	"syscall"
	"time"

	log "github.com/golang/glog"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// cacheTTL bounds how long the kernel may cache attribute and
// directory-entry lookups before re-querying cfsd. CAS content is immutable
// once digested, so a generous TTL only affects how quickly the daemon
// notices its own bugs, not correctness.
const cacheTTL = 60 * time.Second

// fixedEpochSeconds is the single timestamp cfs reports for every inode's
// atime/mtime/ctime, matching the original daemon's fixed
// SystemTime::UNIX_EPOCH + 1656311481s. Content addressed by digest never
// changes, so two mounts of the same digest should produce byte-identical
// stat output rather than one tied to wall-clock mount time.
const fixedEpochSeconds = 1656311481

var fixedEpoch = time.Unix(fixedEpochSeconds, 0)

// CacheClient is the subset of casclient.CacheClient the filesystem needs.
type CacheClient interface {
	GetDir(ctx context.Context, hash string, size int64) (*repb.Directory, error)
	ReadBlob(ctx context.Context, hash string, size int64) ([]byte, error)
}

// nodeAttr is the CAS-addressed identity backing one inode.
type nodeAttr struct {
	hash string
	size int64
	mode uint32 // fuse.S_IFDIR | fuse.S_IFREG | fuse.S_IFLNK, OR'd with permission bits
}

// Root is the root inode of the mounted tree, identified by a single CAS
// digest pointing at a Directory proto.
type Root struct {
	fs.Inode
	client CacheClient
	attr   nodeAttr
	epoch  time.Time
}

var (
	_ fs.NodeGetattrer  = (*Root)(nil)
	_ fs.NodeLookuper   = (*Root)(nil)
	_ fs.NodeReaddirer  = (*Root)(nil)
	_ fs.NodeOpener     = (*Root)(nil)
	_ fs.NodeGetxattrer = (*Root)(nil)
)

// New returns the root node for a filesystem whose content is the
// Directory identified by hash/size.
func New(client CacheClient, hash string, size int64) *Root {
	return &Root{
		client: client,
		attr:   nodeAttr{hash: hash, size: size, mode: fuse.S_IFDIR | 0o770},
		epoch:  fixedEpoch,
	}
}

// dirNode is a non-root directory node, lazily allocated on first Lookup.
type dirNode struct {
	fs.Inode
	client CacheClient
	attr   nodeAttr
	epoch  time.Time
}

// fileNode is a regular file node backed by one CAS blob.
type fileNode struct {
	fs.Inode
	client CacheClient
	attr   nodeAttr
	epoch  time.Time
}

var (
	_ fs.NodeGetattrer  = (*dirNode)(nil)
	_ fs.NodeLookuper   = (*dirNode)(nil)
	_ fs.NodeReaddirer  = (*dirNode)(nil)
	_ fs.NodeOpener     = (*dirNode)(nil)
	_ fs.NodeGetxattrer = (*dirNode)(nil)

	_ fs.NodeGetattrer  = (*fileNode)(nil)
	_ fs.NodeOpener     = (*fileNode)(nil)
	_ fs.NodeReader     = (*fileNode)(nil)
	_ fs.NodeGetxattrer = (*fileNode)(nil)
)

func setAttrOut(out *fuse.AttrOut, attr nodeAttr, epoch time.Time, size uint64) {
	out.SetTimeout(cacheTTL)
	out.Mode = attr.mode
	out.Size = size
	out.Blksize = 512
	ts := uint64(epoch.Unix())
	out.Atime, out.Mtime, out.Ctime = ts, ts, ts
	out.Uid = 0
	out.Gid = 0
	out.Nlink = 0
}

// Getattr implements the root directory's attributes.
func (r *Root) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setAttrOut(out, r.attr, r.epoch, 0)
	return 0
}

func (r *Root) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (r *Root) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return 0, syscall.ENOSYS
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return lookup(ctx, &r.Inode, r.client, r.attr, r.epoch, name, out)
}

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return readdir(ctx, r.client, r.attr)
}

func (d *dirNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setAttrOut(out, d.attr, d.epoch, 0)
	return 0
}

func (d *dirNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (d *dirNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return 0, syscall.ENOSYS
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return lookup(ctx, &d.Inode, d.client, d.attr, d.epoch, name, out)
}

func (d *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return readdir(ctx, d.client, d.attr)
}

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setAttrOut(out, f.attr, f.epoch, uint64(f.attr.size))
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	blob, err := f.client.ReadBlob(ctx, f.attr.hash, f.attr.size)
	if err != nil {
		log.Warningf("cfsfs: ReadBlob %s/%d: %v", f.attr.hash, f.attr.size, err)
		return nil, syscall.ENOSYS
	}
	if off >= int64(len(blob)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(blob)) {
		end = int64(len(blob))
	}
	return fuse.ReadResultData(blob[off:end]), 0
}

func (f *fileNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return 0, syscall.ENOSYS
}

// lookup looks up name within the directory identified by dirAttr, lazily
// allocating and memoizing the child inode — go-fuse's own Inode tree
// (AddChild/GetChild) is the memoization table; there is no separate
// hand-rolled map.
func lookup(ctx context.Context, parent *fs.Inode, client CacheClient, dirAttr nodeAttr, epoch time.Time, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if child := parent.GetChild(name); child != nil {
		out.SetEntryTimeout(cacheTTL)
		out.SetAttrTimeout(cacheTTL)
		return child, 0
	}

	dir, err := client.GetDir(ctx, dirAttr.hash, dirAttr.size)
	if err != nil {
		log.Warningf("cfsfs: GetDir %s/%d: %v", dirAttr.hash, dirAttr.size, err)
		return nil, syscall.ENOSYS
	}

	for _, f := range dir.Files {
		if f.Name != name {
			continue
		}
		mode := uint32(0o660)
		if f.NodeProperties != nil && f.NodeProperties.UnixMode != nil {
			mode = f.NodeProperties.UnixMode.GetValue()
		}
		child := parent.NewPersistentInode(ctx, &fileNode{
			client: client,
			epoch:  epoch,
			attr:   nodeAttr{hash: f.Digest.Hash, size: f.Digest.SizeBytes, mode: fuse.S_IFREG | mode},
		}, fs.StableAttr{Mode: fuse.S_IFREG})
		parent.AddChild(name, child, true)
		out.SetEntryTimeout(cacheTTL)
		out.SetAttrTimeout(cacheTTL)
		return child, 0
	}

	for _, d := range dir.Directories {
		if d.Name != name {
			continue
		}
		child := parent.NewPersistentInode(ctx, &dirNode{
			client: client,
			epoch:  epoch,
			attr:   nodeAttr{hash: d.Digest.Hash, size: d.Digest.SizeBytes, mode: fuse.S_IFDIR | 0o770},
		}, fs.StableAttr{Mode: fuse.S_IFDIR})
		parent.AddChild(name, child, true)
		out.SetEntryTimeout(cacheTTL)
		out.SetAttrTimeout(cacheTTL)
		return child, 0
	}

	// Symlinks: cfs does not resolve symlink targets (Non-goal); a
	// symlink entry is still exposed so callers can read its target.
	for _, s := range dir.Symlinks {
		if s.Name != name {
			continue
		}
		child := parent.NewPersistentInode(ctx, &symlinkNode{target: s.Target}, fs.StableAttr{Mode: fuse.S_IFLNK})
		parent.AddChild(name, child, true)
		out.SetEntryTimeout(cacheTTL)
		out.SetAttrTimeout(cacheTTL)
		return child, 0
	}

	return nil, syscall.ENOENT
}

// dirStream implements fs.DirStream over a pre-sorted, stable slice of
// entries, matching the sorted readdir ordering spec.md requires for safe
// resumption across multiple readdir calls.
type dirStream struct {
	entries []fuse.DirEntry
	pos     int
}

func (s *dirStream) HasNext() bool { return s.pos < len(s.entries) }

func (s *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := s.entries[s.pos]
	s.pos++
	return e, 0
}

func (s *dirStream) Close() {}

func readdir(ctx context.Context, client CacheClient, dirAttr nodeAttr) (fs.DirStream, syscall.Errno) {
	dir, err := client.GetDir(ctx, dirAttr.hash, dirAttr.size)
	if err != nil {
		log.Warningf("cfsfs: GetDir %s/%d: %v", dirAttr.hash, dirAttr.size, err)
		return nil, syscall.ENOSYS
	}

	var entries []fuse.DirEntry
	for _, f := range dir.Files {
		entries = append(entries, fuse.DirEntry{Name: f.Name, Mode: fuse.S_IFREG})
	}
	for _, d := range dir.Directories {
		entries = append(entries, fuse.DirEntry{Name: d.Name, Mode: fuse.S_IFDIR})
	}
	for _, s := range dir.Symlinks {
		entries = append(entries, fuse.DirEntry{Name: s.Name, Mode: fuse.S_IFLNK})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &dirStream{entries: entries}, 0
}

// symlinkNode is a read-only symlink leaf; cfs exposes its target text but
// does not resolve it (spec.md Non-goals).
type symlinkNode struct {
	fs.Inode
	target string
}

var _ fs.NodeReadlinker = (*symlinkNode)(nil)

func (s *symlinkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(s.target), 0
}
