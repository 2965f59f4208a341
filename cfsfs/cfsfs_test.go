package cfsfs

import (
	"context"
	"syscall"
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

type fakeClient struct {
	dirs  map[string]*repb.Directory
	blobs map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{dirs: map[string]*repb.Directory{}, blobs: map[string][]byte{}}
}

func (f *fakeClient) addDir(hash string, dir *repb.Directory) {
	f.dirs[hash] = dir
}

func (f *fakeClient) GetDir(ctx context.Context, hash string, size int64) (*repb.Directory, error) {
	d, ok := f.dirs[hash]
	if !ok {
		return nil, syscall.ENOENT
	}
	return d, nil
}

func (f *fakeClient) ReadBlob(ctx context.Context, hash string, size int64) ([]byte, error) {
	b, ok := f.blobs[hash]
	if !ok {
		return nil, syscall.ENOENT
	}
	return b, nil
}

func TestLookupFindsFile(t *testing.T) {
	client := newFakeClient()
	client.blobs["filehash"] = []byte("contents")
	rootDir := &repb.Directory{
		Files: []*repb.FileNode{
			{Name: "a.txt", Digest: &repb.Digest{Hash: "filehash", SizeBytes: 8}, NodeProperties: &repb.NodeProperties{UnixMode: wrapperspb.UInt32(0o644)}},
		},
	}
	client.addDir("roothash", rootDir)

	root := New(client, "roothash", 100)
	// Initialize the inode tree so Lookup can allocate child inodes.
	fs.NewNodeFS(root, &fs.Options{})
	child, errno := root.Lookup(context.Background(), "a.txt", &fuse.EntryOut{})
	if errno != 0 {
		t.Fatalf("Lookup(a.txt) errno = %v", errno)
	}
	fn, ok := child.Operations().(*fileNode)
	if !ok {
		t.Fatalf("child is not a fileNode: %T", child.Operations())
	}
	if fn.attr.hash != "filehash" || fn.attr.size != 8 {
		t.Errorf("fileNode attr = %+v, want hash=filehash size=8", fn.attr)
	}
}

func TestLookupMissingReturnsENOENT(t *testing.T) {
	client := newFakeClient()
	client.addDir("roothash", &repb.Directory{})
	root := New(client, "roothash", 0)

	_, errno := root.Lookup(context.Background(), "missing", &fuse.EntryOut{})
	if errno != syscall.ENOENT {
		t.Errorf("errno = %v, want ENOENT", errno)
	}
}

func TestGetxattrReturnsENOSYS(t *testing.T) {
	root := New(newFakeClient(), "h", 0)
	_, errno := root.Getxattr(context.Background(), "user.foo", nil)
	if errno != syscall.ENOSYS {
		t.Errorf("errno = %v, want ENOSYS", errno)
	}
}

func TestLookupMemoizesChild(t *testing.T) {
	client := newFakeClient()
	client.addDir("roothash", &repb.Directory{
		Directories: []*repb.DirectoryNode{{Name: "sub", Digest: &repb.Digest{Hash: "subhash", SizeBytes: 0}}},
	})
	client.addDir("subhash", &repb.Directory{})
	root := New(client, "roothash", 0)
	// Initialize the inode tree so Lookup can allocate child inodes.
	fs.NewNodeFS(root, &fs.Options{})

	child1, errno := root.Lookup(context.Background(), "sub", &fuse.EntryOut{})
	if errno != 0 {
		t.Fatalf("first Lookup errno = %v", errno)
	}
	child2, errno := root.Lookup(context.Background(), "sub", &fuse.EntryOut{})
	if errno != 0 {
		t.Fatalf("second Lookup errno = %v", errno)
	}
	if child1 != child2 {
		t.Errorf("repeated Lookup returned different inodes, want the memoized one")
	}
}
