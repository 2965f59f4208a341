package cfsfs

import (
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountOptions are the daemon-level FUSE mount options cfsd exposes.
type MountOptions struct {
	// AllowOther permits users other than the mount owner to access the
	// filesystem.
	AllowOther bool
	// Debug enables go-fuse's own request/response tracing.
	Debug bool
}

// Mount mounts root at mountPoint and returns the running FUSE server.
func Mount(mountPoint string, root *Root, opts MountOptions) (*fuse.Server, error) {
	attrTTL := cacheTTL
	entryTTL := cacheTTL
	return fs.Mount(mountPoint, root, &fs.Options{
		AttrTimeout:  &attrTTL,
		EntryTimeout: &entryTTL,
		MountOptions: fuse.MountOptions{
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
			Name:       "cfs",
			// Handlers share one unlocked CacheClient, so requests are
			// served one at a time.
			SingleThreaded: true,
		},
	})
}
