package casclient

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/proto"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// CacheClient is a read-through wrapper over Client.ReadBlob. It is owned
// by a single goroutine — the FUSE daemon's request-handling goroutine —
// so no locking guards the cache map (see spec.md §5, SPEC_FULL.md §4.6;
// cfsfs.Mount serves FUSE requests single-threaded).
type CacheClient struct {
	client *Client
	cache  map[string][]byte
}

// NewCacheClient wraps client with an in-memory, unbounded, never-evicted
// blob cache. cfs does not implement cache eviction (spec.md Non-goals).
func NewCacheClient(client *Client) *CacheClient {
	return &CacheClient{client: client, cache: make(map[string][]byte)}
}

// ReadBlob returns the contents of the blob identified by hash/size,
// fetching and caching it on first access.
func (c *CacheClient) ReadBlob(ctx context.Context, hash string, size int64) ([]byte, error) {
	if b, ok := c.cache[hash]; ok {
		return b, nil
	}
	b, err := c.client.ReadBlob(ctx, hash, size)
	if err != nil {
		return nil, err
	}
	c.cache[hash] = b
	return b, nil
}

// GetDir fetches and decodes the Directory blob identified by hash/size.
func (c *CacheClient) GetDir(ctx context.Context, hash string, size int64) (*repb.Directory, error) {
	b, err := c.ReadBlob(ctx, hash, size)
	if err != nil {
		return nil, err
	}
	dir := &repb.Directory{}
	if err := proto.Unmarshal(b, dir); err != nil {
		return nil, fmt.Errorf("casclient: decoding directory %s/%d: %w", hash, size, err)
	}
	return dir, nil
}
