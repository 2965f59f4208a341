// Package casclient implements a blocking client for the Bazel Remote
// Execution v2 ContentAddressableStorage and ByteStream services.
package casclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// writeChunkSize is the size of each chunk sent on a ByteStream.Write call.
const writeChunkSize = 16 * 1024

// Client is a synchronous client over one gRPC channel to a CAS endpoint.
// A Client is safe for concurrent use by multiple goroutines: the
// underlying grpc.ClientConn already multiplexes calls, so cfs does not
// restrict a Client to a single goroutine the way the original
// single-threaded-runtime client did.
type Client struct {
	conn         *grpc.ClientConn
	cas          repb.ContentAddressableStorageClient
	bs           bytestream.ByteStreamClient
	instanceName string
}

// New dials cfg.CASEndpoint and returns a Client ready for use.
func New(cfg Config) (*Client, error) {
	conn, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:         conn,
		cas:          repb.NewContentAddressableStorageClient(conn),
		bs:           bytestream.NewByteStreamClient(conn),
		instanceName: cfg.InstanceName,
	}, nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// GetTree returns the directories of the first page of the tree rooted at
// the digest identified by hash/size. Only the first page is read: cfs does
// not follow next_page_token (see DESIGN.md; this is a Non-goal).
func (c *Client) GetTree(ctx context.Context, hash string, size int64) ([]*repb.Directory, error) {
	stream, err := c.cas.GetTree(ctx, &repb.GetTreeRequest{
		InstanceName: c.instanceName,
		RootDigest:   &repb.Digest{Hash: hash, SizeBytes: size},
		PageSize:     16,
	})
	if err != nil {
		return nil, fmt.Errorf("casclient: GetTree %s/%d: %w", hash, size, err)
	}
	resp, err := stream.Recv()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("casclient: GetTree %s/%d: %w", hash, size, err)
	}
	return resp.Directories, nil
}

// readResourceName builds the ByteStream resource name used to read a blob.
func (c *Client) readResourceName(hash string, size int64) string {
	return fmt.Sprintf("%s/blobs/%s/%d", c.instanceName, hash, size)
}

// writeResourceName builds the ByteStream resource name used to write a
// blob under a freshly generated upload UUID.
func (c *Client) writeResourceName(hash string, size int64) string {
	return fmt.Sprintf("%s/uploads/%s/blobs/%s/%d", c.instanceName, uuid.New(), hash, size)
}

// ReadBlob fetches the full contents of the blob identified by hash/size.
func (c *Client) ReadBlob(ctx context.Context, hash string, size int64) ([]byte, error) {
	stream, err := c.bs.Read(ctx, &bytestream.ReadRequest{
		ResourceName: c.readResourceName(hash, size),
	})
	if err != nil {
		return nil, fmt.Errorf("casclient: Read %s/%d: %w", hash, size, err)
	}

	buf := make([]byte, 0, size)
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("casclient: Read %s/%d: %w", hash, size, err)
		}
		buf = append(buf, resp.Data...)
	}
	return buf, nil
}

// WriteBlob uploads data, whose digest is hash/size, via the ByteStream
// Write RPC.
func (c *Client) WriteBlob(ctx context.Context, hash string, size int64, data []byte) error {
	return c.writeStream(ctx, hash, size, bytes.NewReader(data))
}

// WriteFile uploads the file at path, whose digest is hash/size, via the
// ByteStream Write RPC, streaming directly off disk.
func (c *Client) WriteFile(ctx context.Context, hash string, size int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("casclient: opening %s for write: %w", path, err)
	}
	defer f.Close()
	return c.writeStream(ctx, hash, size, f)
}

// writeStream drives a ByteStream.Write call, sending data from r in
// writeChunkSize chunks, then a final zero-length request with
// finish_write set.
//
// write_offset is set to the offset *after* the chunk just sent (the
// protocol behavior spec.md §4.4 and §9 document for this client; it is not
// an implementation bug this port is free to silently correct).
func (c *Client) writeStream(ctx context.Context, hash string, size int64, r io.Reader) error {
	stream, err := c.bs.Write(ctx)
	if err != nil {
		return fmt.Errorf("casclient: Write %s/%d: %w", hash, size, err)
	}

	resourceName := c.writeResourceName(hash, size)
	var offset int64
	buf := make([]byte, writeChunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			offset += int64(n)
			if err := stream.Send(&bytestream.WriteRequest{
				ResourceName: resourceName,
				WriteOffset:  offset,
				Data:         buf[:n],
			}); err != nil {
				return fmt.Errorf("casclient: Write %s/%d: %w", hash, size, err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("casclient: reading blob body for %s/%d: %w", hash, size, readErr)
		}
	}

	if err := stream.Send(&bytestream.WriteRequest{
		ResourceName: resourceName,
		WriteOffset:  offset,
		FinishWrite:  true,
	}); err != nil {
		return fmt.Errorf("casclient: Write %s/%d: %w", hash, size, err)
	}

	if _, err := stream.CloseAndRecv(); err != nil {
		return fmt.Errorf("casclient: Write %s/%d: %w", hash, size, err)
	}
	return nil
}

// FindMissingBlobs queries the CAS for which of digests it does not yet
// hold.
func (c *Client) FindMissingBlobs(ctx context.Context, digests []*repb.Digest) ([]*repb.Digest, error) {
	resp, err := c.cas.FindMissingBlobs(ctx, &repb.FindMissingBlobsRequest{
		InstanceName: c.instanceName,
		BlobDigests:  digests,
	})
	if err != nil {
		return nil, fmt.Errorf("casclient: FindMissingBlobs: %w", err)
	}
	return resp.MissingBlobDigests, nil
}

// BatchUpdateBlobsEntry is one digest/data pair to upload in a batch.
type BatchUpdateBlobsEntry struct {
	Digest *repb.Digest
	Data   []byte
}

// BatchUpdateBlobs uploads entries in a single BatchUpdateBlobs RPC. Any
// per-entry failure is logged and reported in the returned error; cfs's
// upload pipeline treats a failed batch as a dropped batch (see spec.md
// §4.5 and §7).
func (c *Client) BatchUpdateBlobs(ctx context.Context, entries []BatchUpdateBlobsEntry) error {
	if len(entries) == 0 {
		return nil
	}
	reqs := make([]*repb.BatchUpdateBlobsRequest_Request, len(entries))
	for i, e := range entries {
		reqs[i] = &repb.BatchUpdateBlobsRequest_Request{
			Digest: e.Digest,
			Data:   e.Data,
		}
	}
	resp, err := c.cas.BatchUpdateBlobs(ctx, &repb.BatchUpdateBlobsRequest{
		InstanceName: c.instanceName,
		Requests:     reqs,
	})
	if err != nil {
		return fmt.Errorf("casclient: BatchUpdateBlobs: %w", err)
	}

	var failed int
	for _, r := range resp.Responses {
		if r.Status != nil && r.Status.Code != 0 {
			failed++
			log.Warningf("casclient: BatchUpdateBlobs entry %s failed: %s", r.Digest.GetHash(), r.Status.GetMessage())
		}
	}
	if failed > 0 {
		return fmt.Errorf("casclient: BatchUpdateBlobs: %d/%d entries failed", failed, len(entries))
	}
	return nil
}
