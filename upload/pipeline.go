// Package upload implements the two-stage dedup-filter and batched/streamed
// uploader pipeline that feeds blobs and files into CAS.
package upload

import (
	"bytes"
	"context"
	"os"
	"sync"

	log "github.com/golang/glog"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/leakingtapan/cfs/casclient"
	"github.com/leakingtapan/cfs/lfs"
)

// channel capacity between pipeline stages; bounds memory and provides
// backpressure on producers.
const channelCapacity = 1024

// dedupFlushThreshold is the number of pending WriteTasks the filter stage
// buffers before issuing a FindMissingBlobs call.
const dedupFlushThreshold = 50000

// maxBatchBytes is the per-BatchUpdateBlobs payload size cutoff; above it a
// blob/file is streamed directly instead of batched. The gRPC default max
// message size is 4 MiB; 3 MiB leaves headroom for protocol overhead.
const maxBatchBytes = 3 * 1024 * 1024

// maxBatchEntries is the per-BatchUpdateBlobs entry count cutoff.
const maxBatchEntries = 2000

// LfsFetcher resolves and fetches Git-LFS objects referenced by pointer
// files encountered during upload. gitlfs.Fetcher implements this.
type LfsFetcher interface {
	ResolveObjectPath(hash string) (string, error)
	Fetch(path string) error
}

// CASWriter is the subset of casclient.Client the pipeline depends on.
// Declaring it as an interface here (rather than depending on
// *casclient.Client directly) lets pipeline tests substitute a fake CAS.
type CASWriter interface {
	FindMissingBlobs(ctx context.Context, digests []*repb.Digest) ([]*repb.Digest, error)
	BatchUpdateBlobs(ctx context.Context, entries []casclient.BatchUpdateBlobsEntry) error
	WriteBlob(ctx context.Context, hash string, size int64, data []byte) error
	WriteFile(ctx context.Context, hash string, size int64, path string) error
}

// WriteTask is a unit of work submitted to the pipeline: either an
// in-memory blob or a file on disk to be hashed-addressed and uploaded.
type WriteTask struct {
	Digest *repb.Digest

	// exactly one of Data or Path is set.
	Data []byte
	Path string
}

// Pipeline runs the dedup-filter and batch/stream uploader stages.
type Pipeline struct {
	client  CASWriter
	fetcher LfsFetcher
}

// New returns a Pipeline that uploads through client, resolving LFS
// pointers via fetcher.
func New(client CASWriter, fetcher LfsFetcher) *Pipeline {
	return &Pipeline{client: client, fetcher: fetcher}
}

// Start launches the filter and uploader goroutines and returns the input
// channel callers submit WriteTasks to, and a channel that is closed once
// both stages have drained and exited. The caller owns and must close the
// returned input channel; Pipeline never closes a channel it was not given
// ownership of, avoiding the cyclic sender/handle dependency spec.md §9
// warns against.
func (p *Pipeline) Start(ctx context.Context) (chan<- WriteTask, <-chan struct{}) {
	in := make(chan WriteTask, channelCapacity)
	filtered := make(chan WriteTask, channelCapacity)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.filterLoop(ctx, in, filtered)
	}()
	go func() {
		defer wg.Done()
		p.uploadLoop(ctx, filtered)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	return in, done
}

// filterLoop buffers incoming tasks and periodically queries
// FindMissingBlobs, forwarding only tasks whose digest is not already
// present in CAS. A FindMissingBlobs RPC failure drops the whole pending
// batch (best-effort policy, matching spec.md §4.5/§7).
func (p *Pipeline) filterLoop(ctx context.Context, in <-chan WriteTask, out chan<- WriteTask) {
	defer close(out)

	var pending []WriteTask
	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		for _, t := range p.filterMissing(ctx, batch) {
			out <- t
		}
	}

	for task := range in {
		pending = append(pending, task)
		if len(pending) >= dedupFlushThreshold {
			flush()
		}
	}
	flush()
}

func (p *Pipeline) filterMissing(ctx context.Context, tasks []WriteTask) []WriteTask {
	digests := make([]*repb.Digest, len(tasks))
	for i, t := range tasks {
		digests[i] = t.Digest
	}

	missing, err := p.client.FindMissingBlobs(ctx, digests)
	if err != nil {
		log.Warningf("upload: FindMissingBlobs failed, dropping batch of %d: %v", len(tasks), err)
		return nil
	}

	missingHashes := make(map[string]bool, len(missing))
	for _, d := range missing {
		missingHashes[d.Hash] = true
	}

	log.Infof("upload: %d/%d blobs missing", len(missingHashes), len(tasks))

	var kept []WriteTask
	for _, t := range tasks {
		if missingHashes[t.Digest.Hash] {
			kept = append(kept, t)
		}
	}
	return kept
}

// uploadLoop classifies tasks, after resolving LFS pointers, into streamed
// uploads (payloads over maxBatchBytes) and batched uploads (everything
// else), flushing batches at the byte/entry thresholds.
func (p *Pipeline) uploadLoop(ctx context.Context, in <-chan WriteTask) {
	var pending []casclient.BatchUpdateBlobsEntry
	var pendingBytes int64

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		pendingBytes = 0
		if err := p.client.BatchUpdateBlobs(ctx, batch); err != nil {
			log.Warningf("upload: BatchUpdateBlobs failed for %d entries: %v", len(batch), err)
		}
	}

	for task := range in {
		path, data, ok := p.resolve(task)
		if !ok {
			continue
		}

		if task.Digest.SizeBytes > maxBatchBytes {
			if data != nil {
				if err := p.client.WriteBlob(ctx, task.Digest.Hash, task.Digest.SizeBytes, data); err != nil {
					log.Warningf("upload: WriteBlob failed for %s: %v", task.Digest.Hash, err)
				}
			} else {
				if err := p.client.WriteFile(ctx, task.Digest.Hash, task.Digest.SizeBytes, path); err != nil {
					log.Warningf("upload: WriteFile failed for %s: %v", task.Digest.Hash, err)
				}
			}
			continue
		}

		if data == nil {
			b, err := os.ReadFile(path)
			if err != nil {
				log.Warningf("upload: reading %s: %v", path, err)
				continue
			}
			data = b
		}

		if pendingBytes+task.Digest.SizeBytes >= maxBatchBytes || len(pending) > maxBatchEntries {
			flush()
		}
		pending = append(pending, casclient.BatchUpdateBlobsEntry{Digest: task.Digest, Data: data})
		pendingBytes += task.Digest.SizeBytes
	}

	// Flush the residual batch as a single multi-item request; see
	// DESIGN.md Open Question 3 for why this differs from upstream's
	// N-separate-single-item-request flush.
	flush()
}

// resolve returns the path and/or in-memory data to upload for task,
// rewriting Git-LFS pointer files to their resolved on-disk object path
// (fetching them first if missing). ok is false if the task should be
// dropped (unreadable file, failed LFS fetch); the reason is logged.
func (p *Pipeline) resolve(task WriteTask) (path string, data []byte, ok bool) {
	if task.Data != nil {
		return "", task.Data, true
	}

	f, err := os.Open(task.Path)
	if err != nil {
		log.Warningf("upload: opening %s: %v", task.Path, err)
		return "", nil, false
	}
	defer f.Close()

	var header [256]byte
	n, _ := f.Read(header[:])

	ptr, err := lfs.Parse(bytes.NewReader(header[:n]))
	if err != nil {
		// not an LFS pointer file; upload the file as-is.
		return task.Path, nil, true
	}

	if p.fetcher == nil {
		log.Warningf("upload: %s is an LFS pointer but no LfsFetcher is configured", task.Path)
		return "", nil, false
	}

	objPath, err := p.fetcher.ResolveObjectPath(ptr.Hash)
	if err != nil {
		log.Warningf("upload: resolving LFS object path for %s: %v", task.Path, err)
		return "", nil, false
	}
	if _, err := os.Stat(objPath); err != nil {
		if err := p.fetcher.Fetch(task.Path); err != nil {
			log.Warningf("upload: fetching LFS object for %s: %v", task.Path, err)
			return "", nil, false
		}
	}
	return objPath, nil, true
}
