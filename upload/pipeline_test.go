package upload

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/leakingtapan/cfs/casclient"
)

type fakeCAS struct {
	mu sync.Mutex

	missing      map[string]bool
	findErr      error
	batchErr     error
	batches      [][]casclient.BatchUpdateBlobsEntry
	writtenBlobs map[string][]byte
	writtenFiles map[string]string
}

func newFakeCAS() *fakeCAS {
	return &fakeCAS{
		missing:      map[string]bool{},
		writtenBlobs: map[string][]byte{},
		writtenFiles: map[string]string{},
	}
}

func (f *fakeCAS) FindMissingBlobs(ctx context.Context, digests []*repb.Digest) ([]*repb.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []*repb.Digest
	for _, d := range digests {
		if f.missing[d.Hash] {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeCAS) BatchUpdateBlobs(ctx context.Context, entries []casclient.BatchUpdateBlobsEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return f.batchErr
	}
	f.batches = append(f.batches, entries)
	return nil
}

func (f *fakeCAS) WriteBlob(ctx context.Context, hash string, size int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writtenBlobs[hash] = data
	return nil
}

func (f *fakeCAS) WriteFile(ctx context.Context, hash string, size int64, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writtenFiles[hash] = path
	return nil
}

func digest(hash string, size int64) *repb.Digest {
	return &repb.Digest{Hash: hash, SizeBytes: size}
}

func TestPipelineFiltersKnownBlobs(t *testing.T) {
	cas := newFakeCAS()
	cas.missing["new"] = true
	// "known" is not marked missing, so it should never be uploaded.

	p := New(cas, nil)
	in, done := p.Start(context.Background())

	in <- WriteTask{Digest: digest("known", 3), Data: []byte("abc")}
	in <- WriteTask{Digest: digest("new", 3), Data: []byte("xyz")}
	close(in)
	<-done

	if len(cas.batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(cas.batches))
	}
	entries := cas.batches[0]
	if len(entries) != 1 || entries[0].Digest.Hash != "new" {
		t.Errorf("batch = %+v, want exactly the 'new' digest", entries)
	}
}

func TestPipelineStreamsLargeBlobs(t *testing.T) {
	cas := newFakeCAS()
	cas.missing["big"] = true

	p := New(cas, nil)
	in, done := p.Start(context.Background())

	bigData := make([]byte, maxBatchBytes+1)
	in <- WriteTask{Digest: digest("big", int64(len(bigData))), Data: bigData}
	close(in)
	<-done

	if len(cas.batches) != 0 {
		t.Errorf("got %d batches, want 0 (blob should stream)", len(cas.batches))
	}
	if _, ok := cas.writtenBlobs["big"]; !ok {
		t.Errorf("WriteBlob was not called for the oversized blob")
	}
}

func TestPipelineDropsOnFindMissingBlobsError(t *testing.T) {
	cas := newFakeCAS()
	cas.findErr = errTest{"boom"}

	p := New(cas, nil)
	in, done := p.Start(context.Background())
	in <- WriteTask{Digest: digest("a", 1), Data: []byte("a")}
	close(in)
	<-done

	if len(cas.batches) != 0 {
		t.Errorf("got %d batches, want 0 after a FindMissingBlobs failure", len(cas.batches))
	}
}

func TestPipelineUploadsFileDirectly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(path, []byte("not an lfs pointer"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cas := newFakeCAS()
	cas.missing["plain"] = true

	p := New(cas, nil)
	in, done := p.Start(context.Background())
	in <- WriteTask{Digest: digest("plain", 18), Path: path}
	close(in)
	<-done

	if len(cas.batches) != 1 || cas.batches[0][0].Digest.Hash != "plain" {
		t.Errorf("batches = %+v, want one batch containing 'plain'", cas.batches)
	}
}

type errTest struct{ msg string }

func (e errTest) Error() string { return e.msg }
