package casclient

import (
	"strings"
	"testing"
)

func TestReadResourceName(t *testing.T) {
	c := &Client{instanceName: "my-instance"}
	got := c.readResourceName("abc123", 42)
	want := "my-instance/blobs/abc123/42"
	if got != want {
		t.Errorf("readResourceName = %q, want %q", got, want)
	}
}

func TestWriteResourceNameFormat(t *testing.T) {
	c := &Client{instanceName: "my-instance"}
	got := c.writeResourceName("abc123", 42)

	if !strings.HasPrefix(got, "my-instance/uploads/") {
		t.Errorf("writeResourceName = %q, want prefix %q", got, "my-instance/uploads/")
	}
	if !strings.HasSuffix(got, "/blobs/abc123/42") {
		t.Errorf("writeResourceName = %q, want suffix %q", got, "/blobs/abc123/42")
	}
}

func TestWriteResourceNameUnique(t *testing.T) {
	c := &Client{instanceName: "inst"}
	a := c.writeResourceName("h", 1)
	b := c.writeResourceName("h", 1)
	if a == b {
		t.Errorf("writeResourceName returned the same upload UUID twice: %q", a)
	}
}

func TestBatchUpdateBlobsEmpty(t *testing.T) {
	c := &Client{instanceName: "inst"}
	if err := c.BatchUpdateBlobs(nil, nil); err != nil {
		t.Errorf("BatchUpdateBlobs(nil) = %v, want nil", err)
	}
}
