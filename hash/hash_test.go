package hash

import (
	"strings"
	"testing"
)

const helloWorldSHA256 = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestSHA256Bytes(t *testing.T) {
	got := SHA256Bytes([]byte("hello world"))
	if got != helloWorldSHA256 {
		t.Errorf("SHA256Bytes(%q) = %q, want %q", "hello world", got, helloWorldSHA256)
	}
}

func TestSHA256Stream(t *testing.T) {
	got, n, err := SHA256Stream(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("SHA256Stream: %v", err)
	}
	if got != helloWorldSHA256 {
		t.Errorf("digest = %q, want %q", got, helloWorldSHA256)
	}
	if n != 11 {
		t.Errorf("size = %d, want 11", n)
	}
}

func TestSHA256StreamEmpty(t *testing.T) {
	got, n, err := SHA256Stream(strings.NewReader(""))
	if err != nil {
		t.Fatalf("SHA256Stream: %v", err)
	}
	if n != 0 {
		t.Errorf("size = %d, want 0", n)
	}
	want := SHA256Bytes(nil)
	if got != want {
		t.Errorf("digest = %q, want %q", got, want)
	}
}
