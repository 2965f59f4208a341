package gitlfs

import "testing"

func TestObjectPath(t *testing.T) {
	got, err := ObjectPath("/repo", "9e3454192f3b84dc8d40d92d4e89ca24800c9618324e87ce08ba5b0ea30364ea")
	if err != nil {
		t.Fatalf("ObjectPath: %v", err)
	}
	want := "/repo/.git/lfs/objects/9e/34/9e3454192f3b84dc8d40d92d4e89ca24800c9618324e87ce08ba5b0ea30364ea"
	if got != want {
		t.Errorf("ObjectPath = %q, want %q", got, want)
	}
}

func TestObjectPathShortHash(t *testing.T) {
	if _, err := ObjectPath("/repo", "ab"); err == nil {
		t.Errorf("ObjectPath with a 2-char hash succeeded, want error")
	}
}
