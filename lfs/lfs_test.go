package lfs

import (
	"strings"
	"testing"
)

func TestParseValid(t *testing.T) {
	in := "version https://git-lfs.github.com/spec/v1\n" +
		"oid sha256:9e3454192f3b84dc8d40d92d4e89ca24800c9618324e87ce08ba5b0ea30364ea\n" +
		"size 51052147\n"

	got, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Pointer{
		HashAlg: "sha256",
		Hash:    "9e3454192f3b84dc8d40d92d4e89ca24800c9618324e87ce08ba5b0ea30364ea",
		Size:    51052147,
	}
	if got != want {
		t.Errorf("Parse = %+v, want %+v", got, want)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not a pointer", "invalid"},
		{"bad header", "not the header\noid sha256:abc\nsize 1\n"},
		{"bad oid line", "version https://git-lfs.github.com/spec/v1\nbogus\nsize 1\n"},
		{"bad oid format", "version https://git-lfs.github.com/spec/v1\noid sha256-abc\nsize 1\n"},
		{"bad size", "version https://git-lfs.github.com/spec/v1\noid sha256:abc\nsize notanumber\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tc.in)); err == nil {
				t.Errorf("Parse(%q) succeeded, want error", tc.in)
			}
		})
	}
}
