package cache

import (
	"errors"
	"testing"
)

func TestKeyNormalization(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"HTTP://Example.COM", "http://example.com/"},
		{"http://example.com:80/a/b", "http://example.com/a/b"},
		{"https://example.com:443/a", "https://example.com/a"},
		{"https://example.com:8443/a", "https://example.com:8443/a"},
		{"http://example.com/a/../b/./c", "http://example.com/b/c"},
		{"http://example.com/dir/", "http://example.com/dir/"},
		{"http://example.com/a?b=2&a=1#frag", "http://example.com/a?a=1&b=2"},
		{"  http://example.com/a  ", "http://example.com/a"},
	}
	for _, tc := range cases {
		key, err := NewKey(tc.raw)
		if err != nil {
			t.Fatalf("NewKey(%q) error: %v", tc.raw, err)
		}
		if key.String() != tc.want {
			t.Fatalf("NewKey(%q) = %q, want %q", tc.raw, key.String(), tc.want)
		}
	}
}

func TestKeyDigestStable(t *testing.T) {
	a, err := NewKey("http://example.com/a?x=1&y=2")
	if err != nil {
		t.Fatalf("NewKey error: %v", err)
	}
	b, err := NewKey("HTTP://example.com:80/a?y=2&x=1")
	if err != nil {
		t.Fatalf("NewKey error: %v", err)
	}
	if a.Digest() != b.Digest() {
		t.Fatalf("equivalent URLs should share a digest")
	}
	if !isDigestName(a.Digest()) {
		t.Fatalf("digest should be 64 lowercase hex chars: %s", a.Digest())
	}
}

func TestKeyKeepsUndecodableQueries(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"https://x/a?q=%zz", "https://x/a?q=%zz"},
		{"https://x/a?a=1;b=2", "https://x/a?a=1;b=2"},
		{"https://x/a?b=1&&a=%41", "https://x/a?a=%41&b=1"},
		{"https://x/a?k=2&k=1", "https://x/a?k=2&k=1"},
		{"https://x/a?", "https://x/a"},
	}
	for _, tc := range cases {
		key, err := NewKey(tc.raw)
		if err != nil {
			t.Fatalf("NewKey(%q) error: %v", tc.raw, err)
		}
		if key.String() != tc.want {
			t.Fatalf("NewKey(%q) = %q, want %q", tc.raw, key.String(), tc.want)
		}
	}

	seen := make(map[string]string)
	for _, raw := range []string{"https://x/a", "https://x/a?q=%zz", "https://x/a?a=1;b=2", "https://x/a?q=1;r=2"} {
		key, err := NewKey(raw)
		if err != nil {
			t.Fatalf("NewKey(%q) error: %v", raw, err)
		}
		if prev, ok := seen[key.Digest()]; ok {
			t.Fatalf("%q and %q must not share a digest", prev, raw)
		}
		seen[key.Digest()] = raw
	}
}

func TestKeyRejectsInvalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "example.com/a", "ftp://example.com/a", "http:///path", "http://[::1"} {
		if _, err := NewKey(raw); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("NewKey(%q) should fail with ErrInvalidKey, got %v", raw, err)
		}
	}
}
