package ociref

import (
	"strings"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	ref, err := Parse("python")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ref.Registry != "docker.io" {
		t.Errorf("registry: got %q want %q", ref.Registry, "docker.io")
	}
	if ref.Repository != "library/python" {
		t.Errorf("repository: got %q want %q", ref.Repository, "library/python")
	}
	if ref.Tag != "latest" {
		t.Errorf("tag: got %q want %q", ref.Tag, "latest")
	}
	if ref.Digest != "" {
		t.Errorf("digest: got %q want empty", ref.Digest)
	}
}

func TestParseNamespaced(t *testing.T) {
	t.Parallel()

	ref, err := Parse("portalbox/python:3.12")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ref.Registry != "docker.io" {
		t.Errorf("registry: got %q want %q", ref.Registry, "docker.io")
	}
	if ref.Repository != "portalbox/python" {
		t.Errorf("repository: got %q want %q", ref.Repository, "portalbox/python")
	}
	if ref.Tag != "3.12" {
		t.Errorf("tag: got %q want %q", ref.Tag, "3.12")
	}
}

func TestParseCustomRegistry(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		registry string
		repo     string
		tag      string
	}{
		{"ghcr.io/owner/repo:v1", "ghcr.io", "owner/repo", "v1"},
		{"localhost:5000/repo", "localhost:5000", "repo", "latest"},
		{"registry.example.com/a/b/c:edge", "registry.example.com", "a/b/c", "edge"},
	}
	for _, tc := range cases {
		ref, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if ref.Registry != tc.registry {
			t.Errorf("Parse(%q) registry: got %q want %q", tc.in, ref.Registry, tc.registry)
		}
		if ref.Repository != tc.repo {
			t.Errorf("Parse(%q) repository: got %q want %q", tc.in, ref.Repository, tc.repo)
		}
		if ref.Tag != tc.tag {
			t.Errorf("Parse(%q) tag: got %q want %q", tc.in, ref.Tag, tc.tag)
		}
	}
}

func TestParseDigestPinned(t *testing.T) {
	t.Parallel()

	hex := strings.Repeat("ab", 32)
	ref, err := Parse("alpine@sha256:" + hex)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ref.Digest.String() != "sha256:"+hex {
		t.Errorf("digest: got %q", ref.Digest)
	}
	// A digest-only reference gets no implicit tag.
	if ref.Tag != "" {
		t.Errorf("tag: got %q want empty", ref.Tag)
	}
}

func TestParseTagAndDigest(t *testing.T) {
	t.Parallel()

	hex := strings.Repeat("cd", 32)
	ref, err := Parse("alpine:3.20@sha256:" + hex)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ref.Tag != "3.20" {
		t.Errorf("tag: got %q want %q", ref.Tag, "3.20")
	}
	if ref.Digest.String() != "sha256:"+hex {
		t.Errorf("digest: got %q", ref.Digest)
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"  ",
		"repo:",
		"has space:latest",
		"alpine@sha256:short",
		"ghcr.io/",
	} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}

func TestString(t *testing.T) {
	t.Parallel()

	ref, err := Parse("python")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := ref.String(), "docker.io/library/python:latest"; got != want {
		t.Errorf("String: got %q want %q", got, want)
	}
}
