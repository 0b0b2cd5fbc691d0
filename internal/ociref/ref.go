// Package ociref parses OCI image references into their registry,
// repository, tag, and optional digest components.
package ociref

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	DefaultRegistry  = "docker.io"
	DefaultNamespace = "library"
	DefaultTag       = "latest"
)

type Reference struct {
	Original   string
	Registry   string
	Repository string
	Tag        string
	Digest     digest.Digest // empty unless the reference is digest-pinned
}

// String returns the fully qualified form of the reference.
func (r Reference) String() string {
	out := r.Registry + "/" + r.Repository
	if r.Tag != "" {
		out += ":" + r.Tag
	}
	if r.Digest != "" {
		out += "@" + r.Digest.String()
	}
	return out
}

// Parse normalizes an image reference, applying docker.io/library/latest
// defaults for missing components. Accepted forms:
//
//	python
//	portalbox/python:3.12
//	ghcr.io/owner/repo:tag
//	repo/image@sha256:<64-hex>
func Parse(raw string) (Reference, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return Reference{}, fmt.Errorf("image reference cannot be empty")
	}
	if strings.ContainsAny(ref, " \t\n\r") {
		return Reference{}, fmt.Errorf("image reference %q contains whitespace", raw)
	}

	out := Reference{Original: ref}

	if name, digestPart, ok := strings.Cut(ref, "@"); ok {
		parsed, err := digest.Parse(digestPart)
		if err != nil {
			return Reference{}, fmt.Errorf("image reference %q has invalid digest: %w", raw, err)
		}
		out.Digest = parsed
		ref = name
	}

	// A colon after the last slash is a tag separator; earlier colons belong
	// to a registry host:port.
	if idx := strings.LastIndex(ref, ":"); idx > strings.LastIndex(ref, "/") {
		out.Tag = ref[idx+1:]
		ref = ref[:idx]
		if out.Tag == "" {
			return Reference{}, fmt.Errorf("image reference %q has an empty tag", raw)
		}
	} else if out.Digest == "" {
		out.Tag = DefaultTag
	}

	if ref == "" {
		return Reference{}, fmt.Errorf("image reference %q has an empty repository", raw)
	}

	parts := strings.Split(ref, "/")
	switch {
	case len(parts) == 1:
		out.Registry = DefaultRegistry
		out.Repository = DefaultNamespace + "/" + parts[0]
	case isRegistryHost(parts[0]):
		out.Registry = parts[0]
		out.Repository = strings.Join(parts[1:], "/")
	default:
		out.Registry = DefaultRegistry
		out.Repository = ref
	}
	if out.Repository == "" || strings.HasPrefix(out.Repository, "/") || strings.HasSuffix(out.Repository, "/") {
		return Reference{}, fmt.Errorf("image reference %q has an invalid repository", raw)
	}

	return out, nil
}

// isRegistryHost reports whether the first path component names a registry
// rather than a repository namespace. Registries contain a dot, a colon, or
// are "localhost".
func isRegistryHost(part string) bool {
	return part == "localhost" || strings.ContainsAny(part, ".:")
}
