// Package ociref parses the OCI image references used for VM base images.
package ociref

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

var sha256HexPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Reference is a parsed image reference. Tag references are resolved to a
// digest before anything is cached.
type Reference struct {
	Original   string
	Repository string
	Tag        string
	Digest     string
}

func (r Reference) Pinned() bool {
	return r.Digest != ""
}

// Pin returns the digest-pinned form of the reference.
func (r Reference) Pin(digest string) string {
	return r.Repository + "@" + digest
}

func (r Reference) String() string {
	if r.Pinned() {
		return r.Pin(r.Digest)
	}
	return r.Repository + ":" + r.Tag
}

// Parse accepts tag references (ubuntu:noble) and digest references
// (repo/image@sha256:<64-hex>). Short Docker Hub names are expanded.
func Parse(raw string) (Reference, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return Reference{}, fmt.Errorf("image reference is empty")
	}

	parsed, err := name.ParseReference(ref)
	if err != nil {
		return Reference{}, fmt.Errorf("parse image reference %q: %w", ref, err)
	}

	out := Reference{
		Original:   ref,
		Repository: parsed.Context().Name(),
	}
	switch v := parsed.(type) {
	case name.Digest:
		algo, hexPart, _ := strings.Cut(strings.ToLower(v.DigestStr()), ":")
		if algo != "sha256" || !sha256HexPattern.MatchString(hexPart) {
			return Reference{}, fmt.Errorf("reference %q must use a sha256 digest with 64 lowercase hex characters", ref)
		}
		out.Digest = algo + ":" + hexPart
	case name.Tag:
		out.Tag = v.TagStr()
	}
	return out, nil
}

// ParseDigestReference is Parse restricted to digest-pinned references.
func ParseDigestReference(raw string) (Reference, error) {
	ref, err := Parse(raw)
	if err != nil {
		return Reference{}, err
	}
	if !ref.Pinned() {
		return Reference{}, fmt.Errorf("reference %q is not digest-pinned (expected repo/image@sha256:<digest>)", ref.Original)
	}
	return ref, nil
}
