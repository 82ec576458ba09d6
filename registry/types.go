package registry

import (
	"strings"

	oerrors "github.com/spacejar/pyoci/internal/errors"
)

// DefaultRegistry is the Docker Hub endpoint used when a reference names no
// registry of its own.
const DefaultRegistry = "registry-1.docker.io"

// Manifest media types accepted when resolving an image reference.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCIManifest        = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeOCIIndex           = "application/vnd.oci.image.index.v1+json"
)

// Reference is a parsed image reference: registry host, repository path, and
// tag.
type Reference struct {
	Registry   string `json:"registry"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

// String returns the reference in registry/repository:tag form.
func (r Reference) String() string {
	return r.Registry + "/" + r.Repository + ":" + r.Tag
}

// ParseReference splits an image reference string into its registry,
// repository, and tag components.
//
// One segment maps to the Docker Hub default registry with a library/
// repository prefix; two segments are registry/repository when the first
// contains a '.' or ':', otherwise an organization/repository pair on the
// default registry; three segments are registry/namespace/repository. A
// missing tag defaults to "latest".
func ParseReference(reference string) (Reference, error) {
	if reference == "" {
		return Reference{}, oerrors.New(oerrors.TypeValidation, "parse_reference", "image reference cannot be empty")
	}

	parts := strings.Split(reference, "/")

	switch len(parts) {
	case 1:
		repo, tag, err := splitTag(parts[0])
		if err != nil {
			return Reference{}, err
		}
		return Reference{
			Registry:   DefaultRegistry,
			Repository: "library/" + repo,
			Tag:        tag,
		}, nil

	case 2:
		repo, tag, err := splitTag(parts[1])
		if err != nil {
			return Reference{}, err
		}
		if strings.ContainsAny(parts[0], ".:") {
			return Reference{
				Registry:   parts[0],
				Repository: repo,
				Tag:        tag,
			}, nil
		}
		return Reference{
			Registry:   DefaultRegistry,
			Repository: parts[0] + "/" + repo,
			Tag:        tag,
		}, nil

	case 3:
		repo, tag, err := splitTag(parts[2])
		if err != nil {
			return Reference{}, err
		}
		return Reference{
			Registry:   parts[0],
			Repository: parts[1] + "/" + repo,
			Tag:        tag,
		}, nil

	default:
		return Reference{}, oerrors.Newf(oerrors.TypeValidation, "parse_reference",
			"invalid image reference format: %s", reference).WithResource(reference)
	}
}

func splitTag(repoTag string) (string, string, error) {
	parts := strings.Split(repoTag, ":")
	switch len(parts) {
	case 1:
		return parts[0], "latest", nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", oerrors.Newf(oerrors.TypeValidation, "parse_reference",
			"invalid repository:tag format: %s", repoTag).WithResource(repoTag)
	}
}

// Wire types for the registry v2 protocol.

type manifestIndex struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Manifests     []indexEntry `json:"manifests"`
}

type indexEntry struct {
	MediaType   string            `json:"mediaType"`
	Size        int64             `json:"size"`
	Digest      string            `json:"digest"`
	Platform    platformInfo      `json:"platform"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type platformInfo struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Variant      string `json:"variant,omitempty"`
}

// Manifest is a schema-2 image manifest as returned by a registry.
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

// Descriptor references one blob in a registry manifest.
type Descriptor struct {
	MediaType string   `json:"mediaType"`
	Size      int64    `json:"size"`
	Digest    string   `json:"digest"`
	URLs      []string `json:"urls,omitempty"`
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

// isAttestation reports whether an index entry is an attestation artifact
// rather than a runnable platform manifest.
func (e indexEntry) isAttestation() bool {
	for _, v := range e.Annotations {
		if strings.Contains(v, "attestation") {
			return true
		}
	}
	return false
}
