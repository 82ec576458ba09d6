package layers

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	oerrors "github.com/spacejar/pyoci/internal/errors"
)

// OCI media types accepted for layers in a pyoci build.
const (
	MediaTypeImageLayer     = ocispec.MediaTypeImageLayer
	MediaTypeImageLayerGzip = ocispec.MediaTypeImageLayerGzip
)

// Layer is one filesystem changeset packaged as a compressed archive.
//
// Digest is the sha256 of Data (the compressed blob as stored and shipped);
// DiffID is the sha256 of the uncompressed archive and identifies the layer
// content independent of compression. Both are recomputed and checked at
// every boundary: cache read, post-download, and pre-manifest verification.
// A Layer is never mutated after construction.
type Layer struct {
	MediaType      string            `json:"mediaType"`
	Digest         digest.Digest     `json:"digest"`
	Size           int64             `json:"size"`
	CompressedSize int64             `json:"compressedSize"`
	Data           []byte            `json:"data"`
	DiffID         digest.Digest     `json:"diffId"`
	Annotations    map[string]string `json:"annotations,omitempty"`
}

// Source produces a Layer from some backing store. Implementations exist for
// local directories (DirSource) and for registry base images.
type Source interface {
	Layer(ctx context.Context) (*Layer, error)
}

// Verify checks the layer against the invariants required before it may be
// referenced by a manifest: a known media type, non-zero size, a digest that
// matches the stored bytes, and a well-formed diff ID.
func (l *Layer) Verify() error {
	switch l.MediaType {
	case MediaTypeImageLayer, MediaTypeImageLayerGzip:
	default:
		return oerrors.Newf(oerrors.TypeValidation, "verify_layer", "invalid media type: %s", l.MediaType).
			WithResource(l.Digest.String())
	}

	if l.Size == 0 {
		return oerrors.New(oerrors.TypeValidation, "verify_layer", "layer size cannot be zero").
			WithResource(l.Digest.String())
	}

	if err := l.Digest.Validate(); err != nil {
		return oerrors.Newf(oerrors.TypeValidation, "verify_layer", "invalid digest format: %v", err)
	}

	if computed := digest.FromBytes(l.Data); computed != l.Digest {
		return oerrors.Newf(oerrors.TypeDigestMismatch, "verify_layer",
			"layer digest mismatch: expected %s, calculated %s", l.Digest, computed).
			WithResource(l.Digest.String())
	}

	if l.DiffID != "" {
		if err := l.DiffID.Validate(); err != nil {
			return oerrors.Newf(oerrors.TypeValidation, "verify_layer", "invalid diff_id format: %v", err).
				WithResource(l.Digest.String())
		}
	}

	return nil
}

// Descriptor returns the OCI descriptor for this layer as it appears in a
// manifest. Size in the descriptor is the size of the stored blob.
func (l *Layer) Descriptor() ocispec.Descriptor {
	var annotations map[string]string
	if len(l.Annotations) > 0 {
		annotations = l.Annotations
	}

	return ocispec.Descriptor{
		MediaType:   l.MediaType,
		Digest:      l.Digest,
		Size:        l.CompressedSize,
		Annotations: annotations,
	}
}

// ValidateDigest checks that a digest string has the canonical
// sha256:<64 hex> form.
func ValidateDigest(d string) error {
	parsed, err := digest.Parse(d)
	if err != nil {
		return fmt.Errorf("invalid digest format: %s", d)
	}
	if parsed.Algorithm() != digest.SHA256 {
		return fmt.Errorf("unsupported digest algorithm: %s", parsed.Algorithm())
	}
	return nil
}
