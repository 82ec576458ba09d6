package engine

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	oerrors "github.com/spacejar/pyoci/internal/errors"
	"github.com/spacejar/pyoci/layers"
)

const layoutVersion = `{"imageLayoutVersion": "1.0.0"}`

// writeLayout persists the image as an OCI image layout:
//
//	<output>/oci-layout
//	<output>/manifest.json
//	<output>/blobs/sha256/<hex-digest>
//
// Blob filenames are the hex digest without the algorithm prefix. Writing is
// the last pipeline stage, so a failed build never leaves a partial layout:
// nothing is written before every layer has been verified.
func writeLayout(outputPath string, m *ocispec.Manifest, configJSON []byte, layerList []*layers.Layer) (string, error) {
	blobDir := filepath.Join(outputPath, "blobs", "sha256")
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return "", oerrors.Wrap(oerrors.TypeIO, "write_layout", err, "failed to create blob directory").WithResource(blobDir)
	}

	layoutPath := filepath.Join(outputPath, "oci-layout")
	if err := os.WriteFile(layoutPath, []byte(layoutVersion), 0644); err != nil {
		return "", oerrors.Wrap(oerrors.TypeIO, "write_layout", err, "failed to write layout marker").WithResource(layoutPath)
	}

	if err := writeBlob(blobDir, m.Config.Digest, configJSON); err != nil {
		return "", err
	}

	for _, layer := range layerList {
		if err := writeBlob(blobDir, layer.Digest, layer.Data); err != nil {
			return "", err
		}
	}

	manifestJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", oerrors.Wrap(oerrors.TypeIO, "write_layout", err, "failed to serialize manifest")
	}

	manifestPath := filepath.Join(outputPath, "manifest.json")
	if err := os.WriteFile(manifestPath, manifestJSON, 0644); err != nil {
		return "", oerrors.Wrap(oerrors.TypeIO, "write_layout", err, "failed to write manifest").WithResource(manifestPath)
	}

	return digest.FromBytes(manifestJSON).String(), nil
}

// writeBlob stores one content-addressed blob under its hex digest.
func writeBlob(blobDir string, d digest.Digest, data []byte) error {
	path := filepath.Join(blobDir, d.Encoded())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "write_layout", err, "failed to write blob").WithResource(path)
	}
	return nil
}
