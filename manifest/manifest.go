// Package manifest merges per-layer configuration into one OCI image config
// and wraps config plus ordered layers into a schema-2 image manifest.
package manifest

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	oerrors "github.com/spacejar/pyoci/internal/errors"
	"github.com/spacejar/pyoci/internal/types"
	"github.com/spacejar/pyoci/layers"
)

// Interpreter environment appended after all layer-derived entries, in this
// exact order.
var interpreterEnv = []string{
	"PYTHONUNBUFFERED=1",
	"PYTHONDONTWRITEBYTECODE=1",
	"PYTHONPATH=/app/deps:/app",
}

// Assembler builds the final image config and manifest for one build.
type Assembler struct {
	// entrypointScript is the project script path executed inside the
	// activated virtual environment.
	entrypointScript string
}

// NewAssembler creates an assembler whose entrypoint wrapper runs the given
// script path under /app.
func NewAssembler(entrypointScript string) *Assembler {
	return &Assembler{entrypointScript: entrypointScript}
}

// MergeConfigs folds the per-layer configs (base, venv, deps, app — in that
// order) into one OCI container config.
//
// Env lists concatenate; working dir and cmd are overwritten by every
// non-empty value so the last one wins. The entrypoint is always the fixed
// shell wrapper that activates the virtual environment — per-layer
// entrypoints are intentionally ignored.
func (a *Assembler) MergeConfigs(configs []*ImageConfig) ocispec.ImageConfig {
	var merged ocispec.ImageConfig
	var env []string

	for _, cfg := range configs {
		if cfg == nil {
			continue
		}

		if len(cfg.Env) > 0 {
			env = append(env, cfg.Env...)
		}
		if cfg.WorkingDir != "" {
			merged.WorkingDir = cfg.WorkingDir
		}
		if len(cfg.Cmd) > 0 {
			merged.Cmd = cfg.Cmd
		}

		for k, v := range cfg.Labels {
			if merged.Labels == nil {
				merged.Labels = make(map[string]string)
			}
			merged.Labels[k] = v
		}
		for port := range cfg.ExposedPorts {
			if merged.ExposedPorts == nil {
				merged.ExposedPorts = make(map[string]struct{})
			}
			merged.ExposedPorts[port] = struct{}{}
		}
		for volume := range cfg.Volumes {
			if merged.Volumes == nil {
				merged.Volumes = make(map[string]struct{})
			}
			merged.Volumes[volume] = struct{}{}
		}
	}

	env = append(env, interpreterEnv...)
	merged.Env = env

	merged.Entrypoint = []string{
		"/bin/sh", "-c",
		"source /venv/bin/activate && python /app/" + a.entrypointScript,
	}

	return merged
}

// BuildImage wraps a container config into a full OCI image config with the
// root filesystem diff IDs of the ordered layers.
func (a *Assembler) BuildImage(cfg ocispec.ImageConfig, layerList []*layers.Layer, platform types.Platform) ocispec.Image {
	diffIDs := make([]digest.Digest, len(layerList))
	for i, layer := range layerList {
		diffIDs[i] = layer.DiffID
	}

	return ocispec.Image{
		Platform: ocispec.Platform{
			Architecture: platform.Architecture,
			OS:           platform.OS,
			Variant:      platform.Variant,
		},
		Config: cfg,
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: diffIDs,
		},
	}
}

// BuildManifest serializes the image config, hashes it, and produces the
// schema-2 manifest. Layer descriptor order preserves the input order; it is
// also the filesystem overlay order at container runtime.
func (a *Assembler) BuildManifest(img ocispec.Image, layerList []*layers.Layer) (*ocispec.Manifest, []byte, error) {
	configJSON, err := json.Marshal(img)
	if err != nil {
		return nil, nil, oerrors.Wrap(oerrors.TypeIO, "build_manifest", err, "failed to serialize image config")
	}

	descriptors := make([]ocispec.Descriptor, len(layerList))
	for i, layer := range layerList {
		descriptors[i] = layer.Descriptor()
	}

	m := &ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.FromBytes(configJSON),
			Size:      int64(len(configJSON)),
		},
		Layers: descriptors,
	}

	return m, configJSON, nil
}
