// Package project reads build metadata for a Python project from its
// pyproject.toml, producing the structured config the build core consumes.
package project

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	oerrors "github.com/spacejar/pyoci/internal/errors"
	"github.com/spacejar/pyoci/manifest"
)

type pyproject struct {
	Tool struct {
		Spacejar spacejarSection `toml:"spacejar"`
	} `toml:"tool"`
}

type spacejarSection struct {
	Env        []string          `toml:"env"`
	Cmd        []string          `toml:"cmd"`
	WorkingDir string            `toml:"working_dir"`
	Entrypoint []string          `toml:"entrypoint"`
	Ports      []string          `toml:"ports"`
	Volumes    []string          `toml:"volumes"`
	Labels     map[string]string `toml:"labels"`
}

// LoadConfig reads the [tool.spacejar] section of the project's
// pyproject.toml. A missing file or section yields the documented defaults.
func LoadConfig(projectPath string) (*manifest.ImageConfig, error) {
	path := filepath.Join(projectPath, "pyproject.toml")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return manifest.DefaultConfig(), nil
	}
	if err != nil {
		return nil, oerrors.Wrap(oerrors.TypeIO, "load_project_config", err, "failed to read pyproject.toml").WithResource(path)
	}

	var parsed pyproject
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return nil, oerrors.Wrap(oerrors.TypeValidation, "load_project_config", err, "malformed pyproject.toml").WithResource(path)
	}

	cfg := manifest.DefaultConfig()
	section := parsed.Tool.Spacejar

	// Declared env extends the defaults; the remaining fields replace
	// them outright when present.
	cfg.Env = append(cfg.Env, section.Env...)

	if len(section.Cmd) > 0 {
		cfg.Cmd = section.Cmd
	}
	if section.WorkingDir != "" {
		cfg.WorkingDir = section.WorkingDir
	}
	if len(section.Entrypoint) > 0 {
		cfg.Entrypoint = section.Entrypoint
	}
	if len(section.Labels) > 0 {
		cfg.Labels = section.Labels
	}

	for _, port := range section.Ports {
		if cfg.ExposedPorts == nil {
			cfg.ExposedPorts = make(map[string]struct{})
		}
		cfg.ExposedPorts[port] = struct{}{}
	}
	for _, volume := range section.Volumes {
		if cfg.Volumes == nil {
			cfg.Volumes = make(map[string]struct{})
		}
		cfg.Volumes[volume] = struct{}{}
	}

	return cfg, nil
}
