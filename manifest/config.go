package manifest

// ImageConfig is the per-layer configuration contributed by each stage of
// the build (base image, virtual environment, dependencies, application).
// The orchestrator merges the four left to right into one OCI image config.
type ImageConfig struct {
	Env          []string            `json:"env"`
	Cmd          []string            `json:"cmd"`
	WorkingDir   string              `json:"working_dir"`
	Entrypoint   []string            `json:"entrypoint"`
	Labels       map[string]string   `json:"labels,omitempty"`
	ExposedPorts map[string]struct{} `json:"exposed_ports,omitempty"`
	Volumes      map[string]struct{} `json:"volumes,omitempty"`
}

// DefaultConfig is the config used when a project carries no build metadata
// of its own.
func DefaultConfig() *ImageConfig {
	return &ImageConfig{
		Env: []string{
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			"PYTHONUNBUFFERED=1",
		},
		Cmd:        []string{"python", "main.py"},
		WorkingDir: "/app",
	}
}
