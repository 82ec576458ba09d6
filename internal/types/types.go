package types

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// TargetOS is the only operating system family pyoci builds images for.
// Base-image platform selection matches against this value.
const TargetOS = "linux"

// Platform identifies an OS/architecture pair as used in OCI manifests.
type Platform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Variant      string `json:"variant,omitempty"`
}

func (p Platform) String() string {
	if p.Variant != "" {
		return fmt.Sprintf("%s/%s/%s", p.OS, p.Architecture, p.Variant)
	}
	return fmt.Sprintf("%s/%s", p.OS, p.Architecture)
}

// ParsePlatform parses an "os/arch[/variant]" string. Malformed input falls
// back to linux/amd64.
func ParsePlatform(platform string) Platform {
	parts := strings.Split(platform, "/")
	if len(parts) < 2 {
		return Platform{OS: TargetOS, Architecture: "amd64"}
	}

	p := Platform{
		OS:           parts[0],
		Architecture: parts[1],
	}

	if len(parts) > 2 {
		p.Variant = parts[2]
	}

	return p
}

// HostPlatform returns the platform pyoci selects from multi-architecture
// indexes: the running process architecture on the target OS.
func HostPlatform() Platform {
	return Platform{
		OS:           TargetOS,
		Architecture: RegistryArch(runtime.GOARCH),
	}
}

// RegistryArch maps a Go architecture name to the architecture name used in
// registry manifests. Unknown values default to amd64.
func RegistryArch(goarch string) string {
	switch goarch {
	case "amd64", "arm64", "arm", "386", "ppc64le", "s390x", "riscv64":
		return goarch
	default:
		return "amd64"
	}
}

// BuildConfig holds everything the orchestrator needs for one build.
type BuildConfig struct {
	ProjectPath string        `json:"project_path"`
	OutputPath  string        `json:"output_path"`
	BaseImage   string        `json:"base_image"`
	CacheDir    string        `json:"cache_dir"`
	CacheMaxAge time.Duration `json:"cache_max_age,omitempty"`
	// PlainHTTP disables TLS for registry access. Intended for local
	// registries and tests.
	PlainHTTP bool `json:"plain_http,omitempty"`
}

// BuildState tracks the orchestrator's progress through the pipeline.
type BuildState string

const (
	StateInit         BuildState = "init"
	StateBaseResolved BuildState = "base_resolved"
	StateLayersBuilt  BuildState = "layers_built"
	StateVerified     BuildState = "verified"
	StateAssembled    BuildState = "assembled"
	StateWritten      BuildState = "written"
	StateDone         BuildState = "done"
	StateFailed       BuildState = "failed"
)

// BuildResult summarizes a completed build invocation.
type BuildResult struct {
	Success        bool       `json:"success"`
	Error          string     `json:"error,omitempty"`
	State          BuildState `json:"state"`
	OutputPath     string     `json:"output_path,omitempty"`
	ManifestDigest string     `json:"manifest_digest,omitempty"`
	Layers         int        `json:"layers"`
	BaseCacheHit   bool       `json:"base_cache_hit"`
	Duration       string     `json:"duration"`
}
