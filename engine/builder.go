// Package engine drives the build pipeline: resolve the base image, build
// the virtual-environment, dependency, and application layers concurrently,
// verify every layer, assemble the manifest, and write the OCI layout.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/spacejar/pyoci/cache"
	oerrors "github.com/spacejar/pyoci/internal/errors"
	"github.com/spacejar/pyoci/internal/fsutil"
	"github.com/spacejar/pyoci/internal/types"
	"github.com/spacejar/pyoci/layers"
	"github.com/spacejar/pyoci/manifest"
	"github.com/spacejar/pyoci/project"
	"github.com/spacejar/pyoci/registry"
)

// Files and directories never copied into the application layer.
var appExcludes = []string{"venv", "__pycache__", "*.pyc", "*.pyo", ".git", ".pytest_cache"}

// Builder orchestrates one image build from project directory to on-disk
// OCI layout. A Builder owns its cache directory for the duration of the
// build; callers sharing a cache between concurrent builds must serialize
// access themselves.
type Builder struct {
	config   *types.BuildConfig
	registry *registry.Client
	cache    *cache.Cache
	runner   Runner
	log      *logrus.Entry

	mu    sync.Mutex
	state types.BuildState
}

// New creates a Builder for the given build configuration.
func New(cfg *types.BuildConfig, logger *logrus.Logger) (*Builder, error) {
	if cfg == nil {
		return nil, oerrors.New(oerrors.TypeValidation, "new_builder", "build config cannot be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c, err := cache.Open(cfg.CacheDir, logger)
	if err != nil {
		return nil, err
	}

	options := registry.DefaultClientOptions()
	options.PlainHTTP = cfg.PlainHTTP

	return &Builder{
		config:   cfg,
		registry: registry.NewClient(options, logger),
		cache:    c,
		runner:   NewExecRunner(),
		log:      logger.WithField("component", "engine"),
		state:    types.StateInit,
	}, nil
}

// WithRunner replaces the external command runner. Used by tests.
func (b *Builder) WithRunner(r Runner) *Builder {
	b.runner = r
	return b
}

// State returns the current pipeline state.
func (b *Builder) State() types.BuildState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Builder) setState(s types.BuildState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	b.log.WithField("state", s).Debug("pipeline state change")
}

// Build runs the full pipeline. The returned result is populated on both
// success and failure; the error mirrors result.Error for caller convenience.
func (b *Builder) Build(ctx context.Context) (*types.BuildResult, error) {
	start := time.Now()
	result := &types.BuildResult{State: types.StateInit}

	fail := func(err error) (*types.BuildResult, error) {
		b.setState(types.StateFailed)
		result.State = types.StateFailed
		result.Error = err.Error()
		result.Duration = time.Since(start).String()
		return result, err
	}

	if err := b.validate(); err != nil {
		return fail(err)
	}

	projectCfg, err := project.LoadConfig(b.config.ProjectPath)
	if err != nil {
		return fail(errors.Wrap(err, "loading project config"))
	}

	if b.config.CacheMaxAge > 0 {
		if err := b.cache.Cleanup(b.config.CacheMaxAge); err != nil {
			b.log.WithError(err).Warn("cache cleanup failed")
		}
	}

	baseLayer, baseCfg, cacheHit, err := b.resolveBase(ctx)
	if err != nil {
		return fail(errors.Wrap(err, "resolving base image"))
	}
	b.setState(types.StateBaseResolved)
	result.State = types.StateBaseResolved
	result.BaseCacheHit = cacheHit

	built, err := b.buildLayers(ctx, projectCfg)
	if err != nil {
		return fail(errors.Wrap(err, "building layers"))
	}
	b.setState(types.StateLayersBuilt)
	result.State = types.StateLayersBuilt

	// Manifest order: base, venv, deps, app. This is also the filesystem
	// overlay order at container runtime.
	allLayers := []*layers.Layer{baseLayer, built.venv, built.deps, built.app}
	allConfigs := []*manifest.ImageConfig{baseCfg, built.venvCfg, built.depsCfg, projectCfg}

	if err := verifyLayers(ctx, allLayers); err != nil {
		return fail(errors.Wrap(err, "verifying layers"))
	}
	b.setState(types.StateVerified)
	result.State = types.StateVerified

	assembler := manifest.NewAssembler(entrypointScript(projectCfg))
	merged := assembler.MergeConfigs(allConfigs)
	image := assembler.BuildImage(merged, allLayers, types.HostPlatform())

	m, configJSON, err := assembler.BuildManifest(image, allLayers)
	if err != nil {
		return fail(errors.Wrap(err, "assembling manifest"))
	}
	b.setState(types.StateAssembled)
	result.State = types.StateAssembled

	manifestDigest, err := writeLayout(b.config.OutputPath, m, configJSON, allLayers)
	if err != nil {
		return fail(errors.Wrap(err, "writing image layout"))
	}
	b.setState(types.StateWritten)
	result.State = types.StateWritten

	b.setState(types.StateDone)
	result.State = types.StateDone
	result.Success = true
	result.OutputPath = b.config.OutputPath
	result.ManifestDigest = manifestDigest
	result.Layers = len(allLayers)
	result.Duration = time.Since(start).String()

	b.log.WithFields(logrus.Fields{
		"output":   b.config.OutputPath,
		"manifest": manifestDigest,
		"duration": result.Duration,
	}).Info("build complete")

	return result, nil
}

func (b *Builder) validate() error {
	info, err := os.Stat(b.config.ProjectPath)
	if err != nil || !info.IsDir() {
		return oerrors.Newf(oerrors.TypeValidation, "validate_config",
			"project path is not a directory: %s", b.config.ProjectPath).WithResource(b.config.ProjectPath)
	}
	if b.config.OutputPath == "" {
		return oerrors.New(oerrors.TypeValidation, "validate_config", "output path cannot be empty")
	}
	if b.config.BaseImage == "" {
		return oerrors.New(oerrors.TypeValidation, "validate_config", "base image cannot be empty")
	}
	return nil
}

// resolveBase returns the base-image layer and config, pulling from the
// registry and populating the cache on a miss.
func (b *Builder) resolveBase(ctx context.Context) (*layers.Layer, *manifest.ImageConfig, bool, error) {
	key := b.config.BaseImage

	if layer, ok := b.cache.GetLayer(key); ok {
		b.log.WithField("base", key).Info("base image resolved from cache")

		cfg, ok := b.cache.GetConfig(key)
		if !ok {
			cfg = manifest.DefaultConfig()
		}
		return layer, cfg, true, nil
	}

	b.log.WithField("base", key).Info("pulling base image")

	layer, err := b.registry.Pull(ctx, key)
	if err != nil {
		return nil, nil, false, err
	}

	cfg := manifest.DefaultConfig()

	if err := b.cache.StoreLayer(key, layer, cache.LayerMetadata{SourceHash: key}); err != nil {
		return nil, nil, false, err
	}
	if err := b.cache.StoreConfig(key, cfg); err != nil {
		return nil, nil, false, err
	}

	return layer, cfg, false, nil
}

// builtLayers carries the three concurrently built layers and the configs
// the venv and deps stages contribute.
type builtLayers struct {
	venv    *layers.Layer
	deps    *layers.Layer
	app     *layers.Layer
	venvCfg *manifest.ImageConfig
	depsCfg *manifest.ImageConfig
}

// buildLayers builds the venv, dependency, and application layers
// concurrently. Each stage works in its own subdirectory of one temporary
// build directory, so a failing stage cannot corrupt another's output. The
// temporary directory is removed best-effort either way.
func (b *Builder) buildLayers(ctx context.Context, projectCfg *manifest.ImageConfig) (*builtLayers, error) {
	buildDir, err := os.MkdirTemp("", "pyoci-build-")
	if err != nil {
		return nil, oerrors.Wrap(oerrors.TypeIO, "build_layers", err, "failed to create build directory")
	}
	defer func() {
		if err := os.RemoveAll(buildDir); err != nil {
			b.log.WithError(err).WithField("dir", buildDir).Warn("failed to remove build directory")
		}
	}()

	built := &builtLayers{
		venvCfg: &manifest.ImageConfig{
			Env: []string{"VIRTUAL_ENV=/venv", "PATH=/venv/bin:$PATH"},
		},
		depsCfg: &manifest.ImageConfig{
			Env: []string{"PYTHONPATH=/app/deps:$PYTHONPATH"},
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		layer, err := b.createVenvLayer(gctx, filepath.Join(buildDir, "venv"))
		if err != nil {
			return err
		}
		built.venv = layer
		return nil
	})

	g.Go(func() error {
		layer, err := b.createDepsLayer(gctx, filepath.Join(buildDir, "deps"))
		if err != nil {
			return err
		}
		built.deps = layer
		return nil
	})

	g.Go(func() error {
		layer, err := b.createAppLayer(filepath.Join(buildDir, "app"))
		if err != nil {
			return err
		}
		built.app = layer
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return built, nil
}

// createVenvLayer creates a Python virtual environment and upgrades pip
// inside it, then packs the result.
func (b *Builder) createVenvLayer(ctx context.Context, dir string) (*layers.Layer, error) {
	b.log.Debug("creating virtual environment")

	if err := b.runner.Run(ctx, "python", "-m", "venv", "--system-site-packages", dir); err != nil {
		return nil, err
	}

	upgrade := fmt.Sprintf("source %s/bin/activate && pip install --upgrade pip", dir)
	if err := b.runner.Run(ctx, "bash", "-c", upgrade); err != nil {
		return nil, err
	}

	return layers.FromDir(dir)
}

// createDepsLayer installs the project's requirements into a target
// directory and packs it. A cached layer built from byte-identical
// requirements is reused without running the installer.
func (b *Builder) createDepsLayer(ctx context.Context, dir string) (*layers.Layer, error) {
	requirements := filepath.Join(b.config.ProjectPath, "requirements.txt")

	if _, err := os.Stat(requirements); err != nil {
		return nil, oerrors.Newf(oerrors.TypeValidation, "create_deps_layer",
			"requirements.txt not found in project: %s", b.config.ProjectPath).WithResource(requirements)
	}

	if layer, ok := b.cache.GetDependencyLayer(requirements); ok {
		b.log.Info("dependency layer resolved from cache")
		return layer, nil
	}

	b.log.Debug("installing dependencies")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, oerrors.Wrap(oerrors.TypeIO, "create_deps_layer", err, "failed to create target directory").WithResource(dir)
	}

	if err := b.runner.Run(ctx, "pip", "install", "--target", dir, "-r", requirements); err != nil {
		return nil, err
	}

	layer, err := layers.FromDir(dir)
	if err != nil {
		return nil, err
	}

	key := "dependencies:" + layer.Digest.String()
	if err := b.cache.StoreLayer(key, layer, cache.LayerMetadata{
		Kind:       cache.KindDependencies,
		SourceHash: key,
	}); err != nil {
		return nil, err
	}
	if err := b.cache.LinkDependencies(requirements, key); err != nil {
		return nil, err
	}

	return layer, nil
}

// createAppLayer copies the project tree, strips excluded files, and packs
// the result.
func (b *Builder) createAppLayer(dir string) (*layers.Layer, error) {
	b.log.Debug("packaging application code")

	if err := fsutil.CopyDir(b.config.ProjectPath, dir); err != nil {
		return nil, err
	}

	for _, pattern := range appExcludes {
		if err := fsutil.RemoveMatching(dir, pattern); err != nil {
			return nil, err
		}
	}

	return layers.FromDir(dir)
}

// verifyLayers rejects duplicate digests across the set, then checks every
// layer's invariants concurrently. Each per-layer check is read-only over
// independent data.
func verifyLayers(ctx context.Context, layerList []*layers.Layer) error {
	seen := make(map[string]struct{}, len(layerList))
	for _, layer := range layerList {
		d := layer.Digest.String()
		if _, dup := seen[d]; dup {
			return oerrors.Newf(oerrors.TypeValidation, "verify_layers",
				"duplicate layer digest: %s", d).WithResource(d)
		}
		seen[d] = struct{}{}
	}

	g, _ := errgroup.WithContext(ctx)
	for _, layer := range layerList {
		layer := layer
		g.Go(layer.Verify)
	}

	return g.Wait()
}

// entrypointScript derives the script path the entrypoint wrapper runs. A
// project with no declared entrypoint runs main.py.
func entrypointScript(cfg *manifest.ImageConfig) string {
	if cfg != nil && len(cfg.Entrypoint) > 0 {
		return strings.Join(cfg.Entrypoint, " ")
	}
	return "main.py"
}
