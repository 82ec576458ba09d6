package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/spacejar/pyoci/cache"
	"github.com/spacejar/pyoci/engine"
	"github.com/spacejar/pyoci/internal/types"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pyoci",
		Short: "Build OCI images for Python applications without a daemon",
		Long: `pyoci builds an OCI image for a Python project directly from its source
tree: it pulls a base image from a registry, builds virtual-environment,
dependency, and application layers, and writes a standard OCI image layout
to disk. No container runtime or daemon is required.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
	}

	cmd.AddCommand(newBuildCommand())
	cmd.AddCommand(newCacheCommand())

	return cmd
}

// settings mirrors the optional YAML settings file. Flags override any value
// set here.
type settings struct {
	BaseImage   string `yaml:"base_image"`
	Output      string `yaml:"output"`
	CacheDir    string `yaml:"cache_dir"`
	CacheMaxAge string `yaml:"cache_max_age"`
	PlainHTTP   bool   `yaml:"plain_http"`
}

func loadSettings(path string) (*settings, error) {
	var s settings

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %v", err)
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("malformed settings file %s: %v", path, err)
	}

	return &s, nil
}

func defaultCacheDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %v", err)
	}
	return filepath.Join(homeDir, ".pyoci", "cache"), nil
}

func newBuildCommand() *cobra.Command {
	var (
		output       string
		baseImage    string
		cacheDir     string
		cacheMaxAge  time.Duration
		settingsFile string
		plainHTTP    bool
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "build [project]",
		Short: "Build an OCI image from a Python project",
		Long: `Build a container image for a Python project. The project directory must
contain a requirements.txt; build metadata is read from the [tool.spacejar]
section of pyproject.toml when present.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectPath := "."
			if len(args) > 0 {
				projectPath = args[0]
			}

			absProject, err := filepath.Abs(projectPath)
			if err != nil {
				return fmt.Errorf("failed to resolve project path: %v", err)
			}
			if _, err := os.Stat(absProject); os.IsNotExist(err) {
				return fmt.Errorf("project directory does not exist: %s", absProject)
			}

			s, err := loadSettings(settingsFile)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("base-image") && s.BaseImage != "" {
				baseImage = s.BaseImage
			}
			if !cmd.Flags().Changed("output") && s.Output != "" {
				output = s.Output
			}
			if !cmd.Flags().Changed("cache-dir") && s.CacheDir != "" {
				cacheDir = s.CacheDir
			}
			if !cmd.Flags().Changed("cache-max-age") && s.CacheMaxAge != "" {
				cacheMaxAge, err = time.ParseDuration(s.CacheMaxAge)
				if err != nil {
					return fmt.Errorf("invalid cache_max_age in settings: %v", err)
				}
			}
			if !cmd.Flags().Changed("plain-http") && s.PlainHTTP {
				plainHTTP = true
			}

			if cacheDir == "" {
				cacheDir, err = defaultCacheDir()
				if err != nil {
					return err
				}
			}

			absOutput, err := filepath.Abs(output)
			if err != nil {
				return fmt.Errorf("failed to resolve output path: %v", err)
			}

			logger := logrus.New()
			if verbose {
				logger.SetLevel(logrus.DebugLevel)
			}

			builder, err := engine.New(&types.BuildConfig{
				ProjectPath: absProject,
				OutputPath:  absOutput,
				BaseImage:   baseImage,
				CacheDir:    cacheDir,
				CacheMaxAge: cacheMaxAge,
				PlainHTTP:   plainHTTP,
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to create builder: %v", err)
			}

			result, err := builder.Build(context.Background())
			if err != nil {
				return fmt.Errorf("build failed: %v", err)
			}

			fmt.Printf("Build completed successfully!\n")
			fmt.Printf("Output: %s\n", result.OutputPath)
			fmt.Printf("Manifest: %s\n", result.ManifestDigest)
			fmt.Printf("Layers: %d\n", result.Layers)
			if result.BaseCacheHit {
				fmt.Printf("Base image: cached\n")
			} else {
				fmt.Printf("Base image: pulled\n")
			}
			fmt.Printf("Duration: %s\n", result.Duration)

			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "image", "Output directory for the OCI image layout")
	cmd.Flags().StringVar(&baseImage, "base-image", "python:3.11-slim", "Base image reference")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Cache directory (default: ~/.pyoci/cache)")
	cmd.Flags().DurationVar(&cacheMaxAge, "cache-max-age", 0, "Evict cache entries older than this before building (0 disables)")
	cmd.Flags().StringVar(&settingsFile, "settings", "pyoci.yaml", "Optional YAML settings file")
	cmd.Flags().BoolVar(&plainHTTP, "plain-http", false, "Use HTTP instead of HTTPS for registry access")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the build cache",
		Long:  "Commands for inspecting and pruning the pyoci build cache.",
	}

	cmd.AddCommand(newCacheInfoCommand())
	cmd.AddCommand(newCachePruneCommand())

	return cmd
}

func newCacheInfoCommand() *cobra.Command {
	var cacheDir string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show cache contents",
		Long:  "Display the cache directory's total size and file count.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cacheDir == "" {
				var err error
				cacheDir, err = defaultCacheDir()
				if err != nil {
					return err
				}
			}

			files, size, err := scanCacheDir(cacheDir)
			if err != nil {
				return fmt.Errorf("failed to scan cache: %v", err)
			}

			fmt.Printf("Cache Directory: %s\n", cacheDir)
			fmt.Printf("Total Files: %d\n", files)
			fmt.Printf("Total Size: %s\n", formatBytes(size))

			return nil
		},
	}

	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Cache directory (default: ~/.pyoci/cache)")

	return cmd
}

func newCachePruneCommand() *cobra.Command {
	var (
		cacheDir string
		maxAge   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove stale cache entries",
		Long:  "Remove cache entries older than the given age and sweep orphaned files.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cacheDir == "" {
				var err error
				cacheDir, err = defaultCacheDir()
				if err != nil {
					return err
				}
			}

			filesBefore, sizeBefore, err := scanCacheDir(cacheDir)
			if err != nil {
				return fmt.Errorf("failed to scan cache: %v", err)
			}

			c, err := cache.Open(cacheDir, logrus.New())
			if err != nil {
				return fmt.Errorf("failed to open cache: %v", err)
			}
			if err := c.Cleanup(maxAge); err != nil {
				return fmt.Errorf("failed to prune cache: %v", err)
			}

			filesAfter, sizeAfter, err := scanCacheDir(cacheDir)
			if err != nil {
				return fmt.Errorf("failed to scan cache after prune: %v", err)
			}

			fmt.Printf("Cache pruned successfully!\n")
			fmt.Printf("Removed %d files\n", filesBefore-filesAfter)
			fmt.Printf("Freed %s\n", formatBytes(sizeBefore-sizeAfter))
			fmt.Printf("Remaining: %d files, %s\n", filesAfter, formatBytes(sizeAfter))

			return nil
		},
	}

	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Cache directory (default: ~/.pyoci/cache)")
	cmd.Flags().DurationVar(&maxAge, "max-age", 24*time.Hour, "Remove entries older than this")

	return cmd
}

func scanCacheDir(dir string) (int, int64, error) {
	var files int
	var size int64

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			files++
			size += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return files, size, nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
