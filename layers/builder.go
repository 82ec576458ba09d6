package layers

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	oerrors "github.com/spacejar/pyoci/internal/errors"
)

// gzipLevel is fixed so that identical directory trees always compress to
// identical blobs. Cache correctness and reproducible builds depend on it.
const gzipLevel = gzip.DefaultCompression

// DirSource builds a layer from a local directory tree.
type DirSource struct {
	Path string
}

// Layer implements Source.
func (s DirSource) Layer(ctx context.Context) (*Layer, error) {
	return FromDir(s.Path)
}

type fileEntry struct {
	relPath string
	absPath string
	mode    os.FileMode
	size    int64
}

// FromDir packs a directory into a deterministic gzip-compressed OCI layer.
// Symbolic links are followed; every regular file is archived under its path
// relative to root. Entries are written in sorted order with zeroed
// timestamps and ownership so the same tree always yields the same digest.
func FromDir(root string) (*Layer, error) {
	files, err := collectFiles(root)
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].relPath < files[j].relPath
	})

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, f := range files {
		header := &tar.Header{
			Name:     f.relPath,
			Mode:     int64(f.mode & 0777),
			Size:     f.size,
			Typeflag: tar.TypeReg,
		}

		if err := tw.WriteHeader(header); err != nil {
			return nil, oerrors.Wrap(oerrors.TypeIO, "archive_dir", err, "failed to write tar header").WithResource(f.relPath)
		}

		if err := appendFileContents(tw, f.absPath); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, oerrors.Wrap(oerrors.TypeIO, "archive_dir", err, "failed to finalize archive").WithResource(root)
	}

	data := buf.Bytes()
	compressed, err := compress(data, gzipLevel)
	if err != nil {
		return nil, oerrors.Wrap(oerrors.TypeIO, "compress_layer", err, "failed to compress archive").WithResource(root)
	}

	return &Layer{
		MediaType:      MediaTypeImageLayerGzip,
		Digest:         digest.FromBytes(compressed),
		Size:           int64(len(data)),
		CompressedSize: int64(len(compressed)),
		Data:           compressed,
		DiffID:         digest.FromBytes(data),
		Annotations:    map[string]string{},
	}, nil
}

// collectFiles walks root with an explicit worklist, following symlinks, and
// returns every regular file with its path relative to root.
func collectFiles(root string) ([]fileEntry, error) {
	var files []fileEntry
	dirs := []string{root}

	for len(dirs) > 0 {
		dir := dirs[len(dirs)-1]
		dirs = dirs[:len(dirs)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, oerrors.Wrap(oerrors.TypeIO, "archive_dir", err, "failed to read directory").WithResource(dir)
		}

		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())

			// Stat follows symlinks, so linked files and directories
			// are archived through their targets.
			info, err := os.Stat(path)
			if err != nil {
				return nil, oerrors.Wrap(oerrors.TypeIO, "archive_dir", err, "failed to stat entry").WithResource(path)
			}

			if info.IsDir() {
				dirs = append(dirs, path)
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil, oerrors.Wrap(oerrors.TypeIO, "archive_dir", err, "failed to relativize path").WithResource(path)
			}

			files = append(files, fileEntry{
				relPath: filepath.ToSlash(rel),
				absPath: path,
				mode:    info.Mode(),
				size:    info.Size(),
			})
		}
	}

	return files, nil
}

func appendFileContents(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "archive_dir", err, "failed to open file").WithResource(path)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return oerrors.Wrap(oerrors.TypeIO, "archive_dir", err, "failed to archive file").WithResource(path)
	}

	return nil
}

func compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer

	gw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Extract unpacks the layer into targetDir, reversing FromDir. Paths are
// sanitized against directory traversal.
func (l *Layer) Extract(targetDir string) error {
	var reader io.Reader = bytes.NewReader(l.Data)

	if l.MediaType == MediaTypeImageLayerGzip {
		gr, err := gzip.NewReader(reader)
		if err != nil {
			return oerrors.Wrap(oerrors.TypeIO, "extract_layer", err, "failed to open gzip stream").WithResource(l.Digest.String())
		}
		defer gr.Close()
		reader = gr
	}

	tr := tar.NewReader(reader)
	cleanTarget := filepath.Clean(targetDir)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return oerrors.Wrap(oerrors.TypeIO, "extract_layer", err, "failed to read tar header").WithResource(l.Digest.String())
		}

		targetPath := filepath.Join(cleanTarget, header.Name)
		if !strings.HasPrefix(targetPath, cleanTarget+string(os.PathSeparator)) {
			return oerrors.Newf(oerrors.TypeValidation, "extract_layer", "invalid file path: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
				return oerrors.Wrap(oerrors.TypeIO, "extract_layer", err, "failed to create directory").WithResource(targetPath)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return oerrors.Wrap(oerrors.TypeIO, "extract_layer", err, "failed to create parent directory").WithResource(targetPath)
			}

			f, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return oerrors.Wrap(oerrors.TypeIO, "extract_layer", err, "failed to create file").WithResource(targetPath)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return oerrors.Wrap(oerrors.TypeIO, "extract_layer", err, "failed to write file").WithResource(targetPath)
			}
			f.Close()

		default:
			// Other entry types do not occur in layers built by FromDir.
			continue
		}
	}

	return nil
}
