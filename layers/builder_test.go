package layers

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// writeTree creates a small project-like directory tree for packing tests.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()

	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("failed to create directory: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
	}

	return root
}

func TestFromDirRoundTrip(t *testing.T) {
	files := map[string]string{
		"main.py":          "print('hello')\n",
		"pkg/__init__.py":  "",
		"pkg/util.py":      "def f():\n    return 42\n",
		"requirements.txt": "requests==2.31.0\n",
	}
	root := writeTree(t, files)

	layer, err := FromDir(root)
	if err != nil {
		t.Fatalf("FromDir() error = %v", err)
	}

	target := t.TempDir()
	if err := layer.Extract(target); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	for rel, want := range files {
		got, err := os.ReadFile(filepath.Join(target, rel))
		if err != nil {
			t.Fatalf("missing extracted file %s: %v", rel, err)
		}
		if string(got) != want {
			t.Errorf("%s content = %q, want %q", rel, got, want)
		}
	}
}

func TestFromDirDigestInvariants(t *testing.T) {
	root := writeTree(t, map[string]string{"app.py": "x = 1\n"})

	layer, err := FromDir(root)
	if err != nil {
		t.Fatalf("FromDir() error = %v", err)
	}

	if got := digest.FromBytes(layer.Data); got != layer.Digest {
		t.Errorf("digest over data = %v, want %v", got, layer.Digest)
	}
	if layer.MediaType != MediaTypeImageLayerGzip {
		t.Errorf("MediaType = %v, want %v", layer.MediaType, MediaTypeImageLayerGzip)
	}
	if layer.CompressedSize != int64(len(layer.Data)) {
		t.Errorf("CompressedSize = %d, want %d", layer.CompressedSize, len(layer.Data))
	}
	if layer.Size == 0 {
		t.Error("Size = 0, want uncompressed archive size")
	}
	if err := layer.Verify(); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestFromDirDeterministic(t *testing.T) {
	files := map[string]string{
		"b.py":     "b\n",
		"a.py":     "a\n",
		"sub/c.py": "c\n",
	}

	first, err := FromDir(writeTree(t, files))
	if err != nil {
		t.Fatalf("FromDir() error = %v", err)
	}
	second, err := FromDir(writeTree(t, files))
	if err != nil {
		t.Fatalf("FromDir() error = %v", err)
	}

	if first.Digest != second.Digest {
		t.Errorf("digests differ across identical trees: %v vs %v", first.Digest, second.Digest)
	}
	if first.DiffID != second.DiffID {
		t.Errorf("diff IDs differ across identical trees: %v vs %v", first.DiffID, second.DiffID)
	}
}

func TestDiffIDStableAcrossCompressionLevels(t *testing.T) {
	payload := []byte("the uncompressed archive bytes that identify this layer")
	diffID := digest.FromBytes(payload)

	levels := []int{gzip.BestSpeed, gzip.DefaultCompression, gzip.BestCompression}
	for _, level := range levels {
		compressed, err := compress(payload, level)
		if err != nil {
			t.Fatalf("compress(level=%d) error = %v", level, err)
		}

		// The stored blob digest changes with the level; the identity of
		// the uncompressed payload must not.
		layer := Layer{
			MediaType:      MediaTypeImageLayerGzip,
			Digest:         digest.FromBytes(compressed),
			Size:           int64(len(payload)),
			CompressedSize: int64(len(compressed)),
			Data:           compressed,
			DiffID:         diffID,
		}

		if layer.DiffID != diffID {
			t.Errorf("level %d: DiffID = %v, want %v", level, layer.DiffID, diffID)
		}
		if err := layer.Verify(); err != nil {
			t.Errorf("level %d: Verify() error = %v", level, err)
		}
	}
}

func TestFromDirMissingRoot(t *testing.T) {
	if _, err := FromDir(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Error("FromDir() on missing directory succeeded, want error")
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	layer := &Layer{
		MediaType: MediaTypeImageLayer,
		Data:      tarWithEntry(t, "../escape.txt"),
	}

	if err := layer.Extract(t.TempDir()); err == nil {
		t.Error("Extract() with traversal path succeeded, want error")
	}
}

// tarWithEntry builds an uncompressed archive containing one regular file
// with the given entry name.
func tarWithEntry(t *testing.T, name string) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	content := []byte("x")
	header := &tar.Header{
		Name:     name,
		Mode:     0644,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		t.Fatalf("WriteHeader() error = %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	return buf.Bytes()
}
