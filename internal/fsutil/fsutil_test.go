package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestCopyDir(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "main.py"), "print('x')\n")
	writeFile(t, filepath.Join(src, "pkg", "util.py"), "y = 1\n")
	writeFile(t, filepath.Join(src, "pkg", "sub", "deep.py"), "z = 2\n")

	dst := filepath.Join(t.TempDir(), "copy")
	if err := CopyDir(src, dst); err != nil {
		t.Fatalf("CopyDir() error = %v", err)
	}

	for _, rel := range []string{"main.py", "pkg/util.py", "pkg/sub/deep.py"} {
		srcData, err := os.ReadFile(filepath.Join(src, rel))
		if err != nil {
			t.Fatalf("failed to read source %s: %v", rel, err)
		}
		dstData, err := os.ReadFile(filepath.Join(dst, rel))
		if err != nil {
			t.Fatalf("missing copied file %s: %v", rel, err)
		}
		if string(srcData) != string(dstData) {
			t.Errorf("%s content differs after copy", rel)
		}
	}
}

func TestCopyDirMissingSource(t *testing.T) {
	if err := CopyDir(filepath.Join(t.TempDir(), "absent"), t.TempDir()); err == nil {
		t.Error("CopyDir() with missing source succeeded, want error")
	}
}

func TestRemoveMatching(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.py"), "keep")
	writeFile(t, filepath.Join(dir, "main.pyc"), "drop")
	writeFile(t, filepath.Join(dir, "pkg", "util.pyc"), "drop")
	writeFile(t, filepath.Join(dir, "__pycache__", "cached.pyc"), "drop")

	if err := RemoveMatching(dir, "*.pyc"); err != nil {
		t.Fatalf("RemoveMatching() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "main.py")); err != nil {
		t.Error("non-matching file was removed")
	}
	for _, rel := range []string{"main.pyc", "pkg/util.pyc", "__pycache__/cached.pyc"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); !os.IsNotExist(err) {
			t.Errorf("%s survived removal", rel)
		}
	}
}

func TestRemoveMatchingDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "__pycache__", "a.pyc"), "drop")
	writeFile(t, filepath.Join(dir, "app.py"), "keep")

	if err := RemoveMatching(dir, "__pycache__"); err != nil {
		t.Fatalf("RemoveMatching() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "__pycache__")); !os.IsNotExist(err) {
		t.Error("matched directory survived removal")
	}
	if _, err := os.Stat(filepath.Join(dir, "app.py")); err != nil {
		t.Error("non-matching file was removed")
	}
}
