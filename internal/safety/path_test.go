package safety

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizeRelPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "data/a.txt", want: "data/a.txt"},
		{in: `Data\patch-3.MPQ`, want: "Data/patch-3.MPQ"},
		{in: "./data//b.txt", want: "data/b.txt"},
		{in: "data/../c.txt", want: "c.txt"},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: ".", wantErr: true},
		{in: "../escape.txt", wantErr: true},
		{in: `..\escape.txt`, wantErr: true},
		{in: "data/../../escape.txt", wantErr: true},
		{in: "/etc/passwd", wantErr: true},
		{in: `C:\Windows\win.ini`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeRelPath(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeRelPath(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeRelPath(%q) returned error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeRelPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSafeJoinUnder(t *testing.T) {
	root := t.TempDir()

	okPath, err := SafeJoinUnder(root, "a/b/c.txt")
	if err != nil {
		t.Fatalf("SafeJoinUnder returned error: %v", err)
	}
	if !strings.HasPrefix(okPath, root) {
		t.Fatalf("path %q is not under root %q", okPath, root)
	}
	if filepath.Base(okPath) != "c.txt" {
		t.Errorf("unexpected base name %q", filepath.Base(okPath))
	}

	if _, err := SafeJoinUnder(root, "../escape.txt"); err == nil {
		t.Fatal("expected traversal path to fail")
	}
	if _, err := SafeJoinUnder(root, "/abs/path.txt"); err == nil {
		t.Fatal("expected absolute path to fail")
	}
}

func TestEnsureUnderRoot(t *testing.T) {
	root := t.TempDir()
	if _, err := EnsureUnderRoot(root, root+"/child/file.txt"); err != nil {
		t.Fatalf("EnsureUnderRoot failed for child path: %v", err)
	}
	if _, err := EnsureUnderRoot(root, root+"/../escape"); err == nil {
		t.Fatal("expected escape path to fail")
	}
	if _, err := EnsureUnderRoot(root, root); err == nil {
		t.Fatal("expected root itself to be rejected as a file destination")
	}
}

func TestEnsureResolvedUnderRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "data"), filepath.Join(root, "alias")); err != nil {
		t.Fatal(err)
	}

	for _, rel := range []string{"data/a.txt", "new/dir/b.txt", "alias/c.txt", "top.txt"} {
		if _, err := EnsureResolvedUnderRoot(root, filepath.Join(root, rel)); err != nil {
			t.Errorf("EnsureResolvedUnderRoot(%q) returned error: %v", rel, err)
		}
	}
	for _, rel := range []string{"link/a.txt", "link/deeper/b.txt"} {
		if _, err := EnsureResolvedUnderRoot(root, filepath.Join(root, rel)); err == nil {
			t.Errorf("EnsureResolvedUnderRoot(%q) expected error", rel)
		}
	}
}

func TestEnsureResolvedUnderSymlinkedRoot(t *testing.T) {
	target := t.TempDir()
	root := filepath.Join(t.TempDir(), "root")
	if err := os.Symlink(target, root); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	got, err := EnsureResolvedUnderRoot(root, filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatalf("EnsureResolvedUnderRoot returned error: %v", err)
	}
	if got != filepath.Join(root, "a.txt") {
		t.Errorf("got %q, want path under the unresolved root", got)
	}
}

func TestReadAllWithLimit(t *testing.T) {
	_, err := ReadAllWithLimit(strings.NewReader("abc"), 2)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	data, err := ReadAllWithLimit(io.NopCloser(strings.NewReader("abc")), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("unexpected data: %q", string(data))
	}
}

func TestValidateHTTPURL(t *testing.T) {
	if _, err := ValidateHTTPURL("https://cdn.example.com/manifest.json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, raw := range []string{"ftp://example.com/x", "https://", "https://user:pw@example.com/x"} {
		if _, err := ValidateHTTPURL(raw); err == nil {
			t.Errorf("ValidateHTTPURL(%q) expected error", raw)
		}
	}
	if !IsHTTPURL("http://localhost:8080/manifest.json") {
		t.Error("expected http URL to be recognized")
	}
	if IsHTTPURL("manifest.json") {
		t.Error("expected plain path not to be treated as URL")
	}
}
