package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/patcher/internal/safety"
)

// MaxDocumentSize bounds the size of a (decompressed) manifest document.
const MaxDocumentSize = 64 << 20

// ErrLocation is returned when a manifest location is neither a usable URL
// nor a readable file.
var ErrLocation = errors.New("manifest location must be a valid URL (e.g., http://localhost:8080/manifest.json) or a readable file path")

// Location is where a manifest document is fetched from.
type Location struct {
	URL  *url.URL
	Path string
}

// ParseLocation classifies s as an http(s) URL or a readable file path.
func ParseLocation(s string) (Location, error) {
	if safety.IsHTTPURL(s) {
		u, err := safety.ValidateHTTPURL(s)
		if err != nil {
			return Location{}, fmt.Errorf("%w: %v", ErrLocation, err)
		}
		return Location{URL: u}, nil
	}

	f, err := os.Open(s)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrLocation, err)
	}
	defer f.Close()
	if fi, err := f.Stat(); err != nil || fi.IsDir() {
		return Location{}, fmt.Errorf("%w: %q is not a regular file", ErrLocation, s)
	}
	return Location{Path: s}, nil
}

// IsURL reports whether the location is remote.
func (l Location) IsURL() bool { return l.URL != nil }

func (l Location) String() string {
	if l.URL != nil {
		return l.URL.String()
	}
	return l.Path
}

// Name is the document file name, used for format detection.
func (l Location) Name() string {
	if l.URL != nil {
		return path.Base(l.URL.Path)
	}
	return filepath.Base(l.Path)
}

// Fetch reads the raw manifest document, decompressing gzip, zstd, and xz
// payloads. client may be nil for file locations.
func Fetch(ctx context.Context, loc Location, client *http.Client) ([]byte, error) {
	var raw []byte
	var err error
	if loc.IsURL() {
		raw, err = fetchURL(ctx, loc.URL, client)
	} else {
		raw, err = fetchFile(loc.Path)
	}
	if err != nil {
		return nil, err
	}
	return decompress(raw)
}

// FetchAndLoad fetches and parses the manifest at loc.
func FetchAndLoad(ctx context.Context, loc Location, client *http.Client) (*Manifest, error) {
	raw, err := Fetch(ctx, loc, client)
	if err != nil {
		return nil, err
	}
	return LoadDocument(loc.Name(), raw)
}

func fetchFile(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()

	data, err := safety.ReadAllWithLimit(f, MaxDocumentSize)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return data, nil
}

func fetchURL(ctx context.Context, u *url.URL, client *http.Client) ([]byte, error) {
	if client == nil {
		client = safety.NewHTTPClient(0)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9, */*;q=0.5")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching manifest: unexpected status %s", resp.Status)
	}

	data, err := safety.ReadAllWithLimit(resp.Body, MaxDocumentSize)
	if err != nil {
		return nil, fmt.Errorf("reading manifest body: %w", err)
	}
	return data, nil
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

func decompress(raw []byte) ([]byte, error) {
	var r io.Reader
	switch {
	case bytes.HasPrefix(raw, gzipMagic):
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, &MalformedError{Err: fmt.Errorf("gzip: %w", err)}
		}
		defer zr.Close()
		r = zr
	case bytes.HasPrefix(raw, zstdMagic):
		zr, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, &MalformedError{Err: fmt.Errorf("zstd: %w", err)}
		}
		defer zr.Close()
		r = zr
	case bytes.HasPrefix(raw, xzMagic):
		xr, err := xz.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, &MalformedError{Err: fmt.Errorf("xz: %w", err)}
		}
		r = xr
	default:
		return raw, nil
	}

	data, err := safety.ReadAllWithLimit(r, MaxDocumentSize)
	if err != nil {
		return nil, &MalformedError{Err: fmt.Errorf("decompressing manifest: %w", err)}
	}
	return data, nil
}
