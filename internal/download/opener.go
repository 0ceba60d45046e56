package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/afero"

	"github.com/BadgerOps/patcher/internal/safety"
)

// Opener opens a source location for streaming. size is -1 when unknown.
type Opener interface {
	Open(ctx context.Context, src string) (body io.ReadCloser, size int64, err error)
}

// HTTPOpener streams http(s) sources.
type HTTPOpener struct {
	client    *http.Client
	userAgent string
	headers   map[string]string
}

// Open issues a GET for src. Non-2xx responses return *HTTPError.
func (o *HTTPOpener) Open(ctx context.Context, src string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", o.userAgent)
	for k, v := range o.headers {
		req.Header.Set(k, v)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := safety.ReadAllWithLimit(resp.Body, 4096)
		return nil, 0, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}
	return resp.Body, resp.ContentLength, nil
}

// FileOpener reads local paths and file:// URLs through an afero filesystem.
type FileOpener struct {
	fs afero.Fs
}

// Open opens the named file. A missing file returns an error wrapping
// fs.ErrNotExist.
func (o *FileOpener) Open(_ context.Context, src string) (io.ReadCloser, int64, error) {
	p, err := localPath(src)
	if err != nil {
		return nil, 0, err
	}

	f, err := o.fs.Open(p)
	if err != nil {
		return nil, 0, fmt.Errorf("opening source: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("inspecting source: %w", err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("source %s is a directory", p)
	}
	return f, fi.Size(), nil
}

func localPath(src string) (string, error) {
	if !strings.HasPrefix(src, "file://") {
		return src, nil
	}
	u, err := url.Parse(src)
	if err != nil {
		return "", fmt.Errorf("invalid file URL %q: %w", src, err)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("file URL %q names a remote host", src)
	}
	return u.Path, nil
}

// isPermanent reports whether err from an opener means the source will never
// succeed on retry.
func isPermanent(err error) bool {
	if shouldNotRetry(err) {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}
