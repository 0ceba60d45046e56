// Package download transfers manifest files into place: stream to a temp
// file beside the destination, verify size and digest, then rename.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/BadgerOps/patcher/internal/digest"
	"github.com/BadgerOps/patcher/internal/safety"
)

// ErrStalled is returned when no bytes arrive within the stall timeout.
var ErrStalled = errors.New("transfer stalled")

// ProgressFunc is called periodically to report transfer progress.
// bytesDone is the number of bytes written so far,
// totalBytes is the expected size of the file (or 0 if unknown).
type ProgressFunc func(bytesDone, totalBytes int64)

// FetchOptions describes a single file transfer.
type FetchOptions struct {
	// Sources are tried in order on every attempt.
	Sources  []string
	DestPath string
	Expected digest.Sum // zero to skip digest validation
	// ExpectedSize is the exact byte count; negative skips the size check.
	ExpectedSize int64
	Mode         os.FileMode // 0 means 0644
	RetryCount   int         // 0 defaults to 3
	OnProgress   ProgressFunc
}

// FetchResult contains the result of a successful transfer.
type FetchResult struct {
	Path     string        // Destination path
	Size     int64         // Final file size in bytes
	Digest   digest.Sum    // Digest of the written content
	Source   string        // Source the content came from
	Attempts int           // Number of attempts made
	Duration time.Duration // Total transfer duration
}

// Client performs transfers with retry logic and integrity validation.
type Client struct {
	httpClient   *http.Client
	fs           afero.Fs
	logger       *slog.Logger
	userAgent    string
	headers      map[string]string
	stallTimeout time.Duration
	fileTimeout  time.Duration
	limiter      *rate.Limiter
	backoffFunc  func(attempt int) time.Duration

	httpOpener Opener
	fileOpener Opener
}

// Option configures a Client.
type Option func(*Client)

// WithFs routes all destination and local-source I/O through fsys.
func WithFs(fsys afero.Fs) Option {
	return func(c *Client) { c.fs = fsys }
}

// WithHTTPClient replaces the default hardened HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent sets the User-Agent header on HTTP requests.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithHeaders adds headers to every HTTP request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) { c.headers = h }
}

// WithStallTimeout aborts an attempt when no bytes arrive for d.
func WithStallTimeout(d time.Duration) Option {
	return func(c *Client) { c.stallTimeout = d }
}

// WithFileTimeout bounds each attempt's total duration.
func WithFileTimeout(d time.Duration) Option {
	return func(c *Client) { c.fileTimeout = d }
}

// WithBandwidthLimit caps the combined transfer rate of every Fetch on this
// client, in bytes per second. Zero or negative disables the limit.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(c *Client) {
		if bytesPerSecond <= 0 {
			c.limiter = nil
			return
		}
		burst := int(bytesPerSecond)
		if burst < 32*1024 {
			burst = 32 * 1024
		}
		c.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
	}
}

// NewClient creates a new transfer client with the given logger.
func NewClient(logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		// No overall Timeout; body reads can take as long as needed.
		// The stall watchdog and context cancellation bound them instead.
		httpClient:   &http.Client{Transport: safety.NewTransport()},
		fs:           afero.NewOsFs(),
		logger:       logger,
		userAgent:    "patcher/1.0",
		stallTimeout: 60 * time.Second,
		backoffFunc:  calculateBackoffDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpOpener = &HTTPOpener{client: c.httpClient, userAgent: c.userAgent, headers: c.headers}
	c.fileOpener = &FileOpener{fs: c.fs}
	return c
}

func (c *Client) openerFor(src string) Opener {
	if safety.IsHTTPURL(src) {
		return c.httpOpener
	}
	return c.fileOpener
}

// Fetch transfers one file. Each attempt walks opts.Sources in order and
// stops at the first that yields verified content. The destination is only
// replaced by an atomic rename of fully verified content; on any failure it
// is left untouched and the temp file is removed.
func (c *Client) Fetch(ctx context.Context, opts FetchOptions) (*FetchResult, error) {
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if len(opts.Sources) == 0 {
		return nil, &FetchError{Err: errors.New("no sources")}
	}

	startTime := time.Now()
	var lastErr error
	var lastSource string

	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		select {
		case <-ctx.Done():
			return nil, &FetchError{Attempts: attempt - 1, Source: lastSource, Err: fmt.Errorf("transfer cancelled: %w", ctx.Err())}
		default:
		}

		permanent := true
		for _, src := range opts.Sources {
			result, err := c.fetchAttempt(ctx, src, opts)
			if err == nil {
				result.Attempts = attempt
				result.Duration = time.Since(startTime)
				return result, nil
			}

			lastErr, lastSource = err, src
			c.logger.Warn("transfer attempt failed", "source", src, "dest", opts.DestPath, "attempt", attempt, "error", err)

			// Don't retry on context cancellation
			if ctx.Err() != nil {
				return nil, &FetchError{Attempts: attempt, Source: src, Err: err}
			}
			if !isPermanent(err) {
				permanent = false
			}
		}

		if permanent {
			return nil, &FetchError{Attempts: attempt, Source: lastSource, Err: lastErr}
		}

		// Wait before retrying with exponential backoff + jitter
		if attempt < opts.RetryCount {
			delay := c.backoffFunc(attempt)
			c.logger.Debug("retrying transfer", "dest", opts.DestPath, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &FetchError{Attempts: attempt, Source: lastSource, Err: fmt.Errorf("transfer cancelled during retry: %w", ctx.Err())}
			}
		}
	}

	return nil, &FetchError{Attempts: opts.RetryCount, Source: lastSource, Err: lastErr}
}

// fetchAttempt performs a single transfer attempt from one source.
func (c *Client) fetchAttempt(parent context.Context, src string, opts FetchOptions) (*FetchResult, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if c.fileTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, c.fileTimeout)
		defer cancelTimeout()
	}

	var stalled atomic.Bool
	var watchdog *time.Timer
	if c.stallTimeout > 0 {
		watchdog = time.AfterFunc(c.stallTimeout, func() {
			stalled.Store(true)
			cancel()
		})
		defer watchdog.Stop()
	}
	stallErr := func(err error) error {
		if stalled.Load() {
			return fmt.Errorf("%w: no data for %s", ErrStalled, c.stallTimeout)
		}
		return err
	}

	body, size, err := c.openerFor(src).Open(ctx, src)
	if err != nil {
		return nil, stallErr(err)
	}
	defer body.Close()

	if opts.ExpectedSize >= 0 && size >= 0 && size != opts.ExpectedSize {
		return nil, &IntegrityError{Path: opts.DestPath, ExpectedSize: opts.ExpectedSize, ActualSize: size, Expected: opts.Expected}
	}

	// Ensure parent directories exist
	dir := filepath.Dir(opts.DestPath)
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(c.fs, dir, "."+filepath.Base(opts.DestPath)+".*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = c.fs.Remove(tmpName)
		}
	}()

	totalSize := opts.ExpectedSize
	if totalSize < 0 {
		totalSize = size
	}

	// One byte past the expected size is enough to prove a mismatch.
	var reader io.Reader = body
	if opts.ExpectedSize >= 0 {
		reader = io.LimitReader(reader, opts.ExpectedSize+1)
	}
	if c.limiter != nil {
		rr := &rateReader{reader: reader, limiter: c.limiter, ctx: ctx}
		if watchdog != nil {
			rr.watchdog, rr.stallTimeout = watchdog, c.stallTimeout
		}
		reader = rr
	}
	if watchdog != nil {
		watchdog.Reset(c.stallTimeout)
		reader = &stallReader{reader: reader, timer: watchdog, timeout: c.stallTimeout}
	}
	if opts.OnProgress != nil {
		reader = &progressReader{reader: reader, callback: opts.OnProgress, total: totalSize}
	}

	alg := opts.Expected.Algorithm
	if alg == "" {
		alg = digest.SHA256
	}
	h, err := alg.New()
	if err != nil {
		return nil, err
	}

	written, err := io.Copy(io.MultiWriter(tmp, h), reader)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) && !stalled.Load() {
			return nil, &IntegrityError{Path: opts.DestPath, ExpectedSize: opts.ExpectedSize, ActualSize: written, Expected: opts.Expected}
		}
		return nil, stallErr(fmt.Errorf("failed to write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("failed to flush temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	got := digest.FromHash(alg, h)
	if opts.ExpectedSize >= 0 && written != opts.ExpectedSize {
		return nil, &IntegrityError{Path: opts.DestPath, ExpectedSize: opts.ExpectedSize, ActualSize: written, Expected: opts.Expected, Actual: got}
	}
	if !opts.Expected.IsZero() && !got.Equal(opts.Expected) {
		return nil, &IntegrityError{Path: opts.DestPath, ExpectedSize: opts.ExpectedSize, ActualSize: written, Expected: opts.Expected, Actual: got}
	}

	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := c.fs.Chmod(tmpName, mode); err != nil {
		return nil, fmt.Errorf("failed to set mode: %w", err)
	}
	if err := c.fs.Rename(tmpName, opts.DestPath); err != nil {
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}
	committed = true

	return &FetchResult{
		Path:   opts.DestPath,
		Size:   written,
		Digest: got,
		Source: src,
	}, nil
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 1s, doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := time.Second
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// Don't retry on 4xx errors except 429 (Too Many Requests)
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return true
		}
	}
	return false
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// IntegrityError reports content whose size or digest differs from the
// manifest. The destination is never touched when it is returned.
type IntegrityError struct {
	Path         string
	ExpectedSize int64
	ActualSize   int64
	Expected     digest.Sum
	Actual       digest.Sum
}

func (e *IntegrityError) Error() string {
	if e.ExpectedSize >= 0 && e.ActualSize != e.ExpectedSize {
		return fmt.Sprintf("size mismatch: got %d bytes, expected %d", e.ActualSize, e.ExpectedSize)
	}
	return fmt.Sprintf("checksum mismatch: got %s, expected %s", e.Actual.Hex, e.Expected.Hex)
}

// FetchError is returned by Fetch once every attempt has failed.
type FetchError struct {
	Attempts int
	Source   string // last source tried
	Err      error
}

func (e *FetchError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("transfer failed after %d attempts: %v", e.Attempts, e.Err)
	}
	return e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

// progressReader wraps a reader and calls a progress callback as data is read.
type progressReader struct {
	reader   io.Reader
	callback ProgressFunc
	current  int64
	total    int64
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		if pr.callback != nil {
			pr.callback(pr.current, pr.total)
		}
	}
	return n, err
}

// stallReader pushes the watchdog back every time bytes arrive.
type stallReader struct {
	reader  io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (sr *stallReader) Read(p []byte) (int, error) {
	n, err := sr.reader.Read(p)
	if n > 0 {
		sr.timer.Reset(sr.timeout)
	}
	return n, err
}

// rateReader charges every read against a shared limiter. Time spent waiting
// on the limiter is not a stall: the watchdog, if set, is paused meanwhile.
type rateReader struct {
	reader  io.Reader
	limiter *rate.Limiter
	ctx     context.Context

	watchdog     *time.Timer
	stallTimeout time.Duration
}

func (rr *rateReader) Read(p []byte) (int, error) {
	if burst := rr.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := rr.reader.Read(p)
	if n > 0 {
		if rr.watchdog != nil {
			rr.watchdog.Stop()
		}
		werr := rr.limiter.WaitN(rr.ctx, n)
		if rr.watchdog != nil {
			rr.watchdog.Reset(rr.stallTimeout)
		}
		if werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}
