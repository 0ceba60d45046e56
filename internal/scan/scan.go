// Package scan inspects the target directory for the paths a manifest names.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/BadgerOps/patcher/internal/digest"
	"github.com/BadgerOps/patcher/internal/manifest"
	"github.com/BadgerOps/patcher/internal/safety"
)

// FileState is the observed state of one manifest path under the root.
// Digests are computed on first request and cached.
type FileState struct {
	Path    string
	AbsPath string
	Exists  bool
	Size    int64
	ModTime time.Time
	// Symlink is set when the path is a symbolic link; links are never
	// followed.
	Symlink bool
	// Unreadable holds the reason the path could not be inspected.
	Unreadable string

	fs     afero.Fs
	mu     sync.Mutex
	hashed bool
	sum    digest.Sum
	sumErr error
}

// IsUnreadable reports whether the path could not be inspected.
func (s *FileState) IsUnreadable() bool { return s.Unreadable != "" }

// Hashed reports whether the digest has already been computed.
func (s *FileState) Hashed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashed
}

// Digest returns the file's digest under alg, reading the file at most once.
func (s *FileState) Digest(alg digest.Algorithm) (digest.Sum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hashed && (s.sumErr != nil || s.sum.Algorithm == alg) {
		return s.sum, s.sumErr
	}
	if !s.Exists || s.Symlink || s.IsUnreadable() {
		return digest.Sum{}, fmt.Errorf("%s: no regular file to hash", s.Path)
	}

	s.sum, s.sumErr = hashFile(s.fs, s.AbsPath, alg)
	s.hashed = true
	return s.sum, s.sumErr
}

func hashFile(fsys afero.Fs, path string, alg digest.Algorithm) (digest.Sum, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return digest.Sum{}, err
	}
	defer f.Close()

	sum, _, err := digest.Reader(alg, f)
	return sum, err
}

// States maps normalized manifest paths to their observed state.
type States map[string]*FileState

// Options tunes a Scanner.
type Options struct {
	// Workers bounds concurrent hashing during prehash. Zero means 4.
	Workers int
	// Prehash computes digests up front, concurrently, for files whose size
	// already matches the manifest. Files with a size mismatch are never
	// hashed.
	Prehash bool
}

// Scanner collects FileStates for manifest paths.
type Scanner struct {
	fs     afero.Fs
	opts   Options
	logger *slog.Logger
}

// NewScanner returns a Scanner reading through fsys. A nil fsys means the
// OS filesystem.
func NewScanner(fsys afero.Fs, opts Options, logger *slog.Logger) *Scanner {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Scanner{fs: fsys, opts: opts, logger: logger}
}

// Scan stats every manifest path under root. A missing root is not an error:
// every entry is reported absent. Per-path failures are recorded on the
// FileState and never abort the scan.
func (s *Scanner) Scan(ctx context.Context, root string, m *manifest.Manifest) (States, error) {
	rootMissing := false
	fi, err := s.fs.Stat(root)
	switch {
	case err != nil && errors.Is(err, fs.ErrNotExist):
		rootMissing = true
		s.logger.Debug("target root does not exist yet", "root", root)
	case err != nil:
		return nil, fmt.Errorf("inspecting root %s: %w", root, err)
	case !fi.IsDir():
		return nil, fmt.Errorf("root %s is not a directory", root)
	}

	entries := m.Entries()
	states := make(States, len(entries))

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		st := &FileState{Path: e.Path, fs: s.fs}
		states[e.Path] = st

		abs, err := safety.SafeJoinUnder(root, e.Path)
		if err != nil {
			st.Unreadable = err.Error()
			continue
		}
		st.AbsPath = abs
		if rootMissing {
			continue
		}
		s.stat(st)
	}

	if s.opts.Prehash {
		if err := s.prehash(ctx, entries, states); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("scan complete", "root", root, "paths", len(states))
	return states, nil
}

func (s *Scanner) stat(st *FileState) {
	var fi os.FileInfo
	var err error
	if lst, ok := s.fs.(afero.Lstater); ok {
		fi, _, err = lst.LstatIfPossible(st.AbsPath)
	} else {
		fi, err = s.fs.Stat(st.AbsPath)
	}

	switch {
	case err != nil && errors.Is(err, fs.ErrNotExist):
		return
	case err != nil:
		st.Unreadable = err.Error()
		s.logger.Warn("cannot inspect local file", "path", st.Path, "error", err)
		return
	}

	st.Exists = true
	st.ModTime = fi.ModTime()
	switch mode := fi.Mode(); {
	case mode&os.ModeSymlink != 0:
		st.Symlink = true
	case mode.IsDir():
		st.Unreadable = "path is a directory"
	case !mode.IsRegular():
		st.Unreadable = fmt.Sprintf("not a regular file (%s)", mode.Type())
	default:
		st.Size = fi.Size()
	}
}

// prehash warms digests for size-matching files with a bounded worker pool.
func (s *Scanner) prehash(ctx context.Context, entries []manifest.Entry, states States) error {
	jobs := make(chan manifest.Entry)
	var wg sync.WaitGroup

	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range jobs {
				st := states[e.Path]
				if _, err := st.Digest(e.Hash.Algorithm); err != nil {
					s.logger.Warn("failed to hash local file", "path", e.Path, "error", err)
				}
			}
		}()
	}

	var err error
send:
	for _, e := range entries {
		st := states[e.Path]
		if !st.Exists || st.Symlink || st.IsUnreadable() || st.Size != e.Size {
			continue
		}
		select {
		case jobs <- e:
		case <-ctx.Done():
			err = ctx.Err()
			break send
		}
	}
	close(jobs)
	wg.Wait()
	return err
}
