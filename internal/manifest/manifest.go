// Package manifest parses and validates the declarative file manifest that
// describes the desired state of a target directory.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/patcher/internal/digest"
	"github.com/BadgerOps/patcher/internal/safety"
)

// ErrManifest matches every manifest load failure via errors.Is.
var ErrManifest = errors.New("invalid manifest")

// MalformedError reports a structurally broken manifest document.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed manifest: %v", e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Is(target error) bool { return target == ErrManifest }

// InvalidEntryError reports a well-formed entry that violates a manifest rule.
type InvalidEntryError struct {
	Index  int
	Path   string
	Reason string
}

func (e *InvalidEntryError) Error() string {
	return fmt.Sprintf("invalid manifest entry %d (%q): %s", e.Index, e.Path, e.Reason)
}

func (e *InvalidEntryError) Is(target error) bool { return target == ErrManifest }

// Entry is one desired file.
type Entry struct {
	// Path is the normalized, slash-separated path relative to the target root.
	Path string
	Hash digest.Sum
	Size int64
	// URLs maps a mirror provider to the entry's URL on that mirror.
	URLs map[Provider]string
	// Sources lists additional URLs or local paths, tried after URLs.
	Sources []string
	// Mode is the permission applied on commit; zero means 0644, or 0755
	// when Executable is set.
	Mode       os.FileMode
	Executable bool
	// Custom marks files that users are expected to customize.
	Custom bool
}

// FileMode returns the permission bits to apply when the entry is written.
func (e Entry) FileMode() os.FileMode {
	switch {
	case e.Mode != 0:
		return e.Mode
	case e.Executable:
		return 0o755
	default:
		return 0o644
	}
}

// Meta is manifest-level metadata.
type Meta struct {
	Version   string
	UID       string
	Generated time.Time
}

// Manifest is the validated, immutable set of desired files.
type Manifest struct {
	meta    Meta
	entries []Entry
	index   map[string]int
}

// New validates entries and builds a Manifest. Entry paths are normalized;
// on any violation no Manifest is returned.
func New(meta Meta, entries []Entry) (*Manifest, error) {
	m := &Manifest{
		meta:    meta,
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}

	for i, e := range entries {
		norm, err := safety.NormalizeRelPath(e.Path)
		if err != nil {
			return nil, &InvalidEntryError{Index: i, Path: e.Path, Reason: err.Error()}
		}
		if prev, dup := m.index[norm]; dup {
			return nil, &InvalidEntryError{
				Index:  i,
				Path:   e.Path,
				Reason: fmt.Sprintf("duplicate path %q (first declared by entry %d)", norm, prev),
			}
		}
		if e.Size < 0 {
			return nil, &InvalidEntryError{Index: i, Path: e.Path, Reason: fmt.Sprintf("negative size %d", e.Size)}
		}
		if !e.Hash.Algorithm.Known() {
			return nil, &InvalidEntryError{Index: i, Path: e.Path, Reason: fmt.Sprintf("unrecognized hash algorithm %q", e.Hash.Algorithm)}
		}
		if e.Mode&^os.ModePerm != 0 {
			return nil, &InvalidEntryError{Index: i, Path: e.Path, Reason: fmt.Sprintf("mode %o is not a permission mask", e.Mode)}
		}

		e.Path = norm
		e.URLs = cleanURLs(e.URLs)
		e.Sources = cleanSources(e.Sources)
		if len(e.URLs) == 0 && len(e.Sources) == 0 {
			return nil, &InvalidEntryError{Index: i, Path: e.Path, Reason: "no source locations"}
		}

		m.index[norm] = len(m.entries)
		m.entries = append(m.entries, e)
	}

	return m, nil
}

func cleanURLs(in map[Provider]string) map[Provider]string {
	out := make(map[Provider]string, len(in))
	for p, u := range in {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		out[Provider(strings.ToLower(string(p)))] = u
	}
	return out
}

func cleanSources(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Meta returns the manifest metadata.
func (m *Manifest) Meta() Meta { return m.meta }

// Version is shorthand for Meta().Version.
func (m *Manifest) Version() string { return m.meta.Version }

// Len returns the number of entries.
func (m *Manifest) Len() int { return len(m.entries) }

// Entries returns the entries in manifest order. The returned slice is a copy.
func (m *Manifest) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Lookup returns the entry for a normalized path.
func (m *Manifest) Lookup(path string) (Entry, bool) {
	i, ok := m.index[path]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}

// TotalSize sums the expected size of every entry.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, e := range m.entries {
		total += e.Size
	}
	return total
}

// document mirrors the published manifest schema. JSON keys are PascalCase
// (matched case-insensitively); YAML keys are lower case.
type document struct {
	Version   string         `json:"Version" yaml:"version"`
	UID       string         `json:"Uid" yaml:"uid"`
	Generated *time.Time     `json:"Generated,omitempty" yaml:"generated,omitempty"`
	Files     []documentFile `json:"Files" yaml:"files"`
	// Removals is accepted for compatibility and never applied.
	Removals []string `json:"Removals,omitempty" yaml:"removals,omitempty"`
}

type documentFile struct {
	Path       string            `json:"Path" yaml:"path"`
	Hash       string            `json:"Hash" yaml:"hash"`
	Size       *int64            `json:"Size" yaml:"size"`
	Custom     bool              `json:"Custom" yaml:"custom"`
	Executable bool              `json:"Executable" yaml:"executable"`
	Mode       string            `json:"Mode,omitempty" yaml:"mode,omitempty"`
	URLs       map[string]string `json:"Urls" yaml:"urls"`
	Sources    []string          `json:"Sources,omitempty" yaml:"sources,omitempty"`
}

// Load parses a JSON manifest.
func Load(raw []byte) (*Manifest, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&doc); err != nil {
		return nil, &MalformedError{Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &MalformedError{Err: errors.New("trailing data after manifest document")}
	}
	return fromDocument(&doc)
}

// LoadYAML parses a YAML manifest.
func LoadYAML(raw []byte) (*Manifest, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &MalformedError{Err: err}
	}
	return fromDocument(&doc)
}

// LoadDocument picks the decoder from the document name and content.
func LoadDocument(name string, raw []byte) (*Manifest, error) {
	if isYAML(name, raw) {
		return LoadYAML(raw)
	}
	return Load(raw)
}

func isYAML(name string, raw []byte) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".gz", ".zst", ".xz"} {
		lower = strings.TrimSuffix(lower, ext)
	}
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return true
	}
	if strings.HasSuffix(lower, ".json") {
		return false
	}
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] != '{'
}

func fromDocument(doc *document) (*Manifest, error) {
	if doc.Files == nil {
		return nil, &MalformedError{Err: errors.New("missing Files list")}
	}

	meta := Meta{Version: doc.Version, UID: doc.UID}
	if doc.Generated != nil {
		meta.Generated = *doc.Generated
	}

	entries := make([]Entry, 0, len(doc.Files))
	for i, f := range doc.Files {
		if f.Size == nil {
			return nil, &InvalidEntryError{Index: i, Path: f.Path, Reason: "missing size"}
		}
		sum, err := digest.Parse(f.Hash)
		if err != nil {
			return nil, &InvalidEntryError{Index: i, Path: f.Path, Reason: err.Error()}
		}

		var mode os.FileMode
		if f.Mode != "" {
			v, err := strconv.ParseUint(f.Mode, 8, 32)
			if err != nil || v > 0o777 {
				return nil, &InvalidEntryError{Index: i, Path: f.Path, Reason: fmt.Sprintf("invalid mode %q", f.Mode)}
			}
			mode = os.FileMode(v)
		}

		urls := make(map[Provider]string, len(f.URLs))
		for k, v := range f.URLs {
			urls[Provider(k)] = v
		}

		entries = append(entries, Entry{
			Path:       f.Path,
			Hash:       sum,
			Size:       *f.Size,
			URLs:       urls,
			Sources:    f.Sources,
			Mode:       mode,
			Executable: f.Executable,
			Custom:     f.Custom,
		})
	}

	return New(meta, entries)
}
