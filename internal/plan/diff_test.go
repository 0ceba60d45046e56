package plan

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/patcher/internal/digest"
	"github.com/BadgerOps/patcher/internal/manifest"
	"github.com/BadgerOps/patcher/internal/scan"
)

type file struct {
	path    string
	content string
}

func buildManifest(t *testing.T, files ...file) *manifest.Manifest {
	t.Helper()
	entries := make([]manifest.Entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, manifest.Entry{
			Path:    f.path,
			Hash:    digest.Bytes(digest.MD5, []byte(f.content)),
			Size:    int64(len(f.content)),
			Sources: []string{"http://origin/" + f.path},
		})
	}
	m, err := manifest.New(manifest.Meta{Version: "1"}, entries)
	require.NoError(t, err)
	return m
}

func scanFS(t *testing.T, fs afero.Fs, m *manifest.Manifest) scan.States {
	t.Helper()
	states, err := scan.NewScanner(fs, scan.Options{}, nil).Scan(context.Background(), "/root", m)
	require.NoError(t, err)
	return states
}

func kinds(p *Plan) map[string]ActionKind {
	out := make(map[string]ActionKind, len(p.Actions))
	for _, a := range p.Actions {
		out[a.Path()] = a.Kind
	}
	return out
}

func TestDiffExampleScenario(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/root/a.txt", []byte("hello"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/root/b.txt", []byte("stale"), 0o644))

	m := buildManifest(t, file{"a.txt", "hello"}, file{"b.txt", "world"})
	p := Diff(m, scanFS(t, fs, m), Options{})

	require.Len(t, p.Actions, 2)
	assert.Equal(t, "a.txt", p.Actions[0].Path())
	assert.Equal(t, ActionSkip, p.Actions[0].Kind)
	assert.Equal(t, ActionUpdate, p.Actions[1].Kind)
	assert.Equal(t, "hash mismatch", p.Actions[1].Reason)

	s := p.Summary()
	assert.Equal(t, 1, s.Skip)
	assert.Equal(t, 1, s.Update)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, int64(5), s.DownloadSize)
	assert.Equal(t, int64(0), s.DiskChange)
}

func TestDiffClassification(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/root/same.txt", []byte("same"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/root/short.txt", []byte("s"), 0o644))
	require.NoError(t, fs.MkdirAll("/root/dir.txt", 0o755))

	m := buildManifest(t,
		file{"same.txt", "same"},
		file{"short.txt", "longer"},
		file{"missing.txt", "new!"},
		file{"dir.txt", "oops"},
	)
	states := scanFS(t, fs, m)
	p := Diff(m, states, Options{})

	require.Len(t, p.Actions, m.Len())
	assert.Equal(t, map[string]ActionKind{
		"same.txt":    ActionSkip,
		"short.txt":   ActionUpdate,
		"missing.txt": ActionAdd,
		"dir.txt":     ActionError,
	}, kinds(p))

	assert.False(t, states["short.txt"].Hashed(), "size mismatch must not hash")
	assert.True(t, states["same.txt"].Hashed())

	s := p.Summary()
	assert.Equal(t, 2, s.Pending)
	assert.Equal(t, int64(10), s.DownloadSize)
	assert.Equal(t, int64(9), s.DiskChange)
}

func TestDiffOptions(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/root/a.txt", []byte("hello"), 0o644))

	m := buildManifest(t, file{"a.txt", "hello"}, file{"b.txt", "world"})

	forced := Diff(m, scanFS(t, fs, m), Options{Force: true})
	assert.Equal(t, map[string]ActionKind{"a.txt": ActionUpdate, "b.txt": ActionAdd}, kinds(forced))

	verify := Diff(m, scanFS(t, fs, m), Options{VerifyOnly: true})
	assert.Equal(t, map[string]ActionKind{"a.txt": ActionSkip, "b.txt": ActionVerifyOnly}, kinds(verify))
	assert.Equal(t, "missing", verify.Actions[1].Reason)
	assert.True(t, verify.NothingToDo())

	only := Diff(m, scanFS(t, fs, m), Options{Only: map[string]bool{"a.txt": true}, Force: true})
	require.Len(t, only.Actions, 2)
	assert.Equal(t, ActionUpdate, only.Actions[0].Kind)
	assert.Equal(t, ActionSkip, only.Actions[1].Kind)
	assert.Equal(t, "not selected", only.Actions[1].Reason)
}

func TestDiffEmptyManifest(t *testing.T) {
	m := buildManifest(t)
	p := Diff(m, scan.States{}, Options{})
	assert.Empty(t, p.Actions)
	assert.True(t, p.NothingToDo())
}

func TestResultSuccess(t *testing.T) {
	r := &Result{}
	assert.True(t, r.Success())
	r.Failed = append(r.Failed, FailedFile{Path: "b.txt", Error: "boom"})
	assert.False(t, r.Success())
}
