package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newTestWorkspace(t *testing.T) (*Registry, *Workspace) {
	t.Helper()
	reg := NewRegistry(t.TempDir(), zap.NewNop())
	ws, err := reg.Open("task-1")
	require.NoError(t, err)
	return reg, ws
}

func TestOpenCreatesFixedSubdirs(t *testing.T) {
	reg, ws := newTestWorkspace(t)
	for _, d := range []string{Plans, Notes, Reports, Temp} {
		fi, err := os.Stat(filepath.Join(reg.Base(), "task-1", d))
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}

	again, err := reg.Open("task-1")
	require.NoError(t, err)
	assert.Same(t, ws, again)
}

func TestWriteReadRoundTrip(t *testing.T) {
	_, ws := newTestWorkspace(t)

	cases := map[string]string{
		"plain.md":     "# Title\n\nbody",
		"unicode.md":   "研究背景\n主要发现 ✓\r\nend",
		"suffix.txt":   "mentions notes.meta.json inline\n",
		"empty.txt":    "",
		"trailing.txt": "\n\n\n",
	}
	for name, content := range cases {
		rel, err := ws.Write(Notes, name, content, nil)
		require.NoError(t, err)
		assert.Equal(t, "notes/"+name, rel)

		got, err := ws.Read(Notes, name)
		require.NoError(t, err)
		assert.Equal(t, content, got, name)
	}
}

func TestWriteOverwritesAndRewritesSidecar(t *testing.T) {
	reg, ws := newTestWorkspace(t)

	_, err := ws.Write(Reports, "final_report.md", "draft", Metadata{"source": SourceWorkerOutput})
	require.NoError(t, err)
	got, err := ws.Read(Reports, "final_report.md")
	require.NoError(t, err)
	assert.Equal(t, "draft", got)

	_, err = ws.Write(Reports, "final_report.md", "revised", Metadata{"source": SourceRevision, "round": "1"})
	require.NoError(t, err)
	got, err = ws.Read(Reports, "final_report.md")
	require.NoError(t, err)
	assert.Equal(t, "revised", got)

	raw, err := os.ReadFile(filepath.Join(reg.Base(), "task-1", Reports, "final_report.md"+MetaSuffix))
	require.NoError(t, err)
	var sc Sidecar
	require.NoError(t, json.Unmarshal(raw, &sc))
	assert.Equal(t, "final_report.md", sc.Filename)
	assert.Equal(t, SourceRevision, sc.Source)
	assert.Equal(t, "1", sc.Extra["round"])
	assert.False(t, sc.CreatedAt.IsZero())
}

func TestReadMissing(t *testing.T) {
	_, ws := newTestWorkspace(t)
	_, err := ws.Read(Notes, "nope.md")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, ws.Exists(Notes, "nope.md"))
}

func TestRejectsBadSubdirAndNames(t *testing.T) {
	_, ws := newTestWorkspace(t)

	_, err := ws.Write("secrets", "a.md", "x", nil)
	assert.ErrorIs(t, err, ErrInvalidSubdir)
	_, err = ws.List("../other")
	assert.ErrorIs(t, err, ErrInvalidSubdir)

	for _, name := range []string{"", "../escape.md", "a/b.md", `a\b.md`, ".hidden", "x.md" + MetaSuffix} {
		_, err := ws.Write(Notes, name, "x", nil)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestListSortedWithoutSidecars(t *testing.T) {
	_, ws := newTestWorkspace(t)
	_, err := ws.Write(Notes, "web_research.md", "w", nil)
	require.NoError(t, err)
	_, err = ws.Write(Plans, "research_plan.md", "p", nil)
	require.NoError(t, err)
	_, err = ws.Write(Notes, "doc_analysis.md", "d", nil)
	require.NoError(t, err)

	all, err := ws.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/doc_analysis.md", "notes/web_research.md", "plans/research_plan.md"}, all)

	notes, err := ws.List(Notes)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/doc_analysis.md", "notes/web_research.md"}, notes)

	reports, err := ws.List(Reports)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestSearchCaseInsensitiveTextOnly(t *testing.T) {
	_, ws := newTestWorkspace(t)
	_, err := ws.Write(Notes, "web_research.md", "intro\nRetrieval-Augmented Generation\nmore retrieval here", nil)
	require.NoError(t, err)
	_, err = ws.Write(Notes, "blob.bin", "retrieval", nil)
	require.NoError(t, err)
	_, err = ws.Write(Plans, "research_plan.md", "nothing relevant", nil)
	require.NoError(t, err)

	matches, err := ws.Search("RETRIEVAL", "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "notes/web_research.md", matches[0].Path)
	assert.Equal(t, []Line{
		{Number: 2, Text: "Retrieval-Augmented Generation"},
		{Number: 3, Text: "more retrieval here"},
	}, matches[0].Lines)

	none, err := ws.Search("   ", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInfoDeleteCleanup(t *testing.T) {
	_, ws := newTestWorkspace(t)
	_, err := ws.Write(Temp, "scratch.txt", "12345", Metadata{"source": SourceWorkerOutput})
	require.NoError(t, err)

	info, err := ws.Info(Temp, "scratch.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 5, info.Size)
	require.NotNil(t, info.Meta)
	assert.Equal(t, SourceWorkerOutput, info.Meta.Source)

	require.NoError(t, ws.CleanupTemp())
	assert.False(t, ws.Exists(Temp, "scratch.txt"))

	_, err = ws.Write(Notes, "n.md", "x", nil)
	require.NoError(t, err)
	require.NoError(t, ws.Delete(Notes, "n.md"))
	assert.False(t, ws.Exists(Notes, "n.md"))
	assert.ErrorIs(t, ws.Delete(Notes, "n.md"), ErrNotFound)
}

func TestConcurrentTasksDoNotShareArtifacts(t *testing.T) {
	reg := NewRegistry(t.TempDir(), zap.NewNop())

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("task-%d", i)
		g.Go(func() error {
			ws, err := reg.Open(id)
			if err != nil {
				return err
			}
			for j := 0; j < 5; j++ {
				if _, err := ws.Write(Notes, fmt.Sprintf("%s-%d.md", id, j), id, nil); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("task-%d", i)
		ws, err := reg.Open(id)
		require.NoError(t, err)
		files, err := ws.List("")
		require.NoError(t, err)
		assert.Len(t, files, 5)
		for _, f := range files {
			assert.Contains(t, f, id+"-")
		}
	}

	ids, err := reg.Tasks()
	require.NoError(t, err)
	assert.Len(t, ids, 8)
}

func TestRegistryLookupRemovePurge(t *testing.T) {
	fsys := afero.NewMemMapFs()
	reg := NewRegistryFs(fsys, "/ws", zap.NewNop())

	_, err := reg.Lookup("ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	ws, err := reg.Open("old")
	require.NoError(t, err)
	_, err = ws.Write(Notes, "a.md", "a", nil)
	require.NoError(t, err)
	_, err = reg.Open("fresh")
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, fsys.Chtimes("/ws/old", past, past))

	removed, err := reg.PurgeOlderThan(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, removed)

	ids, err := reg.Tasks()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids)

	_, err = reg.Open("../escape")
	assert.ErrorIs(t, err, ErrInvalidName)
}
