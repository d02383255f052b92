package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthub/internal/huberr"
	"agenthub/internal/state"
)

func workspaceWithFile(t *testing.T, rel, content string) string {
	t.Helper()
	ws := t.TempDir()
	full := filepath.Join(ws, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	return ws
}

func TestResolveSourceAcceptsWorkspaceFile(t *testing.T) {
	ws := workspaceWithFile(t, "out/report.html", "<html>")
	abs, err := ResolveSource(ws, "out/report.html")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "out/report.html"), abs)
}

func TestResolveSourceRejectsTraversal(t *testing.T) {
	ws := workspaceWithFile(t, "file.txt", "x")
	for _, rel := range []string{"../etc/passwd", "../../x", "a/../../y"} {
		_, err := ResolveSource(ws, rel)
		// Clean("/"+rel) pins the path inside the workspace, so escapes
		// surface as NOT_FOUND rather than reaching outside.
		require.Error(t, err, rel)
		code := huberr.CodeOf(err)
		assert.Contains(t, []string{huberr.CodeBadRequest, huberr.CodeNotFound}, code, rel)
	}
}

func TestResolveSourceEmptyAndMissingAndDir(t *testing.T) {
	ws := workspaceWithFile(t, "f.txt", "x")

	_, err := ResolveSource(ws, "")
	assert.Equal(t, huberr.CodeBadRequest, huberr.CodeOf(err))

	_, err = ResolveSource(ws, "nope.txt")
	assert.Equal(t, huberr.CodeNotFound, huberr.CodeOf(err))

	require.NoError(t, os.MkdirAll(filepath.Join(ws, "subdir"), 0o755))
	_, err = ResolveSource(ws, "subdir")
	assert.Equal(t, huberr.CodeBadRequest, huberr.CodeOf(err))
}

func TestIngestCopiesIntoStore(t *testing.T) {
	ws := workspaceWithFile(t, "dist/app.tar.gz", "binary-bytes")
	s := NewStore(t.TempDir())

	art, err := s.Ingest("chat-1", ws, "dist/app.tar.gz", "")
	require.NoError(t, err)

	assert.Equal(t, "app.tar.gz", art.Name)
	assert.Equal(t, int64(len("binary-bytes")), art.SizeBytes)
	assert.Equal(t, filepath.Join("chat-1", art.ID, "app.tar.gz"), art.StorageRelativePath)

	stored, err := os.ReadFile(s.FilePath(art))
	require.NoError(t, err)
	assert.Equal(t, "binary-bytes", string(stored))
}

func TestIngestSanitizesName(t *testing.T) {
	ws := workspaceWithFile(t, "f.txt", "x")
	s := NewStore(t.TempDir())

	art, err := s.Ingest("chat-1", ws, "f.txt", "../../evil.sh")
	require.NoError(t, err)
	assert.Equal(t, "evil.sh", art.Name)
}

func TestRemoveOwnerAndArtifact(t *testing.T) {
	ws := workspaceWithFile(t, "f.txt", "x")
	s := NewStore(t.TempDir())

	art, err := s.Ingest("chat-1", ws, "f.txt", "")
	require.NoError(t, err)

	require.NoError(t, s.RemoveArtifact("chat-1", art.ID))
	assert.NoFileExists(t, s.FilePath(art))
	require.NoError(t, s.RemoveOwner("chat-1"))
}

func TestStageWritesIntoStagingDir(t *testing.T) {
	ws := t.TempDir()
	rel, err := Stage(ws, "upload.bin", strings.NewReader("payload"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rel, StagingDirName+string(filepath.Separator)), rel)
	raw, err := os.ReadFile(filepath.Join(ws, rel))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(raw))
}

func TestAppendEnforcesCap(t *testing.T) {
	c := &state.Chat{ID: "c1"}
	for i := 0; i < MaxArtifacts; i++ {
		dropped := Append(c, state.Artifact{ID: fmt.Sprintf("a%d", i)})
		assert.Empty(t, dropped)
	}
	dropped := Append(c, state.Artifact{ID: "overflow"})
	require.Len(t, dropped, 1)
	assert.Equal(t, "a0", dropped[0].ID)
	assert.Len(t, c.Artifacts, MaxArtifacts)
	assert.NotContains(t, c.ArtifactCurrentIDs, "a0")
}

func TestAppendPrunesDroppedFromHistory(t *testing.T) {
	c := &state.Chat{ID: "c1"}
	Append(c, state.Artifact{ID: "a0"})
	ArchiveOnPrompt(c, "build the report")
	require.Equal(t, []string{"a0"}, c.ArtifactPromptHistory[0].ArtifactIDs)

	for i := 1; i <= MaxArtifacts; i++ {
		Append(c, state.Artifact{ID: fmt.Sprintf("a%d", i)})
	}
	assert.Empty(t, c.ArtifactPromptHistory[0].ArtifactIDs, "dropped artifact must leave history")
}

func TestArchiveOnPrompt(t *testing.T) {
	c := &state.Chat{ID: "c1"}
	Append(c, state.Artifact{ID: "a1"})
	Append(c, state.Artifact{ID: "a2"})

	ArchiveOnPrompt(c, "previous prompt text")
	require.Len(t, c.ArtifactPromptHistory, 1)
	assert.Equal(t, "previous prompt text", c.ArtifactPromptHistory[0].Prompt)
	assert.Equal(t, []string{"a1", "a2"}, c.ArtifactPromptHistory[0].ArtifactIDs)
	assert.Empty(t, c.ArtifactCurrentIDs)

	// Nothing current: archiving again is a no-op.
	ArchiveOnPrompt(c, "next prompt")
	assert.Len(t, c.ArtifactPromptHistory, 1)
}

func TestArchiveHistoryCap(t *testing.T) {
	c := &state.Chat{ID: "c1"}
	for i := 0; i < MaxHistory+5; i++ {
		c.ArtifactCurrentIDs = []string{"x"}
		ArchiveOnPrompt(c, fmt.Sprintf("prompt %d", i))
	}
	require.Len(t, c.ArtifactPromptHistory, MaxHistory)
	assert.Equal(t, "prompt 5", c.ArtifactPromptHistory[0].Prompt)
}

func TestArtifactByID(t *testing.T) {
	c := &state.Chat{Artifacts: []state.Artifact{{ID: "a1", Name: "x"}}}
	a, ok := ArtifactByID(c, "a1")
	assert.True(t, ok)
	assert.Equal(t, "x", a.Name)
	_, ok = ArtifactByID(c, "a2")
	assert.False(t, ok)
}
