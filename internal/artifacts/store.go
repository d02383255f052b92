// Package artifacts manages published chat and session files: workspace
// validation, atomic ingest into the artifact tree, the current-set bookkeeping,
// and prompt-keyed history archival.
package artifacts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"agenthub/internal/huberr"
	"agenthub/internal/state"
)

const (
	// MaxArtifacts caps the artifacts kept per chat; the oldest are dropped.
	MaxArtifacts = 200
	// MaxHistory caps the prompt-keyed archive entries per chat.
	MaxHistory = 64
	// StagingDirName is the in-workspace directory multipart uploads are
	// staged to before ingest.
	StagingDirName = ".agent-hub-artifacts"
)

// Store owns the on-disk artifact tree. Chat-owned artifacts live under
// root/<owner_id>/<artifact_id>/<name>; sessions use a sibling root.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// ResolveSource validates that relPath points inside the workspace and
// returns the absolute source path. Traversal outside the workspace is a
// BAD_REQUEST; a missing file is NOT_FOUND.
func ResolveSource(workspace, relPath string) (string, error) {
	if relPath == "" {
		return "", huberr.BadRequest("artifact path is required")
	}
	abs := filepath.Join(workspace, filepath.Clean("/"+relPath))
	rel, err := filepath.Rel(workspace, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", huberr.BadRequest("artifact path %q escapes the workspace", relPath)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", huberr.NotFound("artifact source %q not found", relPath)
	}
	if info.IsDir() {
		return "", huberr.BadRequest("artifact source %q is a directory", relPath)
	}
	return abs, nil
}

// Stage writes an uploaded body into the workspace staging directory and
// returns its workspace-relative path for the regular ingest path.
func Stage(workspace, name string, body io.Reader) (string, error) {
	name = safeName(name)
	dir := filepath.Join(workspace, StagingDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	staged := filepath.Join(dir, uuid.NewString()+"-"+name)
	f, err := os.OpenFile(staged, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(staged)
		return "", fmt.Errorf("failed to write staged upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("failed to finish staged upload: %w", err)
	}
	rel, err := filepath.Rel(workspace, staged)
	if err != nil {
		return "", fmt.Errorf("staging path escaped the workspace: %w", err)
	}
	return rel, nil
}

// Ingest copies the validated source into the artifact tree (temp then
// rename) and returns the record to persist on the owner.
func (s *Store) Ingest(ownerID, workspace, relPath, name string) (state.Artifact, error) {
	src, err := ResolveSource(workspace, relPath)
	if err != nil {
		return state.Artifact{}, err
	}
	if name == "" {
		name = filepath.Base(src)
	}
	name = safeName(name)

	id := uuid.NewString()
	destDir := filepath.Join(s.root, ownerID, id)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return state.Artifact{}, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	dest := filepath.Join(destDir, name)
	size, err := copyAtomic(src, dest)
	if err != nil {
		os.RemoveAll(destDir)
		return state.Artifact{}, err
	}

	return state.Artifact{
		ID:                  id,
		Name:                name,
		RelativePath:        relPath,
		StorageRelativePath: filepath.Join(ownerID, id, name),
		SizeBytes:           size,
		CreatedAt:           time.Now().UTC(),
	}, nil
}

// FilePath resolves an artifact record to its absolute storage path.
func (s *Store) FilePath(a state.Artifact) string {
	return filepath.Join(s.root, a.StorageRelativePath)
}

// RemoveOwner deletes every stored artifact of a chat or session.
func (s *Store) RemoveOwner(ownerID string) error {
	return os.RemoveAll(filepath.Join(s.root, ownerID))
}

// RemoveArtifact deletes one artifact's storage directory.
func (s *Store) RemoveArtifact(ownerID, artifactID string) error {
	return os.RemoveAll(filepath.Join(s.root, ownerID, artifactID))
}

// Append records a new artifact on the chat: adds it to the list and the
// current set, enforcing the artifact cap. Dropped records are returned so
// the caller can delete their storage.
func Append(c *state.Chat, a state.Artifact) (dropped []state.Artifact) {
	c.Artifacts = append(c.Artifacts, a)
	c.ArtifactCurrentIDs = append(c.ArtifactCurrentIDs, a.ID)
	for len(c.Artifacts) > MaxArtifacts {
		old := c.Artifacts[0]
		c.Artifacts = c.Artifacts[1:]
		dropped = append(dropped, old)
		c.ArtifactCurrentIDs = removeID(c.ArtifactCurrentIDs, old.ID)
		pruneHistory(c, old.ID)
	}
	return dropped
}

// ArchiveOnPrompt archives the current set under the previous prompt text
// and clears it. A no-op when nothing is current.
func ArchiveOnPrompt(c *state.Chat, previousPrompt string) {
	if len(c.ArtifactCurrentIDs) == 0 {
		return
	}
	entry := state.ArtifactHistoryEntry{
		Prompt:      previousPrompt,
		ArtifactIDs: append([]string{}, c.ArtifactCurrentIDs...),
		ArchivedAt:  time.Now().UTC(),
	}
	c.ArtifactPromptHistory = append(c.ArtifactPromptHistory, entry)
	if len(c.ArtifactPromptHistory) > MaxHistory {
		c.ArtifactPromptHistory = c.ArtifactPromptHistory[len(c.ArtifactPromptHistory)-MaxHistory:]
	}
	c.ArtifactCurrentIDs = nil
}

// ArtifactByID finds a record on the chat.
func ArtifactByID(c *state.Chat, id string) (state.Artifact, bool) {
	for _, a := range c.Artifacts {
		if a.ID == id {
			return a, true
		}
	}
	return state.Artifact{}, false
}

func copyAtomic(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open artifact source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".ingest-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create artifact temp file: %w", err)
	}
	size, err := io.Copy(tmp, in)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to finish artifact copy: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to place artifact: %w", err)
	}
	return size, nil
}

func safeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "artifact"
	}
	return name
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func pruneHistory(c *state.Chat, artifactID string) {
	for i := range c.ArtifactPromptHistory {
		c.ArtifactPromptHistory[i].ArtifactIDs =
			removeID(c.ArtifactPromptHistory[i].ArtifactIDs, artifactID)
	}
}
