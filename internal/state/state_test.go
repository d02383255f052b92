package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validState() *State {
	return &State{
		Version: SchemaVersion,
		Projects: []*Project{{
			ID:            "p1",
			Name:          "demo",
			RepoURL:       "https://github.com/acme/demo.git",
			BaseImageMode: BaseImageTag,
			BuildStatus:   BuildPending,
			Binding:       CredentialBinding{Mode: BindingAuto},
		}},
		Chats: []*Chat{{
			ID:          "c1",
			ProjectID:   "p1",
			AgentType:   AgentCodex,
			Status:      ChatStopped,
			TitleStatus: TitleIdle,
		}},
		Settings: Settings{DefaultAgentType: AgentCodex},
	}
}

func TestNormalizeValidStateUnchanged(t *testing.T) {
	s := validState()
	changed, err := Normalize(s)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	s := validState()
	s.Chats[0].Status = "bogus"
	s.Projects[0].BuildStatus = "also-bogus"

	changed, err := Normalize(s)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = Normalize(s)
	require.NoError(t, err)
	assert.False(t, changed, "second pass must be a no-op")
}

func TestNormalizeCoercesEnums(t *testing.T) {
	s := validState()
	s.Projects[0].BuildStatus = "weird"
	s.Projects[0].BaseImageMode = ""
	s.Projects[0].Binding.Mode = "nope"
	s.Chats[0].Status = "zombie"
	s.Chats[0].TitleStatus = "half"
	s.Chats[0].ReadyAckStage = "warmup"
	s.Settings.DefaultAgentType = ""

	changed, err := Normalize(s)
	require.NoError(t, err)
	require.True(t, changed)

	assert.Equal(t, BuildPending, s.Projects[0].BuildStatus)
	assert.Equal(t, BaseImageTag, s.Projects[0].BaseImageMode)
	assert.Equal(t, BindingAuto, s.Projects[0].Binding.Mode)
	assert.Equal(t, ChatFailed, s.Chats[0].Status)
	assert.Equal(t, "state_normalized", s.Chats[0].StatusReason)
	assert.Equal(t, TitleIdle, s.Chats[0].TitleStatus)
	assert.Empty(t, s.Chats[0].ReadyAckStage)
	assert.Equal(t, AgentCodex, s.Settings.DefaultAgentType)
}

func TestNormalizeClearsAutoBindingIDs(t *testing.T) {
	s := validState()
	s.Projects[0].Binding = CredentialBinding{Mode: BindingAuto, CredentialIDs: []string{"pat:x"}}

	changed, err := Normalize(s)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Nil(t, s.Projects[0].Binding.CredentialIDs)
}

func TestNormalizeDropsUnknownCurrentArtifacts(t *testing.T) {
	s := validState()
	c := s.Chats[0]
	c.Artifacts = []Artifact{{ID: "a1", Name: "report.html"}}
	c.ArtifactCurrentIDs = []string{"a1", "ghost"}

	changed, err := Normalize(s)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, []string{"a1"}, c.ArtifactCurrentIDs)
}

func TestNormalizeRejectsStructuralDamage(t *testing.T) {
	cases := map[string]func(*State){
		"newer version":   func(s *State) { s.Version = SchemaVersion + 1 },
		"zero version":    func(s *State) { s.Version = 0 },
		"project no id":   func(s *State) { s.Projects[0].ID = "" },
		"chat no id":      func(s *State) { s.Chats[0].ID = "" },
		"unknown agent":   func(s *State) { s.Chats[0].AgentType = "copilot" },
		"orphan chat":     func(s *State) { s.Chats[0].ProjectID = "gone" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := validState()
			mutate(s)
			_, err := Normalize(s)
			assert.Error(t, err)
		})
	}
}

func TestNormalizeUpgradesOldVersion(t *testing.T) {
	s := validState()
	s.Version = 1
	changed, err := Normalize(s)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, SchemaVersion, s.Version)
}

func TestStoreInitializesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewStore(path)
	require.NoError(t, err)

	snap := store.Snapshot()
	assert.Equal(t, SchemaVersion, snap.Version)
	assert.Empty(t, snap.Projects)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStoreMutatePersistsAndPublishes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewStore(path)
	require.NoError(t, err)

	var gotReason string
	store.OnSave(func(reason string, snap *State) {
		gotReason = reason
		assert.Len(t, snap.Projects, 1, "hook must observe the saved state")
	})

	_, err = store.Mutate("project_created", func(st *State) error {
		st.Projects = append(st.Projects, &Project{
			ID: "p1", RepoURL: "https://example.com/r.git",
			BaseImageMode: BaseImageTag, BuildStatus: BuildPending,
			Binding: CredentialBinding{Mode: BindingAuto},
		})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "project_created", gotReason)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk State
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.Len(t, onDisk.Projects, 1)
	assert.Equal(t, "p1", onDisk.Projects[0].ID)
}

func TestStoreMutateErrorLeavesStateUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewStore(path)
	require.NoError(t, err)

	fired := false
	store.OnSave(func(string, *State) { fired = true })

	_, err = store.Mutate("doomed", func(st *State) error {
		st.Projects = append(st.Projects, &Project{ID: "px"})
		return os.ErrPermission
	})
	require.Error(t, err)
	assert.False(t, fired, "failed mutations must not publish")
	assert.Empty(t, store.Snapshot().Projects)
}

func TestStoreSnapshotIsACopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewStore(path)
	require.NoError(t, err)

	snap := store.Snapshot()
	snap.Settings.GitUserName = "mutated"
	assert.Empty(t, store.Snapshot().Settings.GitUserName)
}

func TestStoreReloadsNormalizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	damaged := validState()
	damaged.Chats[0].Status = "???"
	raw, err := json.MarshalIndent(damaged, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	store, err := NewStore(path)
	require.NoError(t, err)
	assert.Equal(t, ChatFailed, store.Snapshot().Chats[0].Status)

	// The rewrite must have landed on disk too.
	onDiskRaw, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk State
	require.NoError(t, json.Unmarshal(onDiskRaw, &onDisk))
	assert.Equal(t, ChatFailed, onDisk.Chats[0].Status)
}
