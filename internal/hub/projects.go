package hub

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"agenthub/internal/huberr"
	"agenthub/internal/launch"
	"agenthub/internal/state"
)

const buildLogTailCap = 150 * 1024

// ProjectRequest is the create/patch payload for projects.
type ProjectRequest struct {
	Name            string   `json:"name"`
	RepoURL         string   `json:"repo_url"`
	DefaultBranch   string   `json:"default_branch"`
	SetupScript     string   `json:"setup_script"`
	BaseImageMode   string   `json:"base_image_mode"`
	BaseImageValue  string   `json:"base_image_value"`
	DefaultROMounts []string `json:"default_ro_mounts"`
	DefaultRWMounts []string `json:"default_rw_mounts"`
	DefaultEnvVars  []string `json:"default_env_vars"`
}

// CreateProject persists a new project and schedules its first build.
func (h *Controller) CreateProject(req ProjectRequest) (*state.Project, error) {
	if req.RepoURL == "" {
		return nil, huberr.BadRequest("repo_url is required")
	}
	mode := state.BaseImageMode(req.BaseImageMode)
	if mode != state.BaseImageTag && mode != state.BaseImageRepoPath {
		mode = state.BaseImageTag
	}
	name := req.Name
	if name == "" {
		name = launch.SanitizeProjectName(req.RepoURL)
	}

	now := time.Now().UTC()
	p := &state.Project{
		ID:              uuid.NewString(),
		Name:            name,
		RepoURL:         req.RepoURL,
		DefaultBranch:   req.DefaultBranch,
		SetupScript:     req.SetupScript,
		BaseImageMode:   mode,
		BaseImageValue:  req.BaseImageValue,
		DefaultROMounts: req.DefaultROMounts,
		DefaultRWMounts: req.DefaultRWMounts,
		DefaultEnvVars:  req.DefaultEnvVars,
		Binding:         state.CredentialBinding{Mode: state.BindingAuto},
		BuildStatus:     state.BuildPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err := h.Store.Mutate("project_created", func(s *state.State) error {
		s.Projects = append(s.Projects, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.Builder.Schedule(p.ID)
	return p, nil
}

// PatchProject merges per-field edits. Any edit touching a fingerprint input
// drops the project back to pending and schedules a rebuild.
func (h *Controller) PatchProject(id string, patch map[string]any) (*state.Project, error) {
	var updated *state.Project
	rebuild := false

	_, err := h.Store.Mutate("project_updated", func(s *state.State) error {
		p := s.ProjectByID(id)
		if p == nil {
			return huberr.NotFound("project %s not found", id)
		}
		if v, ok := patch["name"].(string); ok {
			p.Name = v
		}
		if v, ok := patch["repo_url"].(string); ok && v != p.RepoURL {
			if v == "" {
				return huberr.BadRequest("repo_url cannot be cleared")
			}
			p.RepoURL = v
			rebuild = true
		}
		if v, ok := patch["default_branch"].(string); ok && v != p.DefaultBranch {
			p.DefaultBranch = v
			rebuild = true
		}
		if v, ok := patch["setup_script"].(string); ok && v != p.SetupScript {
			p.SetupScript = v
			rebuild = true
		}
		if v, ok := patch["base_image_mode"].(string); ok && v != string(p.BaseImageMode) {
			mode := state.BaseImageMode(v)
			if mode != state.BaseImageTag && mode != state.BaseImageRepoPath {
				return huberr.BadRequest("unknown base_image_mode %q", v)
			}
			p.BaseImageMode = mode
			rebuild = true
		}
		if v, ok := patch["base_image_value"].(string); ok && v != p.BaseImageValue {
			p.BaseImageValue = v
			rebuild = true
		}
		if v, ok := stringSlice(patch["default_ro_mounts"]); ok {
			p.DefaultROMounts = v
			rebuild = true
		}
		if v, ok := stringSlice(patch["default_rw_mounts"]); ok {
			p.DefaultRWMounts = v
			rebuild = true
		}
		if v, ok := stringSlice(patch["default_env_vars"]); ok {
			p.DefaultEnvVars = v
			rebuild = true
		}
		if rebuild {
			p.BuildStatus = state.BuildPending
			p.BuildError = ""
			p.SetupSnapshotImage = ""
		}
		p.UpdatedAt = time.Now().UTC()
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rebuild {
		h.Builder.Schedule(id)
	}
	return updated, nil
}

// DeleteProject removes the project, its workspace, build log, and snapshot
// image. Projects with chats are not deletable.
func (h *Controller) DeleteProject(ctx context.Context, id string) error {
	var image string
	_, err := h.Store.Mutate("project_deleted", func(s *state.State) error {
		p := s.ProjectByID(id)
		if p == nil {
			return huberr.NotFound("project %s not found", id)
		}
		if len(s.ChatsForProject(id)) > 0 {
			return huberr.Conflict("project %s still has chats", id)
		}
		image = p.SetupSnapshotImage
		out := s.Projects[:0]
		for _, q := range s.Projects {
			if q.ID != id {
				out = append(out, q)
			}
		}
		s.Projects = out
		return nil
	})
	if err != nil {
		return err
	}
	_ = h.Builder.Cancel(id) // best effort; usually NOT_FOUND
	os.RemoveAll(h.Cfg.ProjectWorkspace(id))
	os.Remove(h.Cfg.BuildLogPath(id))
	if image != "" {
		_ = h.Docker.RemoveImage(ctx, image)
	}
	return nil
}

// CancelBuild requests cooperative cancellation of the in-flight build.
func (h *Controller) CancelBuild(id string) error {
	return h.Builder.Cancel(id)
}

// BuildLogTail serves the raw build log tail.
func (h *Controller) BuildLogTail(id string) ([]byte, error) {
	if h.Store.Snapshot().ProjectByID(id) == nil {
		return nil, huberr.NotFound("project %s not found", id)
	}
	raw, err := os.ReadFile(h.Cfg.BuildLogPath(id))
	if os.IsNotExist(err) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) > buildLogTailCap {
		raw = raw[len(raw)-buildLogTailCap:]
	}
	return raw, nil
}

// LaunchProfile is the user-visible launch command view.
type LaunchProfile struct {
	Argv   []string      `json:"argv"`
	Parsed launch.Parsed `json:"parsed"`
}

// ProjectLaunchProfile compiles the argv a default chat on this project
// would launch with.
func (h *Controller) ProjectLaunchProfile(id string) (*LaunchProfile, error) {
	snap := h.Store.Snapshot()
	p := snap.ProjectByID(id)
	if p == nil {
		return nil, huberr.NotFound("project %s not found", id)
	}
	spec := launch.Spec{
		Workspace:            h.Cfg.ProjectWorkspace(p.ID),
		ContainerProjectName: launch.SanitizeProjectName(p.Name),
		SnapshotTag:          snapshotOrBase(p),
		AgentCommand:         string(defaultAgent(snap)),
		LocalUID:             h.Identity.UID,
		LocalGID:             h.Identity.GID,
		Username:             h.Identity.Username,
		SupplementaryGIDs:    h.Identity.SupplementaryGIDs,
		ROMounts:             p.DefaultROMounts,
		RWMounts:             p.DefaultRWMounts,
		EnvVars:              append([]string{}, p.DefaultEnvVars...),
		TmpHostPath:          h.Cfg.TmpHostPath,
	}
	argv := launch.Compile(spec)
	return &LaunchProfile{Argv: argv, Parsed: launch.ParseRunArgs(argv)}, nil
}

// Binding returns the project's credential binding.
func (h *Controller) Binding(id string) (state.CredentialBinding, error) {
	p := h.Store.Snapshot().ProjectByID(id)
	if p == nil {
		return state.CredentialBinding{}, huberr.NotFound("project %s not found", id)
	}
	return p.Binding, nil
}

// SetBinding replaces the project's credential binding.
func (h *Controller) SetBinding(id string, binding state.CredentialBinding) (state.CredentialBinding, error) {
	switch binding.Mode {
	case state.BindingAuto, state.BindingAll:
		binding.CredentialIDs = nil
	case state.BindingSet, state.BindingSingle:
		if len(binding.CredentialIDs) == 0 {
			return state.CredentialBinding{}, huberr.BadRequest("binding mode %q needs credential_ids", binding.Mode)
		}
	default:
		return state.CredentialBinding{}, huberr.BadRequest("unknown binding mode %q", binding.Mode)
	}
	binding.Source = "user"

	_, err := h.Store.Mutate("credential_binding_updated", func(s *state.State) error {
		p := s.ProjectByID(id)
		if p == nil {
			return huberr.NotFound("project %s not found", id)
		}
		p.Binding = binding
		p.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return state.CredentialBinding{}, err
	}
	return binding, nil
}

func snapshotOrBase(p *state.Project) string {
	if p.SetupSnapshotImage != "" {
		return p.SetupSnapshotImage
	}
	return p.BaseImageValue
}

func defaultAgent(s *state.State) state.AgentType {
	if s.Settings.DefaultAgentType != "" {
		return s.Settings.DefaultAgentType
	}
	return state.AgentCodex
}

func stringSlice(v any) ([]string, bool) {
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
