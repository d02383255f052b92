// Package state holds the persisted hub snapshot: projects, chats, and
// settings. All mutation goes through Store; the normalizer keeps loaded
// snapshots inside the documented enum sets and invariants.
package state

import "time"

// SchemaVersion is the version of the persisted root object. Bumping it
// forces a field-by-field upgrade on load.
const SchemaVersion = 3

type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildBuilding  BuildStatus = "building"
	BuildReady     BuildStatus = "ready"
	BuildFailed    BuildStatus = "failed"
	BuildCancelled BuildStatus = "cancelled"
)

type ChatStatus string

const (
	ChatStarting ChatStatus = "starting"
	ChatRunning  ChatStatus = "running"
	ChatStopped  ChatStatus = "stopped"
	ChatFailed   ChatStatus = "failed"
)

type AgentType string

const (
	AgentCodex  AgentType = "codex"
	AgentClaude AgentType = "claude"
	AgentGemini AgentType = "gemini"
)

type TitleStatus string

const (
	TitleIdle    TitleStatus = "idle"
	TitlePending TitleStatus = "pending"
	TitleReady   TitleStatus = "ready"
	TitleError   TitleStatus = "error"
)

type BaseImageMode string

const (
	BaseImageTag      BaseImageMode = "tag"
	BaseImageRepoPath BaseImageMode = "repo_path"
)

type BindingMode string

const (
	BindingAuto   BindingMode = "auto"
	BindingSet    BindingMode = "set"
	BindingSingle BindingMode = "single"
	BindingAll    BindingMode = "all"
)

// ReadyAckStage values the in-container runtime may acknowledge.
const (
	AckStageContainerBootstrapped = "container_bootstrapped"
	AckStageAgentProcessStarted   = "agent_process_started"
)

// CredentialBinding is the project-scoped credential policy.
type CredentialBinding struct {
	Mode          BindingMode `json:"mode"`
	CredentialIDs []string    `json:"credential_ids,omitempty"`
	Source        string      `json:"source,omitempty"` // e.g. "user", "auto_create"
}

type Project struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	RepoURL         string            `json:"repo_url"`
	DefaultBranch   string            `json:"default_branch,omitempty"`
	SetupScript     string            `json:"setup_script,omitempty"`
	BaseImageMode   BaseImageMode     `json:"base_image_mode"`
	BaseImageValue  string            `json:"base_image_value,omitempty"`
	DefaultROMounts []string          `json:"default_ro_mounts,omitempty"`
	DefaultRWMounts []string          `json:"default_rw_mounts,omitempty"`
	DefaultEnvVars  []string          `json:"default_env_vars,omitempty"`
	Binding         CredentialBinding `json:"credential_binding"`

	RepoHeadSHA        string      `json:"repo_head_sha,omitempty"`
	SetupSnapshotImage string      `json:"setup_snapshot_image,omitempty"`
	BuildStatus        BuildStatus `json:"build_status"`
	BuildError         string      `json:"build_error,omitempty"`
	BuildStartedAt     *time.Time  `json:"build_started_at,omitempty"`
	BuildFinishedAt    *time.Time  `json:"build_finished_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Artifact is one published file owned by a chat or session.
type Artifact struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	RelativePath        string    `json:"relative_path,omitempty"`
	StorageRelativePath string    `json:"storage_relative_path"`
	SizeBytes           int64     `json:"size_bytes"`
	CreatedAt           time.Time `json:"created_at"`
}

// ArtifactHistoryEntry archives the artifacts that were current when a new
// prompt was submitted; Prompt is the text of the previous prompt.
type ArtifactHistoryEntry struct {
	Prompt      string    `json:"prompt"`
	ArtifactIDs []string  `json:"artifact_ids"`
	ArchivedAt  time.Time `json:"archived_at"`
}

type Chat struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name,omitempty"`
	Profile   string    `json:"profile,omitempty"`
	ROMounts  []string  `json:"ro_mounts,omitempty"`
	RWMounts  []string  `json:"rw_mounts,omitempty"`
	EnvVars   []string  `json:"env_vars,omitempty"`
	AgentArgs string    `json:"agent_args,omitempty"`
	AgentType AgentType `json:"agent_type"`

	Status                 ChatStatus `json:"status"`
	StatusReason           string     `json:"status_reason,omitempty"`
	LastStatusTransitionAt *time.Time `json:"last_status_transition_at,omitempty"`
	PID                    int        `json:"pid,omitempty"`
	Workspace              string     `json:"workspace,omitempty"`
	ContainerWorkspace     string     `json:"container_workspace,omitempty"`
	SetupSnapshotImage     string     `json:"setup_snapshot_image,omitempty"`
	StartError             string     `json:"start_error,omitempty"`
	LastExitCode           *int       `json:"last_exit_code,omitempty"`
	LastExitAt             *time.Time `json:"last_exit_at,omitempty"`
	StopRequestedAt        *time.Time `json:"stop_requested_at,omitempty"`

	TitleUserPrompts       []string    `json:"title_user_prompts,omitempty"`
	TitleCached            string      `json:"title_cached,omitempty"`
	TitlePromptFingerprint string      `json:"title_prompt_fingerprint,omitempty"`
	TitleStatus            TitleStatus `json:"title_status"`
	TitleError             string      `json:"title_error,omitempty"`

	Artifacts              []Artifact             `json:"artifacts,omitempty"`
	ArtifactCurrentIDs     []string               `json:"artifact_current_ids,omitempty"`
	ArtifactPromptHistory  []ArtifactHistoryEntry `json:"artifact_prompt_history,omitempty"`
	ArtifactPublishToken   string                 `json:"artifact_publish_token_hash,omitempty"`
	AgentToolsTokenHash    string                 `json:"agent_tools_token_hash,omitempty"`
	ReadyAckGUID           string                 `json:"ready_ack_guid,omitempty"`
	ReadyAckStage          string                 `json:"ready_ack_stage,omitempty"`
	ReadyAckAt             *time.Time             `json:"ready_ack_at,omitempty"`
	ReadyAckMeta           map[string]string      `json:"ready_ack_meta,omitempty"`

	CreateRequestID string    `json:"create_request_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Settings are the runtime-mutable hub settings.
type Settings struct {
	DefaultAgentType AgentType `json:"default_agent_type"`
	ChatLayoutEngine string    `json:"chat_layout_engine,omitempty"`
	GitUserName      string    `json:"git_user_name,omitempty"`
	GitUserEmail     string    `json:"git_user_email,omitempty"`
}

// State is the persisted root object.
type State struct {
	Version  int        `json:"version"`
	Projects []*Project `json:"projects"`
	Chats    []*Chat    `json:"chats"`
	Settings Settings   `json:"settings"`
}

// ProjectByID returns the project with the given id, or nil.
func (s *State) ProjectByID(id string) *Project {
	for _, p := range s.Projects {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ChatByID returns the chat with the given id, or nil.
func (s *State) ChatByID(id string) *Chat {
	for _, c := range s.Chats {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// ChatsForProject returns every chat belonging to the project.
func (s *State) ChatsForProject(projectID string) []*Chat {
	var out []*Chat
	for _, c := range s.Chats {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	return out
}
