package tokens

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"agenthub/internal/huberr"
	"agenthub/internal/state"
)

// Session is an ephemeral agent_tools session for non-chat work such as
// auto-configure. It carries the same in-container callback surface as a chat
// but lives only in memory.
type Session struct {
	ID                 string                       `json:"id"`
	ProjectID          string                       `json:"project_id,omitempty"`
	RepoURL            string                       `json:"repo_url,omitempty"`
	Binding            state.CredentialBinding      `json:"credential_binding"`
	TokenHash          string                       `json:"-"`
	Workspace          string                       `json:"workspace,omitempty"`
	Artifacts          []state.Artifact             `json:"artifacts,omitempty"`
	ArtifactCurrentIDs []string                     `json:"artifact_current_ids,omitempty"`
	PublishTokenHash   string                       `json:"-"`
	ReadyAckGUID       string                       `json:"-"`
	ReadyAckStage      string                       `json:"ready_ack_stage,omitempty"`
	ReadyAckAt         *time.Time                   `json:"ready_ack_at,omitempty"`
	CreatedAt          time.Time                    `json:"created_at"`
}

// SessionStore is the mutex-guarded in-memory session map.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create mints a session with fresh tokens and a ready-ack GUID.
func (s *SessionStore) Create(projectID, repoURL string, binding state.CredentialBinding) (*Session, Token, Token, error) {
	agentTok, err := New()
	if err != nil {
		return nil, Token{}, Token{}, err
	}
	pubTok, err := New()
	if err != nil {
		return nil, Token{}, Token{}, err
	}
	guid, err := NewGUID()
	if err != nil {
		return nil, Token{}, Token{}, err
	}
	sess := &Session{
		ID:               uuid.NewString(),
		ProjectID:        projectID,
		RepoURL:          repoURL,
		Binding:          binding,
		TokenHash:        agentTok.Hash,
		PublishTokenHash: pubTok.Hash,
		ReadyAckGUID:     guid,
		CreatedAt:        time.Now().UTC(),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess, agentTok, pubTok, nil
}

// Get returns the session or NOT_FOUND.
func (s *SessionStore) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, huberr.NotFound("agent_tools session %s not found", id)
	}
	return sess, nil
}

// Update applies fn to the session under the store lock.
func (s *SessionStore) Update(id string, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return huberr.NotFound("agent_tools session %s not found", id)
	}
	return fn(sess)
}

// Delete removes the session; the caller sweeps its artifact directory.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Authenticate resolves the session by id and verifies the bearer token.
func (s *SessionStore) Authenticate(id, plainToken string) (*Session, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !Verify(plainToken, sess.TokenHash) {
		return nil, huberr.Unauthorized("invalid agent_tools token for session %s", id)
	}
	return sess, nil
}
