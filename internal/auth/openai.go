package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agenthub/internal/huberr"
)

func (m *Manager) openAIEnvPath() string {
	return filepath.Join(m.cfg.SecretsDir(), "openai.env")
}

// OpenAIKey reads the stored API key, or "" when disconnected.
func (m *Manager) OpenAIKey() (string, error) {
	key, _, err := m.openAIKeyStatus()
	return key, err
}

func (m *Manager) openAIKeyStatus() (string, *time.Time, error) {
	raw, err := os.ReadFile(m.openAIEnvPath())
	if os.IsNotExist(err) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to read openai env file: %w", err)
	}
	var key string
	for _, line := range strings.Split(string(raw), "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "OPENAI_API_KEY="); ok {
			key = rest
		}
	}
	info, err := os.Stat(m.openAIEnvPath())
	if err != nil {
		return key, nil, nil
	}
	mtime := info.ModTime().UTC()
	return key, &mtime, nil
}

// ConnectOpenAIKey stores the key as a private env file. When verify is set
// the key is first checked against GET /v1/models.
func (m *Manager) ConnectOpenAIKey(ctx context.Context, key string, verify bool) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return huberr.BadRequest("openai api key is empty")
	}
	if verify {
		if err := m.verifyOpenAIKey(ctx, key); err != nil {
			return err
		}
	}
	content := "OPENAI_API_KEY=" + key + "\n"
	if err := os.WriteFile(m.openAIEnvPath()+".tmp", []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write openai env file: %w", err)
	}
	if err := os.Rename(m.openAIEnvPath()+".tmp", m.openAIEnvPath()); err != nil {
		return fmt.Errorf("failed to replace openai env file: %w", err)
	}
	m.emitAuthChanged("openai_key_connected")
	return nil
}

// DisconnectOpenAIKey removes the stored key.
func (m *Manager) DisconnectOpenAIKey() error {
	if err := os.Remove(m.openAIEnvPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove openai env file: %w", err)
	}
	m.emitAuthChanged("openai_key_disconnected")
	return nil
}

// CodexHome is the host directory holding the ChatGPT account's codex state;
// it is mounted into login containers and read by the title generator.
func (m *Manager) CodexHome() string {
	return filepath.Join(m.cfg.SecretsDir(), "codex_home")
}

// AccountConnected reports whether a usable ChatGPT account login exists.
func (m *Manager) AccountConnected() bool {
	return hasChatGPTAuth(m.CodexHome())
}

func (m *Manager) verifyOpenAIKey(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.OpenAIAPIBaseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return huberr.Upstream("openai verification request failed").Wrap(err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return huberr.BadRequest("openai rejected the api key (status %d)", resp.StatusCode)
	default:
		return huberr.Upstream("openai verification returned status %d", resp.StatusCode)
	}
}
