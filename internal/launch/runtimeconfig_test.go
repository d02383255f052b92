package launch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeTOML(t *testing.T, rendered string) map[string]any {
	t.Helper()
	doc := map[string]any{}
	require.NoError(t, toml.Unmarshal([]byte(rendered), &doc))
	return doc
}

func TestRenderRuntimeConfigInjectsMCPServer(t *testing.T) {
	rendered, err := RenderRuntimeConfig("", "codex", "/workspace", MCPSettings{
		Token:       "tok-1",
		CallbackURL: "http://127.0.0.1:8321/api/chats/chat-1/agent-tools",
		ProjectID:   "proj-1",
		ChatID:      "chat-1",
	})
	require.NoError(t, err)

	doc := decodeTOML(t, rendered)
	servers := doc["mcp_servers"].(map[string]any)
	tools := servers["agent_tools"].(map[string]any)
	assert.Equal(t, "python3", tools["command"])

	env := tools["env"].(map[string]any)
	assert.Equal(t, "tok-1", env["AGENT_HUB_AGENT_TOOLS_TOKEN"])
	assert.Equal(t, "proj-1", env["AGENT_HUB_AGENT_TOOLS_PROJECT_ID"])
	assert.Equal(t, "chat-1", env["AGENT_HUB_AGENT_TOOLS_CHAT_ID"])
	_, hasSession := env["AGENT_HUB_AGENT_TOOLS_SESSION_ID"]
	assert.False(t, hasSession, "unset ids must not appear in the env block")
}

func TestRenderRuntimeConfigTrustsWorkspaceForCodexOnly(t *testing.T) {
	rendered, err := RenderRuntimeConfig("", "codex", "/workspace", MCPSettings{Token: "t"})
	require.NoError(t, err)
	doc := decodeTOML(t, rendered)
	projects := doc["projects"].(map[string]any)
	entry := projects["/workspace"].(map[string]any)
	assert.Equal(t, "trusted", entry["trust_level"])

	rendered, err = RenderRuntimeConfig("", "claude", "/workspace", MCPSettings{Token: "t"})
	require.NoError(t, err)
	doc = decodeTOML(t, rendered)
	_, has := doc["projects"]
	assert.False(t, has)
}

func TestRenderRuntimeConfigMergesBaseConfig(t *testing.T) {
	base := "model = \"gpt-5\"\n\n[projects.\"/workspace\"]\ntrust_level = \"untrusted\"\n"
	rendered, err := RenderRuntimeConfig(base, "codex", "/workspace", MCPSettings{Token: "t"})
	require.NoError(t, err)

	doc := decodeTOML(t, rendered)
	assert.Equal(t, "gpt-5", doc["model"])
	projects := doc["projects"].(map[string]any)
	entry := projects["/workspace"].(map[string]any)
	assert.Equal(t, "trusted", entry["trust_level"], "trust upsert must win over the base value")
}

func TestRenderRuntimeConfigRejectsBadBase(t *testing.T) {
	_, err := RenderRuntimeConfig("model = [unterminated", "codex", "/workspace", MCPSettings{})
	assert.Error(t, err)
}

func TestWriteRuntimeConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runtime-configs")
	path, err := WriteRuntimeConfig(dir, "chat-1", "model = \"x\"\n")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "chat-1.toml"), path)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "model = \"x\"\n", string(raw))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestMaterializeMCPScript(t *testing.T) {
	home := t.TempDir()
	path, err := MaterializeMCPScript(home)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "agent_hub", "agent_tools_mcp.py"), path)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "agent_tools")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}
