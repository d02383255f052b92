// Package config loads hub configuration from config.yaml, .env, and
// AGENT_HUB_-prefixed environment variables, and owns the data-dir layout.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the typed view of the hub's settings at startup. Runtime-mutable
// settings (default agent type, git identity, ...) live in the persisted
// state instead.
type Config struct {
	Listen             string
	DataDir            string
	Debug              bool
	LogFile            string
	PublishBaseURL     string // base URL the browser and containers reach the hub on
	SharedRoot         string // optional path whose owner seeds host identity
	TmpHostPath        string // optional host path mounted as the runtime /tmp
	TitleModel         string
	AutoConfigTimeout  int // seconds
	GitHubAPIBaseURL   string
	GitHubWebBaseURL   string
	OpenAIAPIBaseURL   string
	ContainerNamespace string // prefix for every container the hub owns
}

// Load reads configuration. Order of precedence: flags (bound by the caller),
// environment (AGENT_HUB_*), config file, defaults.
func Load(cfgFile string) (*Config, error) {
	// explicit .env loading; missing file is fine
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("agenthub")
	}

	viper.SetEnvPrefix("AGENT_HUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	viper.SetDefault("listen", "127.0.0.1:8321")
	viper.SetDefault("data_dir", filepath.Join(home, ".agent-hub"))
	viper.SetDefault("debug", false)
	viper.SetDefault("log_file", "")
	viper.SetDefault("publish_base_url", "http://127.0.0.1:8321")
	viper.SetDefault("shared_root", os.Getenv("AGENT_HUB_SHARED_ROOT"))
	viper.SetDefault("tmp_host_path", os.Getenv("AGENT_HUB_TMP_HOST_PATH"))
	viper.SetDefault("title_model", "gpt-4.1-mini")
	viper.SetDefault("auto_config_timeout_seconds", 900)
	viper.SetDefault("github_api_base_url", "https://api.github.com")
	viper.SetDefault("github_web_base_url", "https://github.com")
	viper.SetDefault("openai_api_base_url", "https://api.openai.com")
	viper.SetDefault("container_namespace", "agent-hub")

	// Legacy env names without the viper replacer mapping.
	if v := os.Getenv("AGENT_HUB_CHAT_TITLE_MODEL"); v != "" {
		viper.Set("title_model", v)
	}
	if v := os.Getenv("AGENT_HUB_AUTO_CONFIG_TIMEOUT_SECONDS"); v != "" {
		viper.Set("auto_config_timeout_seconds", v)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("failed to read config %s: %w", cfgFile, err)
		}
	}

	cfg := &Config{
		Listen:             viper.GetString("listen"),
		DataDir:            viper.GetString("data_dir"),
		Debug:              viper.GetBool("debug"),
		LogFile:            viper.GetString("log_file"),
		PublishBaseURL:     strings.TrimRight(viper.GetString("publish_base_url"), "/"),
		SharedRoot:         viper.GetString("shared_root"),
		TmpHostPath:        viper.GetString("tmp_host_path"),
		TitleModel:         viper.GetString("title_model"),
		AutoConfigTimeout:  viper.GetInt("auto_config_timeout_seconds"),
		GitHubAPIBaseURL:   strings.TrimRight(viper.GetString("github_api_base_url"), "/"),
		GitHubWebBaseURL:   strings.TrimRight(viper.GetString("github_web_base_url"), "/"),
		OpenAIAPIBaseURL:   strings.TrimRight(viper.GetString("openai_api_base_url"), "/"),
		ContainerNamespace: viper.GetString("container_namespace"),
	}
	return cfg, nil
}

// Data-dir layout. EnsureDirs creates every directory the hub writes to.

func (c *Config) StatePath() string         { return filepath.Join(c.DataDir, "state.json") }
func (c *Config) CapabilitiesPath() string  { return filepath.Join(c.DataDir, "agent_capabilities_cache.json") }
func (c *Config) SecretsDir() string        { return filepath.Join(c.DataDir, "secrets") }
func (c *Config) GitCredentialsDir() string { return filepath.Join(c.SecretsDir(), "git_credentials") }
func (c *Config) ProjectsDir() string       { return filepath.Join(c.DataDir, "projects") }
func (c *Config) ChatsDir() string          { return filepath.Join(c.DataDir, "chats") }
func (c *Config) LogsDir() string           { return filepath.Join(c.DataDir, "logs") }
func (c *Config) ArtifactsDir() string      { return filepath.Join(c.DataDir, "artifacts") }
func (c *Config) TmpDir() string            { return filepath.Join(c.DataDir, "tmp") }
func (c *Config) RuntimeConfigsDir() string { return filepath.Join(c.DataDir, "chat_runtime_configs") }

func (c *Config) ChatArtifactsDir() string {
	return filepath.Join(c.ArtifactsDir(), "chats")
}

func (c *Config) SessionArtifactsDir() string {
	return filepath.Join(c.ArtifactsDir(), "agent_tools_sessions")
}

func (c *Config) ProjectWorkspace(projectID string) string {
	return filepath.Join(c.ProjectsDir(), projectID)
}

func (c *Config) ChatWorkspace(chatID string) string {
	return filepath.Join(c.ChatsDir(), chatID)
}

func (c *Config) ChatLogPath(chatID string) string {
	return filepath.Join(c.LogsDir(), "chat-"+chatID+".log")
}

func (c *Config) BuildLogPath(projectID string) string {
	return filepath.Join(c.LogsDir(), "project-build-"+projectID+".log")
}

func (c *Config) ContainerName(kind, id string) string {
	return c.ContainerNamespace + "-" + kind + "-" + id
}

// EnsureDirs creates the on-disk layout; secrets directories are 0700.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{
		c.DataDir, c.ProjectsDir(), c.ChatsDir(), c.LogsDir(),
		c.ArtifactsDir(), c.ChatArtifactsDir(), c.SessionArtifactsDir(),
		c.TmpDir(), c.RuntimeConfigsDir(),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	for _, d := range []string{c.SecretsDir(), c.GitCredentialsDir()} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return nil
}
