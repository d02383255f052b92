// Package creds is the hub's credential broker: a unified catalog over the
// GitHub App installation and the GitHub/GitLab PAT stores, per-repository
// resolution with ls-remote probing, and ephemeral materialization of
// git-credential files.
package creds

import "time"

type Kind string

const (
	KindGitHubApp Kind = "github_app_installation"
	KindPAT       Kind = "personal_access_token"
)

type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// Record is the normalized catalog entry shape shared by every source.
type Record struct {
	CredentialID string    `json:"credential_id"`
	Kind         Kind      `json:"kind"`
	Provider     Provider  `json:"provider"`
	Host         string    `json:"host"`
	Scheme       string    `json:"scheme"`
	AccountLogin string    `json:"account_login,omitempty"`
	AccountEmail string    `json:"account_email,omitempty"`
	AccountName  string    `json:"account_name,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// AppSettings is the persisted GitHub App configuration produced by the
// manifest flow.
type AppSettings struct {
	AppID      int64     `json:"app_id"`
	Slug       string    `json:"slug"`
	PEM        string    `json:"pem"`
	HTMLURL    string    `json:"html_url"`
	WebBaseURL string    `json:"web_base_url"`
	APIBaseURL string    `json:"api_base_url"`
	Host       string    `json:"host"`
	CreatedAt  time.Time `json:"created_at"`
}

// AppInstallation is the persisted record of the single connected
// installation. Its credential id is "github_app:<installation_id>".
type AppInstallation struct {
	InstallationID int64     `json:"installation_id"`
	AccountLogin   string    `json:"account_login"`
	Host           string    `json:"host"`
	ConnectedAt    time.Time `json:"connected_at"`
}

// PAT is one stored personal access token. Token is the secret and never
// leaves the secrets directory except through materialized credential files.
type PAT struct {
	TokenID     string    `json:"token_id"`
	Host        string    `json:"host"`
	Scheme      string    `json:"scheme"`
	Login       string    `json:"login"`
	Email       string    `json:"email,omitempty"`
	Name        string    `json:"name,omitempty"`
	Token       string    `json:"token"`
	ConnectedAt time.Time `json:"connected_at"`
}
