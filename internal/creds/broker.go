package creds

import (
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"agenthub/internal/gitutil"
	"agenthub/internal/huberr"
)

// Broker owns the credential catalog and its on-disk stores. The catalog is
// derived on demand; only the installation-token cache is stateful.
type Broker struct {
	secretsDir string
	credsDir   string
	runner     gitutil.Runner

	// HTTPClient performs installation-token mints; replaceable in tests.
	HTTPClient *http.Client

	tokenMu    sync.Mutex
	tokenCache map[int64]*cachedInstallationToken
}

func NewBroker(secretsDir, gitCredentialsDir string, runner gitutil.Runner) *Broker {
	return &Broker{
		secretsDir: secretsDir,
		credsDir:   gitCredentialsDir,
		runner:     runner,
		HTTPClient: &http.Client{Timeout: 8 * time.Second},
		tokenCache: make(map[int64]*cachedInstallationToken),
	}
}

func (b *Broker) appSettingsPath() string {
	return filepath.Join(b.secretsDir, "github_app_settings.json")
}

func (b *Broker) appInstallationPath() string {
	return filepath.Join(b.secretsDir, "github_app_installation.json")
}

func (b *Broker) githubTokensPath() string {
	return filepath.Join(b.secretsDir, "github_tokens.json")
}

func (b *Broker) gitlabTokensPath() string {
	return filepath.Join(b.secretsDir, "gitlab_tokens.json")
}

// AppSettings loads the GitHub App configuration, or nil when unset.
func (b *Broker) AppSettings() (*AppSettings, error) {
	var s AppSettings
	ok, err := readJSONFile(b.appSettingsPath(), &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

// SaveAppSettings persists the GitHub App configuration.
func (b *Broker) SaveAppSettings(s *AppSettings) error {
	return writeJSONFile(b.appSettingsPath(), s)
}

// DeleteAppSettings removes the app configuration and the installation.
func (b *Broker) DeleteAppSettings() error {
	if err := removeIfExists(b.appSettingsPath()); err != nil {
		return err
	}
	return removeIfExists(b.appInstallationPath())
}

// Installation loads the single connected installation, or nil when unset.
func (b *Broker) Installation() (*AppInstallation, error) {
	var inst AppInstallation
	ok, err := readJSONFile(b.appInstallationPath(), &inst)
	if err != nil || !ok {
		return nil, err
	}
	return &inst, nil
}

// SaveInstallation persists the connected installation (at most one).
func (b *Broker) SaveInstallation(inst *AppInstallation) error {
	return writeJSONFile(b.appInstallationPath(), inst)
}

// DeleteInstallation disconnects the installation and drops its token cache.
func (b *Broker) DeleteInstallation() error {
	b.tokenMu.Lock()
	b.tokenCache = make(map[int64]*cachedInstallationToken)
	b.tokenMu.Unlock()
	return removeIfExists(b.appInstallationPath())
}

// PATs loads one provider's token list.
func (b *Broker) PATs(provider Provider) ([]PAT, error) {
	path := b.githubTokensPath()
	if provider == ProviderGitLab {
		path = b.gitlabTokensPath()
	}
	var list []PAT
	if _, err := readJSONFile(path, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// SavePATs replaces one provider's token list.
func (b *Broker) SavePATs(provider Provider, list []PAT) error {
	path := b.githubTokensPath()
	if provider == ProviderGitLab {
		path = b.gitlabTokensPath()
	}
	return writeJSONFile(path, list)
}

// Catalog derives the unified credential catalog: the installation first,
// then PATs ordered by connect time.
func (b *Broker) Catalog() ([]Record, error) {
	var out []Record

	inst, err := b.Installation()
	if err != nil {
		return nil, err
	}
	if inst != nil {
		out = append(out, Record{
			CredentialID: InstallationCredentialID(inst.InstallationID),
			Kind:         KindGitHubApp,
			Provider:     ProviderGitHub,
			Host:         inst.Host,
			Scheme:       "https",
			AccountLogin: inst.AccountLogin,
			ConnectedAt:  inst.ConnectedAt,
		})
	}

	for _, provider := range []Provider{ProviderGitHub, ProviderGitLab} {
		pats, err := b.PATs(provider)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(pats, func(i, j int) bool { return pats[i].ConnectedAt.Before(pats[j].ConnectedAt) })
		for _, p := range pats {
			out = append(out, Record{
				CredentialID: p.TokenID,
				Kind:         KindPAT,
				Provider:     provider,
				Host:         p.Host,
				Scheme:       p.Scheme,
				AccountLogin: p.Login,
				AccountEmail: p.Email,
				AccountName:  p.Name,
				ConnectedAt:  p.ConnectedAt,
			})
		}
	}
	return out, nil
}

// InstallationCredentialID formats the stable id for the app installation.
func InstallationCredentialID(installationID int64) string {
	return fmt.Sprintf("github_app:%d", installationID)
}

// RepoHost parses the host and scheme of a repository URL. ssh and scp-style
// URLs normalize to an empty scheme with the bare host.
func RepoHost(repoURL string) (host, scheme string, err error) {
	trimmed := strings.TrimSpace(repoURL)
	if trimmed == "" {
		return "", "", huberr.BadRequest("repository URL is empty")
	}
	if strings.HasPrefix(trimmed, "git@") {
		// scp-style: git@host:org/repo.git
		rest := strings.TrimPrefix(trimmed, "git@")
		if idx := strings.IndexAny(rest, ":/"); idx > 0 {
			return rest[:idx], "", nil
		}
		return "", "", huberr.BadRequest("unparseable repository URL %q", repoURL)
	}
	u, perr := url.Parse(trimmed)
	if perr != nil || u.Host == "" {
		return "", "", huberr.BadRequest("unparseable repository URL %q", repoURL)
	}
	host = u.Hostname()
	switch u.Scheme {
	case "http", "https":
		return host, u.Scheme, nil
	case "ssh":
		return host, "", nil
	default:
		return host, "", nil
	}
}
