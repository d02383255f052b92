package creds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"agenthub/internal/huberr"
)

// Materialized is a credential written to disk for one git invocation
// context. Path is the credential file; GitEnv configures git to use it.
type Materialized struct {
	Record Record
	Path   string
	GitEnv []string
}

// Materialize resolves the secret for a credential and writes a one-line
// git-credentials file named by sha256(contextKey|credentialID)[:24]. The
// file is 0600 and atomically replaced.
func (b *Broker) Materialize(ctx context.Context, contextKey string, rec Record) (*Materialized, error) {
	user, secret, err := b.secretFor(ctx, rec)
	if err != nil {
		return nil, err
	}
	scheme := rec.Scheme
	if scheme == "" {
		scheme = "https"
	}
	// url.URL escapes userinfo per RFC 3986; QueryEscape would turn a space
	// in the secret into "+", which git would read back literally.
	u := url.URL{Scheme: scheme, User: url.UserPassword(user, secret), Host: rec.Host}
	line := u.String() + "\n"

	digest := sha256.Sum256([]byte(contextKey + "|" + rec.CredentialID))
	name := hex.EncodeToString(digest[:])[:24] + ".git-credentials"
	path := filepath.Join(b.credsDir, name)
	if err := writeFileAtomic(path, []byte(line), 0o600); err != nil {
		return nil, err
	}

	return &Materialized{
		Record: rec,
		Path:   path,
		GitEnv: GitEnv(path, rec.Host, scheme),
	}, nil
}

// GitEnv builds the environment that points git at a materialized credential
// file and rewrites ssh remotes to HTTPS so the file applies.
func GitEnv(credFile, host, scheme string) []string {
	httpsPrefix := fmt.Sprintf("%s://%s/", scheme, host)
	return []string{
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_COUNT=3",
		"GIT_CONFIG_KEY_0=credential.helper",
		fmt.Sprintf("GIT_CONFIG_VALUE_0=store --file=%s", credFile),
		fmt.Sprintf("GIT_CONFIG_KEY_1=url.%s.insteadOf", httpsPrefix),
		fmt.Sprintf("GIT_CONFIG_VALUE_1=git@%s:", host),
		fmt.Sprintf("GIT_CONFIG_KEY_2=url.%s.insteadOf", httpsPrefix),
		fmt.Sprintf("GIT_CONFIG_VALUE_2=ssh://git@%s/", host),
	}
}

// secretFor resolves the (user, secret) pair for a catalog entry. For the
// app installation this mints (or reuses) a short-lived installation token.
func (b *Broker) secretFor(ctx context.Context, rec Record) (string, string, error) {
	switch rec.Kind {
	case KindGitHubApp:
		inst, err := b.Installation()
		if err != nil {
			return "", "", err
		}
		if inst == nil {
			return "", "", huberr.CredentialResolution("github app installation is not connected")
		}
		tok, err := b.InstallationToken(ctx, inst.InstallationID)
		if err != nil {
			return "", "", err
		}
		return "x-access-token", tok, nil
	case KindPAT:
		pats, err := b.PATs(rec.Provider)
		if err != nil {
			return "", "", err
		}
		for _, p := range pats {
			if p.TokenID == rec.CredentialID {
				user := p.Login
				if user == "" {
					user = "oauth2"
				}
				return user, p.Token, nil
			}
		}
		return "", "", huberr.CredentialResolution("credential %s is no longer connected", rec.CredentialID)
	default:
		return "", "", huberr.CredentialResolution("unknown credential kind %q", rec.Kind)
	}
}

// SweepCredentialFiles removes every materialized credential file. Used on
// disconnect and by the startup reconciler.
func (b *Broker) SweepCredentialFiles() (int, error) {
	entries, err := os.ReadDir(b.credsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read %s: %w", b.credsDir, err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".git-credentials") {
			continue
		}
		if err := os.Remove(filepath.Join(b.credsDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
