package creds

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"agenthub/internal/huberr"
)

// Installation-token policy: JWTs live 9 minutes with a 30 second backdate
// for clock skew; minted tokens are reused until 2 minutes before expiry so
// at most one mint is in flight per installation.
const (
	jwtLifetime      = 9 * time.Minute
	jwtClockSkew     = 30 * time.Second
	tokenRefreshSkew = 2 * time.Minute
)

type cachedInstallationToken struct {
	token     string
	expiresAt time.Time
}

// InstallationToken returns a usable short-lived token for the installation,
// minting a fresh one when the cached token is within the refresh skew.
func (b *Broker) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	b.tokenMu.Lock()
	if cached, ok := b.tokenCache[installationID]; ok {
		if time.Until(cached.expiresAt) > tokenRefreshSkew {
			tok := cached.token
			b.tokenMu.Unlock()
			return tok, nil
		}
	}
	b.tokenMu.Unlock()

	settings, err := b.AppSettings()
	if err != nil {
		return "", err
	}
	if settings == nil {
		return "", huberr.CredentialResolution("github app is not configured")
	}

	jwt, err := b.appJWT(ctx, settings)
	if err != nil {
		return "", err
	}

	apiBase := strings.TrimRight(settings.APIBaseURL, "/")
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", apiBase, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return "", huberr.Upstream("github installation token mint failed").Wrap(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		return "", huberr.Upstream("github rejected installation token mint: status %d: %s",
			resp.StatusCode, summarize(body))
	}

	var minted struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &minted); err != nil {
		return "", huberr.Upstream("unparseable installation token response").Wrap(err)
	}

	b.tokenMu.Lock()
	b.tokenCache[installationID] = &cachedInstallationToken{token: minted.Token, expiresAt: minted.ExpiresAt}
	b.tokenMu.Unlock()
	return minted.Token, nil
}

// AppJWT mints an app-scoped JWT for direct GitHub API calls such as
// installation listing.
func (b *Broker) AppJWT(ctx context.Context) (string, error) {
	settings, err := b.AppSettings()
	if err != nil {
		return "", err
	}
	if settings == nil {
		return "", huberr.CredentialResolution("github app is not configured")
	}
	return b.appJWT(ctx, settings)
}

// appJWT builds an RS256 app JWT. Signing goes through
// `openssl dgst -sha256 -sign` so the hub carries no JWT/crypto dependency
// beyond the openssl binary it already requires.
func (b *Broker) appJWT(ctx context.Context, settings *AppSettings) (string, error) {
	now := time.Now()
	header := map[string]string{"alg": "RS256", "typ": "JWT"}
	claims := map[string]any{
		"iat": now.Add(-jwtClockSkew).Unix(),
		"exp": now.Add(jwtLifetime).Unix(),
		"iss": settings.AppID,
	}
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)
	signingInput := b64url(headerJSON) + "." + b64url(claimsJSON)

	keyFile, err := os.CreateTemp(b.secretsDir, ".app-key-*.pem")
	if err != nil {
		return "", fmt.Errorf("failed to stage app private key: %w", err)
	}
	defer os.Remove(keyFile.Name())
	if _, err := keyFile.WriteString(settings.PEM); err != nil {
		keyFile.Close()
		return "", fmt.Errorf("failed to stage app private key: %w", err)
	}
	keyFile.Close()

	inputFile, err := os.CreateTemp(b.secretsDir, ".jwt-input-*")
	if err != nil {
		return "", fmt.Errorf("failed to stage jwt input: %w", err)
	}
	defer os.Remove(inputFile.Name())
	if _, err := inputFile.WriteString(signingInput); err != nil {
		inputFile.Close()
		return "", fmt.Errorf("failed to stage jwt input: %w", err)
	}
	inputFile.Close()

	sigFile := inputFile.Name() + ".sig"
	defer os.Remove(sigFile)
	out, err := b.runner.Run(ctx, "", nil, "openssl",
		"dgst", "-sha256", "-sign", keyFile.Name(), "-out", sigFile, inputFile.Name())
	if err != nil {
		return "", fmt.Errorf("openssl signing failed: %s: %w", strings.TrimSpace(out), err)
	}
	sig, err := os.ReadFile(sigFile)
	if err != nil {
		return "", fmt.Errorf("failed to read jwt signature: %w", err)
	}
	return signingInput + "." + b64url(sig), nil
}

func b64url(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func summarize(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
