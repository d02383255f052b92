package creds

import (
	"context"
	"log/slog"

	"agenthub/internal/gitutil"
	"agenthub/internal/huberr"
	"agenthub/internal/state"
)

// Resolution is the broker's answer for one repository: candidates in the
// order the caller should try them, plus whether a binding rewrite to `set`
// is warranted (auto mode only, non-empty result).
type Resolution struct {
	Candidates    []Record
	RewriteToSet  bool
	RewrittenIDs  []string
}

// Resolve applies a project credential binding to a repository URL.
// In auto mode every host-matching candidate is probed with git ls-remote
// under a freshly materialized credential file; verified candidates sort
// first. Probing performs subprocess I/O, so callers must not hold locks.
func (b *Broker) Resolve(ctx context.Context, repoURL string, binding state.CredentialBinding) (*Resolution, error) {
	host, scheme, err := RepoHost(repoURL)
	if err != nil {
		return nil, err
	}

	catalog, err := b.Catalog()
	if err != nil {
		return nil, err
	}
	var filtered []Record
	for _, rec := range catalog {
		if rec.Host != host {
			continue
		}
		if (scheme == "http" || scheme == "https") && rec.Scheme != "" && rec.Scheme != scheme {
			continue
		}
		filtered = append(filtered, rec)
	}

	byID := make(map[string]Record, len(filtered))
	for _, rec := range filtered {
		byID[rec.CredentialID] = rec
	}

	switch binding.Mode {
	case state.BindingSet, state.BindingSingle:
		// Preserve the caller-supplied order, dropping ids no longer present.
		var out []Record
		for _, id := range binding.CredentialIDs {
			if rec, ok := byID[id]; ok {
				out = append(out, rec)
			}
		}
		if binding.Mode == state.BindingSingle && len(out) > 1 {
			out = out[:1]
		}
		if len(out) == 0 {
			return nil, huberr.CredentialResolution("no bound credential is connected for host %s", host)
		}
		return &Resolution{Candidates: out}, nil

	case state.BindingAll:
		if len(filtered) == 0 {
			return nil, huberr.CredentialResolution("no connected credential matches host %s", host)
		}
		return &Resolution{Candidates: filtered}, nil

	case state.BindingAuto:
		if len(filtered) == 0 {
			return nil, huberr.CredentialResolution("no connected credential matches host %s", host)
		}
		verified, unverified := b.probeAll(ctx, repoURL, filtered)
		ordered := append(append([]Record{}, verified...), unverified...)
		res := &Resolution{Candidates: ordered}
		if len(verified) > 0 {
			res.RewriteToSet = true
			for _, rec := range verified {
				res.RewrittenIDs = append(res.RewrittenIDs, rec.CredentialID)
			}
		}
		return res, nil

	default:
		return nil, huberr.CredentialResolution("invalid credential binding mode %q", binding.Mode)
	}
}

// probeAll checks each candidate with git ls-remote. Ordering inside each
// bucket is stable with respect to the catalog.
func (b *Broker) probeAll(ctx context.Context, repoURL string, candidates []Record) (verified, unverified []Record) {
	for _, rec := range candidates {
		mat, err := b.Materialize(ctx, "probe:"+repoURL, rec)
		if err != nil {
			slog.Debug("Credential materialization failed during probe",
				"credential_id", rec.CredentialID, "error", err)
			unverified = append(unverified, rec)
			continue
		}
		git := gitutil.Git{Runner: b.runner, Env: mat.GitEnv}
		if err := git.Probe(ctx, repoURL); err != nil {
			slog.Debug("Credential probe failed",
				"credential_id", rec.CredentialID, "host", rec.Host, "error", err)
			unverified = append(unverified, rec)
			continue
		}
		verified = append(verified, rec)
	}
	return verified, unverified
}

// MaterializeFirst resolves the binding and materializes the first usable
// candidate. The common path for clones and builds.
func (b *Broker) MaterializeFirst(ctx context.Context, contextKey, repoURL string, binding state.CredentialBinding) (*Materialized, *Resolution, error) {
	res, err := b.Resolve(ctx, repoURL, binding)
	if err != nil {
		return nil, nil, err
	}
	var lastErr error
	for _, rec := range res.Candidates {
		mat, err := b.Materialize(ctx, contextKey, rec)
		if err != nil {
			lastErr = err
			continue
		}
		return mat, res, nil
	}
	if lastErr == nil {
		lastErr = huberr.CredentialResolution("no usable credential for %s", repoURL)
	}
	return nil, nil, lastErr
}
