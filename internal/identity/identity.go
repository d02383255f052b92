// Package identity resolves the host identity mapped into every launched
// container: uid, gid, username, supplementary gids, and umask.
package identity

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"agenthub/internal/huberr"
)

// Identity is the resolved host identity.
type Identity struct {
	UID               int
	GID               int
	Username          string
	SupplementaryGIDs []int
	Umask             int
}

// Overrides are the explicit config values; empty strings mean unset.
type Overrides struct {
	UID               string
	GID               string
	Username          string
	SupplementaryGIDs string // comma-separated
}

// Resolve picks the identity from, in order: explicit config, environment
// overrides (AGENT_HUB_HOST_*), a stat of sharedRoot, the process's own
// credentials. Partial or malformed numeric values are IDENTITY_ERROR.
func Resolve(cfg Overrides, sharedRoot string) (Identity, error) {
	env := Overrides{
		UID:               os.Getenv("AGENT_HUB_HOST_UID"),
		GID:               os.Getenv("AGENT_HUB_HOST_GID"),
		Username:          os.Getenv("AGENT_HUB_HOST_USER"),
		SupplementaryGIDs: os.Getenv("AGENT_HUB_HOST_SUPPLEMENTARY_GIDS"),
	}

	for _, src := range []struct {
		name string
		o    Overrides
	}{{"config", cfg}, {"environment", env}} {
		if src.o.UID == "" && src.o.GID == "" {
			continue
		}
		if src.o.UID == "" || src.o.GID == "" {
			return Identity{}, huberr.Identity("%s identity sets uid or gid but not both", src.name)
		}
		uid, err := parseID(src.o.UID)
		if err != nil {
			return Identity{}, huberr.Identity("%s identity uid: %v", src.name, err)
		}
		gid, err := parseID(src.o.GID)
		if err != nil {
			return Identity{}, huberr.Identity("%s identity gid: %v", src.name, err)
		}
		supp, err := parseSupplementary(src.o.SupplementaryGIDs)
		if err != nil {
			return Identity{}, huberr.Identity("%s identity supplementary gids: %v", src.name, err)
		}
		id := Identity{UID: uid, GID: gid, Username: src.o.Username, SupplementaryGIDs: supp, Umask: currentUmask()}
		if id.Username == "" {
			id.Username = lookupUsername(uid)
		}
		return id, nil
	}

	if sharedRoot != "" {
		var st syscall.Stat_t
		if err := syscall.Stat(sharedRoot, &st); err != nil {
			return Identity{}, huberr.Identity("failed to stat shared root %s: %v", sharedRoot, err)
		}
		uid, gid := int(st.Uid), int(st.Gid)
		return Identity{
			UID:      uid,
			GID:      gid,
			Username: lookupUsername(uid),
			Umask:    currentUmask(),
		}, nil
	}

	uid := os.Getuid()
	gid := os.Getgid()
	groups, err := os.Getgroups()
	if err != nil {
		groups = nil
	}
	return Identity{
		UID:               uid,
		GID:               gid,
		Username:          lookupUsername(uid),
		SupplementaryGIDs: groups,
		Umask:             currentUmask(),
	}, nil
}

func parseID(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%q is not numeric", raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("%d is negative", n)
	}
	return n, nil
}

func parseSupplementary(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		n, err := parseID(part)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func lookupUsername(uid int) string {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return ""
	}
	return u.Username
}

// currentUmask reads the process umask. umask(2) has no read-only form, so
// set-and-restore is the only way.
func currentUmask() int {
	m := unix.Umask(0o022)
	unix.Umask(m)
	return m
}
