package identity

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthub/internal/huberr"
)

func clearEnvOverrides(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AGENT_HUB_HOST_UID", "AGENT_HUB_HOST_GID",
		"AGENT_HUB_HOST_USER", "AGENT_HUB_HOST_SUPPLEMENTARY_GIDS",
	} {
		t.Setenv(k, "")
	}
}

func TestResolveFromConfig(t *testing.T) {
	clearEnvOverrides(t)
	id, err := Resolve(Overrides{
		UID: "1000", GID: "1000", Username: "dev", SupplementaryGIDs: "10, 999",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, 1000, id.UID)
	assert.Equal(t, 1000, id.GID)
	assert.Equal(t, "dev", id.Username)
	assert.Equal(t, []int{10, 999}, id.SupplementaryGIDs)
}

func TestResolveRejectsPartialPair(t *testing.T) {
	clearEnvOverrides(t)
	_, err := Resolve(Overrides{UID: "1000"}, "")
	require.Error(t, err)
	assert.Equal(t, huberr.CodeIdentity, huberr.CodeOf(err))
}

func TestResolveRejectsMalformedValues(t *testing.T) {
	clearEnvOverrides(t)
	for _, o := range []Overrides{
		{UID: "abc", GID: "1000"},
		{UID: "1000", GID: "-5"},
		{UID: "1000", GID: "1000", SupplementaryGIDs: "10,x"},
	} {
		_, err := Resolve(o, "")
		assert.Equal(t, huberr.CodeIdentity, huberr.CodeOf(err))
	}
}

func TestResolveFromEnvironment(t *testing.T) {
	clearEnvOverrides(t)
	t.Setenv("AGENT_HUB_HOST_UID", "2001")
	t.Setenv("AGENT_HUB_HOST_GID", "2002")
	t.Setenv("AGENT_HUB_HOST_USER", "envuser")

	id, err := Resolve(Overrides{}, "")
	require.NoError(t, err)
	assert.Equal(t, 2001, id.UID)
	assert.Equal(t, 2002, id.GID)
	assert.Equal(t, "envuser", id.Username)
}

func TestConfigBeatsEnvironment(t *testing.T) {
	clearEnvOverrides(t)
	t.Setenv("AGENT_HUB_HOST_UID", "2001")
	t.Setenv("AGENT_HUB_HOST_GID", "2002")

	id, err := Resolve(Overrides{UID: "3001", GID: "3002"}, "")
	require.NoError(t, err)
	assert.Equal(t, 3001, id.UID)
}

func TestResolveFromSharedRoot(t *testing.T) {
	clearEnvOverrides(t)
	dir := t.TempDir()
	id, err := Resolve(Overrides{}, dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getuid(), id.UID)
	assert.Equal(t, os.Getgid(), id.GID)
}

func TestResolveFallsBackToProcess(t *testing.T) {
	clearEnvOverrides(t)
	id, err := Resolve(Overrides{}, "")
	require.NoError(t, err)
	assert.Equal(t, os.Getuid(), id.UID)
	assert.Equal(t, os.Getgid(), id.GID)
}
