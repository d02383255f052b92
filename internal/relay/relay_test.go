package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthub/internal/huberr"
)

type fakeExecer struct {
	gateway string
	execOut string
	execErr error
	execed  [][]string
}

func (f *fakeExecer) ExecByName(ctx context.Context, containerName string, cmd []string) (string, error) {
	f.execed = append(f.execed, cmd)
	return f.execOut, f.execErr
}

func (f *fakeExecer) BridgeGateway(ctx context.Context) (string, error) {
	if f.gateway == "" {
		return "", os.ErrNotExist
	}
	return f.gateway, nil
}

func testRelay(publishBase string, docker ContainerExecer) *Relay {
	r := New(publishBase, docker)
	r.routePath = "/nonexistent-route-table"
	return r
}

func TestDeliverHitsFirstReachableHost(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("login complete"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	r := testRelay("http://"+u.Hostname()+":9", &fakeExecer{})
	res, err := r.Deliver(context.Background(), "", port, "/callback",
		url.Values{"code": {"secret"}, "state": {"nonce"}})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "login complete", res.Body)
	assert.Equal(t, "secret", gotQuery.Get("code"))
	assert.Equal(t, "nonce", gotQuery.Get("state"))
}

func TestDeliverNonOKResponseIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad state", http.StatusBadRequest)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	r := testRelay("http://"+u.Hostname(), &fakeExecer{})
	res, err := r.Deliver(context.Background(), "", port, "/callback", nil)
	require.NoError(t, err, "a 4xx from the login server is still a delivery")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestDeliverFallsBackToContainerExec(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"status_code": 200, "body": "ok"})
	execer := &fakeExecer{execOut: "warning: noise\n" + string(payload) + "\n"}

	// Unroutable publish base; no gateway; exec must carry it.
	r := testRelay("http://127.0.0.1:1", execer)
	r.HTTPClient = &http.Client{Timeout: 50 * time.Millisecond}

	res, err := r.Deliver(context.Background(), "agent-hub-login-x", 1, "/done", url.Values{"code": {"c"}})
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "ok", res.Body)
	require.Len(t, execer.execed, 1)
	assert.Equal(t, "python3", execer.execed[0][0])
}

func TestDeliverExhaustionListsOriginsWithoutValues(t *testing.T) {
	execer := &fakeExecer{execErr: os.ErrDeadlineExceeded}
	r := testRelay("http://127.0.0.1:1", execer)
	r.HTTPClient = &http.Client{Timeout: 50 * time.Millisecond}

	_, err := r.Deliver(context.Background(), "agent-hub-login-x", 1, "/done",
		url.Values{"code": {"super-secret-value"}})
	require.Error(t, err)
	assert.Equal(t, huberr.CodeNetworkReachability, huberr.CodeOf(err))
	assert.Contains(t, err.Error(), "127.0.0.1")
	assert.Contains(t, err.Error(), "container:agent-hub-login-x")
	assert.NotContains(t, err.Error(), "super-secret-value")
}

func TestCandidateHostsDeduplicates(t *testing.T) {
	routeFile := filepath.Join(t.TempDir(), "route")
	// gateway 172.17.0.1 is 0100 11AC little-endian
	content := "Iface\tDestination\tGateway\neth0\t00000000\t010011AC\n"
	require.NoError(t, os.WriteFile(routeFile, []byte(content), 0o644))

	r := New("http://172.17.0.1:8321", &fakeExecer{gateway: "172.17.0.1"})
	r.routePath = routeFile

	hosts := r.candidateHosts(context.Background())
	assert.Equal(t, []string{"172.17.0.1"}, hosts)
}

func TestDefaultGatewayParsesRouteTable(t *testing.T) {
	routeFile := filepath.Join(t.TempDir(), "route")
	content := strings.Join([]string{
		"Iface\tDestination\tGateway\tFlags",
		"eth0\t0011AC00\t00000000\t0001", // not the default route
		"eth0\t00000000\t0100A8C0\t0003", // 192.168.0.1
	}, "\n")
	require.NoError(t, os.WriteFile(routeFile, []byte(content), 0o644))
	assert.Equal(t, "192.168.0.1", defaultGateway(routeFile))

	assert.Empty(t, defaultGateway(filepath.Join(t.TempDir(), "missing")))
}

func TestClassifyTransportError(t *testing.T) {
	assert.Equal(t, "timeout", classifyTransportError(context.DeadlineExceeded))
	assert.Equal(t, "transport_error", classifyTransportError(os.ErrClosed))
}
