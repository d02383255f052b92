// Package relay bridges browser-delivered OAuth callbacks into a login
// server bound to loopback inside the login container. The browser cannot
// reach the container's 127.0.0.1, so the hub re-issues the GET itself
// against a ranked list of candidate hosts, falling back to an exec inside
// the container.
package relay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"agenthub/internal/huberr"
	"agenthub/internal/telemetry"
)

const attemptTimeout = 200 * time.Millisecond

// sensitiveQueryKeys are never logged by value; for these even the presence
// is flagged rather than echoed.
var sensitiveQueryKeys = map[string]bool{"code": true, "state": true, "token": true}

// ContainerExecer runs a command inside a container by name (docker exec).
type ContainerExecer interface {
	ExecByName(ctx context.Context, containerName string, cmd []string) (string, error)
	BridgeGateway(ctx context.Context) (string, error)
}

// Result is the response recovered from the login server.
type Result struct {
	StatusCode int
	Body       string
}

type Relay struct {
	PublishBaseURL string
	Docker         ContainerExecer
	// HTTPClient overrides the per-attempt client in tests.
	HTTPClient *http.Client
	// routePath overrides /proc/net/route in tests.
	routePath string
}

func New(publishBaseURL string, docker ContainerExecer) *Relay {
	return &Relay{
		PublishBaseURL: publishBaseURL,
		Docker:         docker,
		HTTPClient:     &http.Client{Timeout: attemptTimeout},
		routePath:      "/proc/net/route",
	}
}

// Deliver forwards the callback query to port/path on the first reachable
// candidate host, then falls back to an exec inside containerName. Any HTTP
// response (2xx/3xx/4xx/5xx) is terminal success from the relay's view; only
// transport failures continue down the list.
func (r *Relay) Deliver(ctx context.Context, containerName string, port int, path string, query url.Values) (*Result, error) {
	if path == "" {
		path = "/"
	}
	logQueryShape(query)

	candidates := r.candidateHosts(ctx)
	type attempt struct {
		origin string
		reason string
	}
	var failures []attempt

	for _, host := range candidates {
		target := fmt.Sprintf("http://%s%s", net.JoinHostPort(host, strconv.Itoa(port)), path)
		if enc := query.Encode(); enc != "" {
			target += "?" + enc
		}
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
		if err != nil {
			cancel()
			failures = append(failures, attempt{origin: host, reason: "bad_request_build"})
			continue
		}
		resp, err := r.HTTPClient.Do(req)
		if err != nil {
			cancel()
			failures = append(failures, attempt{origin: host, reason: classifyTransportError(err)})
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		cancel()
		telemetry.RelayAttempts.WithLabelValues("direct").Inc()
		slog.Info("OAuth callback delivered", "host", host, "status", resp.StatusCode)
		return &Result{StatusCode: resp.StatusCode, Body: string(body)}, nil
	}

	// Direct candidates exhausted: resolve loopback from inside the
	// container itself.
	if containerName != "" {
		res, err := r.execFallback(ctx, containerName, port, path, query)
		if err == nil {
			telemetry.RelayAttempts.WithLabelValues("container_exec").Inc()
			return res, nil
		}
		failures = append(failures, attempt{origin: "container:" + containerName, reason: classifyTransportError(err)})
	}

	telemetry.RelayAttempts.WithLabelValues("exhausted").Inc()
	var summary []string
	for _, f := range failures {
		summary = append(summary, fmt.Sprintf("%s (%s)", f.origin, f.reason))
	}
	return nil, huberr.NetworkReachability(
		"oauth callback could not be delivered; attempted origins: %s", strings.Join(summary, ", "))
}

// candidateHosts builds the ranked, deduplicated candidate list: the
// publish-base host, the default gateway, then the docker bridge gateway.
func (r *Relay) candidateHosts(ctx context.Context) []string {
	var out []string
	seen := map[string]bool{}
	add := func(h string) {
		if h != "" && !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	if u, err := url.Parse(r.PublishBaseURL); err == nil {
		add(u.Hostname())
	}
	add(defaultGateway(r.routePath))
	if r.Docker != nil {
		if gw, err := r.Docker.BridgeGateway(ctx); err == nil {
			add(gw)
		}
	}
	return out
}

// defaultGateway parses the Linux routing table for the 0.0.0.0/0 gateway.
func defaultGateway(routePath string) string {
	raw, err := os.ReadFile(routePath)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(raw), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		gwHex, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil {
			continue
		}
		ip := make(net.IP, 4)
		binary.LittleEndian.PutUint32(ip, uint32(gwHex))
		return ip.String()
	}
	return ""
}

// execFallback runs a python one-liner inside the container that issues the
// loopback GET and prints {status_code, body} as JSON.
func (r *Relay) execFallback(ctx context.Context, containerName string, port int, path string, query url.Values) (*Result, error) {
	target := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	if enc := query.Encode(); enc != "" {
		target += "?" + enc
	}
	script := `import json,sys,urllib.request
try:
    r = urllib.request.urlopen(sys.argv[1], timeout=5)
    print(json.dumps({"status_code": r.status, "body": r.read().decode("utf-8", "replace")}))
except urllib.error.HTTPError as e:
    print(json.dumps({"status_code": e.code, "body": e.read().decode("utf-8", "replace")}))
`
	out, err := r.Docker.ExecByName(ctx, containerName, []string{"python3", "-c", script, target})
	if err != nil {
		return nil, err
	}
	// The exec stream may carry noise before the JSON line.
	var parsed struct {
		StatusCode int    `json:"status_code"`
		Body       string `json:"body"`
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &parsed) == nil && parsed.StatusCode != 0 {
			return &Result{StatusCode: parsed.StatusCode, Body: parsed.Body}, nil
		}
	}
	return nil, fmt.Errorf("container exec fallback produced no parseable response")
}

// classifyTransportError maps a transport failure to a stable reason token.
func classifyTransportError(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_resolution_failed"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		msg := opErr.Error()
		switch {
		case strings.Contains(msg, "connection refused"):
			return "connection_refused"
		case strings.Contains(msg, "network is unreachable"):
			return "network_unreachable"
		case strings.Contains(msg, "no route to host"):
			return "no_route_to_host"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return "timeout"
	}
	return "transport_error"
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// logQueryShape logs the callback key set without any values.
func logQueryShape(query url.Values) {
	var keys []string
	for k := range query {
		if sensitiveQueryKeys[k] {
			keys = append(keys, k+" (sensitive)")
		} else {
			keys = append(keys, k)
		}
	}
	slog.Info("Relaying oauth callback", "query_keys", strings.Join(keys, ", "))
}
