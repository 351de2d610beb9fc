package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"webagentaa/internal/core"
)

const probeTimeout = 10 * time.Second

type versionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ProbeRemote checks that remote points at a reachable DevTools endpoint. On
// success it returns the websocket URL to connect to.
func ProbeRemote(ctx context.Context, client *http.Client, remote core.RemoteConfig) (string, core.Negotiation) {
	endpoint := strings.TrimSpace(remote.Endpoint)
	if endpoint == "" {
		return "", core.Unsupported("remote endpoint is empty")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", core.Unsupported("invalid remote endpoint: %v", err)
	}

	switch parsed.Scheme {
	case "ws", "wss":
		if remote.Username != "" && parsed.User == nil {
			parsed.User = url.UserPassword(remote.Username, remote.AccessKey)
		}
		return parsed.String(), core.Supported()
	case "http", "https":
	default:
		return "", core.Unsupported("unsupported remote scheme %q", parsed.Scheme)
	}

	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	versionURL := *parsed
	versionURL.Path = strings.TrimRight(parsed.Path, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL.String(), nil)
	if err != nil {
		return "", core.Unsupported("build probe request: %v", err)
	}
	if remote.Username != "" {
		req.SetBasicAuth(remote.Username, remote.AccessKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", core.Unsupported("remote endpoint unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", core.Unsupported("remote endpoint returned %s", resp.Status)
	}

	var info versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", core.Unsupported("decode remote version: %v", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", core.Unsupported("remote endpoint did not advertise a debugger url")
	}
	wsURL, err := rewriteDebuggerHost(info.WebSocketDebuggerURL, parsed)
	if err != nil {
		return "", core.Unsupported("invalid debugger url: %v", err)
	}
	return wsURL, core.Supported()
}

// rewriteDebuggerHost replaces loopback hosts reported by a browser behind a
// proxy with the host that was probed.
func rewriteDebuggerHost(raw string, probed *url.URL) (string, error) {
	wsURL, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := wsURL.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "0.0.0.0" {
		port := wsURL.Port()
		if probed.Port() != "" || port == "" {
			port = probed.Port()
		}
		if port == "" {
			wsURL.Host = probed.Hostname()
		} else {
			wsURL.Host = net.JoinHostPort(probed.Hostname(), port)
		}
		if probed.Scheme == "https" {
			wsURL.Scheme = "wss"
		}
	}
	return wsURL.String(), nil
}

// Describe renders the remote target for logs without credentials.
func Describe(remote core.RemoteConfig) string {
	redacted := remote.Redacted()
	if redacted.Provider != "" {
		return fmt.Sprintf("%s (%s)", redacted.Endpoint, redacted.Provider)
	}
	return redacted.Endpoint
}
