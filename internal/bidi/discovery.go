package bidi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ResolveEndpoint turns addr into a websocket URL. ws:// and wss:// addresses
// are returned as they are. For http:// and https:// addresses the browser's
// /json/version document is queried for its webSocketDebuggerUrl; if the
// browser doesn't serve one, <addr>/session is used.
func ResolveEndpoint(ctx context.Context, addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint %q: %w", addr, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return addr, nil
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	base := strings.TrimSuffix(addr, "/")
	wsURL, err := discoverWebSocketURL(ctx, base+"/json/version")
	if err == nil && wsURL != "" {
		return wsURL, nil
	}

	fallback := *u
	fallback.Scheme = "ws"
	if u.Scheme == "https" {
		fallback.Scheme = "wss"
	}
	fallback.Path = strings.TrimSuffix(u.Path, "/") + "/session"
	return fallback.String(), nil
}

func discoverWebSocketURL(ctx context.Context, versionURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return "", err
	}

	response, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to connect to endpoint: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	// Parse browser version info
	var versionInfo struct {
		Browser              string `json:"Browser"`
		ProtocolVersion      string `json:"Protocol-Version"`
		UserAgent            string `json:"User-Agent"`
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.Unmarshal(body, &versionInfo); err != nil {
		return "", fmt.Errorf("failed to parse JSON response: %w", err)
	}

	return versionInfo.WebSocketDebuggerURL, nil
}
