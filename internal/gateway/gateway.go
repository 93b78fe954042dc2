// Package gateway is the HTTP client for the agent gateway that actually
// runs spawned agents. trak only ever calls two tools: sessions_spawn to
// dispatch work and sessions_list to probe liveness.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/trakhq/trak/internal/config"
	"github.com/trakhq/trak/internal/debug"
)

// DefaultBaseURL is used when no configuration names a gateway.
const DefaultBaseURL = "http://127.0.0.1:18789"

// mainSessionKey is the session all spawns are parented under.
const mainSessionKey = "agent:main:main"

// ErrAuth marks 401/403 responses; these are never retried.
var ErrAuth = errors.New("gateway authentication failed")

// Client talks to one gateway endpoint.
type Client struct {
	BaseURL string
	Token   string

	httpClient *http.Client
	backoff    []time.Duration
}

// clawdbotConfig is the on-disk shape of ~/.clawdbot/clawdbot.json, reduced
// to the fields discovery needs.
type clawdbotConfig struct {
	Gateway struct {
		Port int    `json:"port"`
		Bind string `json:"bind"`
		Auth struct {
			Token string `json:"token"`
		} `json:"auth"`
		TLS struct {
			Enabled bool `json:"enabled"`
		} `json:"tls"`
	} `json:"gateway"`
}

// Discover resolves the gateway endpoint. Order: GATEWAY_URL/GATEWAY_TOKEN
// (or their config keys), then ~/.clawdbot/clawdbot.json, then the local
// default with no token.
func Discover() *Client {
	if url := config.GetString("gateway.url"); url != "" {
		return NewClient(strings.TrimRight(url, "/"), config.GetString("gateway.token"))
	}

	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".clawdbot", "clawdbot.json")
		if data, err := os.ReadFile(path); err == nil { // #nosec G304 -- fixed well-known path
			var cfg clawdbotConfig
			if err := json.Unmarshal(data, &cfg); err == nil && cfg.Gateway.Port > 0 {
				scheme := "http"
				if cfg.Gateway.TLS.Enabled {
					scheme = "https"
				}
				host := resolveBind(cfg.Gateway.Bind)
				url := fmt.Sprintf("%s://%s:%d", scheme, host, cfg.Gateway.Port)
				return NewClient(url, cfg.Gateway.Auth.Token)
			}
			debug.Logf("gateway: ignoring unusable %s", path)
		}
	}

	return NewClient(DefaultBaseURL, "")
}

// resolveBind maps a configured bind address to something dialable. Wildcard
// binds collapse to loopback; "tailnet" prefers the host's tailnet address.
func resolveBind(bind string) string {
	switch bind {
	case "", "0.0.0.0", "::", "loopback", "localhost":
		return "127.0.0.1"
	case "tailnet":
		if ip := tailnetIP(); ip != "" {
			return ip
		}
		return "127.0.0.1"
	default:
		return bind
	}
}

// tailnetIP finds an interface address in the tailnet CGNAT range
// (100.64.0.0/10). Empty when the host is not on a tailnet.
func tailnetIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	_, cgnat, _ := net.ParseCIDR("100.64.0.0/10")
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil && cgnat.Contains(ip4) {
			return ip4.String()
		}
	}
	return ""
}

// NewClient builds a client with the standard retry schedule.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		backoff:    []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
	}
}

type invokeRequest struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	SessionKey string         `json:"sessionKey,omitempty"`
}

type invokeResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Invoke POSTs one tool call, retrying transient failures with backoff.
// Authentication failures surface immediately as ErrAuth.
func (c *Client) Invoke(ctx context.Context, tool string, args map[string]any, sessionKey string) (json.RawMessage, error) {
	body, err := json.Marshal(invokeRequest{Tool: tool, Args: args, SessionKey: sessionKey})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", tool, err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		result, retryable, err := c.post(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable || attempt >= len(c.backoff) {
			return nil, fmt.Errorf("gateway %s failed: %w", tool, lastErr)
		}
		debug.Logf("gateway: %s attempt %d failed, retrying: %v", tool, attempt+1, err)
		select {
		case <-time.After(c.backoff[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// post performs one HTTP round trip. The bool reports whether the failure is
// worth retrying.
func (c *Client) post(ctx context.Context, body []byte) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/tools/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, true, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("%w (HTTP %d)", ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("gateway returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed invokeResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, false, fmt.Errorf("malformed gateway response: %w", err)
	}
	if !parsed.OK {
		msg := "unknown error"
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return nil, false, errors.New(msg)
	}
	return parsed.Result, false, nil
}

// SpawnRequest describes one agent dispatch.
type SpawnRequest struct {
	Task           string
	Label          string
	TimeoutSeconds int
	Model          string
}

// SpawnAgent dispatches a child agent session and returns its session key.
func (c *Client) SpawnAgent(ctx context.Context, req SpawnRequest) (string, error) {
	args := map[string]any{
		"task":              req.Task,
		"label":             req.Label,
		"cleanup":           "delete",
		"runTimeoutSeconds": req.TimeoutSeconds,
	}
	if req.Model != "" {
		args["model"] = req.Model
	}
	result, err := c.Invoke(ctx, "sessions_spawn", args, mainSessionKey)
	if err != nil {
		return "", err
	}
	var parsed struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.SessionKey == "" {
		// Older gateways return a bare string.
		var key string
		if err2 := json.Unmarshal(result, &key); err2 == nil && key != "" {
			return key, nil
		}
		return "", fmt.Errorf("spawn result carries no session key: %s", strings.TrimSpace(string(result)))
	}
	return parsed.SessionKey, nil
}

// Probe checks that the gateway is reachable and answering tool calls.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Invoke(ctx, "sessions_list", map[string]any{}, "")
	return err
}
