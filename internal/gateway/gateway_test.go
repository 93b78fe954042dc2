package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastClient(url, token string) *Client {
	c := NewClient(url, token)
	c.backoff = []time.Duration{time.Millisecond, time.Millisecond}
	return c
}

func TestInvoke(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools/invoke" {
			t.Errorf("path = %q, want /tools/invoke", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		var req invokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotBody = req.Tool
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"hello": "world"}})
	}))
	defer srv.Close()

	c := fastClient(srv.URL, "secret-token")
	result, err := c.Invoke(context.Background(), "sessions_list", map[string]any{}, "")
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotBody != "sessions_list" {
		t.Errorf("tool = %q, want sessions_list", gotBody)
	}
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil || parsed["hello"] != "world" {
		t.Errorf("result = %s, want the tool result", result)
	}
}

func TestInvokeRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": "fine"})
	}))
	defer srv.Close()

	c := fastClient(srv.URL, "")
	if _, err := c.Invoke(context.Background(), "sessions_list", nil, ""); err != nil {
		t.Fatalf("Invoke() error = %v, want success after retries", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestInvokeDoesNotRetryAuthFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := fastClient(srv.URL, "wrong")
	_, err := c.Invoke(context.Background(), "sessions_list", nil, "")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Invoke() error = %v, want ErrAuth", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want exactly 1", got)
	}
}

func TestInvokeToolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": map[string]any{"message": "no such tool"}})
	}))
	defer srv.Close()

	c := fastClient(srv.URL, "")
	_, err := c.Invoke(context.Background(), "bogus_tool", nil, "")
	if err == nil || !strings.Contains(err.Error(), "no such tool") {
		t.Errorf("Invoke() error = %v, want the tool's message", err)
	}
}

func TestSpawnAgent(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   string
	}{
		{name: "object result", result: map[string]any{"sessionKey": "agent:sub:42"}, want: "agent:sub:42"},
		{name: "bare string result", result: "agent:sub:43", want: "agent:sub:43"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotReq invokeRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
					t.Errorf("decode request: %v", err)
				}
				json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": tt.result})
			}))
			defer srv.Close()

			c := fastClient(srv.URL, "")
			key, err := c.SpawnAgent(context.Background(), SpawnRequest{
				Task: "do the thing", Label: "trak-abc123", TimeoutSeconds: 900, Model: "m1",
			})
			if err != nil {
				t.Fatalf("SpawnAgent() error = %v", err)
			}
			if key != tt.want {
				t.Errorf("session key = %q, want %q", key, tt.want)
			}
			if gotReq.Tool != "sessions_spawn" || gotReq.SessionKey != mainSessionKey {
				t.Errorf("request = (%q,%q), want sessions_spawn under the main session", gotReq.Tool, gotReq.SessionKey)
			}
			if gotReq.Args["cleanup"] != "delete" || gotReq.Args["runTimeoutSeconds"] != float64(900) {
				t.Errorf("args = %v, want cleanup=delete and the timeout", gotReq.Args)
			}
			if gotReq.Args["model"] != "m1" {
				t.Errorf("model = %v, want m1", gotReq.Args["model"])
			}
		})
	}
}

func TestSpawnAgentRejectsKeylessResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"pid": 42}})
	}))
	defer srv.Close()

	c := fastClient(srv.URL, "")
	key, err := c.SpawnAgent(context.Background(), SpawnRequest{Task: "t", Label: "trak-x", TimeoutSeconds: 900})
	if err == nil {
		t.Fatal("SpawnAgent() should fail when the result has no session key")
	}
	if key != "" {
		t.Errorf("session key = %q, want empty on failure", key)
	}
	if !strings.Contains(err.Error(), "pid") {
		t.Errorf("error %q should carry the raw payload", err)
	}
}

func TestResolveBind(t *testing.T) {
	tests := []struct {
		bind string
		want string
	}{
		{bind: "", want: "127.0.0.1"},
		{bind: "0.0.0.0", want: "127.0.0.1"},
		{bind: "::", want: "127.0.0.1"},
		{bind: "loopback", want: "127.0.0.1"},
		{bind: "192.168.1.7", want: "192.168.1.7"},
	}
	for _, tt := range tests {
		if got := resolveBind(tt.bind); got != tt.want {
			t.Errorf("resolveBind(%q) = %q, want %q", tt.bind, got, tt.want)
		}
	}
	// "tailnet" resolves to a CGNAT interface address or falls back to loopback.
	if got := resolveBind("tailnet"); got == "" {
		t.Error("resolveBind(tailnet) must never be empty")
	}
}
