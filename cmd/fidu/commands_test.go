package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestModeGet(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /mode": `{"mode":"cloud","online":true}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/mode")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Mode   string `json:"mode"`
		Online bool   `json:"online"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.Mode != "cloud" || !result.Online {
		t.Errorf("unexpected mode response: %+v", result)
	}
	if ts.requests[0].Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want bearer token", ts.requests[0].Auth)
	}
}

func TestModeSetSendsDirectory(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /mode": `{"mode":"filesystem"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/mode", map[string]any{
		"mode":      "filesystem",
		"directory": "/data/grant",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent["directory"] != "/data/grant" {
		t.Errorf("body.directory = %v, want /data/grant", sent["directory"])
	}
}

func TestSyncNow(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sync/now": `{"local_revision":7,"pending_changes":false,"last_synced_at":"2025-06-01T10:00:00Z"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/sync/now", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var st syncStateView
	if err := decodeJSON(resp, &st); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if st.LocalRevision != 7 {
		t.Errorf("local_revision = %d, want 7", st.LocalRevision)
	}
	if st.PendingChanges {
		t.Error("pending_changes should be false after a clean sync")
	}
}

func TestKeysSetPath(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /api-keys/p1/openai": `{"provider":"openai","profile_id":"p1"}`,
	})

	client := ts.client()
	resp, err := client.put(ctx, "/api-keys/p1/openai", map[string]any{"api_key": "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result struct {
		Provider string `json:"provider"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.Provider != "openai" {
		t.Errorf("provider = %q, want openai", result.Provider)
	}

	r := ts.requests[0]
	if r.Method != "PUT" || r.Path != "/api-keys/p1/openai" {
		t.Errorf("unexpected request %s %s", r.Method, r.Path)
	}
	if !strings.Contains(r.Body, "sk-test") {
		t.Errorf("request body missing key: %q", r.Body)
	}
}

func TestKeysListNeverShowsValues(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api-keys/p1/": `{"api_keys":[{"provider":"openai","updated_at":"2025-06-01T10:00:00Z"}]}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/api-keys/p1/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result struct {
		APIKeys []struct {
			Provider string `json:"provider"`
			Key      string `json:"api_key"`
		} `json:"api_keys"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(result.APIKeys) != 1 || result.APIKeys[0].Provider != "openai" {
		t.Fatalf("unexpected keys: %+v", result.APIKeys)
	}
	if result.APIKeys[0].Key != "" {
		t.Error("key material must not appear in list responses")
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/mode")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestModeSetCommand_RequiresArg(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"mode", "set"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing mode argument")
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writing pid file: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("reading pid file: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d, want a positive pid", pid)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error reading removed pid file")
	}
}
