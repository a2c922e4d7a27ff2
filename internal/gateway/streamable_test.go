package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func newStreamableServer(t *testing.T, runner *stubRunner) (*Gateway, *httptest.Server) {
	t.Helper()
	g := New(testConfig("http"), runner, nil, testLogger())
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(ts.Close)
	return g, ts
}

func postMCP(t *testing.T, url, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func bootstrap(t *testing.T, url string) string {
	t.Helper()
	resp := postMCP(t, url, "", initializePayload)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d", resp.StatusCode)
	}
	id := resp.Header.Get(sessionHeader)
	if id == "" {
		t.Fatalf("no session identity in response header")
	}
	return id
}

func TestStreamable_BootstrapAndExec(t *testing.T) {
	g, ts := newStreamableServer(t, &stubRunner{})
	id := bootstrap(t, ts.URL)
	if g.Registry().Len() != 1 {
		t.Fatalf("sessions = %d after bootstrap", g.Registry().Len())
	}

	resp := postMCP(t, ts.URL, id, execPayload(2, "echo hello"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("exec status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `echo hello\n`) {
		t.Fatalf("exec body = %s", body)
	}
}

func TestStreamable_UnknownSession(t *testing.T) {
	_, ts := newStreamableServer(t, &stubRunner{})
	resp := postMCP(t, ts.URL, "no-such-session", execPayload(2, "ls"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "session unknown") {
		t.Fatalf("body = %s", body)
	}
}

func TestStreamable_BootstrapRejectsEmptyObject(t *testing.T) {
	_, ts := newStreamableServer(t, &stubRunner{})
	resp := postMCP(t, ts.URL, "", "{}")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "empty request payload") {
		t.Fatalf("body = %s", body)
	}
}

func TestStreamable_BootstrapRequiresInitialize(t *testing.T) {
	g, ts := newStreamableServer(t, &stubRunner{})
	resp := postMCP(t, ts.URL, "", execPayload(2, "ls"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if g.Registry().Len() != 0 {
		t.Fatalf("no session should be registered")
	}
}

func TestStreamable_DeleteRemovesSession(t *testing.T) {
	g, ts := newStreamableServer(t, &stubRunner{})
	id := bootstrap(t, ts.URL)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(sessionHeader, id)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if g.Registry().Len() != 0 {
		t.Fatalf("session survived delete")
	}
}

func TestStreamable_ServerInfoIsIdempotent(t *testing.T) {
	g, ts := newStreamableServer(t, &stubRunner{})
	id := bootstrap(t, ts.URL)

	for i := 0; i < 3; i++ {
		resp := postMCP(t, ts.URL, id, infoPayload(10+i))
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if !strings.Contains(string(body), "target.example.com") {
			t.Fatalf("body = %s", body)
		}
	}
	if g.Registry().Len() != 1 {
		t.Fatalf("server_info mutated session registry: %d", g.Registry().Len())
	}
}

func TestStreamable_ConcurrentSessionsSettleIndependently(t *testing.T) {
	runner := &stubRunner{delay: map[string]time.Duration{"slow": 600 * time.Millisecond}}
	_, ts := newStreamableServer(t, runner)

	slowID := bootstrap(t, ts.URL)
	fastID := bootstrap(t, ts.URL)

	var wg sync.WaitGroup
	var fastElapsed time.Duration
	wg.Add(2)
	go func() {
		defer wg.Done()
		resp := postMCP(t, ts.URL, slowID, execPayload(2, "slow"))
		resp.Body.Close()
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond) // let the slow call start first
		started := time.Now()
		resp := postMCP(t, ts.URL, fastID, execPayload(2, "fast"))
		resp.Body.Close()
		fastElapsed = time.Since(started)
	}()
	wg.Wait()

	if fastElapsed > 400*time.Millisecond {
		t.Fatalf("fast session blocked %s behind slow session", fastElapsed)
	}
	if runner.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", runner.callCount())
	}
}

func TestHealth(t *testing.T) {
	_, ts := newStreamableServer(t, &stubRunner{})
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var status healthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "ok" || status.Transport != "http" {
		t.Fatalf("health = %+v", status)
	}
	if status.Sessions != 0 {
		t.Fatalf("sessions = %d", status.Sessions)
	}
	if status.ProtocolVersion == "" {
		t.Fatalf("protocol version missing")
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testConfig("http")
	cfg.AuthToken = "sekrit"
	g := New(cfg, &stubRunner{}, nil, testLogger())
	ts := httptest.NewServer(g.Handler())
	defer ts.Close()

	resp := postMCP(t, ts.URL, "", initializePayload)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(initializePayload))
	req.Header.Set("Authorization", "Bearer sekrit")
	ok, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d", ok.StatusCode)
	}

	// /health stays open.
	health, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", health.StatusCode)
	}
}

func TestOriginMiddleware(t *testing.T) {
	cfg := testConfig("http")
	cfg.StrictSecurity = true
	cfg.AllowedOrigins = []string{"tools.example.com"}
	g := New(cfg, &stubRunner{}, nil, testLogger())
	ts := httptest.NewServer(g.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(initializePayload))
	req.Header.Set("Origin", "http://evil.example.net")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(initializePayload))
	req.Header.Set("Origin", "https://tools.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed origin rejected: %d", resp.StatusCode)
	}

	// No Origin header: the loopback Host of the test server passes.
	resp = postMCP(t, ts.URL, "", initializePayload)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("loopback host rejected: %d", resp.StatusCode)
	}
}
