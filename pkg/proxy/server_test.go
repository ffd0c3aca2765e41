package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/zx6217/geminirelay/pkg/config"
	"github.com/zx6217/geminirelay/pkg/keypool"
)

func newTestServer(t *testing.T, fake *fakeUpstream, creds []keypool.Credential, mutate func(*config.Settings)) *Server {
	t.Helper()
	set := config.DefaultSettings()
	set.RandomString = false
	if mutate != nil {
		mutate(&set)
	}
	dir := t.TempDir()
	store, err := config.NewSettingsStore(filepath.Join(dir, "settings.json"), set)
	if err != nil {
		t.Fatalf("settings store: %v", err)
	}
	s := NewServer(config.Bootstrap{ListenAddr: ":0", StorageDir: dir}, store, keypool.New(creds))
	s.upstream = fake
	s.dispatcher.upstream = fake
	s.dispatcher.sleep = func(ctx context.Context, d time.Duration) {}
	t.Cleanup(s.ledger.Close)
	return s
}

func chatBody(t *testing.T, model string, stream bool) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"model":  model,
		"stream": stream,
		"messages": []map[string]any{
			{"role": "user", "content": "ping"},
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return bytes.NewReader(b)
}

func TestChatCompletionEndToEnd(t *testing.T) {
	s := newTestServer(t, newFakeUpstream(), []keypool.Credential{aiKey("k1")}, func(set *config.Settings) {
		set.Password = "hunter2"
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, "gemini-2.5-pro", false))
	req.Header.Set("Authorization", "Bearer hunter2")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "pong" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage.TotalTokens != 3 {
		t.Fatalf("expected usage passthrough, got %+v", resp.Usage)
	}
}

func TestChatRejectsBadPassword(t *testing.T) {
	s := newTestServer(t, newFakeUpstream(), []keypool.Credential{aiKey("k1")}, func(set *config.Settings) {
		set.Password = "hunter2"
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, "gemini-2.5-pro", false))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	// the key query parameter is an accepted carrier
	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions?key=hunter2", chatBody(t, "gemini-2.5-pro", false))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 via key query, got %d", rec.Code)
	}
}

func TestChatRejectsUnknownModel(t *testing.T) {
	s := newTestServer(t, newFakeUpstream(), []keypool.Credential{aiKey("k1")}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, "gpt-4o", false))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown model, got %d", rec.Code)
	}
}

func TestChatUserAgentAllowList(t *testing.T) {
	s := newTestServer(t, newFakeUpstream(), []keypool.Credential{aiKey("k1")}, func(set *config.Settings) {
		set.WhitelistUserAgent = []string{"cherrystudio"}
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, "gemini-2.5-pro", false))
	req.Header.Set("User-Agent", "curl/8.0")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed agent, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, "gemini-2.5-pro", false))
	req.Header.Set("User-Agent", "CherryStudio/1.2.3")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for allowed agent, got %d", rec.Code)
	}
}

func TestModelsEndpointVariantsAndTags(t *testing.T) {
	creds := []keypool.Credential{
		aiKey("k1"),
		{Secret: "express-key", Kind: keypool.KindVertexExpress},
		{Secret: `{"type":"service_account"}`, Kind: keypool.KindVertexSA, ProjectID: "proj"},
	}
	s := newTestServer(t, newFakeUpstream(), creds, func(set *config.Settings) {
		set.SearchMode = true
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list struct {
		Data []ModelCard `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	ids := map[string]bool{}
	for _, card := range list.Data {
		ids[card.ID] = true
	}
	for _, want := range []string{
		"gemini-2.5-pro",
		"gemini-2.5-pro-search",
		"gemini-2.5-pro-encrypt",
		"gemini-2.5-flash-nothinking",
		"[EXPRESS]gemini-2.5-pro",
		"[PAY]gemini-2.5-pro",
		"[PAY]gemini-2.5-pro-openai",
	} {
		if !ids[want] {
			t.Fatalf("expected %q in model list", want)
		}
	}
}

func TestSearchVariantsRequireSearchMode(t *testing.T) {
	s := newTestServer(t, newFakeUpstream(), []keypool.Credential{aiKey("k1")}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var list struct {
		Data []ModelCard `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	for _, card := range list.Data {
		if strings.HasSuffix(card.ID, "-search") {
			t.Fatalf("search variant advertised with search mode off: %s", card.ID)
		}
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, "gemini-2.5-pro-search", false))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for search model with search mode off, got %d", rec.Code)
	}
}

func TestModelsEndpointBlockedFilter(t *testing.T) {
	s := newTestServer(t, newFakeUpstream(), []keypool.Credential{aiKey("k1")}, func(set *config.Settings) {
		set.BlockedModels = []string{"gemini-2.5-pro"}
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var list struct {
		Data []ModelCard `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	for _, card := range list.Data {
		if strings.Contains(card.ID, "gemini-2.5-pro") {
			t.Fatalf("blocked model leaked into list: %s", card.ID)
		}
	}
}

func TestRateLimitPerMinute(t *testing.T) {
	s := newTestServer(t, newFakeUpstream(), []keypool.Credential{aiKey("k1")}, func(set *config.Settings) {
		set.MaxRequestsPerMinute = 2
	})

	codes := make([]int, 3)
	for i := range codes {
		// distinct prompts so the cache does not absorb the repeats
		body, _ := json.Marshal(map[string]any{
			"model":    "gemini-2.5-pro",
			"messages": []map[string]any{{"role": "user", "content": strings.Repeat("x", i+1)}},
		})
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		codes[i] = rec.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("expected first two requests to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third request limited, got %v", codes)
	}
}

func TestFakeStreamingEndpoint(t *testing.T) {
	s := newTestServer(t, newFakeUpstream(), []keypool.Credential{aiKey("k1")}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, "gemini-2.5-pro", true))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}
	frames := parseSSE(t, rec.Body.String())
	if !frames.done {
		t.Fatal("expected [DONE]")
	}
	var content strings.Builder
	finish := ""
	for _, c := range frames.chunks {
		if c.Choices[0].FinishReason != "" {
			finish = string(c.Choices[0].FinishReason)
		}
		content.WriteString(c.Choices[0].Delta.Content)
	}
	if content.String() != "pong" {
		t.Fatalf("expected streamed pong, got %q", content.String())
	}
	if finish != "stop" {
		t.Fatalf("expected finish stop, got %q", finish)
	}
}

func TestRealStreamQuotaAndUsageAccounting(t *testing.T) {
	fake := newFakeUpstream()
	fake.streamBody = `data: {"candidates":[{"content":{"parts":[{"text":"pong"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":8,"totalTokenCount":20}}` + "\n"
	s := newTestServer(t, fake, []keypool.Credential{aiKey("k1"), aiKey("k2")}, func(set *config.Settings) {
		set.FakeStreaming = false
		set.APIKeyDailyLimit = 2
	})
	s.ledger.Record("k1", "gemini-2.5-pro", 5)
	s.ledger.Record("k1", "gemini-2.5-pro", 5)
	s.ledger.Flush()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, "gemini-2.5-pro", true))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	frames := parseSSE(t, rec.Body.String())
	if !frames.done {
		t.Fatal("expected [DONE]")
	}
	var content strings.Builder
	for _, c := range frames.chunks {
		content.WriteString(c.Choices[0].Delta.Content)
	}
	if content.String() != "pong" {
		t.Fatalf("expected relayed content, got %q", content.String())
	}
	if got := fake.callsFor("k1"); got != 0 {
		t.Fatalf("key at its daily limit must be skipped, got %d calls", got)
	}
	if got := fake.callsFor("k2"); got != 1 {
		t.Fatalf("expected one call on the fresh key, got %d", got)
	}

	s.ledger.Flush()
	var k2Tokens = -1
	for _, ks := range s.ledger.SnapshotKeys() {
		if ks.Secret == "k2" {
			k2Tokens = ks.Usage.Tokens
		}
	}
	if k2Tokens != 20 {
		t.Fatalf("expected streamed usage recorded against the serving key, got %d", k2Tokens)
	}
}

func TestUpdateConfigPartialOverlay(t *testing.T) {
	s := newTestServer(t, newFakeUpstream(), []keypool.Credential{aiKey("k1")}, func(set *config.Settings) {
		set.Password = "hunter2"
		set.MaxRetryNum = 15
	})

	body, _ := json.Marshal(map[string]any{
		"password":     "hunter2",
		"settings":     map[string]any{"max_retry_num": 7},
		"add_api_keys": []string{"k2"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/update-config", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	set := s.store.Snapshot()
	if set.MaxRetryNum != 7 {
		t.Fatalf("expected max_retry_num updated to 7, got %d", set.MaxRetryNum)
	}
	if set.Password != "hunter2" {
		t.Fatal("untouched fields must survive a partial update")
	}
	if s.pool.Len() != 2 {
		t.Fatalf("expected added key in pool, got %d", s.pool.Len())
	}
}

func TestUpdateConfigRejectsBadPassword(t *testing.T) {
	s := newTestServer(t, newFakeUpstream(), []keypool.Credential{aiKey("k1")}, func(set *config.Settings) {
		set.Password = "hunter2"
	})
	body, _ := json.Marshal(map[string]any{"password": "nope", "settings": map[string]any{"max_retry_num": 7}})
	req := httptest.NewRequest(http.MethodPost, "/api/update-config", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if s.store.Snapshot().MaxRetryNum == 7 {
		t.Fatal("settings must not change on auth failure")
	}
}

func TestResetStatsClearsLedger(t *testing.T) {
	s := newTestServer(t, newFakeUpstream(), []keypool.Credential{aiKey("k1")}, func(set *config.Settings) {
		set.Password = "hunter2"
	})
	s.ledger.Record("k1", "gemini-2.5-pro", 10)
	s.ledger.Flush()

	body, _ := json.Marshal(map[string]any{"password": "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/api/reset-stats", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := s.ledger.UsageLast24h("k1"); got != 0 {
		t.Fatalf("expected usage cleared, got %d", got)
	}
}

func TestDashboardDataRedactsPassword(t *testing.T) {
	s := newTestServer(t, newFakeUpstream(), []keypool.Credential{aiKey("k1")}, func(set *config.Settings) {
		set.Password = "hunter2"
	})
	req := httptest.NewRequest(http.MethodGet, "/api/dashboard-data?password=hunter2", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Settings config.Settings `json:"settings"`
		PoolSize int             `json:"pool_size"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode dashboard payload: %v", err)
	}
	if payload.Settings.Password != "********" {
		t.Fatalf("expected redacted password, got %q", payload.Settings.Password)
	}
	if payload.PoolSize != 1 {
		t.Fatalf("expected pool size 1, got %d", payload.PoolSize)
	}
}

func TestDrainingRejectsRelayTraffic(t *testing.T) {
	s := newTestServer(t, newFakeUpstream(), []keypool.Credential{aiKey("k1")}, nil)
	s.draining.Store(true)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, "gemini-2.5-pro", false))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", rec.Code)
	}

	// the health probe keeps answering
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz to pass during drain, got %d", rec.Code)
	}
}
