package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/crypto/acme/autocert"

	"github.com/zx6217/geminirelay/pkg/cache"
	"github.com/zx6217/geminirelay/pkg/config"
	"github.com/zx6217/geminirelay/pkg/gemini"
	"github.com/zx6217/geminirelay/pkg/keypool"
	"github.com/zx6217/geminirelay/pkg/logutil"
	"github.com/zx6217/geminirelay/pkg/stats"
	"github.com/zx6217/geminirelay/pkg/transform"
)

// Server is the HTTP front of the relay: OpenAI-compatible chat surface,
// native Gemini pass-through, model list, and the password-gated admin
// API.
type Server struct {
	bootstrap  config.Bootstrap
	store      *config.SettingsStore
	pool       *keypool.Pool
	ledger     *stats.Ledger
	respCache  *cache.ResponseCache
	registry   *Registry
	upstream   Upstream
	dispatcher *Dispatcher
	catalog    *Catalog
	logger     *log.Logger

	aiStudioBase string
	nativeClient *http.Client

	minuteHits *cache.TTLMap[string, int]
	dailyHits  *cache.TTLMap[string, int]
	keyTests   *keyTestRuns

	httpServer     *http.Server
	activeRequests atomic.Int64
	draining       atomic.Bool
	now            func() time.Time
}

func NewServer(bootstrap config.Bootstrap, store *config.SettingsStore, pool *keypool.Pool) *Server {
	set := store.Snapshot()
	client := gemini.NewClient(gemini.Options{Location: set.VertexLocation})

	s := &Server{
		bootstrap:    bootstrap,
		store:        store,
		pool:         pool,
		ledger:       stats.NewLedger(),
		respCache:    cache.NewResponseCache(set.MaxCacheEntries, time.Duration(set.CacheExpirySeconds)*time.Second),
		registry:     NewRegistry(0),
		upstream:     client,
		catalog:      NewCatalog(filepath.Join(bootstrap.StorageDir, "models.json"), "https://generativelanguage.googleapis.com"),
		logger:       logutil.Component("proxy"),
		aiStudioBase: "https://generativelanguage.googleapis.com",
		nativeClient: &http.Client{},
		minuteHits:   cache.NewTTLMap[string, int](),
		dailyHits:    cache.NewTTLMap[string, int](),
		keyTests:     newKeyTestRuns(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	s.dispatcher = NewDispatcher(pool, s.ledger, s.respCache, s.registry, s.upstream, store.Snapshot, logutil.Component("dispatch"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.lifecycleMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	protected := func(h http.HandlerFunc) http.HandlerFunc {
		return s.withAuth(s.withRateLimit(h))
	}
	r.Post("/v1/chat/completions", protected(s.handleChat))
	r.Post("/chat/completions", protected(s.handleChat))
	r.Get("/v1/models", s.withAuth(s.handleModels))
	r.Get("/models", s.withAuth(s.handleModels))
	r.Post("/gemini/{version}/models/{model}", protected(s.handleGeminiNative))

	r.Get("/api/dashboard-data", s.handleDashboardData)
	r.Post("/api/update-config", s.handleUpdateConfig)
	r.Post("/api/reset-stats", s.handleResetStats)
	r.Post("/api/test-api-keys", s.handleTestKeys)
	r.Get("/api/test-api-keys/progress", s.handleTestKeysProgress)

	s.httpServer = &http.Server{
		Addr:              bootstrap.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go s.maintenanceLoop(ctx)

	if s.bootstrap.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.bootstrap.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.bootstrap.TLS.Domain),
			Email:      s.bootstrap.TLS.Email,
		}
		httpsSrv := http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
		}

		challenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			s.logger.Info("http challenge/redirect listening", "addr", ":80")
			if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			s.logger.Info("https listening", "addr", ":443", "domain", s.bootstrap.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.shutdown(ctx, challenge, &httpsSrv)
		return firstErr(errCh)
	}

	go func() {
		s.logger.Info("relay listening", "addr", s.bootstrap.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("relay server: %w", err)
		}
	}()

	<-ctx.Done()
	s.shutdown(ctx, s.httpServer)
	return firstErr(errCh)
}

func (s *Server) shutdown(ctx context.Context, servers ...*http.Server) {
	s.draining.Store(true)
	s.waitForIdle(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	s.ledger.Close()
}

func (s *Server) waitForIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeRequests.Load()
		if active <= 0 {
			s.logger.Info("shutdown: relay idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			s.logger.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func firstErr(ch chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

// maintenanceLoop runs the periodic sweeps: cache expiry, registry
// cleanup, rate-limit purge, stats retention, and the public-mode daily
// reset.
func (s *Server) maintenanceLoop(ctx context.Context) {
	minute := time.NewTicker(time.Minute)
	hour := time.NewTicker(time.Hour)
	defer minute.Stop()
	defer hour.Stop()
	lastReset := s.now().Truncate(24 * time.Hour)
	for {
		select {
		case <-ctx.Done():
			return
		case <-minute.C:
			now := s.now()
			if n := s.respCache.SweepExpired(now); n > 0 {
				s.logger.Debug("cache sweep", "removed", n)
			}
			s.registry.SweepCompleted()
			if n := s.registry.SweepLongRunning(now); n > 0 {
				s.logger.Warn("cancelled long-running dispatches", "count", n)
			}
			s.minuteHits.Purge(now)
			s.dailyHits.Purge(now)
		case <-hour.C:
			s.ledger.Sweep()
			now := s.now()
			day := now.Truncate(24 * time.Hour)
			if s.store.Snapshot().PublicMode && day.After(lastReset) {
				s.logger.Info("public mode daily stats reset")
				s.ledger.Reset()
				lastReset = day
			}
		}
	}
}

func (s *Server) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isRelayPath(r.URL.Path) {
			if s.draining.Load() {
				w.Header().Set("Retry-After", "3")
				http.Error(w, "server shutting down", http.StatusServiceUnavailable)
				return
			}
			s.activeRequests.Add(1)
			defer s.activeRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func isRelayPath(path string) bool {
	return strings.HasPrefix(path, "/v1/") ||
		strings.HasPrefix(path, "/chat/") ||
		strings.HasPrefix(path, "/gemini/")
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, x-goog-api-key")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	allowed := s.store.Snapshot().AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// withAuth checks the shared password against Authorization: Bearer, the
// x-goog-api-key header, or the key query parameter, then applies the
// User-Agent allow-list.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set := s.store.Snapshot()
		if set.Password != "" && !passwordPresented(r, set.Password) {
			writeOpenAIError(w, http.StatusUnauthorized, "missing or invalid credentials")
			return
		}
		if len(set.WhitelistUserAgent) > 0 && !userAgentAllowed(r.UserAgent(), set.WhitelistUserAgent) {
			writeOpenAIError(w, http.StatusForbidden, "client not allowed")
			return
		}
		next(w, r)
	}
}

func passwordPresented(r *http.Request, password string) bool {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == password {
			return true
		}
	}
	if r.Header.Get("x-goog-api-key") == password {
		return true
	}
	return r.URL.Query().Get("key") == password
}

func userAgentAllowed(ua string, allowed []string) bool {
	lower := strings.ToLower(ua)
	for _, a := range allowed {
		if strings.Contains(lower, strings.ToLower(a)) {
			return true
		}
	}
	return false
}

// withRateLimit enforces the per-path minute bucket and per-IP day bucket.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set := s.store.Snapshot()
		now := s.now()
		if set.MaxRequestsPerMinute > 0 {
			n := s.minuteHits.Update("p:"+r.URL.Path, now, time.Minute, func(v int) int { return v + 1 })
			if n > set.MaxRequestsPerMinute {
				writeOpenAIError(w, http.StatusTooManyRequests, "per-minute rate limit exceeded")
				return
			}
		}
		if set.MaxRequestsPerDayPerIP > 0 {
			n := s.dailyHits.Update("ip:"+clientIP(r), now, 24*time.Hour, func(v int) int { return v + 1 })
			if n > set.MaxRequestsPerDayPerIP {
				writeOpenAIError(w, http.StatusTooManyRequests, "daily request limit exceeded")
				return
			}
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if dest := s.store.Snapshot().DashboardURL; dest != "" {
		http.Redirect(w, r, dest, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": "geminirelay", "status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	set := s.store.Snapshot()
	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	var req transform.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	info := transform.ParseModelName(req.Model)
	if err := info.Validate(); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.catalog.Known(info.Base) || !modelAllowed(info.Base, set) {
		writeOpenAIError(w, http.StatusBadRequest, fmt.Sprintf("unknown model %q", req.Model))
		return
	}
	if info.Mode == transform.ModeSearch && !set.SearchMode {
		writeOpenAIError(w, http.StatusBadRequest, "search models are disabled")
		return
	}
	if len(req.Messages) == 0 {
		writeOpenAIError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	if req.Stream {
		if !set.FakeStreaming && !info.OpenAICompat {
			s.handleRealStream(w, r, &req, info, set)
			return
		}
		s.handleFakeStream(w, r, &req, info, set)
		return
	}

	entry, err := s.dispatcher.Dispatch(r.Context(), &req, info)
	if err != nil {
		if errors.Is(err, ErrClientDisconnected) {
			return
		}
		writeOpenAIError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, completionFromEntry(entry))
}

func (s *Server) handleFakeStream(w http.ResponseWriter, r *http.Request, req *transform.ChatRequest, info transform.ModelInfo, set config.Settings) {
	sw, err := newStreamWriter(w, req.Model)
	if err != nil {
		writeOpenAIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	results := make(chan dispatchOutcome, 1)
	go func() {
		entry, err := s.dispatcher.Dispatch(r.Context(), req, info)
		results <- dispatchOutcome{entry: entry, err: err}
	}()
	interval := time.Duration(set.FakeStreamingIntervalSeconds * float64(time.Second))
	sw.fakeStream(r.Context(), interval, results, time.Sleep)
}

// handleRealStream walks credentials sequentially; the first one whose
// stream opens is relayed to the client.
func (s *Server) handleRealStream(w http.ResponseWriter, r *http.Request, req *transform.ChatRequest, info transform.ModelInfo, set config.Settings) {
	greq, err := transform.Build(req, info, transform.Options{
		SearchPrompt:    set.SearchPrompt,
		RandomPad:       set.RandomString,
		RandomPadLength: set.RandomStringLength,
	})
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, err.Error())
		return
	}
	sw, err := newStreamWriter(w, req.Model)
	if err != nil {
		writeOpenAIError(w, http.StatusInternalServerError, err.Error())
		return
	}

	want := requiredKind(info)
	scope := s.pool.Scope()
	budget := max(1, set.MaxRetryNum)
	for attempts := 0; attempts < budget; {
		cred, err := scope.Take()
		if err != nil || cred.Empty() {
			break
		}
		if cred.Kind != want {
			continue
		}
		if set.APIKeyDailyLimit > 0 && s.ledger.UsageLast24h(cred.Secret) >= set.APIKeyDailyLimit {
			continue
		}
		attempts++
		body, res := s.upstream.Stream(r.Context(), cred, info.Base, greq)
		if res.Kind != gemini.Success {
			s.logger.Warn("stream open failed", "key", cred.Redacted(), "result", res.String())
			continue
		}
		usage, relayErr := sw.relayStream(r.Context(), body, info.Mode)
		body.Close()
		s.ledger.Record(cred.Secret, info.Name, usage.TotalTokens)
		if relayErr != nil {
			s.logger.Debug("stream relay ended", "err", relayErr)
		}
		return
	}
	sw.fail(http.StatusInternalServerError, ErrAllExhausted.Error())
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	set := s.store.Snapshot()
	hasExpress, hasSA := false, false
	for _, c := range s.pool.All() {
		switch c.Kind {
		case keypool.KindVertexExpress:
			hasExpress = true
		case keypool.KindVertexSA:
			hasSA = true
		}
	}
	cards := s.catalog.Cards(set, hasExpress, hasSA, s.now())
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": cards})
}

func completionFromEntry(entry cache.CachedResponse) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   entry.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:             openai.ChatMessageRoleAssistant,
				Content:          entry.Text,
				ReasoningContent: entry.Reasoning,
			},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{
			PromptTokens:     entry.Usage.PromptTokens,
			CompletionTokens: entry.Usage.CompletionTokens,
			TotalTokens:      entry.Usage.TotalTokens,
		},
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidModel):
		return http.StatusBadRequest
	case errors.Is(err, ErrAllExhausted), errors.Is(err, ErrEmptyBudget):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOpenAIError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "relay_error",
			"code":    status,
		},
	})
}
