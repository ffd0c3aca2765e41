package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zx6217/geminirelay/pkg/config"
	"github.com/zx6217/geminirelay/pkg/gemini"
	"github.com/zx6217/geminirelay/pkg/keypool"
)

// adminAuthorized accepts the shared password from the usual auth carriers
// or an explicit password form on the body-less GET endpoints.
func (s *Server) adminAuthorized(r *http.Request, password string) bool {
	if password == "" {
		return true
	}
	if passwordPresented(r, password) {
		return true
	}
	return r.URL.Query().Get("password") == password
}

func (s *Server) handleDashboardData(w http.ResponseWriter, r *http.Request) {
	set := s.store.Snapshot()
	if !s.adminAuthorized(r, set.Password) {
		writeOpenAIError(w, http.StatusUnauthorized, "bad password")
		return
	}
	s.ledger.Flush()
	calls, tokens := s.ledger.Series(60)

	keys := s.ledger.SnapshotKeys()
	type keyRow struct {
		Key    string                 `json:"key"`
		Kind   string                 `json:"kind"`
		Calls  int                    `json:"calls"`
		Tokens int                    `json:"tokens"`
		Models map[string]modelCounts `json:"models,omitempty"`
	}
	kindBySecret := map[string]keypool.Kind{}
	for _, c := range s.pool.All() {
		kindBySecret[c.Secret] = c.Kind
	}
	rows := make([]keyRow, 0, len(keys))
	for _, k := range keys {
		models := make(map[string]modelCounts, len(k.Usage.Models))
		for name, mu := range k.Usage.Models {
			models[name] = modelCounts{Calls: mu.Calls, Tokens: mu.Tokens}
		}
		rows = append(rows, keyRow{
			Key:    keypool.Credential{Secret: k.Secret}.Redacted(),
			Kind:   string(kindBySecret[k.Secret]),
			Calls:  k.Usage.Calls,
			Tokens: k.Usage.Tokens,
			Models: models,
		})
	}

	redacted := set
	if redacted.Password != "" {
		redacted.Password = "********"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settings":      redacted,
		"series_calls":  calls,
		"series_tokens": tokens,
		"keys":          rows,
		"pool_size":     s.pool.Len(),
		"cache_entries": s.respCache.Len(),
		"active_tasks":  s.registry.Len(),
	})
}

type modelCounts struct {
	Calls  int `json:"calls"`
	Tokens int `json:"tokens"`
}

type updateConfigRequest struct {
	Password   string          `json:"password"`
	Settings   json.RawMessage `json:"settings,omitempty"`
	AddAPIKeys []string        `json:"add_api_keys,omitempty"`
	RemoveKeys []string        `json:"remove_keys,omitempty"`
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req updateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	set := s.store.Snapshot()
	if set.Password != "" && req.Password != set.Password {
		writeOpenAIError(w, http.StatusUnauthorized, "bad password")
		return
	}

	if len(req.Settings) > 0 {
		err := s.store.Update(func(cur *config.Settings) error {
			// partial overlay: only fields present in the body change
			return json.Unmarshal(req.Settings, cur)
		})
		if err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "apply settings: "+err.Error())
			return
		}
	}
	for _, key := range req.AddAPIKeys {
		s.pool.Add(keypool.Credential{Secret: key, Kind: keypool.KindAIStudio})
	}
	for _, key := range req.RemoveKeys {
		s.pool.Remove(key)
	}
	s.logger.Info("config updated", "added_keys", len(req.AddAPIKeys), "removed_keys", len(req.RemoveKeys))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pool_size": s.pool.Len()})
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	set := s.store.Snapshot()
	if set.Password != "" && req.Password != set.Password {
		writeOpenAIError(w, http.StatusUnauthorized, "bad password")
		return
	}
	s.ledger.Reset()
	s.logger.Info("stats reset")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// keyTestResult is one credential's health-check outcome.
type keyTestResult struct {
	Key    string `json:"key"`
	Kind   string `json:"kind"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type keyTestRun struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`

	mu       sync.Mutex
	total    int
	results  []keyTestResult
	finished bool
}

func (r *keyTestRun) snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := append([]keyTestResult(nil), r.results...)
	return map[string]any{
		"id":         r.ID,
		"started_at": r.StartedAt,
		"total":      r.total,
		"done":       len(results),
		"finished":   r.finished,
		"results":    results,
	}
}

type keyTestRuns struct {
	mu     sync.Mutex
	runs   map[string]*keyTestRun
	latest string
}

func newKeyTestRuns() *keyTestRuns {
	return &keyTestRuns{runs: make(map[string]*keyTestRun)}
}

func (k *keyTestRuns) add(run *keyTestRun) {
	k.mu.Lock()
	k.runs[run.ID] = run
	k.latest = run.ID
	k.mu.Unlock()
}

func (k *keyTestRuns) get(id string) (*keyTestRun, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if id == "" {
		id = k.latest
	}
	run, ok := k.runs[id]
	return run, ok
}

func (s *Server) handleTestKeys(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	set := s.store.Snapshot()
	if set.Password != "" && req.Password != set.Password {
		writeOpenAIError(w, http.StatusUnauthorized, "bad password")
		return
	}

	creds := s.pool.All()
	run := &keyTestRun{ID: uuid.NewString(), StartedAt: s.now(), total: len(creds)}
	s.keyTests.add(run)
	go s.runKeyTest(run, creds)
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": run.ID, "total": len(creds)})
}

func (s *Server) handleTestKeysProgress(w http.ResponseWriter, r *http.Request) {
	set := s.store.Snapshot()
	if !s.adminAuthorized(r, set.Password) {
		writeOpenAIError(w, http.StatusUnauthorized, "bad password")
		return
	}
	run, ok := s.keyTests.get(r.URL.Query().Get("id"))
	if !ok {
		writeOpenAIError(w, http.StatusNotFound, "no key test run found")
		return
	}
	writeJSON(w, http.StatusOK, run.snapshot())
}

// runKeyTest probes every credential with a one-word prompt against a
// cheap model and records pass/fail per key. Probes run a few at a time so
// a large pool finishes in reasonable time without hammering upstream.
func (s *Server) runKeyTest(run *keyTestRun, creds []keypool.Credential) {
	sort.Slice(creds, func(i, j int) bool { return creds[i].Secret < creds[j].Secret })
	probe := &gemini.Request{
		Contents:       []gemini.Content{{Role: "user", Parts: []gemini.Part{{Text: "ping"}}}},
		SafetySettings: gemini.DefaultSafetySettings(),
	}
	var wg sync.WaitGroup
	slots := make(chan struct{}, 4)
	for _, cred := range creds {
		wg.Add(1)
		slots <- struct{}{}
		go func(cred keypool.Credential) {
			defer wg.Done()
			defer func() { <-slots }()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			res := s.upstream.Generate(ctx, cred, keyTestModel, probe)
			cancel()

			result := keyTestResult{Key: cred.Redacted(), Kind: string(cred.Kind)}
			switch res.Kind {
			case gemini.Success, gemini.Empty:
				result.OK = true
			default:
				result.Detail = res.String()
			}
			run.mu.Lock()
			run.results = append(run.results, result)
			run.mu.Unlock()
		}(cred)
	}
	wg.Wait()
	run.mu.Lock()
	run.finished = true
	run.mu.Unlock()
	s.logger.Info("key test finished", "run", run.ID, "keys", len(creds))
}

// keyTestModel is the cheap probe model; the credential kind only changes
// which endpoint it hits.
const keyTestModel = "gemini-2.5-flash"
