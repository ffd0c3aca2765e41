package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/zx6217/geminirelay/pkg/keypool"
)

// handleGeminiNative forwards a native Gemini request body unchanged using
// one of the pooled AI Studio keys.
func (s *Server) handleGeminiNative(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	modelAction := chi.URLParam(r, "model")
	if !strings.Contains(modelAction, ":") {
		writeOpenAIError(w, http.StatusBadRequest, "expected model:action path segment")
		return
	}

	var cred keypool.Credential
	scope := s.pool.Scope()
	for {
		c, err := scope.Take()
		if err != nil || c.Empty() {
			break
		}
		if c.Kind == keypool.KindAIStudio {
			cred = c
			break
		}
	}
	if cred.Empty() {
		writeOpenAIError(w, http.StatusInternalServerError, "no AI Studio keys configured")
		return
	}

	query := r.URL.Query()
	query.Set("key", cred.Secret)
	endpoint := fmt.Sprintf("%s/%s/models/%s?%s", s.aiStudioBase, url.PathEscape(version), modelAction, query.Encode())
	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, endpoint, r.Body)
	if err != nil {
		writeOpenAIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	upReq.Header.Set("Content-Type", "application/json")
	resp, err := s.nativeClient.Do(upReq)
	if err != nil {
		writeOpenAIError(w, http.StatusBadGateway, "upstream request failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	s.ledger.Record(cred.Secret, "native:"+strings.SplitN(modelAction, ":", 2)[0], 0)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}
