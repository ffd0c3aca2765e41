package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zx6217/geminirelay/pkg/cache"
	"github.com/zx6217/geminirelay/pkg/config"
	"github.com/zx6217/geminirelay/pkg/transform"
)

// ModelCard is the OpenAI model-list entry shape.
type ModelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

var defaultBaseModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-2.0-flash",
	"gemini-2.0-flash-thinking-exp",
	"gemini-1.5-pro",
	"gemini-1.5-flash",
}

// Catalog holds the advertised base models. It starts from a static list,
// can refresh from the AI Studio models endpoint, and persists refreshes
// to disk so restarts keep the last known set.
type Catalog struct {
	mu           sync.Mutex
	bases        []string
	cachePath    string
	aiStudioBase string
	httpClient   *http.Client
}

func NewCatalog(cachePath, aiStudioBase string) *Catalog {
	c := &Catalog{
		bases:        append([]string(nil), defaultBaseModels...),
		cachePath:    cachePath,
		aiStudioBase: aiStudioBase,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	if cachePath != "" {
		var cached []string
		if err := cache.LoadJSON(cachePath, &cached); err == nil && len(cached) > 0 {
			c.bases = cached
		}
	}
	return c
}

func (c *Catalog) Bases() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bases...)
}

// Known reports whether base is an advertised model.
func (c *Catalog) Known(base string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.bases {
		if b == base {
			return true
		}
	}
	return false
}

// Refresh pulls the model list from AI Studio with the given key and
// replaces the catalogue with every generateContent-capable model.
func (c *Catalog) Refresh(ctx context.Context, key string) error {
	endpoint := fmt.Sprintf("%s/v1beta/models?key=%s&pageSize=200", c.aiStudioBase, url.QueryEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("list models: status %d", resp.StatusCode)
	}
	var parsed struct {
		Models []struct {
			Name                       string   `json:"name"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode model list: %w", err)
	}
	var bases []string
	for _, m := range parsed.Models {
		supported := false
		for _, method := range m.SupportedGenerationMethods {
			if method == "generateContent" {
				supported = true
				break
			}
		}
		if !supported {
			continue
		}
		bases = append(bases, strings.TrimPrefix(m.Name, "models/"))
	}
	if len(bases) == 0 {
		return fmt.Errorf("model list was empty")
	}
	sort.Strings(bases)

	c.mu.Lock()
	c.bases = bases
	path := c.cachePath
	c.mu.Unlock()
	if path != "" {
		if err := cache.SaveJSON(path, bases); err != nil {
			return fmt.Errorf("persist model list: %w", err)
		}
	}
	return nil
}

// Cards renders the advertised list: every suffix variant per base, plus
// [EXPRESS]/[PAY] tags when the matching credential kinds exist. Blocked
// and whitelist filters apply to the base model name; -search variants
// only show when search mode is on.
func (c *Catalog) Cards(set config.Settings, hasExpress, hasServiceAccount bool, now time.Time) []ModelCard {
	created := now.Unix()
	var out []ModelCard
	add := func(id string) {
		out = append(out, ModelCard{ID: id, Object: "model", Created: created, OwnedBy: "google"})
	}
	for _, base := range c.Bases() {
		if !modelAllowed(base, set) {
			continue
		}
		for _, id := range transform.Variants(base) {
			if strings.HasSuffix(id, "-search") && !set.SearchMode {
				continue
			}
			add(id)
		}
		if hasExpress {
			add("[EXPRESS]" + base)
		}
		if hasServiceAccount {
			add("[PAY]" + base)
			add("[PAY]" + base + "-openai")
		}
	}
	return out
}

func modelAllowed(base string, set config.Settings) bool {
	for _, blocked := range set.BlockedModels {
		if strings.EqualFold(blocked, base) {
			return false
		}
	}
	if len(set.WhitelistModels) == 0 {
		return true
	}
	for _, allowed := range set.WhitelistModels {
		if strings.EqualFold(allowed, base) {
			return true
		}
	}
	return false
}
