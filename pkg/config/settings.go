package config

import (
	"os"
	"strconv"
	"strings"
)

// Settings is every runtime-tunable knob of the relay. It persists as one
// JSON document in the storage dir and is mutated through the admin API.
type Settings struct {
	Password string `json:"password"`

	EnableVertex        bool   `json:"enable_vertex"`
	VertexExpressAPIKey string `json:"vertex_express_api_key,omitempty"`
	VertexLocation      string `json:"vertex_location,omitempty"`

	FakeStreaming                bool    `json:"fake_streaming"`
	FakeStreamingIntervalSeconds float64 `json:"fake_streaming_interval_seconds"`

	ConcurrentRequests          int `json:"concurrent_requests"`
	MaxConcurrentRequests       int `json:"max_concurrent_requests"`
	IncreaseConcurrentOnFailure int `json:"increase_concurrent_on_failure"`
	MaxRetryNum                 int `json:"max_retry_num"`
	MaxEmptyResponses           int `json:"max_empty_responses"`
	APIKeyDailyLimit            int `json:"api_key_daily_limit"`

	CacheExpirySeconds    int  `json:"cache_expiry_seconds"`
	MaxCacheEntries       int  `json:"max_cache_entries"`
	PreciseCache          bool `json:"precise_cache"`
	CalculateCacheEntries int  `json:"calculate_cache_entries"`

	SearchMode   bool   `json:"search_mode"`
	SearchPrompt string `json:"search_prompt,omitempty"`

	RandomString       bool `json:"random_string"`
	RandomStringLength int  `json:"random_string_length"`

	BlockedModels      []string `json:"blocked_models,omitempty"`
	WhitelistModels    []string `json:"whitelist_models,omitempty"`
	WhitelistUserAgent []string `json:"whitelist_user_agent,omitempty"`
	AllowedOrigins     []string `json:"allowed_origins,omitempty"`

	MaxRequestsPerMinute   int `json:"max_requests_per_minute"`
	MaxRequestsPerDayPerIP int `json:"max_requests_per_day_per_ip"`

	PublicMode   bool   `json:"public_mode"`
	DashboardURL string `json:"dashboard_url,omitempty"`
}

// Clone returns a deep copy. Slice fields get fresh backing arrays so a
// copy handed to a caller can never alias the store's live document.
func (s Settings) Clone() Settings {
	out := s
	out.BlockedModels = append([]string(nil), s.BlockedModels...)
	out.WhitelistModels = append([]string(nil), s.WhitelistModels...)
	out.WhitelistUserAgent = append([]string(nil), s.WhitelistUserAgent...)
	out.AllowedOrigins = append([]string(nil), s.AllowedOrigins...)
	return out
}

func DefaultSettings() Settings {
	return Settings{
		FakeStreaming:                true,
		FakeStreamingIntervalSeconds: 1,
		ConcurrentRequests:           1,
		MaxConcurrentRequests:        3,
		IncreaseConcurrentOnFailure:  0,
		MaxRetryNum:                  15,
		MaxEmptyResponses:            5,
		APIKeyDailyLimit:             100,
		CacheExpirySeconds:           21600,
		MaxCacheEntries:              500,
		CalculateCacheEntries:        6,
		RandomString:                 true,
		RandomStringLength:           5,
		MaxRequestsPerMinute:         30,
		MaxRequestsPerDayPerIP:       600,
	}
}

// Getenv matches os.Getenv; tests supply maps.
type Getenv func(string) string

// FromEnv overlays environment variables onto s. Unset variables leave the
// current value alone.
func (s *Settings) FromEnv(getenv Getenv) {
	if getenv == nil {
		getenv = os.Getenv
	}
	envStr(getenv, "PASSWORD", &s.Password)
	envBool(getenv, "ENABLE_VERTEX", &s.EnableVertex)
	envStr(getenv, "VERTEX_EXPRESS_API_KEY", &s.VertexExpressAPIKey)
	envStr(getenv, "VERTEX_LOCATION", &s.VertexLocation)
	envBool(getenv, "FAKE_STREAMING", &s.FakeStreaming)
	envFloat(getenv, "FAKE_STREAMING_INTERVAL", &s.FakeStreamingIntervalSeconds)
	envInt(getenv, "CONCURRENT_REQUESTS", &s.ConcurrentRequests)
	envInt(getenv, "MAX_CONCURRENT_REQUESTS", &s.MaxConcurrentRequests)
	envInt(getenv, "INCREASE_CONCURRENT_ON_FAILURE", &s.IncreaseConcurrentOnFailure)
	envInt(getenv, "MAX_RETRY_NUM", &s.MaxRetryNum)
	envInt(getenv, "MAX_EMPTY_RESPONSES", &s.MaxEmptyResponses)
	envInt(getenv, "API_KEY_DAILY_LIMIT", &s.APIKeyDailyLimit)
	envInt(getenv, "CACHE_EXPIRY_TIME", &s.CacheExpirySeconds)
	envInt(getenv, "MAX_CACHE_ENTRIES", &s.MaxCacheEntries)
	envBool(getenv, "PRECISE_CACHE", &s.PreciseCache)
	envInt(getenv, "CALCULATE_CACHE_ENTRIES", &s.CalculateCacheEntries)
	envBool(getenv, "SEARCH_MODE", &s.SearchMode)
	envStr(getenv, "SEARCH_PROMPT", &s.SearchPrompt)
	envBool(getenv, "RANDOM_STRING", &s.RandomString)
	envInt(getenv, "RANDOM_STRING_LENGTH", &s.RandomStringLength)
	envList(getenv, "BLOCKED_MODELS", &s.BlockedModels)
	envList(getenv, "WHITELIST_MODELS", &s.WhitelistModels)
	envList(getenv, "WHITELIST_USER_AGENT", &s.WhitelistUserAgent)
	envList(getenv, "ALLOWED_ORIGINS", &s.AllowedOrigins)
	envInt(getenv, "MAX_REQUESTS_PER_MINUTE", &s.MaxRequestsPerMinute)
	envInt(getenv, "MAX_REQUESTS_PER_DAY_PER_IP", &s.MaxRequestsPerDayPerIP)
	envBool(getenv, "PUBLIC_MODE", &s.PublicMode)
	envStr(getenv, "DASHBOARD_URL", &s.DashboardURL)
}

func envStr(getenv Getenv, key string, dst *string) {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(getenv Getenv, key string, dst *int) {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(getenv Getenv, key string, dst *float64) {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(getenv Getenv, key string, dst *bool) {
	switch strings.ToLower(strings.TrimSpace(getenv(key))) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func envList(getenv Getenv, key string, dst *[]string) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

// GeminiAPIKeys collects AI Studio keys from GEMINI_API_KEYS and the
// numbered GEMINI_API_KEYS_1..99 variants, each comma-separated.
func GeminiAPIKeys(getenv Getenv) []string {
	if getenv == nil {
		getenv = os.Getenv
	}
	var out []string
	add := func(raw string) {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k)
			}
		}
	}
	add(getenv("GEMINI_API_KEYS"))
	for i := 1; i <= 99; i++ {
		add(getenv("GEMINI_API_KEYS_" + strconv.Itoa(i)))
	}
	return out
}

// GoogleCredentials returns the service-account JSON documents found in
// GOOGLE_CREDENTIALS_JSON, which may hold several objects concatenated
// back to back.
func GoogleCredentials(getenv Getenv) []string {
	if getenv == nil {
		getenv = os.Getenv
	}
	return SplitJSONObjects(getenv("GOOGLE_CREDENTIALS_JSON"))
}

// SplitJSONObjects scans raw for top-level {...} objects by brace depth,
// respecting string literals and escapes. Text between objects is ignored.
func SplitJSONObjects(raw string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, raw[start:i+1])
				start = -1
			}
		}
	}
	return out
}
