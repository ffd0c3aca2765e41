package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zx6217/geminirelay/pkg/keypool"
)

const (
	defaultAIStudioBase = "https://generativelanguage.googleapis.com"
	defaultTokenURL     = "https://oauth2.googleapis.com/token"
	defaultLocation     = "global"
)

// Options configures the upstream endpoints. Tests point the bases at
// httptest servers.
type Options struct {
	AIStudioBase string
	VertexBase   string
	TokenURL     string
	Location     string
	Timeout      time.Duration
}

func (o *Options) normalize() {
	if o.AIStudioBase == "" {
		o.AIStudioBase = defaultAIStudioBase
	}
	if o.Location == "" {
		o.Location = defaultLocation
	}
	if o.VertexBase == "" {
		host := "aiplatform.googleapis.com"
		if o.Location != "global" {
			host = o.Location + "-aiplatform.googleapis.com"
		}
		o.VertexBase = "https://" + host
	}
	if o.TokenURL == "" {
		o.TokenURL = defaultTokenURL
	}
	if o.Timeout <= 0 {
		o.Timeout = 300 * time.Second
	}
}

// Client performs one HTTP call per adapter invocation against AI Studio or
// Vertex. It is safe for concurrent use; both HTTP clients are shared.
type Client struct {
	opts       Options
	httpClient *http.Client
	// Streams get no overall deadline; the caller owns cancellation.
	streamClient *http.Client
	tokens       *tokenCache
	now          func() time.Time
}

func NewClient(opts Options) *Client {
	opts.normalize()
	return &Client{
		opts:         opts,
		httpClient:   &http.Client{Timeout: opts.Timeout},
		streamClient: &http.Client{},
		tokens:       newTokenCache(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// APIVersion returns the Generative Language API version for a model.
// Thinking models live on v1alpha.
func APIVersion(model string) string {
	if strings.Contains(model, "think") {
		return "v1alpha"
	}
	return "v1beta"
}

// Generate performs a non-streaming generateContent call and classifies the
// outcome.
func (c *Client) Generate(ctx context.Context, cred keypool.Credential, model string, req *Request) Result {
	httpReq, err := c.buildRequest(ctx, cred, model, "generateContent", false, req)
	if err != nil {
		return transportResult(err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transportResult(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return transportResult(err)
	}
	if resp.StatusCode != http.StatusOK {
		return httpErrorResult(resp.StatusCode, body)
	}
	var parsed Response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return transportResult(fmt.Errorf("decode generateContent response: %w", err))
	}
	return successResult(&parsed)
}

// Stream opens a streamGenerateContent SSE stream. On success the returned
// reader carries the raw SSE body and the Result kind is Success; any other
// kind means no stream was opened.
func (c *Client) Stream(ctx context.Context, cred keypool.Credential, model string, req *Request) (io.ReadCloser, Result) {
	httpReq, err := c.buildRequest(ctx, cred, model, "streamGenerateContent", true, req)
	if err != nil {
		return nil, transportResult(err)
	}
	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, transportResult(err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, httpErrorResult(resp.StatusCode, body)
	}
	return resp.Body, Result{Kind: Success}
}

func (c *Client) buildRequest(ctx context.Context, cred keypool.Credential, model, action string, stream bool, req *Request) (*http.Request, error) {
	endpoint, header, err := c.endpoint(ctx, cred, model, action)
	if err != nil {
		return nil, err
	}
	if stream {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + "alt=sse"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vals := range header {
		for _, v := range vals {
			httpReq.Header.Set(k, v)
		}
	}
	return httpReq, nil
}

func (c *Client) endpoint(ctx context.Context, cred keypool.Credential, model, action string) (string, http.Header, error) {
	header := http.Header{}
	switch cred.Kind {
	case keypool.KindAIStudio:
		u := fmt.Sprintf("%s/%s/models/%s:%s?key=%s",
			c.opts.AIStudioBase, APIVersion(model), url.PathEscape(model), action, url.QueryEscape(cred.Secret))
		return u, header, nil
	case keypool.KindVertexExpress:
		u := fmt.Sprintf("%s/v1/publishers/google/models/%s:%s?key=%s",
			c.opts.VertexBase, url.PathEscape(model), action, url.QueryEscape(cred.Secret))
		return u, header, nil
	case keypool.KindVertexSA:
		token, project, err := c.accessToken(ctx, cred)
		if err != nil {
			return "", nil, err
		}
		header.Set("Authorization", "Bearer "+token)
		u := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
			c.opts.VertexBase, url.PathEscape(project), url.PathEscape(c.opts.Location), url.PathEscape(model), action)
		return u, header, nil
	default:
		return "", nil, fmt.Errorf("unsupported credential kind %q", cred.Kind)
	}
}

// ChatCompletions calls the Vertex OpenAI-compatible endpoint with the
// client's original OpenAI-shaped body, adding Google safety settings via
// extra_body. Only vertex-sa credentials can reach this endpoint.
func (c *Client) ChatCompletions(ctx context.Context, cred keypool.Credential, body []byte) Result {
	if cred.Kind != keypool.KindVertexSA {
		return transportResult(fmt.Errorf("openai-compatible endpoint requires a vertex service account, got %q", cred.Kind))
	}
	token, project, err := c.accessToken(ctx, cred)
	if err != nil {
		return transportResult(err)
	}
	mutated, err := injectSafetyExtraBody(body)
	if err != nil {
		return transportResult(err)
	}
	endpoint := fmt.Sprintf("%s/v1beta1/projects/%s/locations/%s/endpoints/openapi/chat/completions",
		c.opts.VertexBase, url.PathEscape(project), url.PathEscape(c.opts.Location))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(mutated))
	if err != nil {
		return transportResult(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transportResult(err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return transportResult(err)
	}
	if resp.StatusCode != http.StatusOK {
		return httpErrorResult(resp.StatusCode, respBody)
	}
	return openAIResult(respBody)
}

func injectSafetyExtraBody(body []byte) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode openai body: %w", err)
	}
	extra, _ := payload["extra_body"].(map[string]any)
	if extra == nil {
		extra = map[string]any{}
	}
	google, _ := extra["google"].(map[string]any)
	if google == nil {
		google = map[string]any{}
	}
	google["safety_settings"] = DefaultSafetySettings()
	extra["google"] = google
	payload["extra_body"] = extra
	return json.Marshal(payload)
}

func openAIResult(body []byte) Result {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return transportResult(fmt.Errorf("decode openai response: %w", err))
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return Result{Kind: Empty}
	}
	return Result{
		Kind:         Success,
		Text:         parsed.Choices[0].Message.Content,
		Reasoning:    parsed.Choices[0].Message.ReasoningContent,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}
}
