package transform

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"strings"

	"github.com/zx6217/geminirelay/pkg/gemini"
)

// Options are the settings-driven knobs of the pipeline.
type Options struct {
	// SearchPrompt is the user message injected in search mode.
	SearchPrompt string
	// RandomPad inserts short random user messages at positions 1 and N-1
	// so equivalent conversations stop colliding on cache fingerprints.
	RandomPad       bool
	RandomPadLength int
}

const defaultSearchPrompt = "Use Google Search to ground your answer in current sources, and cite what you used."

var randomString = func(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	if n <= 0 {
		n = 5
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// Build converts an OpenAI message array into the Gemini request for the
// given model, applying the mode the model name selected.
func Build(req *ChatRequest, info ModelInfo, opts Options) (*gemini.Request, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	turns, systemTexts, hasImage, err := foldMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	mode := info.Mode
	// Obfuscation cannot span inline image parts; full-encrypt requests
	// carrying images fall back to the plain pipeline.
	if mode == ModeEncryptFull && hasImage {
		mode = ModePlain
	}

	turns = mergeTurns(turns)

	var tools []gemini.Tool
	switch mode {
	case ModeEncrypt:
		systemTexts = append([]string{encryptInstruction}, systemTexts...)
		turns = append(encryptHandshake(), encodeUserTurns(turns)...)
	case ModeEncryptFull:
		turns = obfuscateThinkRegion(turns)
	case ModeSearch:
		prompt := opts.SearchPrompt
		if strings.TrimSpace(prompt) == "" {
			prompt = defaultSearchPrompt
		}
		turns = injectBeforeFinalTurn(turns, userTextTurn(prompt))
		tools = append(tools, gemini.Tool{GoogleSearch: &gemini.GoogleSearch{}})
	}

	if opts.RandomPad && len(turns) >= 2 {
		n := opts.RandomPadLength
		turns = insertAt(turns, 1, userTextTurn(randomString(n)))
		turns = insertAt(turns, len(turns)-1, userTextTurn(randomString(n)))
	}

	out := &gemini.Request{
		Contents:         turnsToContents(turns),
		GenerationConfig: buildGenerationConfig(req, info),
		SafetySettings:   gemini.DefaultSafetySettings(),
		Tools:            tools,
	}
	if len(systemTexts) > 0 {
		out.SystemInstruction = &gemini.Content{
			Parts: []gemini.Part{{Text: strings.Join(systemTexts, "\n\n")}},
		}
	}
	if len(out.Contents) == 0 {
		return nil, fmt.Errorf("request has no non-system messages")
	}
	return out, nil
}

type turn struct {
	role  string // "user" or "model"
	parts []gemini.Part
}

func userTextTurn(text string) turn {
	return turn{role: "user", parts: []gemini.Part{{Text: text}}}
}

// foldMessages maps OpenAI roles onto Gemini ones. System messages in the
// leading system-only run become system instruction text; any later system
// message folds into the user role, as do tool results.
func foldMessages(msgs []Message) (turns []turn, systemTexts []string, hasImage bool, err error) {
	leading := true
	for i, m := range msgs {
		parts, err := m.ContentParts()
		if err != nil {
			return nil, nil, false, fmt.Errorf("message %d: %w", i, err)
		}
		if m.Role == "system" && leading {
			for _, p := range parts {
				if p.IsImage() {
					return nil, nil, false, fmt.Errorf("message %d: system messages cannot carry images", i)
				}
				systemTexts = append(systemTexts, p.Text)
			}
			continue
		}
		leading = false

		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		gparts := make([]gemini.Part, 0, len(parts))
		for _, p := range parts {
			if p.IsImage() {
				inline, err := decodeDataURL(p.ImageURL)
				if err != nil {
					return nil, nil, false, fmt.Errorf("message %d: %w", i, err)
				}
				hasImage = true
				gparts = append(gparts, gemini.Part{InlineData: inline})
				continue
			}
			gparts = append(gparts, gemini.Part{Text: p.Text})
		}
		if len(gparts) == 0 {
			continue
		}
		turns = append(turns, turn{role: role, parts: gparts})
	}
	return turns, systemTexts, hasImage, nil
}

// decodeDataURL splits a data: URI into mime type and payload. Only data
// URLs are accepted; the relay never fetches remote images on a client's
// behalf.
func decodeDataURL(raw string) (*gemini.InlineData, error) {
	if !strings.HasPrefix(raw, "data:") {
		return nil, fmt.Errorf("image URL must be a data: URI")
	}
	meta, payload, found := strings.Cut(raw[len("data:"):], ",")
	if !found {
		return nil, fmt.Errorf("malformed data: URI")
	}
	mime := meta
	if semi := strings.Index(meta, ";"); semi >= 0 {
		mime = meta[:semi]
	}
	if mime == "" {
		mime = "image/png"
	}
	data := payload
	if !strings.Contains(meta, "base64") {
		data = base64.StdEncoding.EncodeToString([]byte(payload))
	}
	return &gemini.InlineData{MimeType: mime, Data: data}, nil
}

// mergeTurns collapses consecutive same-role turns into one multi-part
// turn.
func mergeTurns(in []turn) []turn {
	out := make([]turn, 0, len(in))
	for _, t := range in {
		if n := len(out); n > 0 && out[n-1].role == t.role {
			out[n-1].parts = append(out[n-1].parts, t.parts...)
			continue
		}
		out = append(out, t)
	}
	return out
}

func injectBeforeFinalTurn(turns []turn, extra turn) []turn {
	if len(turns) == 0 {
		return []turn{extra}
	}
	return insertAt(turns, len(turns)-1, extra)
}

func insertAt(turns []turn, i int, extra turn) []turn {
	if i < 0 {
		i = 0
	}
	if i > len(turns) {
		i = len(turns)
	}
	out := make([]turn, 0, len(turns)+1)
	out = append(out, turns[:i]...)
	out = append(out, extra)
	out = append(out, turns[i:]...)
	return out
}

func turnsToContents(turns []turn) []gemini.Content {
	out := make([]gemini.Content, 0, len(turns))
	for _, t := range turns {
		out = append(out, gemini.Content{Role: t.role, Parts: t.parts})
	}
	return out
}

func buildGenerationConfig(req *ChatRequest, info ModelInfo) *gemini.GenerationConfig {
	cfg := &gemini.GenerationConfig{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		TopK:             req.TopK,
		CandidateCount:   req.N,
		MaxOutputTokens:  req.MaxTokens,
		StopSequences:    req.Stop,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Seed:             req.Seed,
		ResponseLogprobs: req.ResponseLogprobs,
	}
	if budget := thinkingBudget(req, info); budget != nil {
		cfg.ThinkingConfig = &gemini.ThinkingConfig{ThinkingBudget: budget, IncludeThoughts: *budget > 0}
	}
	return cfg
}

// thinkingBudget resolves budget precedence: model-name suffix, then the
// explicit request field, then reasoning_effort.
func thinkingBudget(req *ChatRequest, info ModelInfo) *int {
	if info.ThinkingBudget != nil {
		return info.ThinkingBudget
	}
	if req.ThinkingBudget != nil {
		return req.ThinkingBudget
	}
	var budget int
	switch strings.ToLower(strings.TrimSpace(req.ReasoningEffort)) {
	case "low":
		budget = 1024
	case "medium":
		budget = 8192
	case "high":
		budget = thinkingBudgetMax
	default:
		return nil
	}
	return &budget
}
