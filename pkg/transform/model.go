package transform

import (
	"fmt"
	"strings"
)

// Mode selects the prompt transformation pipeline.
type Mode int

const (
	ModePlain Mode = iota
	ModeSearch
	ModeEncrypt
	ModeEncryptFull
)

func (m Mode) String() string {
	switch m {
	case ModeSearch:
		return "search"
	case ModeEncrypt:
		return "encrypt"
	case ModeEncryptFull:
		return "encrypt-full"
	default:
		return "plain"
	}
}

const (
	thinkingBudgetOff = 0
	thinkingBudgetMax = 24576
)

// ModelInfo is the decoded form of an incoming model name: the upstream
// base model plus the mode and routing flags carried in the name's
// decorations.
type ModelInfo struct {
	// Name is the model as the client sent it.
	Name string
	// Base is the upstream Gemini model name with decorations stripped.
	Base string
	Mode Mode
	// Express routes through a Vertex Express key, Pay through a Vertex
	// service account.
	Express bool
	Pay     bool
	// OpenAICompat routes through the Vertex OpenAI-compatible endpoint.
	OpenAICompat bool
	// ThinkingBudget is set by the -nothinking / -max suffixes.
	ThinkingBudget *int
}

// ParseModelName decodes prefix tags ([EXPRESS], [PAY]) and mode suffixes
// (-search, -encrypt, -encrypt-full, -nothinking, -max, -auto, -openai).
func ParseModelName(name string) ModelInfo {
	info := ModelInfo{Name: name}
	base := strings.TrimSpace(name)
	for {
		switch {
		case strings.HasPrefix(base, "[EXPRESS]"):
			info.Express = true
			base = strings.TrimSpace(strings.TrimPrefix(base, "[EXPRESS]"))
			continue
		case strings.HasPrefix(base, "[PAY]"):
			info.Pay = true
			base = strings.TrimSpace(strings.TrimPrefix(base, "[PAY]"))
			continue
		}
		break
	}
	if strings.HasSuffix(base, "-openai") {
		info.OpenAICompat = true
		base = strings.TrimSuffix(base, "-openai")
	}
	switch {
	case strings.HasSuffix(base, "-encrypt-full"):
		info.Mode = ModeEncryptFull
		base = strings.TrimSuffix(base, "-encrypt-full")
	case strings.HasSuffix(base, "-encrypt"):
		info.Mode = ModeEncrypt
		base = strings.TrimSuffix(base, "-encrypt")
	case strings.HasSuffix(base, "-search"):
		info.Mode = ModeSearch
		base = strings.TrimSuffix(base, "-search")
	case strings.HasSuffix(base, "-nothinking"):
		b := thinkingBudgetOff
		info.ThinkingBudget = &b
		base = strings.TrimSuffix(base, "-nothinking")
	case strings.HasSuffix(base, "-max"):
		b := thinkingBudgetMax
		info.ThinkingBudget = &b
		base = strings.TrimSuffix(base, "-max")
	case strings.HasSuffix(base, "-auto"):
		// Auto keeps the plain pipeline; retry-mode escalation is the
		// dispatcher's job.
		base = strings.TrimSuffix(base, "-auto")
	}
	info.Base = base
	return info
}

// Validate rejects decorations that are meaningless for the base model.
// Thinking budgets only exist on the Flash family.
func (i ModelInfo) Validate() error {
	if i.ThinkingBudget != nil && !strings.Contains(i.Base, "flash") {
		return fmt.Errorf("model %q does not support a thinking budget suffix", i.Name)
	}
	return nil
}

// Variants returns the decorated model names advertised for one base
// model.
func Variants(base string) []string {
	out := []string{base, base + "-search", base + "-encrypt", base + "-encrypt-full", base + "-auto", base + "-openai"}
	if strings.Contains(base, "flash") {
		out = append(out, base+"-nothinking", base+"-max")
	}
	return out
}
