package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/zx6217/geminirelay/pkg/cache"
	"github.com/zx6217/geminirelay/pkg/gemini"
	"github.com/zx6217/geminirelay/pkg/transform"
)

const (
	sseDone        = "data: [DONE]\n\n"
	fakeChunkCount = 10
	fakeChunkPause = 50 * time.Millisecond
)

// streamWriter frames OpenAI chat.completion.chunk objects as SSE.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
	model   string
	created int64
}

func newStreamWriter(w http.ResponseWriter, model string) (*streamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &streamWriter{
		w:       w,
		flusher: flusher,
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
	}, nil
}

func (s *streamWriter) writeFrame(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *streamWriter) chunk(delta openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) error {
	return s.writeFrame(openai.ChatCompletionStreamResponse{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	})
}

// keepAlive is an empty delta; clients treat it as a heartbeat.
func (s *streamWriter) keepAlive() error {
	return s.chunk(openai.ChatCompletionStreamChoiceDelta{}, "")
}

func (s *streamWriter) content(text string) error {
	return s.chunk(openai.ChatCompletionStreamChoiceDelta{Content: text}, "")
}

func (s *streamWriter) reasoning(text string) error {
	return s.chunk(openai.ChatCompletionStreamChoiceDelta{ReasoningContent: text}, "")
}

func (s *streamWriter) finish() error {
	return s.chunk(openai.ChatCompletionStreamChoiceDelta{}, openai.FinishReasonStop)
}

func (s *streamWriter) done() {
	_, _ = io.WriteString(s.w, sseDone)
	s.flusher.Flush()
}

// fail emits one OpenAI-shaped error frame followed by the terminator.
func (s *streamWriter) fail(status int, message string) {
	_ = s.writeFrame(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "relay_error",
			"code":    status,
		},
	})
	s.done()
}

// writeBuffered plays a fully-buffered response back as a short stream:
// reasoning first, then the text in roughly equal chunks.
func (s *streamWriter) writeBuffered(entry cache.CachedResponse, pause func(time.Duration)) {
	if entry.Reasoning != "" {
		if err := s.reasoning(entry.Reasoning); err != nil {
			return
		}
	}
	for _, piece := range splitChunks(entry.Text, fakeChunkCount) {
		if err := s.content(piece); err != nil {
			return
		}
		if pause != nil {
			pause(fakeChunkPause)
		}
	}
	if err := s.finish(); err != nil {
		return
	}
	s.done()
}

// splitChunks cuts text into at most n pieces on rune boundaries.
func splitChunks(text string, n int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	size := (len(runes) + n - 1) / n
	out := make([]string, 0, n)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		out = append(out, string(runes[start:end]))
	}
	return out
}

// fakeStream emits keep-alive frames at interval while the dispatch runs,
// then plays back the buffered result.
func (s *streamWriter) fakeStream(ctx context.Context, interval time.Duration, results <-chan dispatchOutcome, pause func(time.Duration)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.keepAlive(); err != nil {
				return
			}
		case out := <-results:
			if out.err != nil {
				s.fail(statusForError(out.err), out.err.Error())
				return
			}
			s.writeBuffered(out.entry, pause)
			return
		}
	}
}

type dispatchOutcome struct {
	entry cache.CachedResponse
	err   error
}

// relayStream forwards an upstream Gemini SSE body as OpenAI chunks,
// splitting thought parts into reasoning deltas. Abnormal finishes and
// HIGH safety ratings become an error frame. The returned usage reflects
// the last usageMetadata block seen; upstream counts are cumulative.
func (s *streamWriter) relayStream(ctx context.Context, body io.Reader, mode transform.Mode) (gemini.Usage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	sawContent := false
	var meta *gemini.UsageMetadata
	for scanner.Scan() {
		if ctx.Err() != nil {
			return gemini.UsageFromMetadata(meta), ctx.Err()
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var chunk gemini.Response
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.UsageMetadata != nil {
			meta = chunk.UsageMetadata
		}
		if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
			s.fail(http.StatusInternalServerError, "prompt blocked: "+chunk.PromptFeedback.BlockReason)
			return gemini.UsageFromMetadata(meta), nil
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		cand := chunk.Candidates[0]
		if highSafetyRating(cand.SafetyRatings) {
			s.fail(http.StatusInternalServerError, "response flagged by safety filter")
			return gemini.UsageFromMetadata(meta), nil
		}
		for _, part := range cand.Content.Parts {
			if part.Text == "" {
				continue
			}
			text := part.Text
			if mode == transform.ModeEncryptFull {
				text = transform.Deobfuscate(text)
			}
			var err error
			if part.Thought {
				err = s.reasoning(text)
			} else {
				sawContent = true
				err = s.content(text)
			}
			if err != nil {
				return gemini.UsageFromMetadata(meta), err
			}
		}
		if cand.FinishReason != "" && cand.FinishReason != "STOP" {
			s.fail(http.StatusInternalServerError, "upstream finished abnormally: "+cand.FinishReason)
			return gemini.UsageFromMetadata(meta), nil
		}
	}
	usage := gemini.UsageFromMetadata(meta)
	if err := scanner.Err(); err != nil {
		if !sawContent {
			s.fail(http.StatusBadGateway, "upstream stream failed: "+err.Error())
			return usage, nil
		}
		return usage, err
	}
	if err := s.finish(); err != nil {
		return usage, err
	}
	s.done()
	return usage, nil
}

func highSafetyRating(ratings []gemini.SafetyRating) bool {
	for _, r := range ratings {
		if r.Probability == "HIGH" {
			return true
		}
	}
	return false
}
