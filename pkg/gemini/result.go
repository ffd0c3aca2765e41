package gemini

import (
	"fmt"
	"strings"
)

// ResultKind is the closed set of adapter outcomes. The dispatcher is a
// state machine over these values; the adapter never signals retry via
// errors.
type ResultKind int

const (
	// Success carries text and token counts.
	Success ResultKind = iota
	// Empty is an HTTP 200 with no usable text.
	Empty
	// Blocked is an HTTP 200 rejected by a prompt-feedback block or an
	// abnormal finish reason.
	Blocked
	// HTTPError is a non-2xx upstream status.
	HTTPError
	// Transport covers connect errors, timeouts and malformed bodies.
	Transport
)

func (k ResultKind) String() string {
	switch k {
	case Success:
		return "success"
	case Empty:
		return "empty"
	case Blocked:
		return "blocked"
	case HTTPError:
		return "http-error"
	case Transport:
		return "transport"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is one adapter call's outcome.
type Result struct {
	Kind         ResultKind
	Text         string
	Reasoning    string
	FinishReason string
	Usage        Usage

	// Set for Blocked.
	BlockReason string
	// Set for HTTPError.
	Status int
	Body   string
	// Set for Transport.
	Err error
}

func (r Result) String() string {
	switch r.Kind {
	case Success:
		return fmt.Sprintf("success (%d chars, finish=%s)", len(r.Text), r.FinishReason)
	case Blocked:
		return "blocked: " + r.BlockReason
	case HTTPError:
		return fmt.Sprintf("http %d", r.Status)
	case Transport:
		return "transport: " + r.Err.Error()
	default:
		return r.Kind.String()
	}
}

func successResult(resp *Response) Result {
	var text, reasoning strings.Builder
	finish := ""
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		finish = cand.FinishReason
		for _, p := range cand.Content.Parts {
			if p.Text == "" {
				continue
			}
			if p.Thought {
				reasoning.WriteString(p.Text)
			} else {
				text.WriteString(p.Text)
			}
		}
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return Result{Kind: Blocked, BlockReason: resp.PromptFeedback.BlockReason}
	}
	if text.Len() == 0 {
		return Result{Kind: Empty, Reasoning: reasoning.String(), FinishReason: finish, Usage: UsageFromMetadata(resp.UsageMetadata)}
	}
	return Result{
		Kind:         Success,
		Text:         text.String(),
		Reasoning:    reasoning.String(),
		FinishReason: finish,
		Usage:        UsageFromMetadata(resp.UsageMetadata),
	}
}

func httpErrorResult(status int, body []byte) Result {
	const maxBody = 2048
	b := string(body)
	if len(b) > maxBody {
		b = b[:maxBody]
	}
	return Result{Kind: HTTPError, Status: status, Body: b}
}

func transportResult(err error) Result {
	return Result{Kind: Transport, Err: err}
}
