package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/zx6217/geminirelay/pkg/cache"
	"github.com/zx6217/geminirelay/pkg/config"
	"github.com/zx6217/geminirelay/pkg/gemini"
	"github.com/zx6217/geminirelay/pkg/keypool"
	"github.com/zx6217/geminirelay/pkg/stats"
	"github.com/zx6217/geminirelay/pkg/transform"
)

// Upstream is the adapter surface the dispatcher races over. Production
// wires *gemini.Client; tests substitute fakes.
type Upstream interface {
	Generate(ctx context.Context, cred keypool.Credential, model string, req *gemini.Request) gemini.Result
	Stream(ctx context.Context, cred keypool.Credential, model string, req *gemini.Request) (io.ReadCloser, gemini.Result)
	ChatCompletions(ctx context.Context, cred keypool.Credential, body []byte) gemini.Result
}

var (
	ErrInvalidModel       = errors.New("invalid model")
	ErrAllExhausted       = errors.New("all keys exhausted")
	ErrEmptyBudget        = errors.New("empty response budget exceeded")
	ErrClientDisconnected = errors.New("client disconnected")
)

const coalesceWait = 240 * time.Second

// Dispatcher orchestrates one chat request: cache probe, coalescing,
// candidate selection and the concurrent retry rounds.
type Dispatcher struct {
	pool     *keypool.Pool
	ledger   *stats.Ledger
	cache    *cache.ResponseCache
	registry *Registry
	upstream Upstream
	settings func() config.Settings
	logger   *log.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

func NewDispatcher(pool *keypool.Pool, ledger *stats.Ledger, respCache *cache.ResponseCache, registry *Registry, upstream Upstream, settings func() config.Settings, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		pool:     pool,
		ledger:   ledger,
		cache:    respCache,
		registry: registry,
		upstream: upstream,
		settings: settings,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
}

// Fingerprint keys the request for the cache and the registry.
func (d *Dispatcher) Fingerprint(info transform.ModelInfo, req *transform.ChatRequest) uint64 {
	set := d.settings()
	depth := set.CalculateCacheEntries
	if set.PreciseCache {
		depth = 0
	}
	return cache.Fingerprint(info.Name, req.Messages, depth)
}

// Dispatch runs the full pipeline and returns the winning response. The
// error is one of the package sentinels (wrapped) or a transform error.
func (d *Dispatcher) Dispatch(ctx context.Context, req *transform.ChatRequest, info transform.ModelInfo) (cache.CachedResponse, error) {
	set := d.settings()
	fp := d.Fingerprint(info, req)
	if entry, ok := d.cache.GetConsume(fp, d.now()); ok {
		d.logger.Debug("cache hit", "model", info.Name)
		return entry, nil
	}

	if !set.PublicMode {
		if t, ok := d.registry.Lookup(fp); ok {
			d.logger.Debug("coalescing onto running request", "model", info.Name)
			t.Wait(ctx, coalesceWait)
			if entry, ok := d.cache.GetConsume(fp, d.now()); ok {
				return entry, nil
			}
		}
	}

	// Upstream work is detached from the client connection; the registry
	// age sweep is the hard bound on abandoned tasks.
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	task, owned := d.registry.Begin(fp, cancel, d.now())
	if owned {
		defer d.registry.Finish(task)
	} else {
		defer cancel()
	}

	entry, err := d.race(ctx, workCtx, fp, req, info, set)
	if err != nil {
		return cache.CachedResponse{}, err
	}
	if ctx.Err() != nil {
		// the response is discarded but stays banked in the cache for the
		// next identical request
		return cache.CachedResponse{}, ErrClientDisconnected
	}
	return entry, nil
}

type attemptOutcome struct {
	cred keypool.Credential
	res  gemini.Result
}

func (d *Dispatcher) race(ctx context.Context, workCtx context.Context, fp uint64, req *transform.ChatRequest, info transform.ModelInfo, set config.Settings) (cache.CachedResponse, error) {
	var (
		greq    *gemini.Request
		rawBody []byte
		err     error
	)
	if info.OpenAICompat {
		rawBody, err = openAICompatBody(req, info)
	} else {
		greq, err = transform.Build(req, info, transform.Options{
			SearchPrompt:    set.SearchPrompt,
			RandomPad:       set.RandomString,
			RandomPadLength: set.RandomStringLength,
		})
	}
	if err != nil {
		return cache.CachedResponse{}, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}

	candidates := d.candidates(info, set)
	if len(candidates) == 0 {
		return cache.CachedResponse{}, ErrAllExhausted
	}

	k := max(1, set.ConcurrentRequests)
	maxK := max(k, set.MaxConcurrentRequests)
	budget := set.MaxRetryNum
	if budget <= 0 {
		budget = len(candidates)
	}

	empties := 0
	idx, tried := 0, 0
	for idx < len(candidates) && tried < budget {
		n := min(k, min(budget-tried, len(candidates)-idx))
		batch := candidates[idx : idx+n]
		idx += n
		tried += n

		results := make(chan attemptOutcome, n)
		for _, cred := range batch {
			go func(c keypool.Credential) {
				results <- attemptOutcome{cred: c, res: d.attempt(workCtx, c, info, greq, rawBody)}
			}(cred)
		}

		for received := 0; received < n; received++ {
			out := <-results
			switch out.res.Kind {
			case gemini.Success:
				entry := cachedFromResult(info, out.res)
				d.ledger.Record(out.cred.Secret, info.Name, out.res.Usage.TotalTokens)
				// the winner is banked too so the next identical request
				// (or a coalesced joiner) can consume it
				d.cache.Put(fp, entry, d.now())
				d.detachCollect(fp, info, results, n-received-1)
				return entry, nil
			case gemini.Empty, gemini.Blocked:
				empties++
				d.logger.Info("empty upstream response", "key", out.cred.Redacted(), "model", info.Name, "result", out.res.String())
				if set.MaxEmptyResponses > 0 && empties >= set.MaxEmptyResponses {
					d.detachCollect(fp, info, results, n-received-1)
					return cache.CachedResponse{}, ErrEmptyBudget
				}
			default:
				d.logger.Warn("upstream attempt failed", "key", out.cred.Redacted(), "model", info.Name, "result", out.res.String())
			}
		}

		if set.IncreaseConcurrentOnFailure > 0 {
			k = min(maxK, k+set.IncreaseConcurrentOnFailure)
		}
	}
	return cache.CachedResponse{}, ErrAllExhausted
}

// detachCollect drains the rest of a batch in the background so late
// successes still land in the cache.
func (d *Dispatcher) detachCollect(fp uint64, info transform.ModelInfo, results <-chan attemptOutcome, remaining int) {
	if remaining <= 0 {
		return
	}
	go func() {
		for i := 0; i < remaining; i++ {
			out := <-results
			if out.res.Kind != gemini.Success {
				continue
			}
			d.ledger.Record(out.cred.Secret, info.Name, out.res.Usage.TotalTokens)
			d.cache.Put(fp, cachedFromResult(info, out.res), d.now())
		}
	}()
}

// attempt performs one credential's call, retrying transient upstream
// failures on the same credential with exponential back-off.
func (d *Dispatcher) attempt(ctx context.Context, cred keypool.Credential, info transform.ModelInfo, greq *gemini.Request, rawBody []byte) gemini.Result {
	var res gemini.Result
	for try := 0; ; try++ {
		if info.OpenAICompat {
			res = d.upstream.ChatCompletions(ctx, cred, rawBody)
		} else {
			res = d.upstream.Generate(ctx, cred, info.Base, greq)
		}
		if !retryableSameKey(res) || try >= 2 {
			return res
		}
		backoff := time.Duration(min(1<<uint(try+1), 16)) * time.Second
		d.sleep(ctx, backoff)
		if ctx.Err() != nil {
			return res
		}
	}
}

func retryableSameKey(res gemini.Result) bool {
	switch res.Kind {
	case gemini.HTTPError:
		return res.Status == 500 || res.Status == 503
	case gemini.Transport:
		return true
	}
	return false
}

// candidates drains a pool scope, keeping credentials of the kind this
// model needs and under their daily quota. When quota filtering empties
// the list, one random over-quota credential is tried anyway.
func (d *Dispatcher) candidates(info transform.ModelInfo, set config.Settings) []keypool.Credential {
	want := requiredKind(info)
	scope := d.pool.Scope()
	var eligible, anyKind []keypool.Credential
	for {
		c, err := scope.Take()
		if err != nil || c.Empty() {
			break
		}
		if c.Kind != want {
			continue
		}
		anyKind = append(anyKind, c)
		if set.APIKeyDailyLimit > 0 && d.ledger.UsageLast24h(c.Secret) >= set.APIKeyDailyLimit {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 && len(anyKind) > 0 {
		eligible = append(eligible, anyKind[rand.Intn(len(anyKind))])
	}
	return eligible
}

func requiredKind(info transform.ModelInfo) keypool.Kind {
	switch {
	case info.Express:
		return keypool.KindVertexExpress
	case info.Pay || info.OpenAICompat:
		return keypool.KindVertexSA
	default:
		return keypool.KindAIStudio
	}
}

func cachedFromResult(info transform.ModelInfo, res gemini.Result) cache.CachedResponse {
	text := res.Text
	if info.Mode == transform.ModeEncryptFull {
		text = transform.Deobfuscate(text)
	}
	return cache.CachedResponse{
		Model:        info.Name,
		Text:         text,
		Reasoning:    res.Reasoning,
		FinishReason: res.FinishReason,
		Usage:        res.Usage,
	}
}

func openAICompatBody(req *transform.ChatRequest, info transform.ModelInfo) ([]byte, error) {
	clone := *req
	clone.Model = "google/" + info.Base
	clone.Stream = false
	return json.Marshal(&clone)
}

func sleepCtx(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
