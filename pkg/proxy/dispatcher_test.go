package proxy

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/zx6217/geminirelay/pkg/cache"
	"github.com/zx6217/geminirelay/pkg/config"
	"github.com/zx6217/geminirelay/pkg/gemini"
	"github.com/zx6217/geminirelay/pkg/keypool"
	"github.com/zx6217/geminirelay/pkg/stats"
	"github.com/zx6217/geminirelay/pkg/transform"
)

// fakeUpstream scripts adapter outcomes per credential secret.
type fakeUpstream struct {
	mu         sync.Mutex
	calls      []string
	delay      time.Duration
	byKey      map[string][]gemini.Result
	fallback   gemini.Result
	streamBody string
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		byKey:    map[string][]gemini.Result{},
		fallback: gemini.Result{Kind: gemini.Success, Text: "pong", FinishReason: "STOP", Usage: gemini.Usage{TotalTokens: 3}},
	}
}

func (f *fakeUpstream) script(secret string, results ...gemini.Result) {
	f.mu.Lock()
	f.byKey[secret] = append(f.byKey[secret], results...)
	f.mu.Unlock()
}

func (f *fakeUpstream) next(secret string) gemini.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, secret)
	if queue := f.byKey[secret]; len(queue) > 0 {
		res := queue[0]
		f.byKey[secret] = queue[1:]
		return res
	}
	return f.fallback
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeUpstream) callsFor(secret string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == secret {
			n++
		}
	}
	return n
}

func (f *fakeUpstream) Generate(ctx context.Context, cred keypool.Credential, model string, req *gemini.Request) gemini.Result {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return gemini.Result{Kind: gemini.Transport, Err: ctx.Err()}
		}
	}
	return f.next(cred.Secret)
}

func (f *fakeUpstream) Stream(ctx context.Context, cred keypool.Credential, model string, req *gemini.Request) (io.ReadCloser, gemini.Result) {
	res := f.next(cred.Secret)
	if res.Kind != gemini.Success {
		return nil, res
	}
	return io.NopCloser(strings.NewReader(f.streamBody)), res
}

func (f *fakeUpstream) ChatCompletions(ctx context.Context, cred keypool.Credential, body []byte) gemini.Result {
	return f.next(cred.Secret)
}

func testDispatcher(t *testing.T, fake *fakeUpstream, creds []keypool.Credential, mutate func(*config.Settings)) (*Dispatcher, *stats.Ledger) {
	t.Helper()
	set := config.DefaultSettings()
	set.RandomString = false
	if mutate != nil {
		mutate(&set)
	}
	ledger := stats.NewLedger()
	t.Cleanup(ledger.Close)
	d := NewDispatcher(
		keypool.New(creds),
		ledger,
		cache.NewResponseCache(set.MaxCacheEntries, time.Duration(set.CacheExpirySeconds)*time.Second),
		NewRegistry(0),
		fake,
		func() config.Settings { return set },
		log.New(io.Discard),
	)
	d.sleep = func(context.Context, time.Duration) {}
	return d, ledger
}

func pingRequest(model string) *transform.ChatRequest {
	return &transform.ChatRequest{
		Model:    model,
		Messages: []transform.Message{transform.TextPart("user", "ping")},
	}
}

func aiKey(secret string) keypool.Credential {
	return keypool.Credential{Secret: secret, Kind: keypool.KindAIStudio}
}

func TestDispatchCachesWinnerForNextRequest(t *testing.T) {
	fake := newFakeUpstream()
	d, _ := testDispatcher(t, fake, []keypool.Credential{aiKey("k1")}, nil)
	req := pingRequest("gemini-2.5-pro")
	info := transform.ParseModelName(req.Model)

	first, err := d.Dispatch(context.Background(), req, info)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if first.Text != "pong" {
		t.Fatalf("expected pong, got %q", first.Text)
	}

	second, err := d.Dispatch(context.Background(), req, info)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if second.Text != "pong" {
		t.Fatalf("expected cached pong, got %q", second.Text)
	}
	if got := fake.callCount(); got != 1 {
		t.Fatalf("expected a single upstream call, got %d", got)
	}

	// cache drained: a third request calls upstream again
	if _, err := d.Dispatch(context.Background(), req, info); err != nil {
		t.Fatalf("third dispatch: %v", err)
	}
	if got := fake.callCount(); got != 2 {
		t.Fatalf("expected second upstream call, got %d", got)
	}
}

func TestDispatchFailsOverOn429(t *testing.T) {
	fake := newFakeUpstream()
	fake.script("k1", gemini.Result{Kind: gemini.HTTPError, Status: 429, Body: "quota"})
	fake.script("k1", gemini.Result{Kind: gemini.HTTPError, Status: 429, Body: "quota"})
	fake.script("k2", gemini.Result{Kind: gemini.Success, Text: "ok", FinishReason: "STOP"})
	fake.script("k2", gemini.Result{Kind: gemini.Success, Text: "ok", FinishReason: "STOP"})
	d, _ := testDispatcher(t, fake, []keypool.Credential{aiKey("k1"), aiKey("k2")}, func(s *config.Settings) {
		s.ConcurrentRequests = 1
	})

	entry, err := d.Dispatch(context.Background(), pingRequest("gemini-2.5-pro"), transform.ParseModelName("gemini-2.5-pro"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if entry.Text != "ok" {
		t.Fatalf("expected ok, got %q", entry.Text)
	}
	if fake.callsFor("k2") == 0 {
		t.Fatal("expected fail-over to the second key")
	}
}

func TestDispatchStopsAtEmptyBudget(t *testing.T) {
	fake := newFakeUpstream()
	empty := gemini.Result{Kind: gemini.Empty}
	for _, k := range []string{"k1", "k2", "k3"} {
		fake.script(k, empty)
	}
	d, _ := testDispatcher(t, fake, []keypool.Credential{aiKey("k1"), aiKey("k2"), aiKey("k3")}, func(s *config.Settings) {
		s.ConcurrentRequests = 1
		s.MaxEmptyResponses = 2
	})

	_, err := d.Dispatch(context.Background(), pingRequest("gemini-2.5-pro"), transform.ParseModelName("gemini-2.5-pro"))
	if !errors.Is(err, ErrEmptyBudget) {
		t.Fatalf("expected empty-budget error, got %v", err)
	}
	if got := fake.callCount(); got != 2 {
		t.Fatalf("expected exactly 2 calls before abort, got %d", got)
	}
}

func TestDispatchRetriesSameKeyOn5xx(t *testing.T) {
	fake := newFakeUpstream()
	fake.script("k1",
		gemini.Result{Kind: gemini.HTTPError, Status: 503},
		gemini.Result{Kind: gemini.HTTPError, Status: 500},
		gemini.Result{Kind: gemini.Success, Text: "recovered", FinishReason: "STOP"},
	)
	var backoffs []time.Duration
	d, _ := testDispatcher(t, fake, []keypool.Credential{aiKey("k1")}, nil)
	d.sleep = func(_ context.Context, dur time.Duration) { backoffs = append(backoffs, dur) }

	entry, err := d.Dispatch(context.Background(), pingRequest("gemini-2.5-pro"), transform.ParseModelName("gemini-2.5-pro"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if entry.Text != "recovered" {
		t.Fatalf("expected recovered, got %q", entry.Text)
	}
	if fake.callsFor("k1") != 3 {
		t.Fatalf("expected 3 attempts on the same key, got %d", fake.callsFor("k1"))
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(backoffs) != len(want) || backoffs[0] != want[0] || backoffs[1] != want[1] {
		t.Fatalf("expected backoffs %v, got %v", want, backoffs)
	}
}

func TestDispatchExcludesOverQuotaKeys(t *testing.T) {
	fake := newFakeUpstream()
	d, ledger := testDispatcher(t, fake, []keypool.Credential{aiKey("k1"), aiKey("k2")}, func(s *config.Settings) {
		s.APIKeyDailyLimit = 10
	})
	for i := 0; i < 10; i++ {
		ledger.Record("k1", "gemini-2.5-pro", 10)
	}
	ledger.Flush()

	for i := 0; i < 4; i++ {
		req := pingRequest("gemini-2.5-pro")
		req.Messages = append(req.Messages, transform.TextPart("user", string(rune('a'+i))))
		if _, err := d.Dispatch(context.Background(), req, transform.ParseModelName(req.Model)); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if fake.callsFor("k1") != 0 {
		t.Fatalf("expected over-quota key to be skipped, got %d calls", fake.callsFor("k1"))
	}
	if fake.callsFor("k2") != 4 {
		t.Fatalf("expected all traffic on k2, got %d", fake.callsFor("k2"))
	}
}

func TestDispatchCoalescesIdenticalRequests(t *testing.T) {
	fake := newFakeUpstream()
	fake.delay = 100 * time.Millisecond
	d, _ := testDispatcher(t, fake, []keypool.Credential{aiKey("k1")}, nil)
	req := pingRequest("gemini-2.5-pro")
	info := transform.ParseModelName(req.Model)

	var wg sync.WaitGroup
	texts := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == 1 {
				time.Sleep(30 * time.Millisecond)
			}
			entry, err := d.Dispatch(context.Background(), req, info)
			texts[i], errs[i] = entry.Text, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("dispatch %d: %v", i, errs[i])
		}
		if texts[i] != "pong" {
			t.Fatalf("dispatch %d: expected pong, got %q", i, texts[i])
		}
	}
	if got := fake.callCount(); got != 1 {
		t.Fatalf("expected one upstream call for coalesced requests, got %d", got)
	}
}

func TestDispatchBanksResultAfterClientDisconnect(t *testing.T) {
	fake := newFakeUpstream()
	fake.delay = 50 * time.Millisecond
	d, _ := testDispatcher(t, fake, []keypool.Credential{aiKey("k1")}, nil)
	req := pingRequest("gemini-2.5-pro")
	info := transform.ParseModelName(req.Model)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := d.Dispatch(ctx, req, info)
	if !errors.Is(err, ErrClientDisconnected) {
		t.Fatalf("expected client-disconnect error, got %v", err)
	}

	entry, err := d.Dispatch(context.Background(), req, info)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if entry.Text != "pong" {
		t.Fatalf("expected banked pong, got %q", entry.Text)
	}
	if got := fake.callCount(); got != 1 {
		t.Fatalf("expected the abandoned call to serve the second request, got %d calls", got)
	}
}

func TestDispatchAllKeysExhausted(t *testing.T) {
	fake := newFakeUpstream()
	fake.script("k1", gemini.Result{Kind: gemini.HTTPError, Status: 403})
	d, _ := testDispatcher(t, fake, []keypool.Credential{aiKey("k1")}, nil)

	_, err := d.Dispatch(context.Background(), pingRequest("gemini-2.5-pro"), transform.ParseModelName("gemini-2.5-pro"))
	if !errors.Is(err, ErrAllExhausted) {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
}
