package stats

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bucketSize = time.Minute
	retention  = 24 * time.Hour
	// Records queue up on a bounded channel drained by a single worker so
	// the dispatcher hot path never blocks on the ledger lock.
	recordQueueSize = 1024
)

// Event is one completed upstream call.
type Event struct {
	Secret string
	Model  string
	Tokens int
	At     time.Time
}

type minuteBucket struct {
	Calls  int `json:"calls"`
	Tokens int `json:"tokens"`
}

// ModelUsage is the per-(credential,model) breakdown shown on the dashboard.
type ModelUsage struct {
	Calls  int `json:"calls"`
	Tokens int `json:"tokens"`
}

// KeyUsage aggregates one credential's counters. Counters are monotonic
// until Reset.
type KeyUsage struct {
	Calls  int                   `json:"calls"`
	Tokens int                   `json:"tokens"`
	Models map[string]ModelUsage `json:"models,omitempty"`
}

// Ledger is the process-wide usage store: minute-bucketed call/token series
// for the dashboard plus per-credential counters driving the daily quota.
type Ledger struct {
	mu         sync.RWMutex
	minutes    map[int64]*minuteBucket
	keyMinutes map[string]map[int64]int
	keys       map[string]*KeyUsage

	queue chan queued
	stop  chan struct{}
	done  chan struct{}

	now func() time.Time
}

type queued struct {
	evt     Event
	barrier chan struct{}
}

func NewLedger() *Ledger {
	l := &Ledger{
		minutes:    map[int64]*minuteBucket{},
		keyMinutes: map[string]map[int64]int{},
		keys:       map[string]*KeyUsage{},
		queue:      make(chan queued, recordQueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		now:        func() time.Time { return time.Now().UTC() },
	}
	go l.drain()
	return l
}

func (l *Ledger) drain() {
	defer close(l.done)
	for {
		select {
		case q := <-l.queue:
			if q.barrier != nil {
				close(q.barrier)
				continue
			}
			l.apply(q.evt)
		case <-l.stop:
			for {
				select {
				case q := <-l.queue:
					if q.barrier != nil {
						close(q.barrier)
						continue
					}
					l.apply(q.evt)
				default:
					return
				}
			}
		}
	}
}

// Record queues one successful call. When the queue is full the event is
// applied inline instead of being dropped.
func (l *Ledger) Record(secret, model string, tokens int) {
	evt := Event{Secret: secret, Model: model, Tokens: tokens, At: l.now()}
	select {
	case l.queue <- queued{evt: evt}:
	default:
		l.apply(evt)
	}
}

// Flush blocks until every queued event has been applied.
func (l *Ledger) Flush() {
	b := make(chan struct{})
	select {
	case l.queue <- queued{barrier: b}:
		<-b
	case <-l.done:
	}
}

// Close drains the queue and stops the worker.
func (l *Ledger) Close() {
	close(l.stop)
	<-l.done
}

func (l *Ledger) apply(evt Event) {
	minute := evt.At.Truncate(bucketSize).Unix()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.minutes[minute]
	if !ok {
		b = &minuteBucket{}
		l.minutes[minute] = b
	}
	b.Calls++
	b.Tokens += evt.Tokens

	km, ok := l.keyMinutes[evt.Secret]
	if !ok {
		km = map[int64]int{}
		l.keyMinutes[evt.Secret] = km
	}
	km[minute]++

	ku, ok := l.keys[evt.Secret]
	if !ok {
		ku = &KeyUsage{Models: map[string]ModelUsage{}}
		l.keys[evt.Secret] = ku
	}
	ku.Calls++
	ku.Tokens += evt.Tokens
	if model := strings.TrimSpace(evt.Model); model != "" {
		mu := ku.Models[model]
		mu.Calls++
		mu.Tokens += evt.Tokens
		ku.Models[model] = mu
	}
}

// UsageLast24h reports how many calls a credential made in the last 24
// hours. The dispatcher compares it against the daily limit.
func (l *Ledger) UsageLast24h(secret string) int {
	cutoff := l.now().Add(-retention).Truncate(bucketSize).Unix()
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0
	for minute, calls := range l.keyMinutes[secret] {
		if minute >= cutoff {
			total += calls
		}
	}
	return total
}

// Series returns per-minute call and token counts for the trailing window,
// oldest first, one element per minute including empty ones.
func (l *Ledger) Series(minutes int) (calls []int, tokens []int) {
	if minutes <= 0 {
		return nil, nil
	}
	end := l.now().Truncate(bucketSize).Unix()
	calls = make([]int, minutes)
	tokens = make([]int, minutes)
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := 0; i < minutes; i++ {
		minute := end - int64(bucketSize.Seconds())*int64(minutes-1-i)
		if b, ok := l.minutes[minute]; ok {
			calls[i] = b.Calls
			tokens[i] = b.Tokens
		}
	}
	return calls, tokens
}

// SnapshotKeys copies the per-credential counters, sorted by call count for
// stable dashboard output.
type KeySnapshot struct {
	Secret string   `json:"secret"`
	Usage  KeyUsage `json:"usage"`
}

func (l *Ledger) SnapshotKeys() []KeySnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]KeySnapshot, 0, len(l.keys))
	for secret, ku := range l.keys {
		cp := KeyUsage{Calls: ku.Calls, Tokens: ku.Tokens, Models: map[string]ModelUsage{}}
		for m, mu := range ku.Models {
			cp.Models[m] = mu
		}
		out = append(out, KeySnapshot{Secret: secret, Usage: cp})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Usage.Calls == out[j].Usage.Calls {
			return out[i].Secret < out[j].Secret
		}
		return out[i].Usage.Calls > out[j].Usage.Calls
	})
	return out
}

// Sweep drops minute buckets older than the retention window.
func (l *Ledger) Sweep() {
	cutoff := l.now().Add(-retention).Truncate(bucketSize).Unix()
	l.mu.Lock()
	defer l.mu.Unlock()
	for minute := range l.minutes {
		if minute < cutoff {
			delete(l.minutes, minute)
		}
	}
	for secret, km := range l.keyMinutes {
		for minute := range km {
			if minute < cutoff {
				delete(km, minute)
			}
		}
		if len(km) == 0 {
			delete(l.keyMinutes, secret)
		}
	}
}

// Reset zeroes every counter. Scheduled daily in public mode and reachable
// from the admin API.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minutes = map[int64]*minuteBucket{}
	l.keyMinutes = map[string]map[int64]int{}
	l.keys = map[string]*KeyUsage{}
}
