package keypool

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
)

// Kind identifies which upstream backend a credential authenticates against.
type Kind string

const (
	KindAIStudio      Kind = "aistudio"
	KindVertexSA      Kind = "vertex-sa"
	KindVertexExpress Kind = "vertex-express"
)

var ErrNoCredentials = errors.New("credential pool is empty")

// Credential is an opaque upstream secret. For vertex-sa credentials Secret
// holds the full service-account JSON and ProjectID the GCP project.
// Credentials are never mutated after they enter the pool.
type Credential struct {
	Secret    string `json:"secret"`
	Kind      Kind   `json:"kind"`
	ProjectID string `json:"project_id,omitempty"`
}

func (c Credential) Empty() bool {
	return strings.TrimSpace(c.Secret) == ""
}

// Redacted returns a display-safe form of the secret for logs and the
// dashboard.
func (c Credential) Redacted() string {
	s := strings.TrimSpace(c.Secret)
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// Pool owns the process-wide credential set. Consumption order is a shuffled
// stack shared by all requests; the stack is rebuilt with a fresh random
// permutation whenever it runs dry.
type Pool struct {
	mu    sync.Mutex
	creds []Credential
	stack []Credential
	rng   *rand.Rand
}

func New(creds []Credential) *Pool {
	p := &Pool{rng: rand.New(rand.NewSource(rand.Int63()))}
	for _, c := range creds {
		p.addLocked(c)
	}
	return p
}

// Add inserts a credential. Duplicate secrets are ignored so admin retries
// stay idempotent.
func (p *Pool) Add(c Credential) {
	if c.Empty() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(c)
}

func (p *Pool) addLocked(c Credential) {
	if c.Empty() {
		return
	}
	c.Secret = strings.TrimSpace(c.Secret)
	for _, have := range p.creds {
		if have.Secret == c.Secret {
			return
		}
	}
	p.creds = append(p.creds, c)
	// New credentials join the live stack at a random position so they do
	// not always get drained first.
	if len(p.stack) == 0 {
		p.stack = append(p.stack, c)
		return
	}
	i := p.rng.Intn(len(p.stack) + 1)
	p.stack = append(p.stack, Credential{})
	copy(p.stack[i+1:], p.stack[i:])
	p.stack[i] = c
}

// Remove drops the credential with the given secret. Unknown secrets are a
// no-op.
func (p *Pool) Remove(secret string) {
	secret = strings.TrimSpace(secret)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds = deleteBySecret(p.creds, secret)
	p.stack = deleteBySecret(p.stack, secret)
}

func deleteBySecret(in []Credential, secret string) []Credential {
	out := in[:0]
	for _, c := range in {
		if c.Secret != secret {
			out = append(out, c)
		}
	}
	return out
}

// All returns a snapshot of every credential, for health scans and the
// dashboard.
func (p *Pool) All() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Credential(nil), p.creds...)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// pop hands out the next credential from the shared stack, rebuilding it
// once when empty.
func (p *Pool) pop() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.creds) == 0 {
		return Credential{}, false
	}
	if len(p.stack) == 0 {
		p.reshuffleLocked()
	}
	c := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	return c, true
}

func (p *Pool) reshuffleLocked() {
	p.stack = append(p.stack[:0], p.creds...)
	p.rng.Shuffle(len(p.stack), func(i, j int) {
		p.stack[i], p.stack[j] = p.stack[j], p.stack[i]
	})
}

// Random returns one random credential regardless of consumption order.
// The dispatcher uses it as a last resort when quota filtering would leave
// a request with no candidates.
func (p *Pool) Random() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.creds) == 0 {
		return Credential{}, false
	}
	return p.creds[p.rng.Intn(len(p.creds))], true
}

// Scope is the per-request view of the pool. A scope never hands out the
// same credential twice, even across a mid-request stack rebuild.
type Scope struct {
	pool  *Pool
	tried map[string]struct{}
}

func (p *Pool) Scope() *Scope {
	return &Scope{pool: p, tried: map[string]struct{}{}}
}

// Take returns a credential not yet tried within this scope. It reports
// ErrNoCredentials when the pool is empty and (Credential{}, nil, false)
// when every credential has been tried.
func (s *Scope) Take() (Credential, error) {
	if s.pool.Len() == 0 {
		return Credential{}, ErrNoCredentials
	}
	// Draining the leftover stack plus one full rebuilt permutation is
	// enough to have seen every credential.
	for i := 0; i < 2*s.pool.Len()+1; i++ {
		c, ok := s.pool.pop()
		if !ok {
			return Credential{}, ErrNoCredentials
		}
		if _, seen := s.tried[c.Secret]; seen {
			continue
		}
		s.tried[c.Secret] = struct{}{}
		return c, nil
	}
	return Credential{}, nil
}

// MarkTried records a credential obtained outside Take (e.g. the random
// quota-override pick) so it is not handed out again.
func (s *Scope) MarkTried(c Credential) {
	s.tried[c.Secret] = struct{}{}
}

// Tried reports how many credentials this scope has consumed.
func (s *Scope) Tried() int {
	return len(s.tried)
}

// Reset clears the per-request tried marking.
func (s *Scope) Reset() {
	s.tried = map[string]struct{}{}
}
