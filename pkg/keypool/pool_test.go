package keypool

import (
	"testing"
)

func creds(secrets ...string) []Credential {
	out := make([]Credential, 0, len(secrets))
	for _, s := range secrets {
		out = append(out, Credential{Secret: s, Kind: KindAIStudio})
	}
	return out
}

func TestScopeNeverRepeatsACredential(t *testing.T) {
	p := New(creds("k1", "k2", "k3"))
	scope := p.Scope()
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		c, err := scope.Take()
		if err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
		if c.Empty() {
			t.Fatalf("take %d: exhausted too early", i)
		}
		if seen[c.Secret] {
			t.Fatalf("credential %q handed out twice", c.Secret)
		}
		seen[c.Secret] = true
	}
	c, err := scope.Take()
	if err != nil {
		t.Fatalf("take after exhaustion: %v", err)
	}
	if !c.Empty() {
		t.Fatalf("expected exhausted scope, got %q", c.Secret)
	}
}

func TestScopeSurvivesStackRebuild(t *testing.T) {
	p := New(creds("k1", "k2"))
	// Drain the shared stack with a separate scope so the second scope
	// forces a rebuild mid-request.
	first := p.Scope()
	if _, err := first.Take(); err != nil {
		t.Fatalf("warmup take: %v", err)
	}
	if _, err := first.Take(); err != nil {
		t.Fatalf("warmup take: %v", err)
	}

	scope := p.Scope()
	a, err := scope.Take()
	if err != nil || a.Empty() {
		t.Fatalf("take after rebuild: cred=%v err=%v", a, err)
	}
	b, err := scope.Take()
	if err != nil || b.Empty() {
		t.Fatalf("second take after rebuild: cred=%v err=%v", b, err)
	}
	if a.Secret == b.Secret {
		t.Fatalf("rebuild handed out %q twice", a.Secret)
	}
}

func TestEmptyPoolFailsWithNoCredentials(t *testing.T) {
	p := New(nil)
	if _, err := p.Scope().Take(); err != ErrNoCredentials {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestAddIsIdempotent(t *testing.T) {
	p := New(creds("k1"))
	p.Add(Credential{Secret: "k1", Kind: KindAIStudio})
	p.Add(Credential{Secret: " k1 ", Kind: KindAIStudio})
	if got := p.Len(); got != 1 {
		t.Fatalf("expected 1 credential after duplicate adds, got %d", got)
	}
}

func TestRemoveDropsFromSetAndStack(t *testing.T) {
	p := New(creds("k1", "k2"))
	p.Remove("k1")
	if got := p.Len(); got != 1 {
		t.Fatalf("expected 1 credential after remove, got %d", got)
	}
	scope := p.Scope()
	c, err := scope.Take()
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if c.Secret != "k2" {
		t.Fatalf("expected k2, got %q", c.Secret)
	}
}

func TestScopeResetClearsTriedMarking(t *testing.T) {
	p := New(creds("only"))
	scope := p.Scope()
	if _, err := scope.Take(); err != nil {
		t.Fatalf("take: %v", err)
	}
	scope.Reset()
	c, err := scope.Take()
	if err != nil || c.Secret != "only" {
		t.Fatalf("expected reset scope to hand out credential again, cred=%v err=%v", c, err)
	}
}

func TestRandomIgnoresScope(t *testing.T) {
	p := New(creds("k1"))
	scope := p.Scope()
	if _, err := scope.Take(); err != nil {
		t.Fatalf("take: %v", err)
	}
	if c, ok := p.Random(); !ok || c.Secret != "k1" {
		t.Fatalf("expected random pick to ignore tried-set, got %v ok=%v", c, ok)
	}
}

func TestRedacted(t *testing.T) {
	c := Credential{Secret: "AIzaSyA-very-long-key-value"}
	r := c.Redacted()
	if r == c.Secret {
		t.Fatal("redacted secret leaked full value")
	}
	if len(r) != 11 {
		t.Fatalf("unexpected redacted form %q", r)
	}
	if short := (Credential{Secret: "abc"}).Redacted(); short != "****" {
		t.Fatalf("short secrets must fully mask, got %q", short)
	}
}
