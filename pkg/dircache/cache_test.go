package dircache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fruitsalade/chainfs/pkg/models"
)

type fakeBackend struct {
	mu      sync.Mutex
	calls   atomic.Int64
	listing map[string][]models.Descriptor
}

func (f *fakeBackend) fetch(_ context.Context, path string) ([]models.Descriptor, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.listing[path]
	if !ok {
		return nil, errors.New("no such directory")
	}
	return append([]models.Descriptor(nil), raw...), nil
}

func (f *fakeBackend) set(path string, raw []models.Descriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listing[path] = raw
}

func newFake() *fakeBackend {
	return &fakeBackend{listing: map[string][]models.Descriptor{
		"acct": {
			{Name: "d1"},
			{Name: "f1", IsFile: true},
			{Name: "d2"},
			{Name: "f2", IsFile: true},
			{Name: "f3", IsFile: true},
		},
	}}
}

func names(entries []models.Descriptor) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestLoad_FilesBeforeDirectoriesStable(t *testing.T) {
	f := newFake()
	c := New(f.fetch)

	entries, err := c.Load(context.Background(), "acct", false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []string{"f1", "f2", "f3", "d1", "d2"}
	got := names(entries)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestLoad_CachesAndBypasses(t *testing.T) {
	f := newFake()
	c := New(f.fetch)
	ctx := context.Background()

	c.Load(ctx, "acct", false)
	c.Load(ctx, "acct", false)
	if f.calls.Load() != 1 {
		t.Errorf("expected 1 fetch, got %d", f.calls.Load())
	}

	c.Load(ctx, "acct", true)
	if f.calls.Load() != 2 {
		t.Errorf("bypass should refetch, got %d fetches", f.calls.Load())
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 2 || s.Entries != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestLoad_ReturnsCopy(t *testing.T) {
	f := newFake()
	c := New(f.fetch)
	ctx := context.Background()

	entries, _ := c.Load(ctx, "acct", false)
	entries[0].Name = "mutated"

	again, _ := c.Load(ctx, "acct", false)
	for _, e := range again {
		if e.Name == "mutated" {
			t.Fatal("caller mutation leaked into the cache")
		}
	}
}

func TestInvalidate_ForcesFreshFetch(t *testing.T) {
	f := newFake()
	c := New(f.fetch)
	ctx := context.Background()

	c.Load(ctx, "acct", false)
	f.set("acct", []models.Descriptor{{Name: "new", IsFile: true}})

	c.Invalidate("acct")
	if c.Contains("acct") {
		t.Fatal("entry still present after Invalidate")
	}

	entries, err := c.Load(ctx, "acct", false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "new" {
		t.Errorf("got pre-purge data: %v", names(entries))
	}
	if f.calls.Load() != 2 {
		t.Errorf("expected a fresh fetch, got %d fetches", f.calls.Load())
	}
}

func TestInvalidate_WinsOverInFlightFetch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64

	c := New(func(ctx context.Context, path string) ([]models.Descriptor, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return []models.Descriptor{{Name: "stale", IsFile: true}}, nil
		}
		return []models.Descriptor{{Name: "fresh", IsFile: true}}, nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Load(context.Background(), "acct", false)
	}()

	<-started
	c.Invalidate("acct")
	close(release)
	<-done

	if c.Contains("acct") {
		t.Fatal("stale in-flight result was stored after Invalidate")
	}
	entries, _ := c.Load(context.Background(), "acct", false)
	if entries[0].Name != "fresh" {
		t.Errorf("got %q, want fresh", entries[0].Name)
	}
	if c.Stats().StaleDrops != 1 {
		t.Errorf("StaleDrops = %d, want 1", c.Stats().StaleDrops)
	}
}

func TestReset_WinsOverInFlightFetch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	c := New(func(ctx context.Context, path string) ([]models.Descriptor, error) {
		if path == "acct/slow" {
			close(started)
			<-release
		}
		return []models.Descriptor{{Name: "x", IsFile: true}}, nil
	})
	ctx := context.Background()
	c.Load(ctx, "acct", false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Load(ctx, "acct/slow", false)
	}()
	<-started
	c.Reset()
	close(release)
	<-done

	if c.Len() != 0 {
		t.Errorf("Len = %d after Reset, want 0", c.Len())
	}
}

func TestLoad_ErrorNotCached(t *testing.T) {
	f := newFake()
	c := New(f.fetch)

	if _, err := c.Load(context.Background(), "missing", false); err == nil {
		t.Fatal("expected error")
	}
	if c.Contains("missing") {
		t.Error("failed listing must not be cached")
	}
}

func TestInvalidatePrefix_DropsSubtree(t *testing.T) {
	c := New(func(ctx context.Context, path string) ([]models.Descriptor, error) {
		return []models.Descriptor{{Name: "x", IsFile: true}}, nil
	})
	ctx := context.Background()
	paths := []string{"acct", "acct/docs", "acct/docs/a", "acct/docs/a/b", "acct/docsx"}
	for _, p := range paths {
		if _, err := c.Load(ctx, p, false); err != nil {
			t.Fatalf("Load %s: %v", p, err)
		}
	}

	c.InvalidatePrefix("acct/docs")

	tests := []struct {
		path string
		want bool
	}{
		{"acct", true},
		{"acct/docs", false},
		{"acct/docs/a", false},
		{"acct/docs/a/b", false},
		{"acct/docsx", true},
	}
	for _, tt := range tests {
		if got := c.Contains(tt.path); got != tt.want {
			t.Errorf("Contains(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestInvalidatePrefix_WinsOverInFlightDescendant(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	c := New(func(ctx context.Context, path string) ([]models.Descriptor, error) {
		if path == "acct/docs/deep" {
			close(started)
			<-release
		}
		return []models.Descriptor{{Name: "x", IsFile: true}}, nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Load(context.Background(), "acct/docs/deep", false)
	}()
	<-started
	c.InvalidatePrefix("acct/docs")
	close(release)
	<-done

	if c.Contains("acct/docs/deep") {
		t.Error("in-flight listing below a dropped subtree was stored")
	}
	if c.Stats().StaleDrops != 1 {
		t.Errorf("StaleDrops = %d, want 1", c.Stats().StaleDrops)
	}
}

func TestGenerationsReleasedAfterFetch(t *testing.T) {
	f := newFake()
	c := New(f.fetch)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c.Load(ctx, "acct", false)
		c.Invalidate("acct")
		c.InvalidatePrefix("acct")
		c.Load(ctx, "missing", false)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.gens) != 0 || len(c.inflight) != 0 {
		t.Errorf("gens = %v, inflight = %v; want both empty when idle", c.gens, c.inflight)
	}
}
