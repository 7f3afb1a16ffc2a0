package opbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/fstree"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newBus(t *testing.T, invalidate func(*fstree.Directory)) *Bus {
	t.Helper()
	b := New(Config{Logger: zap.NewNop(), Invalidate: invalidate})
	t.Cleanup(b.Close)
	return b
}

func TestEnqueue_OrderedAndNonOverlapping(t *testing.T) {
	b := newBus(t, nil)
	rec := &recorder{}
	b.Subscribe(rec.observe)

	var inflight, maxInflight atomic.Int32
	const n = 20
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id, err := b.Enqueue(KindUploadFile, func(ctx context.Context) (any, error) {
			cur := inflight.Add(1)
			for {
				m := maxInflight.Load()
				if cur <= m || maxInflight.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inflight.Add(-1)
			return i, nil
		}, nil, nil)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids[i] = id
	}

	b.Close()

	events := rec.snapshot()
	if len(events) != n {
		t.Fatalf("got %d events, want %d", len(events), n)
	}
	for i, ev := range events {
		if ev.ID != ids[i] || ev.Result != i {
			t.Errorf("event %d: id=%s result=%v, want id=%s result=%d", i, ev.ID, ev.Result, ids[i], i)
		}
		if i > 0 && ev.Started.Before(events[i-1].Finished) {
			t.Errorf("operation %d started before %d finished", i, i-1)
		}
	}
	if maxInflight.Load() != 1 {
		t.Errorf("max in-flight = %d, want 1", maxInflight.Load())
	}
}

func TestEnqueue_NilCall(t *testing.T) {
	b := newBus(t, nil)
	if _, err := b.Enqueue(KindDeleteFile, nil, nil, nil); !errors.Is(err, ErrNilCall) {
		t.Errorf("err = %v, want ErrNilCall", err)
	}
}

func TestEnqueue_AfterClose(t *testing.T) {
	b := New(Config{Logger: zap.NewNop()})
	b.Close()
	_, err := b.Enqueue(KindDeleteFile, func(context.Context) (any, error) { return nil, nil }, nil, nil)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestFailureDoesNotStopQueue(t *testing.T) {
	b := newBus(t, nil)
	rec := &recorder{}
	b.Subscribe(rec.observe)

	b.Enqueue(KindUploadFile, func(context.Context) (any, error) {
		return nil, backend.ErrExists
	}, nil, func(err error) any { return "mapped: " + err.Error() })
	b.Enqueue(KindDeleteFile, func(context.Context) (any, error) {
		panic("boom")
	}, nil, nil)
	b.Enqueue(KindCreateDirectory, func(context.Context) (any, error) {
		return "ok", nil
	}, func(raw any) any { return raw.(string) + "!" }, nil)

	b.Close()

	events := rec.snapshot()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	if events[0].Status != StatusError || events[0].Reason != "exists" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[0].Result != "mapped: already exists" {
		t.Errorf("error mapper not applied: %v", events[0].Result)
	}
	if events[1].Status != StatusError || events[1].Err == nil || events[1].Reason != backend.ReasonUnknown {
		t.Errorf("panicking call should fail: %+v", events[1])
	}
	if !events[2].Succeeded() || events[2].Result != "ok!" {
		t.Errorf("event 2 = %+v", events[2])
	}
}

func TestObserverPanicIsolated(t *testing.T) {
	b := newBus(t, nil)
	rec := &recorder{}
	b.Subscribe(func(Event) { panic("observer bug") })
	b.Subscribe(rec.observe)

	for i := 0; i < 3; i++ {
		b.Enqueue(KindDeleteFile, func(context.Context) (any, error) { return nil, nil }, nil, nil)
	}
	b.Close()

	if got := len(rec.snapshot()); got != 3 {
		t.Errorf("healthy observer got %d events, want 3", got)
	}
}

func TestSlowObserverDoesNotBlockQueue(t *testing.T) {
	b := newBus(t, nil)
	release := make(chan struct{})
	defer close(release)
	b.Subscribe(func(Event) { <-release })

	rec := &recorder{}
	b.Subscribe(rec.observe)

	for i := 0; i < 5; i++ {
		b.Enqueue(KindDeleteFile, func(context.Context) (any, error) { return nil, nil }, nil, nil)
	}

	deadline := time.After(2 * time.Second)
	for len(rec.snapshot()) < 5 {
		select {
		case <-deadline:
			t.Fatalf("fast observer only got %d events while the slow one was blocked", len(rec.snapshot()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type affected struct {
	dir    *fstree.Directory
	global bool
}

func (a affected) AffectedDirectory() (*fstree.Directory, bool) { return a.dir, a.global }

func TestInvalidateBeforeDelivery(t *testing.T) {
	tree := fstree.NewTree("acct", nil, nil)
	docs := tree.Root().ChildDirectory("docs")

	var mu sync.Mutex
	var invalidated []*fstree.Directory
	b := newBus(t, func(dir *fstree.Directory) {
		mu.Lock()
		invalidated = append(invalidated, dir)
		mu.Unlock()
	})

	var seenAtDelivery []int
	b.Subscribe(func(Event) {
		mu.Lock()
		seenAtDelivery = append(seenAtDelivery, len(invalidated))
		mu.Unlock()
	})

	ok := func(v any) Call { return func(context.Context) (any, error) { return v, nil } }
	b.Enqueue(KindCreateDirectory, ok(affected{dir: docs}), nil, nil)
	b.Enqueue(KindGrantRole, ok(affected{global: true}), nil, nil)
	b.Enqueue(KindReserveSpace, ok("no purge"), nil, nil)
	b.Enqueue(KindUploadFile, func(context.Context) (any, error) {
		return nil, errors.New("failed")
	}, nil, func(error) any { return affected{dir: docs} })
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(invalidated) != 2 {
		t.Fatalf("invalidate called %d times, want 2", len(invalidated))
	}
	if invalidated[0] != docs || invalidated[1] != nil {
		t.Errorf("invalidated = %v", invalidated)
	}
	want := []int{1, 2, 2, 2}
	for i := range want {
		if seenAtDelivery[i] != want[i] {
			t.Errorf("delivery %d saw %d invalidations, want %d", i, seenAtDelivery[i], want[i])
		}
	}
}

type removed struct {
	affected
	gone *fstree.Directory
}

func (r removed) RemovedDirectory() *fstree.Directory { return r.gone }

func TestDropBeforeInvalidate(t *testing.T) {
	tree := fstree.NewTree("acct", nil, nil)
	docs := tree.Root().ChildDirectory("docs")

	var mu sync.Mutex
	var calls []string
	record := func(what string) func(*fstree.Directory) {
		return func(dir *fstree.Directory) {
			mu.Lock()
			defer mu.Unlock()
			name := "<global>"
			if dir != nil {
				name = dir.Path()
			}
			calls = append(calls, what+" "+name)
		}
	}
	b := New(Config{Logger: zap.NewNop(), Invalidate: record("invalidate"), Drop: record("drop")})

	ok := func(v any) Call { return func(context.Context) (any, error) { return v, nil } }
	b.Enqueue(KindDeleteDirectory, ok(removed{affected: affected{dir: tree.Root()}, gone: docs}), nil, nil)
	b.Enqueue(KindDeleteDirectory, func(context.Context) (any, error) {
		return nil, errors.New("failed")
	}, nil, func(error) any { return removed{gone: docs} })
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"drop docs", "invalidate "}
	if len(calls) != len(want) {
		t.Fatalf("calls = %q, want %q", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newBus(t, nil)
	rec := &recorder{}
	cancel := b.Subscribe(rec.observe)
	cancel()
	cancel()

	b.Enqueue(KindDeleteFile, func(context.Context) (any, error) { return nil, nil }, nil, nil)
	b.Close()

	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("unsubscribed observer got %d events", n)
	}
}

func TestPending(t *testing.T) {
	b := newBus(t, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	b.Enqueue(KindUploadFile, func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, nil, nil)
	b.Enqueue(KindUploadFile, func(context.Context) (any, error) { return nil, nil }, nil, nil)

	<-started
	if got := b.Pending(); got != 2 {
		t.Errorf("Pending = %d, want 2", got)
	}
	close(release)
}
