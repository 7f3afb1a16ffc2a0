// Package opbus runs mutating backend calls one at a time, in submission
// order, and publishes a result event for each of them.
//
// The backend cannot accept overlapping transactions from one signing
// account, so a Bus has exactly one consumer goroutine. Callers never block:
// Enqueue appends to an unbounded FIFO and returns an operation ID that can
// be matched against the Event delivered later to every subscriber.
//
// Each subscriber owns a mailbox drained by its own goroutine. A slow or
// panicking observer therefore never stalls the queue or the other
// observers, while every observer still sees events in submission order.
package opbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/chainfs/internal/logging"
	"github.com/fruitsalade/chainfs/internal/metrics"
	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/fstree"
)

// Kind tags an operation.
type Kind string

const (
	KindUploadFile      Kind = "upload-file"
	KindDeleteFile      Kind = "delete-file"
	KindDeleteDirectory Kind = "delete-directory"
	KindCreateDirectory Kind = "create-directory"
	KindGrantRole       Kind = "grant-role"
	KindReserveSpace    Kind = "reserve-space"
)

// Status is the terminal state of an operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

var (
	ErrNilCall = errors.New("opbus: nil call")
	ErrClosed  = errors.New("opbus: bus closed")
)

// Call is the deferred backend call of an operation.
type Call func(ctx context.Context) (any, error)

// SuccessMapper turns a raw call result into the event payload.
type SuccessMapper func(raw any) any

// ErrorMapper turns a call error into the event payload.
type ErrorMapper func(err error) any

// Affector is implemented by success payloads that change the tree shape.
// A nil directory with global set requests a purge of the whole cache.
type Affector interface {
	AffectedDirectory() (dir *fstree.Directory, global bool)
}

// Remover is implemented by success payloads that delete a directory. Every
// cached listing at or below it is dropped before the Affector purge.
type Remover interface {
	RemovedDirectory() *fstree.Directory
}

// Event is published once per completed operation.
type Event struct {
	ID     string
	Kind   Kind
	Status Status
	// Result is the mapped success payload, or the mapped error payload
	// (the error itself when no ErrorMapper was given).
	Result any
	Err    error
	// Reason is the taxonomy name of Err, empty on success.
	Reason string

	Enqueued time.Time
	Started  time.Time
	Finished time.Time
}

// Succeeded reports whether the operation succeeded.
func (e Event) Succeeded() bool { return e.Status == StatusSuccess }

// Duration returns how long the call ran.
func (e Event) Duration() time.Duration { return e.Finished.Sub(e.Started) }

// Observer receives events.
type Observer func(Event)

// Config configures a Bus.
type Config struct {
	Logger *zap.Logger
	// Invalidate is called for every successful Affector payload before the
	// event is handed to subscribers. dir is nil for a global purge.
	Invalidate func(dir *fstree.Directory)
	// Drop is called for every successful Remover payload, before
	// Invalidate.
	Drop func(dir *fstree.Directory)
}

type operation struct {
	id        string
	kind      Kind
	call      Call
	onSuccess SuccessMapper
	onError   ErrorMapper
	enqueued  time.Time
}

// Bus is an ordered single-flight operation queue.
type Bus struct {
	log        *zap.Logger
	invalidate func(dir *fstree.Directory)
	drop       func(dir *fstree.Directory)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*operation
	running bool
	closed  bool
	subs    []*mailbox
	done    chan struct{}
}

// New starts a bus.
func New(cfg Config) *Bus {
	log := cfg.Logger
	if log == nil {
		log = logging.Named("opbus")
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		log:        log,
		invalidate: cfg.Invalidate,
		drop:       cfg.Drop,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.consume()
	return b
}

// Enqueue appends an operation and returns its ID. onSuccess and onError
// may be nil.
func (b *Bus) Enqueue(kind Kind, call Call, onSuccess SuccessMapper, onError ErrorMapper) (string, error) {
	if call == nil {
		return "", ErrNilCall
	}
	op := &operation{
		id:        uuid.NewString(),
		kind:      kind,
		call:      call,
		onSuccess: onSuccess,
		onError:   onError,
		enqueued:  time.Now(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	b.queue = append(b.queue, op)
	b.cond.Signal()
	b.mu.Unlock()

	metrics.AddQueueDepth(1)
	b.log.Debug("operation enqueued", logging.OpID(op.id), zap.String("kind", string(kind)))
	return op.id, nil
}

// Subscribe registers an observer. The returned function unsubscribes it;
// events still waiting in its mailbox are dropped.
func (b *Bus) Subscribe(obs Observer) (cancel func()) {
	box := newMailbox(obs, b.log)
	b.mu.Lock()
	b.subs = append(b.subs, box)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s == box {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			box.close(false)
		})
	}
}

// Pending returns the number of operations queued or running.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queue)
	if b.running {
		n++
	}
	return n
}

// Close stops accepting operations, waits for the queue to drain and for
// every subscriber to receive the remaining events. It must not be called
// from an observer.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()

	<-b.done

	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, box := range subs {
		box.close(true)
	}
	for _, box := range subs {
		box.wait()
	}
	b.cancel()
}

func (b *Bus) consume() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		op := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.running = true
		b.mu.Unlock()

		metrics.AddQueueDepth(-1)
		ev := b.execute(op)
		b.afterSuccess(ev)
		b.publish(ev)

		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}
}

// execute runs one operation to completion. It never panics.
func (b *Bus) execute(op *operation) (ev Event) {
	ev = Event{ID: op.id, Kind: op.kind, Enqueued: op.enqueued, Started: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("operation %s panicked: %v", op.kind, r)
			b.log.Error("operation panicked", logging.OpID(op.id), zap.String("kind", string(op.kind)), zap.Any("panic", r))
			ev.Status, ev.Err, ev.Reason, ev.Result = StatusError, err, backend.Reason(err), err
		}
		ev.Finished = time.Now()
		metrics.RecordOperation(string(op.kind), ev.Duration(), ev.Succeeded())
	}()

	raw, err := op.call(b.ctx)
	if err != nil {
		ev.Status, ev.Err, ev.Reason = StatusError, err, backend.Reason(err)
		ev.Result = err
		if op.onError != nil {
			ev.Result = op.onError(err)
		}
		b.log.Warn("operation failed",
			logging.OpID(op.id),
			zap.String("kind", string(op.kind)),
			zap.String("reason", ev.Reason),
			zap.Error(err),
		)
		return ev
	}

	ev.Status, ev.Result = StatusSuccess, raw
	if op.onSuccess != nil {
		ev.Result = op.onSuccess(raw)
	}
	b.log.Info("operation succeeded",
		logging.OpID(op.id),
		zap.String("kind", string(op.kind)),
		zap.Duration("duration", time.Since(ev.Started)),
	)
	return ev
}

// afterSuccess issues the cache purge for payloads that change the tree.
func (b *Bus) afterSuccess(ev Event) {
	if !ev.Succeeded() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("invalidate panicked", logging.OpID(ev.ID), zap.Any("panic", r))
		}
	}()

	if rm, ok := ev.Result.(Remover); ok && b.drop != nil {
		if dir := rm.RemovedDirectory(); dir != nil {
			b.drop(dir)
		}
	}

	aff, ok := ev.Result.(Affector)
	if !ok || b.invalidate == nil {
		return
	}
	dir, global := aff.AffectedDirectory()
	if dir == nil && !global {
		return
	}
	if global {
		dir = nil
	}
	b.invalidate(dir)
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	subs := make([]*mailbox, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, box := range subs {
		box.push(ev)
	}
}
