package opbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/chainfs/internal/logging"
	"github.com/fruitsalade/chainfs/internal/metrics"
)

// mailbox is an unbounded ordered event queue drained by one goroutine.
type mailbox struct {
	obs Observer
	log *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool
	drain  bool
	done   chan struct{}
}

func newMailbox(obs Observer, log *zap.Logger) *mailbox {
	m := &mailbox{obs: obs, log: log, done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *mailbox) push(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events = append(m.events, ev)
	m.cond.Signal()
}

// close stops the mailbox. With drain set, pending events are delivered
// before the goroutine exits.
func (m *mailbox) close(drain bool) {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.drain = drain
		if !drain {
			m.events = nil
		}
		m.cond.Signal()
	}
	m.mu.Unlock()
}

func (m *mailbox) wait() { <-m.done }

func (m *mailbox) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.events) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.events) == 0 || (m.closed && !m.drain) {
			m.mu.Unlock()
			return
		}
		ev := m.events[0]
		m.events[0] = Event{}
		m.events = m.events[1:]
		m.mu.Unlock()

		m.deliver(ev)
	}
}

func (m *mailbox) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordObserverPanic()
			m.log.Error("observer panicked",
				logging.OpID(ev.ID),
				zap.String("kind", string(ev.Kind)),
				zap.Any("panic", r),
			)
		}
	}()
	m.obs(ev)
}
