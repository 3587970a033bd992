// Package notify delivers domain events to external consumers. Delivery is
// fire-and-forget: Publish never blocks the execution path, and a full
// buffer drops the event rather than stalling a trade.
package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/halcyon-lab/paper-broker/internal/logger"
	"github.com/halcyon-lab/paper-broker/internal/types"
)

// Publisher is the outbound event contract.
type Publisher interface {
	Publish(event types.Event)
}

// Handler consumes a delivered event.
type Handler func(event types.Event)

// Dispatcher fans events out to its handlers from a single background
// goroutine fed by a bounded buffer.
type Dispatcher struct {
	ch       chan types.Event
	handlers []Handler
	logger   *logger.Logger
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher starts a dispatcher with the given buffer size and handlers.
func NewDispatcher(logger *logger.Logger, buffer int, handlers ...Handler) *Dispatcher {
	d := &Dispatcher{
		ch:       make(chan types.Event, buffer),
		handlers: handlers,
		logger:   logger,
	}

	d.wg.Add(1)

	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for event := range d.ch {
		for _, h := range d.handlers {
			h(event)
		}
	}
}

// Publish enqueues an event. Events are dropped when the buffer is full or
// the dispatcher has been closed.
func (d *Dispatcher) Publish(event types.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	select {
	case d.ch <- event:
	default:
		d.logger.Warn("event buffer full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("position_id", event.Position.ID))
	}
}

// Close stops accepting events and waits for buffered ones to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return
	}

	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	d.wg.Wait()
}

// LogHandler returns a handler that logs every event.
func LogHandler(l *logger.Logger) Handler {
	return func(event types.Event) {
		l.Info("position event",
			zap.String("type", string(event.Type)),
			zap.String("position_id", event.Position.ID),
			zap.String("symbol", event.Position.Symbol),
			zap.String("side", string(event.Position.Side)),
			zap.String("reason", event.Reason))
	}
}

// Nop is a publisher that discards everything. Used in tests.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(event types.Event) {}
