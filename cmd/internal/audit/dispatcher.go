package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pairhub/cmd/internal/pairing"
)

const (
	defaultBufferSize   = 256
	defaultWriteTimeout = 5 * time.Second
)

// Sink stores one transition.
type Sink interface {
	Write(ctx context.Context, t pairing.Transition) error
}

// Dispatcher queues transitions and writes them to a Sink in the background.
// It implements pairing.Recorder.
type Dispatcher struct {
	log          *slog.Logger
	sink         Sink
	writeTimeout time.Duration
	dropCounter  prometheus.Counter

	ch        chan pairing.Transition
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBufferSize sets the queue capacity.
func WithBufferSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.ch = make(chan pairing.Transition, n)
		}
	}
}

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.writeTimeout = timeout
		}
	}
}

// WithLogger sets the logger for write failures.
func WithLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithDropCounter counts transitions dropped on a full queue.
func WithDropCounter(c prometheus.Counter) DispatcherOption {
	return func(d *Dispatcher) { d.dropCounter = c }
}

// NewDropCounter returns the counter WithDropCounter expects, registered with reg.
func NewDropCounter(reg prometheus.Registerer) (prometheus.Counter, error) {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pairhub",
		Name:      "audit_dropped_total",
		Help:      "Transitions dropped because the audit queue was full.",
	})
	if reg != nil {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// NewDispatcher starts the background writer.
func NewDispatcher(sink Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		log:          slog.Default(),
		sink:         sink,
		writeTimeout: defaultWriteTimeout,
		ch:           make(chan pairing.Transition, defaultBufferSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case t := <-d.ch:
			d.write(t)
		case <-d.done:
			for {
				select {
				case t := <-d.ch:
					d.write(t)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(t pairing.Transition) {
	if d.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
	defer cancel()

	if err := d.sink.Write(ctx, t); err != nil {
		d.log.Error("audit.write.fail", "session_id", t.SessionID, "to", t.To, "err", err)
	}
}

// Record implements pairing.Recorder. It never blocks.
func (d *Dispatcher) Record(t pairing.Transition) {
	if d == nil || d.closed.Load() {
		return
	}

	select {
	case d.ch <- t:
	case <-d.done:
	default:
		d.dropped.Add(1)
		if d.dropCounter != nil {
			d.dropCounter.Inc()
		}
	}
}

// Close stops accepting records and waits until the queue is drained.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns how many records were discarded on a full queue.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
