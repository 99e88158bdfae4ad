package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pairhub/cmd/internal/clock"
	"pairhub/cmd/security/token"
)

const (
	timerCredentialWait = "credentialWait"
	timerGrace          = "grace"
)

// errStale marks an event that no longer applies to the session's state.
var errStale = errors.New("stale event")

// Orchestrator drives each session through its state machine, owns the
// external handle, and publishes every change to the broadcaster.
type Orchestrator struct {
	cfg      Config
	log      *slog.Logger
	clock    clock.Clock
	reg      *Registry
	adapter  AuthAdapter
	creds    CredentialStore
	bc       Broadcaster
	notifier Notifier
	recorder Recorder
	metrics  *Metrics
	fp       *token.Fingerprinter

	mu     sync.Mutex
	ctl    map[string]*control
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// control is the orchestrator-owned side of a session. Guarded by Orchestrator.mu.
type control struct {
	handle   Handle
	released bool
	done     chan struct{}
	timers   map[string]*armedTimer
}

type armedTimer struct {
	t clock.Timer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithBroadcaster sets the event fan-out.
func WithBroadcaster(bc Broadcaster) Option {
	return func(o *Orchestrator) {
		if bc != nil {
			o.bc = bc
		}
	}
}

// WithCredentialStore sets where per-session credential material lives.
func WithCredentialStore(cs CredentialStore) Option {
	return func(o *Orchestrator) {
		if cs != nil {
			o.creds = cs
		}
	}
}

// WithNotifier sets the connected-notice sink.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithRecorder sets the transition audit sink.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithFingerprinter sets the subject fingerprinter used in logs and audit.
func WithFingerprinter(fp *token.Fingerprinter) Option {
	return func(o *Orchestrator) {
		if fp != nil {
			o.fp = fp
		}
	}
}

// NewOrchestrator wires an orchestrator around reg and adapter.
// The orchestrator uses the registry's clock for every timer.
func NewOrchestrator(cfg Config, reg *Registry, adapter AuthAdapter, opts ...Option) (*Orchestrator, error) {
	const op = "pairing.NewOrchestrator"

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, opErr(op, ErrConfig, "registry is required")
	}
	if adapter == nil {
		return nil, opErr(op, ErrConfig, "auth adapter is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		log:      slog.Default(),
		clock:    reg.clock,
		reg:      reg,
		adapter:  adapter,
		creds:    DirStore{},
		bc:       nopBroadcaster{},
		notifier: nopNotifier{},
		recorder: nopRecorder{},
		ctl:      make(map[string]*control),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.fp == nil {
		fp, err := token.NewFingerprinter("")
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%s: fingerprinter: %w", op, err)
		}
		o.fp = fp
	}
	return o, nil
}

// Registry returns the registry the orchestrator mutates.
func (o *Orchestrator) Registry() *Registry { return o.reg }

// Config returns the lifecycle budgets.
func (o *Orchestrator) Config() Config { return o.cfg }

// ExpiresAt is the instant after which the sweeper evicts s unless it connected.
func (o *Orchestrator) ExpiresAt(s Session) time.Time {
	return s.CreatedAt.Add(o.cfg.ExpiryBudget)
}

// Viewers returns the number of subscribers joined to the session topic.
func (o *Orchestrator) Viewers(id string) int { return o.bc.Count(id) }

// Begin creates a session and starts its handshake in the background.
// Only validation and bookkeeping errors are returned; handshake failures are
// published as events.
func (o *Orchestrator) Begin(subject string, mode Mode) (Session, error) {
	const op = "pairing.Orchestrator.Begin"

	s, err := o.reg.Create(subject, mode)
	if err != nil {
		return Session{}, err
	}
	o.metrics.sessionCreated()

	ctl := &control{
		done:   make(chan struct{}),
		timers: make(map[string]*armedTimer),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.forget(s.ID)
		return Session{}, opErr(op, ErrInternal, "orchestrator is shut down")
	}
	o.ctl[s.ID] = ctl
	// Counted under the lock so Shutdown cannot already be waiting.
	o.wg.Add(1)
	o.mu.Unlock()

	o.log.Info("session.create", "session_id", s.ID, "subject_fp", o.fp.Fingerprint(s.Subject), "mode", s.Mode)

	err = o.reg.update(s.ID, func(cur *Session) error {
		cur.Status = StatusAwaitingCredential
		return nil
	}, func(next Session) {
		s = next
		o.arm(s.ID, timerCredentialWait, o.cfg.CredentialWait, o.onCredentialTimeout)
		o.afterTransition(next, StatusCreated, "")
	})
	if err != nil {
		o.wg.Done()
		o.release(s.ID)
		o.forget(s.ID)
		return Session{}, err
	}

	go o.run(s, ctl)
	return s, nil
}

// Join delivers a snapshot to sub and subscribes it to the session topic.
// Both happen under the session lock, so the snapshot is ordered before every
// later event.
func (o *Orchestrator) Join(id string, sub Subscriber) error {
	const op = "pairing.Orchestrator.Join"

	return o.reg.View(id, func(s Session) error {
		if !sub.Deliver(snapshotEvent(s, o.clock.Now())) {
			return opErr(op, ErrInternal, "subscriber queue full")
		}
		o.bc.Subscribe(id, sub)
		return nil
	})
}

// Leave unsubscribes the subscriber. Unknown ids are ignored.
func (o *Orchestrator) Leave(id, subscriberID string) {
	o.bc.Unsubscribe(id, subscriberID)
}

// Delete removes the session. Viewers of a live session get an error event
// with code "deleted". Deleting an unknown id is a no-op.
func (o *Orchestrator) Delete(id string) {
	err := o.reg.View(id, func(s Session) error {
		if !s.Status.Terminal() {
			o.bc.Publish(id, Event{
				Kind:      EventError,
				SessionID: id,
				Status:    s.Status,
				Mode:      s.Mode,
				Code:      CodeDeleted,
				Message:   "session deleted",
				At:        o.clock.Now(),
			})
		}
		o.release(id)
		o.forget(id)
		return nil
	})
	if err != nil {
		// Already gone from the registry; make sure nothing is left behind.
		o.release(id)
		o.forget(id)
		return
	}
	o.log.Info("session.delete", "session_id", id)
}

// Expire moves a non-terminal session to Expired and removes it.
// Terminal or unknown sessions are left alone.
func (o *Orchestrator) Expire(id, reason string) error {
	_, err := o.expire(id, reason)
	return err
}

func (o *Orchestrator) expire(id, reason string) (bool, error) {
	var from Status
	err := o.reg.update(id, func(s *Session) error {
		if s.Status.Terminal() {
			return errStale
		}
		from = s.Status
		s.Status = StatusExpired
		s.FailureReason = reason
		return nil
	}, func(s Session) {
		o.release(id)
		o.bc.Publish(id, Event{
			Kind:      EventSessionExpired,
			SessionID: id,
			Status:    s.Status,
			Mode:      s.Mode,
			Message:   reason,
			At:        s.LastUpdate,
		})
		o.afterTransition(s, from, reason)
		o.forget(id)
	})
	if errors.Is(err, errStale) || IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	o.log.Info("session.expire", "session_id", id, "reason", reason)
	return true, nil
}

// evict removes a terminal session left in the registry.
func (o *Orchestrator) evict(id string) bool {
	err := o.reg.View(id, func(Session) error {
		o.release(id)
		o.forget(id)
		return nil
	})
	return err == nil
}

// Shutdown releases every live session and waits for background work.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	ids := make([]string, 0, len(o.ctl))
	for id := range o.ctl {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.release(id)
		o.forget(id)
	}
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.log.Info("pairing.shutdown", "released", len(ids))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run prepares credential storage, starts the handshake and pumps its events.
func (o *Orchestrator) run(s Session, ctl *control) {
	defer o.wg.Done()

	dir, err := o.creds.Prepare(s.ID)
	if err != nil {
		o.log.Error("session.credentials.prepare.fail", "session_id", s.ID, "err", err)
		o.fail(s.ID, ErrInternal, "prepare credential storage")
		return
	}

	o.mu.Lock()
	released := ctl.released
	o.mu.Unlock()
	if released {
		o.removeCredentials(s.ID)
		return
	}

	bctx, cancel := context.WithTimeout(o.ctx, o.cfg.CredentialWait)
	h, err := o.adapter.Begin(bctx, BeginRequest{
		SessionID:     s.ID,
		Subject:       s.Subject,
		Mode:          s.Mode,
		CredentialDir: dir,
	})
	cancel()
	if err != nil {
		kind := ErrExternalAuth
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ErrTimeout
		}
		o.log.Warn("session.adapter.begin.fail", "session_id", s.ID, "err", err)
		o.fail(s.ID, kind, "handshake could not start")
		return
	}

	o.mu.Lock()
	if ctl.released {
		o.mu.Unlock()
		// The session ended while Begin was in flight. Release already removed
		// the directory once; the adapter may have written to it since.
		o.terminate(s.ID, h)
		o.removeCredentials(s.ID)
		return
	}
	ctl.handle = h
	o.mu.Unlock()

	events := h.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				o.apply(s.ID, AdapterEvent{Kind: AdapterClosed, Reason: "handshake stream ended"})
				return
			}
			o.apply(s.ID, ev)
		case <-ctl.done:
			return
		}
	}
}

func (o *Orchestrator) apply(id string, ev AdapterEvent) {
	defer o.recoverInto(id, "session.event.panic")

	switch ev.Kind {
	case AdapterCredential:
		o.onCredential(id, ev)
	case AdapterConnected:
		o.onConnected(id, ev)
	case AdapterClosed:
		reason := ev.Reason
		if reason == "" {
			reason = "handshake closed"
		}
		o.fail(id, ErrExternalAuth, reason)
	default:
		o.log.Warn("session.event.unknown", "session_id", id, "kind", ev.Kind)
	}
}

func (o *Orchestrator) onCredential(id string, ev AdapterEvent) {
	if ev.Credential == "" {
		o.fail(id, ErrExternalAuth, "empty credential")
		return
	}

	err := o.reg.update(id, func(s *Session) error {
		if s.Status != StatusAwaitingCredential {
			return errStale
		}
		s.Status = StatusCredentialReady
		s.Credential = ev.Credential
		return nil
	}, func(s Session) {
		o.cancelTimer(id, timerCredentialWait)
		o.bc.Publish(id, Event{
			Kind:       EventCredentialReady,
			SessionID:  id,
			Status:     s.Status,
			Mode:       s.Mode,
			Credential: s.Credential,
			At:         s.LastUpdate,
		})
		o.afterTransition(s, StatusAwaitingCredential, "")
	})
	o.handleUpdateErr(id, "credential", err)
}

func (o *Orchestrator) onConnected(id string, ev AdapterEvent) {
	err := o.reg.update(id, func(s *Session) error {
		if s.Status != StatusCredentialReady {
			return errStale
		}
		s.Status = StatusConnected
		s.Peer = ev.Peer
		return nil
	}, func(s Session) {
		o.cancelTimers(id)
		o.bc.Publish(id, Event{
			Kind:      EventConnected,
			SessionID: id,
			Status:    s.Status,
			Mode:      s.Mode,
			Peer:      s.Peer,
			At:        s.LastUpdate,
		})
		o.arm(id, timerGrace, o.cfg.ConnectedGrace, o.onGrace)
		o.afterTransition(s, StatusCredentialReady, "")
		o.notifyConnected(ConnectedNotice{SessionID: id, Subject: s.Subject, Peer: s.Peer, At: s.LastUpdate})
	})
	o.handleUpdateErr(id, "connected", err)
}

// fail moves a pending session to Failed and releases its handle.
func (o *Orchestrator) fail(id string, kind error, reason string) {
	var from Status
	code := errorCode(kind)

	err := o.reg.update(id, func(s *Session) error {
		if s.Status != StatusAwaitingCredential && s.Status != StatusCredentialReady {
			return errStale
		}
		from = s.Status
		s.Status = StatusFailed
		s.FailureReason = reason
		return nil
	}, func(s Session) {
		o.release(id)
		o.bc.Publish(id, Event{
			Kind:      EventError,
			SessionID: id,
			Status:    s.Status,
			Mode:      s.Mode,
			Code:      code,
			Message:   reason,
			At:        s.LastUpdate,
		})
		o.metrics.adapterFailure(code)
		o.afterTransition(s, from, reason)
	})
	if err != nil && !errors.Is(err, errStale) && !IsNotFound(err) {
		o.log.Error("session.fail.fail", "session_id", id, "err", err)
		return
	}
	if err == nil {
		o.log.Warn("session.failed", "session_id", id, "code", code, "reason", reason)
	}
}

func (o *Orchestrator) handleUpdateErr(id, event string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, errStale), IsNotFound(err):
		o.log.Debug("session.event.ignored", "session_id", id, "event", event)
	default:
		o.log.Error("session.event.fail", "session_id", id, "event", event, "err", err)
		o.fail(id, ErrInternal, "session bookkeeping failed")
	}
}

func (o *Orchestrator) onCredentialTimeout(id string) {
	o.fail(id, ErrTimeout, "credential not received in time")
}

func (o *Orchestrator) onGrace(id string) {
	err := o.reg.View(id, func(Session) error {
		o.release(id)
		o.forget(id)
		return nil
	})
	if err == nil {
		o.log.Info("session.grace.done", "session_id", id)
	}
}

// arm (re)starts the named timer. A timer superseded by a later arm, a cancel,
// or a release is ignored even if it already fired.
func (o *Orchestrator) arm(id, name string, d time.Duration, fire func(id string)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctl := o.ctl[id]
	if ctl == nil || ctl.released {
		return
	}
	if prev := ctl.timers[name]; prev != nil {
		prev.t.Stop()
	}

	at := &armedTimer{}
	ctl.timers[name] = at
	at.t = o.clock.AfterFunc(d, func() {
		o.mu.Lock()
		current := !ctl.released && ctl.timers[name] == at
		if current {
			delete(ctl.timers, name)
		}
		o.mu.Unlock()

		if current {
			defer o.recoverInto(id, "session.timer.panic")
			fire(id)
		}
	})
}

func (o *Orchestrator) cancelTimer(id, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctl := o.ctl[id]
	if ctl == nil {
		return
	}
	if at := ctl.timers[name]; at != nil {
		at.t.Stop()
		delete(ctl.timers, name)
	}
}

func (o *Orchestrator) cancelTimers(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ctl := o.ctl[id]; ctl != nil {
		stopTimersLocked(ctl)
	}
}

func stopTimersLocked(ctl *control) {
	for name, at := range ctl.timers {
		at.t.Stop()
		delete(ctl.timers, name)
	}
}

// release cancels timers, stops the event pump, and tears down the external
// handle and credential material in the background. It runs at most once per
// session.
func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	ctl := o.ctl[id]
	if ctl == nil || ctl.released {
		o.mu.Unlock()
		return
	}
	ctl.released = true
	close(ctl.done)
	stopTimersLocked(ctl)
	h := ctl.handle
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if h != nil {
			o.terminate(id, h)
		}
		o.removeCredentials(id)
	}()
}

func (o *Orchestrator) terminate(id string, h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TerminateTimeout)
	defer cancel()

	if err := h.Terminate(ctx); err != nil {
		o.log.Warn("session.terminate.fail", "session_id", id, "err", err)
	}
}

func (o *Orchestrator) removeCredentials(id string) {
	if err := o.creds.Remove(id); err != nil {
		o.log.Warn("session.credentials.remove.fail", "session_id", id, "err", err)
	}
}

// forget drops every trace of the session. Callers release first.
func (o *Orchestrator) forget(id string) {
	if o.reg.Delete(id) {
		o.metrics.sessionRemoved()
	}
	o.bc.Drop(id)

	o.mu.Lock()
	delete(o.ctl, id)
	o.mu.Unlock()
}

func (o *Orchestrator) afterTransition(s Session, from Status, reason string) {
	o.metrics.transition(s.Status)
	o.recorder.Record(Transition{
		SessionID: s.ID,
		SubjectFP: o.fp.Fingerprint(s.Subject),
		Mode:      s.Mode,
		From:      from,
		To:        s.Status,
		Reason:    reason,
		At:        s.LastUpdate,
	})
	o.log.Info("session.transition", "session_id", s.ID, "from", from, "to", s.Status)
}

func (o *Orchestrator) notifyConnected(n ConnectedNotice) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ctx, cancel := context.WithTimeout(o.ctx, o.cfg.NotifyTimeout)
		defer cancel()

		if err := o.notifier.NotifyConnected(ctx, n); err != nil {
			o.log.Warn("session.notify.fail", "session_id", n.SessionID, "err", err)
		}
	}()
}

func (o *Orchestrator) recoverInto(id, event string) {
	if r := recover(); r != nil {
		o.log.Error(event, "session_id", id, "panic", fmt.Sprint(r))
		o.fail(id, ErrInternal, "internal error")
	}
}
