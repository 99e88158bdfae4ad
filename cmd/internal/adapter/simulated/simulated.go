// Package simulated is an in-process auth adapter for local development and
// tests. It never talks to a real device.
//
// In auto mode it emits a credential after CredentialDelay and, when
// ConnectDelay is positive, a connected event after that. In manual mode
// nothing is emitted until the caller uses Emit or End.
package simulated

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"pairhub/cmd/internal/clock"
	"pairhub/cmd/internal/pairing"
)

const codeAlphabet = "ABCDEFGHJKLMNPQRSTVWXYZ23456789"

// ErrTerminated is returned by Emit on a terminated handle.
var ErrTerminated = errors.New("simulated: handle terminated")

// Config controls auto mode.
type Config struct {
	CredentialDelay time.Duration
	// ConnectDelay <= 0 leaves the session at CredentialReady.
	ConnectDelay time.Duration
	PeerName     string
}

// Adapter implements pairing.AuthAdapter.
type Adapter struct {
	cfg    Config
	clock  clock.Clock
	manual bool

	mu        sync.Mutex
	handles   map[string]*Handle
	beginErr  error
	beginHook func(req pairing.BeginRequest)
}

// New returns an adapter in auto mode.
func New(cfg Config, clk clock.Clock) *Adapter {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.CredentialDelay <= 0 {
		cfg.CredentialDelay = 500 * time.Millisecond
	}
	if cfg.PeerName == "" {
		cfg.PeerName = "Simulated device"
	}
	return &Adapter{cfg: cfg, clock: clk, handles: make(map[string]*Handle)}
}

// NewManual returns an adapter that only emits what the caller tells it to.
func NewManual() *Adapter {
	return &Adapter{clock: clock.Real(), manual: true, handles: make(map[string]*Handle)}
}

// FailBegin makes every following Begin return err. A nil err restores success.
func (a *Adapter) FailBegin(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.beginErr = err
}

// OnBegin registers fn to run inside Begin before the handle is returned.
func (a *Adapter) OnBegin(fn func(req pairing.BeginRequest)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.beginHook = fn
}

// Begin starts a simulated handshake.
func (a *Adapter) Begin(ctx context.Context, req pairing.BeginRequest) (pairing.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	err := a.beginErr
	hook := a.beginHook
	a.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err != nil {
		return nil, err
	}

	h := &Handle{req: req, events: make(chan pairing.AdapterEvent, 4)}

	a.mu.Lock()
	a.handles[req.SessionID] = h
	a.mu.Unlock()

	if !a.manual {
		a.schedule(h)
	}
	return h, nil
}

// Handle returns the handle started for sessionID, if any.
func (a *Adapter) Handle(sessionID string) (*Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.handles[sessionID]
	return h, ok
}

func (a *Adapter) schedule(h *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.timers = append(h.timers, a.clock.AfterFunc(a.cfg.CredentialDelay, func() {
		cred, err := credentialFor(h.req.Mode)
		if err != nil {
			_ = h.End("credential generation failed")
			return
		}
		_ = h.Emit(pairing.AdapterEvent{Kind: pairing.AdapterCredential, Credential: cred})
	}))

	if a.cfg.ConnectDelay > 0 {
		h.timers = append(h.timers, a.clock.AfterFunc(a.cfg.CredentialDelay+a.cfg.ConnectDelay, func() {
			_ = h.Emit(pairing.AdapterEvent{
				Kind: pairing.AdapterConnected,
				Peer: pairing.PeerInfo{ID: h.req.Subject + "@simulated", Name: a.cfg.PeerName},
			})
			_ = h.finish()
		}))
	}
}

// Handle is one simulated handshake.
type Handle struct {
	req    pairing.BeginRequest
	events chan pairing.AdapterEvent

	mu         sync.Mutex
	timers     []clock.Timer
	ended      bool
	terminated bool
}

// Events implements pairing.Handle.
func (h *Handle) Events() <-chan pairing.AdapterEvent { return h.events }

// Request returns the BeginRequest the handle was started with.
func (h *Handle) Request() pairing.BeginRequest { return h.req }

// Emit queues ev on the event stream.
func (h *Handle) Emit(ev pairing.AdapterEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ended || h.terminated {
		return ErrTerminated
	}
	select {
	case h.events <- ev:
		return nil
	default:
		return errors.New("simulated: event buffer full")
	}
}

// End emits a closed event with reason and ends the stream.
func (h *Handle) End(reason string) error {
	if err := h.Emit(pairing.AdapterEvent{Kind: pairing.AdapterClosed, Reason: reason}); err != nil {
		return err
	}
	return h.finish()
}

// Terminate implements pairing.Handle. It is idempotent.
func (h *Handle) Terminate(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.terminated {
		return nil
	}
	h.terminated = true
	for _, t := range h.timers {
		t.Stop()
	}
	if !h.ended {
		h.ended = true
		close(h.events)
	}
	return nil
}

// Terminated reports whether Terminate was called.
func (h *Handle) Terminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

// finish closes the stream after a terminal event.
func (h *Handle) finish() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ended {
		return nil
	}
	h.ended = true
	close(h.events)
	return nil
}

func credentialFor(mode pairing.Mode) (string, error) {
	if mode == pairing.ModeQR {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		return "2@" + base64.StdEncoding.EncodeToString(b), nil
	}
	return pairingCode()
}

// pairingCode returns an 8 character code formatted XXXX-XXXX.
func pairingCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, 0, 9)
	for i, c := range b {
		if i == 4 {
			out = append(out, '-')
		}
		out = append(out, codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return string(out), nil
}
