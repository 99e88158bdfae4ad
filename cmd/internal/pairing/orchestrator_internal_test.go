package pairing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// stickyAdapter hands out handles whose event stream survives Terminate,
// like a remote peer that is slow to notice the session is gone.
type stickyAdapter struct {
	mu      sync.Mutex
	handles map[string]*stickyHandle
}

func (a *stickyAdapter) Begin(_ context.Context, req BeginRequest) (Handle, error) {
	h := &stickyHandle{events: make(chan AdapterEvent, 4)}
	a.mu.Lock()
	a.handles[req.SessionID] = h
	a.mu.Unlock()
	return h, nil
}

func (a *stickyAdapter) handle(id string) *stickyHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handles[id]
}

type stickyHandle struct {
	events chan AdapterEvent

	mu         sync.Mutex
	terminated bool
}

func (h *stickyHandle) Events() <-chan AdapterEvent { return h.events }

func (h *stickyHandle) Terminate(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
	return nil
}

func (h *stickyHandle) isTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

type countingSink struct {
	nopBroadcaster

	mu          sync.Mutex
	published   int
	transitions int
}

func (c *countingSink) Publish(string, Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published++
}

func (c *countingSink) Record(Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions++
}

func (c *countingSink) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published, c.transitions
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLateAdapterEventsAfterExpireAreIgnored(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	ad := &stickyAdapter{handles: make(map[string]*stickyHandle)}
	sink := &countingSink{}

	o, err := NewOrchestrator(DefaultConfig(), reg, ad,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBroadcaster(sink),
		WithRecorder(sink),
		WithCredentialStore(DirStore{Root: t.TempDir()}),
	)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})

	s, err := o.Begin("14155550123", ModeCode)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	var h *stickyHandle
	eventually(t, "adapter handle", func() bool {
		h = ad.handle(s.ID)
		return h != nil
	})

	if err := o.Expire(s.ID, "expiry budget"); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	eventually(t, "handle terminated", h.isTerminated)

	published, transitions := sink.counts()

	// The stream is still open; the pump has stopped reading it.
	h.events <- AdapterEvent{Kind: AdapterCredential, Credential: "LATE-0001"}

	// The same events reaching the handlers directly change nothing either.
	o.apply(s.ID, AdapterEvent{Kind: AdapterCredential, Credential: "LATE-0002"})
	o.apply(s.ID, AdapterEvent{Kind: AdapterConnected, Peer: PeerInfo{ID: "peer"}})
	o.apply(s.ID, AdapterEvent{Kind: AdapterClosed, Reason: "gone"})
	o.onCredentialTimeout(s.ID)

	if _, err := reg.Get(s.ID); !IsNotFound(err) {
		t.Fatalf("expired session resurrected: %v", err)
	}
	if p, tr := sink.counts(); p != published || tr != transitions {
		t.Fatalf("late events published=%d->%d transitions=%d->%d", published, p, transitions, tr)
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind error
		want string
	}{
		{kind: ErrTimeout, want: "timeout"},
		{kind: opErr("op", ErrExternalAuth, "peer closed"), want: "external_auth"},
		{kind: fmt.Errorf("wrapped: %w", ErrValidation), want: "validation_error"},
		{kind: ErrNotFound, want: "not_found"},
		{kind: ErrInternal, want: "internal"},
		{kind: nil, want: "internal"},
	}
	for _, tc := range cases {
		if got := errorCode(tc.kind); got != tc.want {
			t.Fatalf("errorCode(%v) = %q, want %q", tc.kind, got, tc.want)
		}
	}
}
