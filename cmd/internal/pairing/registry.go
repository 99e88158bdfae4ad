package pairing

import (
	"sort"
	"sync"
	"sync/atomic"

	"pairhub/cmd/identity/ids"
	"pairhub/cmd/internal/clock"
)

const createIDAttempts = 4

// Registry is the in-memory store of live sessions.
//
// The map lock only guards membership. Each session has its own mutex, so a
// mutation of one session never blocks readers or writers of another.
type Registry struct {
	clock clock.Clock
	rules SubjectRules

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	s       Session
	removed atomic.Bool
}

// NewRegistry returns an empty registry.
func NewRegistry(clk clock.Clock, rules SubjectRules) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if rules.MinDigits <= 0 || rules.MaxDigits < rules.MinDigits {
		rules = DefaultSubjectRules()
	}
	return &Registry{
		clock:    clk,
		rules:    rules,
		sessions: make(map[string]*entry),
	}
}

// Create validates subject and inserts a new session in StatusCreated.
func (r *Registry) Create(subject string, mode Mode) (Session, error) {
	const op = "pairing.Registry.Create"

	norm, err := NormalizeSubject(subject, r.rules)
	if err != nil {
		return Session{}, err
	}
	if mode == "" {
		mode = ModeCode
	}
	if mode != ModeCode && mode != ModeQR {
		return Session{}, opErr(op, ErrValidation, "mode must be code or qr")
	}

	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for range createIDAttempts {
		id, err := ids.NewULID(now)
		if err != nil {
			return Session{}, opErr(op, ErrInternal, "generate session id")
		}
		if _, exists := r.sessions[id]; exists {
			continue
		}

		s := Session{
			ID:         id,
			Subject:    norm,
			Mode:       mode,
			Status:     StatusCreated,
			CreatedAt:  now,
			LastUpdate: now,
		}
		r.sessions[id] = &entry{s: s}
		return s, nil
	}
	return Session{}, opErr(op, ErrInternal, "session id collision")
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, error) {
	var out Session
	err := r.View(id, func(s Session) error {
		out = s
		return nil
	})
	return out, err
}

// View runs fn with a copy of the session while holding its lock.
func (r *Registry) View(id string, fn func(Session) error) error {
	e := r.lookup(id)
	if e == nil {
		return opErr("pairing.Registry.View", ErrNotFound, "")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed.Load() {
		return opErr("pairing.Registry.View", ErrNotFound, "")
	}
	return fn(e.s)
}

// Update applies fn to the session under its lock.
//
// fn receives a working copy; the change is committed only if fn returns nil
// and the result is a legal edit: identity fields unchanged, the session was
// not already terminal, and any status change follows the transition graph.
// LastUpdate advances on every status change.
func (r *Registry) Update(id string, fn func(*Session) error) error {
	return r.update(id, fn, nil)
}

// update is Update with a hook that runs after commit, still under the lock.
func (r *Registry) update(id string, fn func(*Session) error, after func(Session)) error {
	const op = "pairing.Registry.Update"

	e := r.lookup(id)
	if e == nil {
		return opErr(op, ErrNotFound, "")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed.Load() {
		return opErr(op, ErrNotFound, "")
	}

	cur := e.s
	next := cur
	if err := fn(&next); err != nil {
		return err
	}
	if next == cur {
		return nil
	}

	if next.ID != cur.ID || next.Subject != cur.Subject || next.Mode != cur.Mode || !next.CreatedAt.Equal(cur.CreatedAt) {
		return opErr(op, ErrInternal, "identity fields are immutable")
	}
	if cur.Status.Terminal() {
		return opErr(op, ErrInternal, "session is terminal")
	}
	if next.Status != cur.Status {
		if !cur.Status.CanTransitionTo(next.Status) {
			return opErr(op, ErrInternal, "illegal transition "+string(cur.Status)+" -> "+string(next.Status))
		}
		next.LastUpdate = r.clock.Now()
	}

	e.s = next
	if after != nil {
		after(next)
	}
	return nil
}

// Delete removes the session and reports whether it was present.
// It does not take the session lock, so it is safe to call from inside an
// Update callback.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		e.removed.Store(true)
	}
	return ok
}

// List returns summaries of all live sessions ordered by CreatedAt, then ID.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed.Load() {
			out = append(out, e.s.summary())
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}
