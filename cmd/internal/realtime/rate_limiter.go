package realtime

import (
	"sync"
	"time"

	"pairhub/cmd/internal/clock"
	v1 "pairhub/shared/contracts/pairing/v1"
)

type limitVerdict int

const (
	limitOK limitVerdict = iota
	// limitFrames means the connection exceeded its overall frame budget.
	limitFrames
	// limitJoins means a join frame exceeded the join budget only.
	limitJoins
)

// frameLimiter throttles inbound frames on one connection.
// Every frame counts against the frame budget. Joins also count against a
// smaller join budget since each one takes a session lock and sends a snapshot.
type frameLimiter struct {
	clk clock.Clock

	mu     sync.Mutex
	frames slidingWindow
	joins  slidingWindow
}

func newFrameLimiter(clk clock.Clock, cfg GatewayConfig) *frameLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	events, joins, window := cfg.RateEvents, cfg.JoinEvents, cfg.RateWindow
	if events <= 0 {
		events = rateLimitEvents
	}
	if joins <= 0 {
		joins = joinLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &frameLimiter{
		clk:    clk,
		frames: slidingWindow{limit: events, span: window},
		joins:  slidingWindow{limit: joins, span: window},
	}
}

// check records a frame of type typ at the current clock time.
// A join refused by the join budget still uses frame budget.
func (l *frameLimiter) check(typ string) limitVerdict {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.frames.admit(now) {
		return limitFrames
	}
	if typ == v1.TypeJoin && !l.joins.admit(now) {
		return limitJoins
	}
	return limitOK
}

type slidingWindow struct {
	limit int
	span  time.Duration
	hits  []time.Time
}

func (w *slidingWindow) admit(now time.Time) bool {
	cut := now.Add(-w.span)
	n := 0
	for n < len(w.hits) && !w.hits[n].After(cut) {
		n++
	}
	w.hits = w.hits[n:]

	if len(w.hits) >= w.limit {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}
