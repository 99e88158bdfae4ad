package pairing

import (
	"context"
	"log/slog"
	"sync"

	"pairhub/cmd/internal/clock"
)

// SweepResult counts what one sweeper pass evicted.
type SweepResult struct {
	Expired int `json:"expired"`
	Removed int `json:"removed"`
}

// Sweeper periodically evicts sessions that outlived the expiry budget.
type Sweeper struct {
	o   *Orchestrator
	log *slog.Logger
}

// NewSweeper returns a sweeper bound to o.
func NewSweeper(o *Orchestrator, log *slog.Logger) *Sweeper {
	if log == nil {
		log = o.log
	}
	return &Sweeper{o: o, log: log}
}

// Run sweeps every SweepInterval of orchestrator clock time until ctx is done.
// Ticks that arrive while a pass is running are coalesced.
func (s *Sweeper) Run(ctx context.Context) {
	tick := make(chan struct{}, 1)

	var (
		mu      sync.Mutex
		timer   clock.Timer
		stopped bool
	)
	var arm func()
	arm = func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		timer = s.o.clock.AfterFunc(s.o.cfg.SweepInterval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
			arm()
		})
	}
	arm()
	defer func() {
		mu.Lock()
		stopped = true
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.SweepOnce()
		}
	}
}

// SweepOnce evicts every non-connected session older than the expiry budget:
// pending sessions are expired, failed ones are removed. Sessions deleted
// concurrently are skipped.
func (s *Sweeper) SweepOnce() SweepResult {
	now := s.o.clock.Now()
	budget := s.o.cfg.ExpiryBudget

	var res SweepResult
	for _, sum := range s.o.reg.List() {
		if sum.Status == StatusConnected || now.Sub(sum.CreatedAt) <= budget {
			continue
		}

		switch {
		case !sum.Status.Terminal():
			ok, err := s.o.expire(sum.ID, "session expired")
			if err != nil {
				s.log.Error("sweeper.expire.fail", "session_id", sum.ID, "err", err)
				continue
			}
			if ok {
				res.Expired++
			}
		default:
			if s.o.evict(sum.ID) {
				res.Removed++
			}
		}
	}

	s.o.metrics.sweep(res.Expired, res.Removed)
	if res.Expired > 0 || res.Removed > 0 {
		s.log.Info("sweeper.pass", "expired", res.Expired, "removed", res.Removed, "live", s.o.reg.Len())
	}
	return res
}
