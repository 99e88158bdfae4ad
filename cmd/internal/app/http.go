package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Sessions  int       `json:"sessions"`
}

type readyResponse struct {
	Status string `json:"status"`
	DB     string `json:"db"`
}

// Handler returns the full HTTP surface: health checks, metrics, the session API and the WS gateway.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.log))
	r.Use(middleware.Recoverer)
	r.Use(WithSecurityHeaders)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}))
	r.Get("/ws", a.ws.HandleWS)

	a.api.Routes(r)
	return r
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Sessions:  a.orch.Registry().Len(),
	})
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && !a.dbEnabled {
		writeJSON(w, http.StatusServiceUnavailable, readyResponse{Status: "not_ready", DB: "not_configured"})
		return
	}

	db := "disabled"
	if a.dbEnabled {
		if err := pingWithin(r.Context(), dbReadyPing, a.dbPing); err != nil {
			a.log.Info("readyz.db.not_ready", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, readyResponse{Status: "not_ready", DB: "unreachable"})
			return
		}
		db = "ok"
	}

	writeJSON(w, http.StatusOK, readyResponse{Status: "ready", DB: db})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
