package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"pairhub/cmd/internal/clock"
	"pairhub/cmd/internal/pairing"
	v1 "pairhub/shared/contracts/pairing/v1"
)

const (
	wsDefaultSendQueueSize = 64
	wsMinSendQueueSize     = 16

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// Sessions is the part of the orchestrator the gateway drives.
type Sessions interface {
	Join(id string, sub pairing.Subscriber) error
	Leave(id, subscriberID string)
}

// GatewayConfig holds the gateway's transport policy.
type GatewayConfig struct {
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	// AllowedOrigins is the origin allowlist; "*" allows any origin.
	AllowedOrigins []string
	// DevInsecure disables websocket.Accept's own origin verification.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	JoinEvents int
	RateWindow time.Duration

	MaxTopics int

	// Clock drives rate windows and envelope timestamps. Nil means wall time.
	Clock clock.Clock
}

// DefaultGatewayConfig is secure by default: Origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		JoinEvents:       joinLimitEvents,
		RateWindow:       rateLimitWindow,
		MaxTopics:        maxTopicsPerConn,
	}
}

// WSGateway is the WebSocket entrypoint for session viewers.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated join/leave envelopes to the orchestrator.
type WSGateway struct {
	log      *slog.Logger
	sessions Sessions
	cfg      GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. Zero config fields take defaults.
func NewWSGateway(log *slog.Logger, sessions Sessions, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}

	def := DefaultGatewayConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = def.HeartbeatEvery
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.RateEvents <= 0 {
		cfg.RateEvents = def.RateEvents
	}
	if cfg.JoinEvents <= 0 {
		cfg.JoinEvents = def.JoinEvents
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.MaxTopics <= 0 {
		cfg.MaxTopics = def.MaxTopics
	}

	return &WSGateway{
		log:      log,
		sessions: sessions,
		cfg:      cfg,
		// websocket.Accept enforces its own origin policy; derive its patterns
		// from the allowlist so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and runs the viewer loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(NewSubscriberID(), g.cfg.SendQueueSize)
	connID := client.ID

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Subscriptions are removed before client.Close so publishers never see a half-closed client.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			for _, topic := range client.joinedTopics() {
				g.sessions.Leave(topic, client.ID)
				client.untrack(topic)
			}
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.log.Info("ws.accept", "conn_id", connID, "remote", r.RemoteAddr)

	limiter := newFrameLimiter(g.cfg.Clock, g.cfg)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, "", v1.CodeBadRequest, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		switch limiter.check(env.Type) {
		case limitFrames:
			g.trySendError(client, "", v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		case limitJoins:
			g.trySendError(client, "", v1.CodeRateLimited, "too many joins")
			continue readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "", v1.CodeBadRequest, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeJoin:
			g.onJoin(client, env)
		case v1.TypeLeave:
			g.onLeave(client, env)
		default:
			g.trySendError(client, "", v1.CodeBadRequest, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.close", "conn_id", connID)
}

// ---- handlers ----

func (g *WSGateway) onJoin(client *Client, env v1.Envelope) {
	var p v1.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "", v1.CodeBadRequest, "invalid payload")
		return
	}
	id := strings.TrimSpace(p.SessionID)
	if id == "" {
		g.trySendError(client, "", v1.CodeBadRequest, "missing session_id")
		return
	}

	added, count := client.track(id)
	if !added {
		// Already watching; the snapshot was delivered on the first join.
		g.sendAck(client, v1.TypeJoined, id)
		return
	}
	if count > g.cfg.MaxTopics {
		client.untrack(id)
		g.trySendError(client, id, v1.CodeTooManyTopics, "too many sessions on one connection")
		return
	}

	if err := g.sessions.Join(id, client); err != nil {
		client.untrack(id)
		code := v1.CodeInternal
		msg := "join failed"
		if pairing.IsNotFound(err) {
			code, msg = v1.CodeNotFound, "session not found"
		}
		g.trySendError(client, id, code, msg)
		return
	}

	g.sendAck(client, v1.TypeJoined, id)
}

func (g *WSGateway) onLeave(client *Client, env v1.Envelope) {
	var p v1.LeavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "", v1.CodeBadRequest, "invalid payload")
		return
	}
	id := strings.TrimSpace(p.SessionID)
	if id == "" {
		g.trySendError(client, "", v1.CodeBadRequest, "missing session_id")
		return
	}

	if client.untrack(id) {
		g.sessions.Leave(id, client.ID)
	}
	g.sendAck(client, v1.TypeLeft, id)
}

// ---- send helpers ----

func (g *WSGateway) sendAck(client *Client, typ, sessionID string) {
	b, _ := json.Marshal(v1.AckPayload{SessionID: sessionID})
	_ = client.enqueue(newEnvelope(typ, b, g.cfg.Clock.Now().UTC()))
}

func (g *WSGateway) trySendError(client *Client, sessionID, code, msg string) {
	b, _ := json.Marshal(v1.ErrorPayload{SessionID: sessionID, Code: code, Message: msg})
	_ = client.enqueue(newEnvelope(v1.TypeError, b, g.cfg.Clock.Now().UTC()))
}

// ---- envelope IO ----

var errBadJSON = errors.New("bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted host patterns
// websocket.Accept matches against the Origin host.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			seen["*"] = struct{}{}
			continue
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
