// Package bridge drives handshakes through an external protocol sidecar.
//
// Each session opens one WebSocket to the sidecar. The adapter sends a
// "begin" message and translates the sidecar's "credential", "connected" and
// "closed" messages into pairing events. Terminate sends "logout" and closes
// the socket.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"pairhub/cmd/internal/pairing"
)

// Subprotocol is negotiated with the sidecar.
const Subprotocol = "pairhub.bridge.v1"

// Wire message types.
const (
	TypeBegin      = "begin"
	TypeCredential = "credential"
	TypeConnected  = "connected"
	TypeClosed     = "closed"
	TypeLogout     = "logout"
)

const (
	defaultMaxMessageBytes = 64 << 10
	defaultWriteTimeout    = 5 * time.Second
)

// Message is the JSON frame exchanged with the sidecar.
type Message struct {
	Type          string            `json:"type"`
	SessionID     string            `json:"session_id,omitempty"`
	Subject       string            `json:"subject,omitempty"`
	Mode          string            `json:"mode,omitempty"`
	CredentialDir string            `json:"credential_dir,omitempty"`
	Credential    string            `json:"credential,omitempty"`
	Peer          *pairing.PeerInfo `json:"peer,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// Config configures the adapter.
type Config struct {
	URL             string
	Header          http.Header
	MaxMessageBytes int64
	WriteTimeout    time.Duration
}

// Adapter implements pairing.AuthAdapter over WebSocket.
type Adapter struct {
	cfg Config
	log *slog.Logger
}

// New validates cfg and returns an adapter.
func New(cfg Config, log *slog.Logger) (*Adapter, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("bridge: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("bridge: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("bridge: url missing host")
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.URL = u.String()
	return &Adapter{cfg: cfg, log: log}, nil
}

// Begin dials the sidecar and sends the begin message. ctx bounds the dial
// and the first write only.
func (a *Adapter) Begin(ctx context.Context, req pairing.BeginRequest) (pairing.Handle, error) {
	conn, resp, err := websocket.Dial(ctx, a.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   a.cfg.Header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: dial: %w", err)
	}
	if conn.Subprotocol() != Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return nil, fmt.Errorf("bridge: sidecar negotiated %q", conn.Subprotocol())
	}
	conn.SetReadLimit(a.cfg.MaxMessageBytes)

	begin := Message{
		Type:          TypeBegin,
		SessionID:     req.SessionID,
		Subject:       req.Subject,
		Mode:          string(req.Mode),
		CredentialDir: req.CredentialDir,
	}
	if err := writeMessage(ctx, conn, begin); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "begin failed")
		return nil, fmt.Errorf("bridge: send begin: %w", err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		sessionID:    req.SessionID,
		conn:         conn,
		log:          a.log,
		writeTimeout: a.cfg.WriteTimeout,
		events:       make(chan pairing.AdapterEvent, 4),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go h.readLoop(rctx)
	return h, nil
}

type handle struct {
	sessionID    string
	conn         *websocket.Conn
	log          *slog.Logger
	writeTimeout time.Duration

	events chan pairing.AdapterEvent
	cancel context.CancelFunc
	done   chan struct{}

	once sync.Once
}

func (h *handle) Events() <-chan pairing.AdapterEvent { return h.events }

// Terminate asks the sidecar to log out and closes the socket.
func (h *handle) Terminate(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		werr := writeMessage(wctx, h.conn, Message{Type: TypeLogout, SessionID: h.sessionID})
		cancel()

		if cerr := h.conn.Close(websocket.StatusNormalClosure, "terminated"); cerr != nil {
			h.log.Debug("bridge.close.fail", "session_id", h.sessionID, "err", cerr)
		}
		h.cancel()

		select {
		case <-h.done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}

		if werr != nil && !isClosed(werr) {
			err = fmt.Errorf("bridge: send logout: %w", werr)
		}
	})
	return err
}

// readLoop translates sidecar frames until a terminal frame or disconnect.
func (h *handle) readLoop(ctx context.Context) {
	defer close(h.done)
	defer close(h.events)

	for {
		typ, data, err := h.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				h.log.Info("bridge.read.fail", "session_id", h.sessionID, "close_status", websocket.CloseStatus(err), "err", err)
				h.send(ctx, pairing.AdapterEvent{Kind: pairing.AdapterClosed, Reason: "sidecar disconnected"})
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Info("bridge.decode.fail", "session_id", h.sessionID, "err", err)
			continue
		}

		ev, terminal, ok := translate(msg)
		if !ok {
			h.log.Debug("bridge.message.ignored", "session_id", h.sessionID, "type", msg.Type)
			continue
		}
		if !h.send(ctx, ev) || terminal {
			return
		}
	}
}

func (h *handle) send(ctx context.Context, ev pairing.AdapterEvent) bool {
	select {
	case h.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func translate(msg Message) (pairing.AdapterEvent, bool, bool) {
	switch msg.Type {
	case TypeCredential:
		return pairing.AdapterEvent{Kind: pairing.AdapterCredential, Credential: msg.Credential}, false, true
	case TypeConnected:
		ev := pairing.AdapterEvent{Kind: pairing.AdapterConnected}
		if msg.Peer != nil {
			ev.Peer = *msg.Peer
		}
		return ev, true, true
	case TypeClosed:
		reason := msg.Reason
		if reason == "" {
			reason = "sidecar closed handshake"
		}
		return pairing.AdapterEvent{Kind: pairing.AdapterClosed, Reason: reason}, true, true
	default:
		return pairing.AdapterEvent{}, false, false
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func isClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed)
}
