// Package main provides a CI-friendly smoke test for a running pairhub server.
//
// It validates:
//   - session creation over HTTP
//   - handshake + subprotocol selection
//   - join: snapshot followed by joined
//   - credential fanout to two viewers
//   - credential endpoint agreeing with the pushed credential
//   - leave ack
//   - optional connected event
//   - delete notifying remaining viewers
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "pairhub/shared/contracts/pairing/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL       = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL of the server")
		origin        = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		subject       = flag.String("subject", "+1 415 555 0123", "Subject identifier to pair")
		mode          = flag.String("mode", "code", "Pairing mode: code or qr")
		timeout       = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		waitConnected = flag.Bool("wait-connected", false, "Also wait for the connected event (needs an adapter that connects)")
		verbose       = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	httpc := &http.Client{Timeout: *timeout}

	sessionID := mustCreateSession(root, httpc, base, *subject, *mode)
	if *verbose {
		fmt.Printf("created: session_id=%s\n", sessionID)
	}

	wsURL := wsURLFor(base)
	a := mustConnect(root, "A", wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	snapA := mustJoin(root, a, sessionID, *timeout)
	snapB := mustJoin(root, b, sessionID, *timeout)
	if *verbose {
		fmt.Printf("joined: A status=%s B status=%s\n", snapA.Status, snapB.Status)
	}

	credA := mustAwaitCredential(root, a, sessionID, snapA, *timeout)
	credB := mustAwaitCredential(root, b, sessionID, snapB, *timeout)
	if credA != credB {
		fatalf("credential mismatch between viewers: A=%q B=%q", credA, credB)
	}

	if got := mustFetchCredential(root, httpc, base, sessionID); got != credA {
		fatalf("credential endpoint mismatch: got=%q pushed=%q", got, credA)
	}

	mustLeave(root, b, sessionID, *timeout)

	if *waitConnected {
		env := a.mustReadUntilType(root, v1.TypeConnected, 4*(*timeout), nil)
		var p v1.ConnectedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal connected payload: %v", err)
		}
		if p.SessionID != sessionID || strings.TrimSpace(p.Peer.ID) == "" {
			fatalf("connected payload mismatch: %+v", p)
		}
	}

	mustDeleteSession(root, httpc, base, sessionID)
	if !*waitConnected {
		mustAwaitDeleted(root, a, sessionID, *timeout)
	}

	fmt.Printf("OK: session_id=%s mode=%s credential=%q\n", sessionID, *mode, credA)
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func wsURLFor(base *url.URL) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

func endpoint(base *url.URL, path string) string {
	u := *base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func mustCreateSession(ctx context.Context, httpc *http.Client, base *url.URL, subject, mode string) string {
	body := mustJSON(map[string]string{"subjectIdentifier": subject, "mode": mode})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(base, "/sessions"), bytes.NewReader(body))
	if err != nil {
		fatalf("build create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		SessionID string `json:"sessionId"`
		Status    string `json:"status"`
	}
	mustDo(httpc, req, http.StatusCreated, &out)
	if strings.TrimSpace(out.SessionID) == "" {
		fatalf("create response missing sessionId")
	}
	return out.SessionID
}

func mustFetchCredential(ctx context.Context, httpc *http.Client, base *url.URL, sessionID string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(base, "/sessions/"+url.PathEscape(sessionID)+"/credential"), nil)
	if err != nil {
		fatalf("build credential request: %v", err)
	}
	var out struct {
		Credential string `json:"credential"`
	}
	mustDo(httpc, req, http.StatusOK, &out)
	return out.Credential
}

func mustDeleteSession(ctx context.Context, httpc *http.Client, base *url.URL, sessionID string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint(base, "/sessions/"+url.PathEscape(sessionID)), nil)
	if err != nil {
		fatalf("build delete request: %v", err)
	}
	mustDo(httpc, req, http.StatusNoContent, nil)
}

func mustDo(httpc *http.Client, req *http.Request, wantStatus int, out any) {
	resp, err := httpc.Do(req)
	if err != nil {
		fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		fatalf("%s %s: status=%d want=%d body=%s", req.Method, req.URL.Path, resp.StatusCode, wantStatus, strings.TrimSpace(string(b)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fatalf("%s %s: decode: %v", req.Method, req.URL.Path, err)
		}
	}
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustJoin(parent context.Context, c *smokeClient, sessionID string, stepTimeout time.Duration) v1.SnapshotPayload {
	mustWriteWithTimeout(parent, c.conn, envelope(c.name+"-join", v1.TypeJoin, v1.JoinPayload{SessionID: sessionID}), stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeSnapshot, stepTimeout, nil)
	var snap v1.SnapshotPayload
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		fatalf("unmarshal snapshot payload (%s): %v", c.name, err)
	}
	if snap.SessionID != sessionID {
		fatalf("snapshot session mismatch (%s): got=%q want=%q", c.name, snap.SessionID, sessionID)
	}

	ack := c.mustReadUntilType(parent, v1.TypeJoined, stepTimeout, nil)
	var p v1.AckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal joined payload (%s): %v", c.name, err)
	}
	if p.SessionID != sessionID {
		fatalf("joined session mismatch (%s): got=%q want=%q", c.name, p.SessionID, sessionID)
	}
	return snap
}

// mustAwaitCredential returns the credential from the join snapshot when it
// was already issued, otherwise waits for credential_ready.
func mustAwaitCredential(parent context.Context, c *smokeClient, sessionID string, snap v1.SnapshotPayload, stepTimeout time.Duration) string {
	if snap.Credential != "" {
		return snap.Credential
	}

	env := c.mustReadUntilType(parent, v1.TypeCredentialReady, stepTimeout, nil)
	var p v1.CredentialReadyPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal credential_ready payload (%s): %v", c.name, err)
	}
	if p.SessionID != sessionID || strings.TrimSpace(p.Credential) == "" {
		fatalf("credential_ready mismatch (%s): %+v", c.name, p)
	}
	return p.Credential
}

func mustLeave(parent context.Context, c *smokeClient, sessionID string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(c.name+"-leave", v1.TypeLeave, v1.LeavePayload{SessionID: sessionID}), stepTimeout)

	skip := map[string]struct{}{v1.TypeConnected: {}}
	env := c.mustReadUntilType(parent, v1.TypeLeft, stepTimeout, skip)
	var p v1.AckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal left payload (%s): %v", c.name, err)
	}
	if p.SessionID != sessionID {
		fatalf("left session mismatch (%s): got=%q want=%q", c.name, p.SessionID, sessionID)
	}
}

func mustAwaitDeleted(parent context.Context, c *smokeClient, sessionID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for deleted notice (%s): %v", c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for deleted notice (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for deleted notice (%s)", c.name)
			}
			if env.Type != v1.TypeError {
				continue
			}
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			if ep.Code == v1.CodeDeleted && ep.SessionID == sessionID {
				return
			}
			fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func envelope(id, typ string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
