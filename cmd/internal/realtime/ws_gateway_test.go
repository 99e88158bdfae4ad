package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"pairhub/cmd/internal/adapter/simulated"
	"pairhub/cmd/internal/clock"
	"pairhub/cmd/internal/pairing"
	v1 "pairhub/shared/contracts/pairing/v1"
)

type gatewayFixture struct {
	orch *pairing.Orchestrator
	ad   *simulated.Adapter
	hub  *Hub
	srv  *httptest.Server
}

func newGatewayFixture(t *testing.T, mutate func(*GatewayConfig)) *gatewayFixture {
	t.Helper()

	cfg := pairing.DefaultConfig()
	clk := clock.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := pairing.NewRegistry(clk, cfg.Subject)
	ad := simulated.NewManual()
	hub := NewHub(discardLogger())

	orch, err := pairing.NewOrchestrator(cfg, reg, ad,
		pairing.WithLogger(discardLogger()),
		pairing.WithBroadcaster(hub),
		pairing.WithCredentialStore(pairing.DirStore{Root: t.TempDir()}),
	)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	gcfg := DefaultGatewayConfig()
	gcfg.OriginRequired = false
	if mutate != nil {
		mutate(&gcfg)
	}
	gw := NewWSGateway(discardLogger(), orch, gcfg)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	return &gatewayFixture{orch: orch, ad: ad, hub: hub, srv: srv}
}

func (f *gatewayFixture) begin(t *testing.T) (pairing.Session, *simulated.Handle) {
	t.Helper()

	s, err := f.orch.Begin("+1 415 555 0123", pairing.ModeCode)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	var h *simulated.Handle
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		if h, ok = f.ad.Handle(s.ID); ok {
			return s, h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("adapter never saw session %s", s.ID)
	return s, nil
}

func dialWS(t *testing.T, baseHTTPURL, origin string, subprotocols ...string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if subprotocols == nil {
		subprotocols = []string{v1.Subprotocol}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: subprotocols,
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, f *gatewayFixture) *websocket.Conn {
	t.Helper()

	conn, resp, err := dialWS(t, f.srv.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	writeRawWS(t, conn, b)
}

func writeRawWS(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func expectType(t *testing.T, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()
	env := readEnvelopeWS(t, conn)
	if env.Type != typ {
		t.Fatalf("got envelope %q (%s), want %q", env.Type, env.Payload, typ)
	}
	return env
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func joinEnvelope(t *testing.T, sessionID string) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoin,
		ID:      "join-" + sessionID,
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.JoinPayload{SessionID: sessionID}),
	}
}

func decodeError(t *testing.T, env v1.Envelope) v1.ErrorPayload {
	t.Helper()
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return p
}

func TestWSGateway_JoinStreamsSessionEvents(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, nil)
	s, h := f.begin(t)
	conn := mustDial(t, f)

	writeEnvelopeWS(t, conn, joinEnvelope(t, s.ID))

	snapEnv := expectType(t, conn, v1.TypeSnapshot)
	var snap v1.SnapshotPayload
	if err := json.Unmarshal(snapEnv.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.SessionID != s.ID || snap.Status != "AwaitingCredential" || snap.Mode != "code" {
		t.Fatalf("snapshot = %+v", snap)
	}

	ackEnv := expectType(t, conn, v1.TypeJoined)
	var ack v1.AckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.SessionID != s.ID {
		t.Fatalf("ack session = %q", ack.SessionID)
	}

	if err := h.Emit(pairing.AdapterEvent{Kind: pairing.AdapterCredential, Credential: "ABCD-EFGH"}); err != nil {
		t.Fatalf("Emit credential: %v", err)
	}
	credEnv := expectType(t, conn, v1.TypeCredentialReady)
	var cred v1.CredentialReadyPayload
	if err := json.Unmarshal(credEnv.Payload, &cred); err != nil {
		t.Fatalf("decode credential: %v", err)
	}
	if cred.Credential != "ABCD-EFGH" {
		t.Fatalf("credential = %q", cred.Credential)
	}

	if err := h.Emit(pairing.AdapterEvent{Kind: pairing.AdapterConnected, Peer: pairing.PeerInfo{ID: "p1", Name: "Phone"}}); err != nil {
		t.Fatalf("Emit connected: %v", err)
	}
	connEnv := expectType(t, conn, v1.TypeConnected)
	var cp v1.ConnectedPayload
	if err := json.Unmarshal(connEnv.Payload, &cp); err != nil {
		t.Fatalf("decode connected: %v", err)
	}
	if cp.Peer.Name != "Phone" {
		t.Fatalf("peer = %+v", cp.Peer)
	}
}

func TestWSGateway_JoinUnknownSession(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, nil)
	conn := mustDial(t, f)

	writeEnvelopeWS(t, conn, joinEnvelope(t, "01HZZZZZZZZZZZZZZZZZZZZZZZ"))

	p := decodeError(t, expectType(t, conn, v1.TypeError))
	if p.Code != v1.CodeNotFound {
		t.Fatalf("code = %q, want %q", p.Code, v1.CodeNotFound)
	}
}

func TestWSGateway_LeaveStopsDelivery(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, nil)
	s, h := f.begin(t)
	conn := mustDial(t, f)

	writeEnvelopeWS(t, conn, joinEnvelope(t, s.ID))
	expectType(t, conn, v1.TypeSnapshot)
	expectType(t, conn, v1.TypeJoined)

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeLeave,
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.LeavePayload{SessionID: s.ID}),
	})
	expectType(t, conn, v1.TypeLeft)

	if n := f.hub.Count(s.ID); n != 0 {
		t.Fatalf("subscribers after leave = %d", n)
	}

	if err := h.Emit(pairing.AdapterEvent{Kind: pairing.AdapterCredential, Credential: "ABCD-EFGH"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	// The only thing left to read is the reply to a bad frame.
	writeRawWS(t, conn, []byte("{"))
	p := decodeError(t, expectType(t, conn, v1.TypeError))
	if p.Code != v1.CodeBadRequest {
		t.Fatalf("code = %q", p.Code)
	}
}

func TestWSGateway_DeletePublishesDeleted(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, nil)
	s, _ := f.begin(t)
	conn := mustDial(t, f)

	writeEnvelopeWS(t, conn, joinEnvelope(t, s.ID))
	expectType(t, conn, v1.TypeSnapshot)
	expectType(t, conn, v1.TypeJoined)

	f.orch.Delete(s.ID)

	p := decodeError(t, expectType(t, conn, v1.TypeError))
	if p.Code != v1.CodeDeleted || p.SessionID != s.ID {
		t.Fatalf("error payload = %+v", p)
	}
}

func TestWSGateway_TooManySessions(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, func(c *GatewayConfig) { c.MaxTopics = 1 })
	s1, _ := f.begin(t)
	s2, _ := f.begin(t)
	conn := mustDial(t, f)

	writeEnvelopeWS(t, conn, joinEnvelope(t, s1.ID))
	expectType(t, conn, v1.TypeSnapshot)
	expectType(t, conn, v1.TypeJoined)

	writeEnvelopeWS(t, conn, joinEnvelope(t, s2.ID))
	p := decodeError(t, expectType(t, conn, v1.TypeError))
	if p.Code != v1.CodeTooManyTopics {
		t.Fatalf("code = %q", p.Code)
	}
	if n := f.hub.Count(s2.ID); n != 0 {
		t.Fatalf("rejected join subscribed anyway: %d", n)
	}
}

func TestWSGateway_InvalidEnvelopes(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, nil)
	conn := mustDial(t, f)

	writeRawWS(t, conn, []byte("not json"))
	if p := decodeError(t, expectType(t, conn, v1.TypeError)); p.Code != v1.CodeBadRequest {
		t.Fatalf("bad json code = %q", p.Code)
	}

	writeEnvelopeWS(t, conn, v1.Envelope{V: "v0", Type: v1.TypeJoin})
	if p := decodeError(t, expectType(t, conn, v1.TypeError)); p.Code != v1.CodeBadRequest {
		t.Fatalf("bad version code = %q", p.Code)
	}

	writeEnvelopeWS(t, conn, v1.Envelope{V: v1.Version, Type: v1.TypeJoin, Payload: mustJSONRaw(t, v1.JoinPayload{})})
	if p := decodeError(t, expectType(t, conn, v1.TypeError)); p.Code != v1.CodeBadRequest {
		t.Fatalf("missing session code = %q", p.Code)
	}
}

func TestWSGateway_RateLimitClosesConnection(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, func(c *GatewayConfig) {
		c.RateEvents = 2
		c.RateWindow = time.Minute
	})
	conn := mustDial(t, f)

	leave := v1.Envelope{V: v1.Version, Type: v1.TypeLeave, Payload: mustJSONRaw(t, v1.LeavePayload{SessionID: "x"})}
	for i := 0; i < 3; i++ {
		writeEnvelopeWS(t, conn, leave)
	}

	// Queued replies may be cut short by the close; only the close status is certain.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
				t.Fatalf("close status = %v, err = %v", got, err)
			}
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type != v1.TypeLeft && env.Type != v1.TypeError {
			t.Fatalf("unexpected envelope %q", env.Type)
		}
	}
}

func TestWSGateway_JoinBudgetKeepsConnection(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, func(c *GatewayConfig) {
		c.JoinEvents = 1
		c.RateWindow = time.Minute
	})
	conn := mustDial(t, f)

	writeEnvelopeWS(t, conn, joinEnvelope(t, "01HZZZZZZZZZZZZZZZZZZZZZZZ"))
	if p := decodeError(t, expectType(t, conn, v1.TypeError)); p.Code != v1.CodeNotFound {
		t.Fatalf("first join code = %q, want %q", p.Code, v1.CodeNotFound)
	}

	writeEnvelopeWS(t, conn, joinEnvelope(t, "01HZZZZZZZZZZZZZZZZZZZZZZY"))
	if p := decodeError(t, expectType(t, conn, v1.TypeError)); p.Code != v1.CodeRateLimited {
		t.Fatalf("second join code = %q, want %q", p.Code, v1.CodeRateLimited)
	}

	leave := v1.Envelope{V: v1.Version, Type: v1.TypeLeave, Payload: mustJSONRaw(t, v1.LeavePayload{SessionID: "x"})}
	writeEnvelopeWS(t, conn, leave)
	expectType(t, conn, v1.TypeLeft)
}

func TestWSGateway_RejectsMissingSubprotocol(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, nil)
	conn, resp, err := dialWS(t, f.srv.URL, "", []string{}...)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusProtocolError {
		t.Fatalf("close status = %v, err = %v", got, err)
	}
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, func(c *GatewayConfig) {
		c.OriginRequired = true
		c.AllowedOrigins = []string{"https://app.example.com"}
	})

	_, resp, err := dialWS(t, f.srv.URL, "")
	if err == nil {
		t.Fatalf("dial without origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without origin, got %+v", resp)
	}
	_ = resp.Body.Close()

	_, resp, err = dialWS(t, f.srv.URL, "https://evil.example.org")
	if err == nil {
		t.Fatalf("dial from foreign origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got %+v", resp)
	}
	_ = resp.Body.Close()

	conn, resp, err := dialWS(t, f.srv.URL, "https://app.example.com")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://App.Example.com:8443": "app.example.com",
		"http://localhost":             "localhost",
		"localhost:3000":               "localhost",
		"example.com":                  "example.com",
		"":                             "",
		"https://":                     "",
	}
	for in, want := range tests {
		if got := originHostOnly(in); got != want {
			t.Errorf("originHostOnly(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"https://b.example.com",
		"http://a.example.com:3000",
		"https://b.example.com:443",
		" ",
		"*",
	})
	want := []string{"*", "a.example.com", "b.example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want readErrKind
	}{
		{err: errors.Join(errBadJSON, errors.New("x")), want: readErrBadJSON},
		{err: context.Canceled, want: readErrCtxDone},
		{err: context.DeadlineExceeded, want: readErrCtxDone},
		{err: net.ErrClosed, want: readErrConnClosed},
		{err: io.EOF, want: readErrConnClosed},
		{err: websocket.CloseError{Code: websocket.StatusNormalClosure}, want: readErrClose},
		{err: errors.New("boom"), want: readErrUnknown},
	}
	for _, tc := range tests {
		if got := classifyReadErr(tc.err); got != tc.want {
			t.Errorf("classifyReadErr(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
