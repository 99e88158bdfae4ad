package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pairhub/cmd/internal/pairing"
	"pairhub/cmd/security/token"
)

func testNotice() pairing.ConnectedNotice {
	return pairing.ConnectedNotice{
		SessionID: "01HV0000000000000000000000",
		Subject:   "14155550123",
		Peer:      pairing.PeerInfo{ID: "peer-1", Name: "Pixel"},
		At:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewSMSClient_Defaults(t *testing.T) {
	t.Parallel()

	c := NewSMSClient("api-key", "", "")
	if c.BaseURL != defaultSMSURL {
		t.Errorf("BaseURL = %q, want default", c.BaseURL)
	}
	if c.HTTPClient == nil || c.HTTPClient.Timeout != defaultTimeout {
		t.Fatalf("HTTPClient = %+v", c.HTTPClient)
	}
}

func TestSMSClient_NotifyConnected(t *testing.T) {
	t.Parallel()

	var got smsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q", r.Method)
		}
		if r.Header.Get("Authorization") != "test-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewSMSClient("test-key", srv.URL, "PAIRHB")
	if err := c.NotifyConnected(context.Background(), testNotice()); err != nil {
		t.Fatalf("NotifyConnected: %v", err)
	}
	if got.Numbers != "14155550123" || got.Sender != "PAIRHB" {
		t.Fatalf("request = %+v", got)
	}
	if !strings.Contains(got.Message, "Pixel") {
		t.Fatalf("message = %q", got.Message)
	}
}

func TestSMSClient_Errors(t *testing.T) {
	t.Parallel()

	if err := NewSMSClient("", "http://127.0.0.1:1", "").NotifyConnected(context.Background(), testNotice()); err == nil {
		t.Fatalf("expected error without API key")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	err := NewSMSClient("k", srv.URL, "").NotifyConnected(context.Background(), testNotice())
	if err == nil || !strings.Contains(err.Error(), "status=402") {
		t.Fatalf("err = %v", err)
	}
}

func TestLogNotifier_FingerprintsSubject(t *testing.T) {
	t.Parallel()

	fp, err := token.NewFingerprinter(strings.Repeat("k", token.MinKeyBytes))
	if err != nil {
		t.Fatalf("NewFingerprinter: %v", err)
	}

	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)), fp)
	if err := n.NotifyConnected(context.Background(), testNotice()); err != nil {
		t.Fatalf("NotifyConnected: %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "14155550123") {
		t.Fatalf("subject logged in clear: %s", out)
	}
	if !strings.Contains(out, fp.Fingerprint("14155550123")) {
		t.Fatalf("fingerprint missing: %s", out)
	}
}

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) NotifyConnected(context.Context, pairing.ConnectedNotice) error {
	s.calls++
	return s.err
}

func TestMulti_ContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	a := &stubNotifier{err: boom}
	b := &stubNotifier{}

	err := Multi{a, nil, b}.NotifyConnected(context.Background(), testNotice())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("calls = %d,%d", a.calls, b.calls)
	}

	if err := (Multi{}).NotifyConnected(context.Background(), testNotice()); err != nil {
		t.Fatalf("empty Multi: %v", err)
	}
}
