package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	ok := Envelope{V: Version, Type: TypeJoin, ID: "x", TS: time.Now(), Payload: json.RawMessage(`{}`)}

	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Envelope) {}},
		{name: "missing version", mutate: func(e *Envelope) { e.V = "" }, wantErr: true},
		{name: "wrong version", mutate: func(e *Envelope) { e.V = "v2" }, wantErr: true},
		{name: "missing type", mutate: func(e *Envelope) { e.Type = " " }, wantErr: true},
		{name: "unknown type", mutate: func(e *Envelope) { e.Type = "message_send" }, wantErr: true},
		{name: "server type accepted", mutate: func(e *Envelope) { e.Type = TypeCredentialReady }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := ok
			tc.mutate(&env)
			err := env.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSnapshotOmitsEmptyCredential(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(SnapshotPayload{SessionID: "s", Status: "AwaitingCredential", Mode: "code"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["credential"]; ok {
		t.Fatalf("credential should be omitted before it exists: %s", b)
	}
	if _, ok := m["peer"]; ok {
		t.Fatalf("peer should be omitted before connect: %s", b)
	}
}

func TestWireNamesAreSnakeCase(t *testing.T) {
	t.Parallel()

	if TypeCredentialReady != "credential_ready" || TypeSessionExpired != "session_expired" {
		t.Fatalf("event types = %q, %q", TypeCredentialReady, TypeSessionExpired)
	}

	b, err := json.Marshal(SnapshotPayload{SessionID: "01HZZZZZZZZZZZZZZZZZZZZZZZ", Status: "Failed", Mode: "code", Reason: "peer closed"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"session_id", "status", "mode", "reason"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("snapshot missing %q: %s", key, b)
		}
	}
	if _, ok := fields["sessionId"]; ok {
		t.Fatalf("snapshot carries camelCase sessionId: %s", b)
	}
}
