package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"pairhub/cmd/internal/pairing"
	v1 "pairhub/shared/contracts/pairing/v1"
)

// eventEnvelope maps a pairing event onto its wire envelope.
func eventEnvelope(ev pairing.Event) (v1.Envelope, error) {
	var (
		typ     string
		payload any
	)

	switch ev.Kind {
	case pairing.EventSnapshot:
		p := v1.SnapshotPayload{
			SessionID:  ev.SessionID,
			Status:     string(ev.Status),
			Mode:       string(ev.Mode),
			Credential: ev.Credential,
			Reason:     ev.Message,
		}
		if ev.Peer.ID != "" {
			p.Peer = &v1.Peer{ID: ev.Peer.ID, Name: ev.Peer.Name}
		}
		typ, payload = v1.TypeSnapshot, p

	case pairing.EventCredentialReady:
		typ, payload = v1.TypeCredentialReady, v1.CredentialReadyPayload{
			SessionID:  ev.SessionID,
			Mode:       string(ev.Mode),
			Credential: ev.Credential,
		}

	case pairing.EventConnected:
		typ, payload = v1.TypeConnected, v1.ConnectedPayload{
			SessionID: ev.SessionID,
			Peer:      v1.Peer{ID: ev.Peer.ID, Name: ev.Peer.Name},
		}

	case pairing.EventSessionExpired:
		typ, payload = v1.TypeSessionExpired, v1.SessionExpiredPayload{
			SessionID: ev.SessionID,
			Reason:    ev.Message,
		}

	case pairing.EventError:
		typ, payload = v1.TypeError, v1.ErrorPayload{
			SessionID: ev.SessionID,
			Code:      ev.Code,
			Message:   ev.Message,
		}

	default:
		return v1.Envelope{}, fmt.Errorf("realtime: unknown event kind %q", ev.Kind)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}

	ts := ev.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return newEnvelope(typ, b, ts), nil
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(),
		TS:      ts,
		Payload: payload,
	}
}
