package notify

import (
	"context"
	"log/slog"

	"pairhub/cmd/internal/pairing"
	"pairhub/cmd/security/token"
)

// LogNotifier records notices in the structured log. The subject is logged
// as a fingerprint only.
type LogNotifier struct {
	log *slog.Logger
	fp  *token.Fingerprinter
}

// NewLogNotifier returns a notifier writing to log.
func NewLogNotifier(log *slog.Logger, fp *token.Fingerprinter) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log, fp: fp}
}

// NotifyConnected implements pairing.Notifier.
func (l *LogNotifier) NotifyConnected(_ context.Context, n pairing.ConnectedNotice) error {
	l.log.Info("notify.connected",
		"session_id", n.SessionID,
		"subject_fp", l.fp.Fingerprint(n.Subject),
		"peer_id", n.Peer.ID,
		"at", n.At,
	)
	return nil
}
