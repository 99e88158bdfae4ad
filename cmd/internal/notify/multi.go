package notify

import (
	"context"
	"errors"

	"pairhub/cmd/internal/pairing"
)

// Multi fans a notice out to every notifier and joins their errors.
type Multi []pairing.Notifier

// NotifyConnected implements pairing.Notifier. A failing notifier does not
// stop the rest.
func (m Multi) NotifyConnected(ctx context.Context, n pairing.ConnectedNotice) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.NotifyConnected(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
