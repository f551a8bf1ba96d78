package ports

import (
	"context"

	"github.com/adrianvm/whalebot/internal/domain"
)

// Stream is the real-time market feed. One connection, many assets.
// Events preserve arrival order; under backpressure book deltas are
// dropped before anything else and trades are never dropped.
type Stream interface {
	// Start dials and begins the read/heartbeat loops. It returns once
	// the first connection attempt resolves; reconnection is internal.
	// An authentication rejection at dial is fatal and returned here.
	Start(ctx context.Context) error

	// Events is the fan-in of every subscribed asset. The channel
	// closes after Close or when the stream gives up for good.
	Events() <-chan domain.StreamEvent

	// Subscribe adds asset ids to the desired set. On a live
	// connection it sends an incremental frame; the full set is
	// replayed after every reconnect.
	Subscribe(ctx context.Context, assetIDs ...string) error

	// Unsubscribe removes asset ids from the desired set.
	Unsubscribe(ctx context.Context, assetIDs ...string) error

	// Close tears the connection down and closes Events.
	Close() error
}
