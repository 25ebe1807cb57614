// ABOUTME: Adapter contract implemented by every platform gateway.
// ABOUTME: Adapters bridge a platform's wire protocol to bus messages.

package gateway

import (
	"context"

	"github.com/2389/gorp/internal/bus"
)

// Adapter connects one chat platform to the message bus. Start launches the
// adapter's two long-lived loops: inbound platform events become BusMessages
// published to the bus, and outbound BusResponses from the adapter's
// subscriber queue are sent back to the platform.
//
// Send is the out-of-band path for control-plane pushes to a specific
// channel, bypassing the response queue.
type Adapter interface {
	// PlatformID returns the stable identifier this adapter registers
	// under ("matrix", "web", ...).
	PlatformID() string

	// Start begins the inbound and outbound loops. It returns once the
	// loops are running; they stop when ctx is cancelled or Stop is
	// called.
	Start(ctx context.Context, b *bus.MessageBus) error

	// Send pushes content to one channel outside the normal response flow.
	Send(ctx context.Context, channelID, content string) error

	// Stop tears the adapter down gracefully.
	Stop(ctx context.Context) error
}
