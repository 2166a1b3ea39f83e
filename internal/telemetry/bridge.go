package telemetry

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

// ChannelPrefix prefixes the Redis pub/sub channel of each engine.
const ChannelPrefix = "telemetry:"

// Channel returns the pub/sub channel an engine's frames are mirrored to.
func Channel(configID string) string {
	return ChannelPrefix + configID
}

// Bridge mirrors telemetry between a local Broadcaster and a SignalBus so
// observers attached to another process see the same frames.
type Bridge struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewBridge creates a Bridge over bus.
func NewBridge(bus domain.SignalBus, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:    bus,
		logger: logger.With(slog.String("component", "telemetry_bridge")),
	}
}

// Forward publishes every frame of src to channel until ctx is done.
func (b *Bridge) Forward(ctx context.Context, src *Broadcaster, channel string) error {
	frames, cancel := src.Subscribe(DefaultBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if err := b.bus.Publish(ctx, channel, frame); err != nil {
				b.logger.Warn("telemetry publish failed",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Relay publishes frames received on channel (which may be a pattern such
// as "telemetry:*") into dst until ctx is done.
func (b *Bridge) Relay(ctx context.Context, channel string, dst *Broadcaster) error {
	msgs, err := b.bus.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	b.logger.Info("relaying remote telemetry", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-msgs:
			if !ok {
				b.logger.Warn("telemetry subscription closed", slog.String("channel", channel))
				return nil
			}
			dst.Publish(frame)
		}
	}
}
