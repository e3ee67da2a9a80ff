package relay

import (
	"context"
	"fmt"
)

// Sink forwards a raw push payload to an external transport on behalf of
// a channel that is not consuming the local event feed.
type Sink interface {
	// Forward delivers payload to the device identified by token.
	Forward(ctx context.Context, token string, payload []byte) error
}

// SinkMux routes forwarded deliveries to the sink registered for the
// channel's platform.
type SinkMux struct {
	sinks map[string]Sink
}

// NewSinkMux creates a SinkMux from a map of platform name to sink.
// Platforms with no registered sink are rejected at subscribe time.
func NewSinkMux(sinks map[string]Sink) *SinkMux {
	return &SinkMux{sinks: sinks}
}

// Supports reports whether a sink is registered for the platform.
func (m *SinkMux) Supports(platform string) bool {
	_, ok := m.sinks[platform]
	return ok
}

// Forward delegates to the sink registered for the given platform.
func (m *SinkMux) Forward(ctx context.Context, platform, token string, payload []byte) error {
	s, ok := m.sinks[platform]
	if !ok {
		return fmt.Errorf("no sink configured for platform %q", platform)
	}
	return s.Forward(ctx, token, payload)
}
