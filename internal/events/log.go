// Package events holds the fallback publisher used when no broker is configured.
package events

import (
	"context"
	"log/slog"

	interfaces "github.com/sheikh-saqib/offline-payments-auth/internal/interfaces"
)

// LogPublisher writes events to the logger instead of a broker.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, event any) error {
	p.logger.InfoContext(ctx, "event published", "topic", topic, "event", event)
	return nil
}

var _ interfaces.EventPublisher = (*LogPublisher)(nil)
