package observability

import (
	"context"
	"log/slog"
)

// SlogObserver renders events through Go's slog package at the level
// carried on the event. This is the default sink used when the CLI does
// not configure a file or project-summary sink.
type SlogObserver struct {
	logger *slog.Logger
}

// NewSlogObserver creates a SlogObserver writing through logger.
func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	return &SlogObserver{logger: logger}
}

// OnEvent logs the event at the slog level its Level maps to.
func (o *SlogObserver) OnEvent(ctx context.Context, event Event) {
	o.logger.Log(ctx, event.Level.SlogLevel(), string(event.Type),
		"source", event.Source,
		"timestamp", event.Timestamp,
		"data", event.Data,
	)
}
