// Package sinks provides Sink implementations for the progress hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/openlistings/listing-ingest/internal/progress"
)

// LogSink emits structured logs for progress streams. Useful in development
// and in deployments without a metrics backend.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Info("progress event",
			zap.String("run_key", evt.RunKey),
			zap.String("stage", string(evt.Stage)),
			zap.String("source", evt.Source),
			zap.String("url", evt.URL),
			zap.Int("page", evt.Page),
			zap.Int64("bytes", evt.Bytes),
			zap.String("status_class", evt.StatusClass),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
