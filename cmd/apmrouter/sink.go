package main

import (
	"context"
	"log/slog"

	"github.com/pior/apmrouter/wire"
)

// logSink logs every sample at debug level.
type logSink struct {
	logger *slog.Logger
}

func newLogSink(logger *slog.Logger) *logSink {
	return &logSink{logger: logger}
}

func (s *logSink) OnSample(sample wire.Sample) {
	if !s.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := []any{
		"fqn", sample.Identity().FQN(),
		"type", sample.Type.String(),
		"timestamp", sample.Timestamp,
		"token", sample.Token,
	}
	if sample.Type.IsNumeric() {
		attrs = append(attrs, "value", sample.Value)
	} else {
		attrs = append(attrs, "raw", string(sample.Raw))
	}
	s.logger.Debug("apmrouter: sample", attrs...)
}
