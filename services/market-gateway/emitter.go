package main

import (
	"log/slog"

	"custodia/core/events"
	"custodia/core/types"
)

// logEmitter forwards settlement events to the structured log so operators
// get an audit trail without a separate indexer.
type logEmitter struct {
	logger *slog.Logger
}

func newLogEmitter(logger *slog.Logger) logEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return logEmitter{logger: logger}
}

func (e logEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	attrs := []any{"event", evt.EventType()}
	if detailed, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := detailed.Event(); payload != nil {
			for k, v := range payload.Attributes {
				attrs = append(attrs, k, v)
			}
		}
	}
	e.logger.Info("settlement event", attrs...)
}
