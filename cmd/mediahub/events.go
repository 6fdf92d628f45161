package main

import (
	"go.uber.org/zap"

	"mediahub-go/internal/events"
)

// followEvents logs every bus event until the returned stop is called or the
// bus closes. stop drains what was already published.
func followEvents(bus *events.Bus, logger *zap.Logger) (stop func()) {
	ch := bus.SubscribeAll()
	logger = logger.Named("events")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			logEvent(logger, ev)
		}
	}()
	return func() {
		bus.Unsubscribe(ch)
		<-done
	}
}

func logEvent(logger *zap.Logger, ev events.Event) {
	fields := []zap.Field{zap.String("server", ev.ServerID)}
	switch data := ev.Data.(type) {
	case events.ConnectionData:
		fields = append(fields, zap.Int("candidates", data.Candidates), zap.Duration("elapsed", data.Elapsed))
		if data.BaseURL != "" {
			fields = append(fields, zap.String("base_url", data.BaseURL))
		}
	case events.PageData:
		fields = append(fields,
			zap.String("view", data.View),
			zap.Int("offset", data.Offset),
			zap.Int("rows", data.Rows),
			zap.Bool("end_reached", data.EndReached))
	}

	switch ev.Type {
	case events.ConnectionFailed:
		logger.Warn("Server unreachable", fields...)
	case events.ConnectionResolved:
		logger.Info("Server connected", fields...)
	case events.ConnectionsReset:
		logger.Info("Connection state reset")
	case events.LibraryRefreshed:
		logger.Info("View refreshed", fields...)
	default:
		logger.Debug(string(ev.Type), fields...)
	}
}
