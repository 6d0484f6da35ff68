package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/events"
	"github.com/fyrsmithlabs/conductd/internal/runstate"
)

// sseHeartbeat keeps proxies from timing out an idle stream. Gates can
// stay pending for a long time.
const sseHeartbeat = 30 * time.Second

// handleEvents streams a run's lifecycle events via Server-Sent Events.
//
// The handler subscribes to the run's NATS wildcard subject and forwards
// every event until the run finishes or the client disconnects. The SSE
// event name is the run event type (phase.entered, gate.opened, ...) and
// the data payload is the event JSON as published by the event bus.
//
// Example:
//
//	GET /api/v1/runs/{id}/events
//
//	event: build.started
//	data: {"seq":4,"type":"build.started","run_id":"...","build_started":{"iteration":0}}
//
//	event: gate.opened
//	data: {"seq":9,"type":"gate.opened","run_id":"...","gate_opened":{"gate":"approve-spec"}}
func (s *Server) handleEvents(c echo.Context) error {
	if s.nc == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming is disabled")
	}

	runID := c.Param("id")
	if _, err := s.runs.Get(runID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	subject := events.RunWildcard(runID)
	msgChan := make(chan *nats.Msg, 16)
	sub, err := s.nc.ChanSubscribe(subject, msgChan)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	s.logger.Debug("sse stream opened",
		zap.String("run_id", runID),
		zap.String("subject", subject))

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	c.Response().Flush()

	for {
		select {
		case msg := <-msgChan:
			// Subject is runs.<run_id>.<category>.<event>; the SSE event
			// name is the trailing category.event pair.
			parts := strings.Split(msg.Subject, ".")
			if len(parts) < 4 {
				continue
			}
			eventType := strings.Join(parts[len(parts)-2:], ".")

			fmt.Fprintf(c.Response(), "event: %s\n", eventType)
			fmt.Fprintf(c.Response(), "data: %s\n\n", string(msg.Data))
			c.Response().Flush()

			if eventType == string(runstate.EventRunFinished) {
				return nil
			}

		case <-ticker.C:
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}
