package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/upgraded/pkg/events"
)

// handleSessionEvents streams one session's events as SSE: the bridge's
// replay tail first, then live events from NATS until session-complete or
// client disconnect. The live subscription is opened before the tail is
// read, trading a rare duplicate for never losing an event in the gap.
func (s *Server) handleSessionEvents(c echo.Context) error {
	id := c.Param("id")

	sess, err := s.sessions.Get(c.Request().Context(), id)
	tail := s.bridge.Tail(id)
	if err != nil && len(tail) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "unknown session")
	}

	msgCh := make(chan *nats.Msg, 32)
	sub, err := s.nc.ChanSubscribe(events.SubscribeSubject(id), msgCh)
	if err != nil {
		return fmt.Errorf("subscribe session events: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	for _, ev := range tail {
		writeSSE(c, ev.Kind, ev.Data)
		if ev.Kind == events.KindSessionComplete {
			return nil
		}
	}
	if sess != nil && sess.State.Terminal() {
		// Terminal session whose tail has already been released; there
		// is nothing live to wait for.
		return nil
	}

	ticker := time.NewTicker(s.cfg.SSEHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgCh:
			kind := events.KindFromSubject(msg.Subject)
			if kind == "" {
				continue
			}
			writeSSE(c, kind, msg.Data)
			if kind == events.KindSessionComplete {
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

func writeSSE(c echo.Context, kind events.Kind, data []byte) {
	fmt.Fprintf(c.Response(), "event: %s\n", kind)
	fmt.Fprintf(c.Response(), "data: %s\n\n", data)
	c.Response().Flush()
}
