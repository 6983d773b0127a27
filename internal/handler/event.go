package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/deconst/client/internal/eventbus"
	"github.com/gin-gonic/gin"
)

// EventHandler streams repository events over Server-Sent Events
type EventHandler struct {
	bus       *eventbus.Bus
	keepAlive time.Duration
}

func NewEventHandler(bus *eventbus.Bus) *EventHandler {
	return &EventHandler{bus: bus, keepAlive: 15 * time.Second}
}

// Stream GET /api/events[?repository=<id>]
func (h *EventHandler) Stream(c *gin.Context) {
	filter := 0
	if raw := c.Query("repository"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid repository", "error_key": "error.invalid_id"})
			return
		}
		filter = id
	}

	events, cancel := h.bus.Stream(64)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if filter != 0 && e.RepositoryID != filter {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			writeSSEEvent(c.Writer, e.Type, string(data))
			c.Writer.Flush()
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()
		}
	}
}

// writeSSEEvent writes a named SSE event with properly encoded data.
func writeSSEEvent(w gin.ResponseWriter, event, payload string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(payload, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}
