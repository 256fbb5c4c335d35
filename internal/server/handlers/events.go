package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	apperrors "github.com/mantonx/imgvault/internal/errors"
	"github.com/mantonx/imgvault/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 64
)

// EventsHandler serves lifecycle events over HTTP and websocket
type EventsHandler struct {
	bus      events.Bus
	logger   hclog.Logger
	upgrader websocket.Upgrader
}

// NewEventsHandler creates an events handler
func NewEventsHandler(bus events.Bus, logger hclog.Logger) *EventsHandler {
	return &EventsHandler{
		bus:    bus,
		logger: logger.Named("events-ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// GetEvents lists events, newest first
func (h *EventsHandler) GetEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	list, total, err := h.bus.GetEvents(c.Request.Context(), filterFromQuery(c), limit, offset)
	if err != nil {
		apperrors.HandleDatabaseError(c, "list_events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": list,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetStats returns event bus statistics
func (h *EventsHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.bus.GetStats())
}

// Stream upgrades to a websocket and pushes matching events as JSON text
// frames. ?recent=N replays the newest N events first.
func (h *EventsHandler) Stream(c *gin.Context) {
	filter := filterFromQuery(c)
	recent, _ := strconv.Atoi(c.Query("recent"))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	queue := make(chan events.Event, wsBuffer)
	sub, err := h.bus.Subscribe(filter, func(e events.Event) error {
		select {
		case queue <- e:
		default:
			h.logger.Warn("websocket client too slow, dropping event", "event_id", e.ID)
		}
		return nil
	})
	if err != nil {
		h.logger.Error("failed to subscribe", "error", err)
		return
	}
	defer h.bus.Unsubscribe(sub.ID)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if recent > 0 {
		for _, e := range h.bus.Recent(filter, recent) {
			if err := writeEvent(conn, e); err != nil {
				return
			}
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case e := <-queue:
			if err := writeEvent(conn, e); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func filterFromQuery(c *gin.Context) events.EventFilter {
	var filter events.EventFilter
	for _, t := range splitList(c.Query("types")) {
		filter.Types = append(filter.Types, events.EventType(t))
	}
	filter.Targets = splitList(c.Query("module"))
	return filter
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
