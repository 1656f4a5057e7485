package handlers

import (
	"io"

	"face-attendance/internal/server/sse"

	"github.com/gin-gonic/gin"
)

// StreamHandler liefert Frame- und Anwesenheitsereignisse als Server-Sent Events
type StreamHandler struct {
	hub *sse.Hub
}

// NewStreamHandler erstellt einen neuen Stream-Handler
func NewStreamHandler(hub *sse.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// RegisterRoutes registriert die Stream-Route
func (h *StreamHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/stream", h.Stream)
}

// Stream hält die Verbindung offen, bis der Client geht oder der Hub stoppt
func (h *StreamHandler) Stream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	client := make(sse.Client, 10) // Puffer für 10 Nachrichten
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case ev, ok := <-client:
			if !ok {
				return false // Hub gestoppt
			}
			c.SSEvent(ev.Type, string(ev.Data))
			return true
		}
	})
}
