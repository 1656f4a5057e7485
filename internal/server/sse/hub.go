package sse

import (
	"context"
	"encoding/json"
	"sync"

	"face-attendance/internal/attendance"
	"face-attendance/internal/core/pipeline"

	log "github.com/sirupsen/logrus"
)

// Event-Typen im Stream
const (
	EventFrame      = "frame"
	EventAttendance = "attendance"
)

// Event ist eine Nachricht im SSE-Stream
type Event struct {
	Type string
	Data []byte
}

// Client repräsentiert einen einzelnen verbundenen SSE-Client
type Client chan Event

// Hub verwaltet die Menge der aktiven Clients und sendet Broadcasts an sie
type Hub struct {
	clients   map[Client]bool
	broadcast chan Event
	mu        sync.Mutex
}

// AttendanceData ist der Inhalt eines attendance-Events
type AttendanceData struct {
	IdentityID string  `json:"identity_id"`
	Action     string  `json:"action"`
	Date       string  `json:"date"`
	At         string  `json:"at"`
	Camera     string  `json:"camera,omitempty"`
	Confidence float64 `json:"confidence"`
}

// NewHub erstellt eine neue Hub-Instanz
func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan Event, 100), // Puffer für 100 Nachrichten
		clients:   make(map[Client]bool),
	}
}

// Run verteilt Broadcasts an die Clients, bis ctx endet. Danach werden alle
// Client-Kanäle geschlossen.
func (h *Hub) Run(ctx context.Context) {
	log.Info("SSE Hub started and running")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()
			log.Info("SSE Hub stopped")
			return

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					// Client-Kanal ist voll
					log.Warn("SSE client channel full, removing client")
					delete(h.clients, client)
					close(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register registriert einen neuen Client am Hub
func (h *Hub) Register(client Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	log.Infof("SSE client registered. Total clients: %d", count)
}

// Unregister meldet einen Client vom Hub ab
func (h *Hub) Unregister(client Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client)
		log.Infof("SSE client unregistered. Total clients: %d", len(h.clients))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast stellt ein Event in die Queue, ohne zu blockieren
func (h *Hub) Broadcast(eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("Failed to marshal %s event for SSE: %v", eventType, err)
		return
	}
	select {
	case h.broadcast <- Event{Type: eventType, Data: data}:
	default:
		log.Warn("SSE broadcast channel full, message dropped")
	}
}

// Render implements pipeline.Sink. Frames are only queued while clients are connected.
func (h *Hub) Render(_ context.Context, _ pipeline.Frame, result pipeline.FrameResult) error {
	if h.ClientCount() == 0 {
		return nil
	}
	h.Broadcast(EventFrame, result)
	return nil
}

// AttendanceChanged implements attendance.Notifier.
func (h *Hub) AttendanceChanged(_ context.Context, outcome attendance.Outcome) {
	if outcome.Action == attendance.ActionUnchanged {
		return
	}
	data := AttendanceData{
		IdentityID: outcome.IdentityID,
		Action:     string(outcome.Action),
		Date:       outcome.Date.Format("2006-01-02"),
		At:         outcome.At.Format("2006-01-02T15:04:05Z07:00"),
		Camera:     outcome.Source,
	}
	if outcome.Record != nil {
		data.Confidence = outcome.Record.RecognitionConfidence
	}
	h.Broadcast(EventAttendance, data)
}
