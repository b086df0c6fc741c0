package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/sheetarchiver/api/internal/model"
	"github.com/sheetarchiver/api/internal/registry"
)

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub fans job events out to the clients watching each job
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	mu     sync.RWMutex
	logger *slog.Logger
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.logger.Debug("websocket client registered", "job_id", client.JobID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.Debug("websocket client unregistered", "job_id", client.JobID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					h.logger.Warn("websocket client too slow, dropping", "job_id", msg.JobID)
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with h.mu held
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.Send)
		if len(clients) == 0 {
			delete(h.clients, client.JobID)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for client := range clients {
			h.remove(client)
		}
	}
}

// Register adds a new client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribers returns the number of clients watching a job
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// Observe is a registry observer. It never blocks; events are dropped while
// the broadcast buffer is full.
func (h *Hub) Observe(ev registry.Event) {
	data, err := EncodeEvent(ev)
	if err != nil {
		h.logger.Error("failed to marshal job event", "job_id", ev.Job.ID, "error", err)
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: ev.Job.ID, Message: data}:
	default:
		h.logger.Warn("websocket broadcast buffer full, dropping event", "job_id", ev.Job.ID)
	}
}

// EncodeEvent renders a registry event as a log or status message
func EncodeEvent(ev registry.Event) ([]byte, error) {
	if ev.LogLine != "" {
		return json.Marshal(model.WSLogMessage{
			Type:  model.WSMessageTypeLog,
			JobID: ev.Job.ID,
			Line:  ev.LogLine,
		})
	}
	msg := StatusMessage(ev.Job)
	if ev.Previous != ev.Job.Status {
		msg.Previous = ev.Previous
	}
	return json.Marshal(msg)
}

// StatusMessage builds the status message for a job snapshot
func StatusMessage(job model.Job) model.WSStatusMessage {
	return model.WSStatusMessage{
		Type:         model.WSMessageTypeStatus,
		JobID:        job.ID,
		Status:       job.Status,
		EndedAt:      job.EndedAt,
		ErrorMessage: job.ErrorMessage,
		RemoteHandle: job.RemoteHandle,
		Summary:      job.Summary,
		ReportURL:    job.ReportURL,
	}
}

// HandleConnection serves one WebSocket connection. initial, when not nil,
// is sent before any live event.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, initial *model.Job) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}

	if initial != nil {
		if data, err := json.Marshal(StatusMessage(*initial)); err == nil {
			client.Send <- data
		}
	}

	if !h.Register(client) {
		return
	}
	defer h.Unregister(client)

	// the writer goroutine owns the connection
	pongs := make(chan []byte, 1)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case pong := <-pongs:
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "job_id", jobID, "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case pongs <- pong:
			default:
			}
		}
	}
}
