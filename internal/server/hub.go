package server

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"thermalsharp/internal/pipeline"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// hub fans window progress out to websocket clients. Only run writes to
// connections.
type hub struct {
	log        *slog.Logger
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	count      atomic.Int32
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:        log,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			client.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int32(len(h.clients)))
			h.log.Debug("websocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.count.Store(int32(len(h.clients)))
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
					h.count.Store(int32(len(h.clients)))
				}
			}
		}
	}
}

// add reports false once the hub has stopped.
func (h *hub) add(conn *websocket.Conn) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) remove(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// publish drops the message when the hub is backed up.
func (h *hub) publish(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.log.Debug("websocket broadcast full, dropping progress event")
	}
}

func (h *hub) clientCount() int { return int(h.count.Load()) }

// progressEvent is one finished window as sent on /ws.
type progressEvent struct {
	RunID      string `json:"run_id"`
	Window     int    `json:"window"`
	Row0       int    `json:"row0"`
	Col0       int    `json:"col0"`
	Row1       int    `json:"row1"`
	Col1       int    `json:"col1"`
	Status     string `json:"status"`
	Samples    int    `json:"samples"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func newProgressEvent(p pipeline.Progress) progressEvent {
	o := p.Outcome
	ev := progressEvent{
		RunID:      p.JobID,
		Window:     o.Index,
		Row0:       o.Core.Row0,
		Col0:       o.Core.Col0,
		Row1:       o.Core.Row1,
		Col1:       o.Core.Col1,
		Status:     o.Status,
		Samples:    o.Samples,
		DurationMS: o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	return ev
}
