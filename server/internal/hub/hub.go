package hub

import (
	"context"
	"log/slog"

	"github.com/asaskevich/EventBus"
	"github.com/mediagrab/mediagrab/server/internal/job"
)

// Hub fans job lifecycle events out to every connected observer. Delivery
// is best-effort: a client that cannot keep up is pruned, not retried.
// Observers reconcile through the pull contract (listing active jobs), so
// the hub is an optimization, never the only path to correctness.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan any
	register   chan *Client
	unregister chan *Client
}

func New() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan any, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run is the hub's event loop. All registry mutation happens here; the
// loop exits when ctx is cancelled at shutdown.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			slog.Info("push client connected", slog.String("clientId", client.id))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				slog.Info("push client disconnected", slog.String("clientId", client.id))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// unreachable observer, prune silently
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Broadcast queues a message for every connected client, dropping it when
// the hub itself is saturated.
func (h *Hub) Broadcast(message any) {
	select {
	case h.broadcast <- message:
	default:
		slog.Warn("push broadcast channel full, dropping message")
	}
}

// Attach subscribes the hub to the orchestrator's event topics.
func (h *Hub) Attach(bus EventBus.Bus) error {
	if err := bus.Subscribe(job.TopicProgress, func(ev job.ProgressEvent) {
		h.Broadcast(progressMessage(ev))
	}); err != nil {
		return err
	}

	if err := bus.Subscribe(job.TopicBatchProgress, func(ev job.BatchProgressEvent) {
		h.Broadcast(batchProgressMessage(ev))
	}); err != nil {
		return err
	}

	if err := bus.Subscribe(job.TopicCompleted, func(ev job.CompletedEvent) {
		h.Broadcast(completedMessage(ev))
	}); err != nil {
		return err
	}

	return bus.Subscribe(job.TopicError, func(ev job.ErrorEvent) {
		h.Broadcast(errorMessage(ev))
	})
}

func (h *Hub) RegisterClient(client *Client)   { h.register <- client }
func (h *Hub) UnregisterClient(client *Client) { h.unregister <- client }
