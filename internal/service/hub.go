package service

import (
	"time"

	"shelfgate/internal/metrics"
	v1 "shelfgate/pkg/api/v1"
	"shelfgate/pkg/logger"
)

// Client is one connected SSE consumer. TenantID scopes what it may receive;
// admin dashboard clients set AllTenants instead.
type Client struct {
	Send       chan v1.Update
	TenantID   string
	AllTenants bool
}

// WantsUpdate reports whether an update is visible to this client: platform
// entries go to everyone, tenant entries only to the owning tenant.
func (c *Client) WantsUpdate(u v1.Update) bool {
	if c.AllTenants {
		return true
	}
	return u.TenantID == "" || u.TenantID == c.TenantID
}

type Hub struct {
	clients    map[*Client]bool
	Broadcast  chan v1.Update
	Register   chan *Client
	Unregister chan *Client

	observer          metrics.HubObserver
	heartbeatInterval time.Duration
}

func NewHub(observer metrics.HubObserver, heartbeatInterval time.Duration, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		clients:           make(map[*Client]bool),
		Broadcast:         make(chan v1.Update, bufferSize),
		Register:          make(chan *Client),
		Unregister:        make(chan *Client),
		observer:          observer,
		heartbeatInterval: heartbeatInterval,
	}
}

func (h *Hub) Run() {
	var heartbeat <-chan time.Time
	if h.heartbeatInterval > 0 {
		ticker := time.NewTicker(h.heartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case client := <-h.Register:
			h.clients[client] = true
			h.observer.IncOnline()
		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				h.observer.DecOnline()
			}
		case <-heartbeat:
			h.push(v1.Update{Entry: v1.Entry{Kind: v1.KindPing}})
		case update := <-h.Broadcast:
			h.observer.UpdateEventLag(len(h.Broadcast))
			h.push(update)
		}
	}
}

func (h *Hub) push(u v1.Update) {
	for client := range h.clients {
		if u.Kind != v1.KindPing && !client.WantsUpdate(u) {
			continue
		}
		select {
		case client.Send <- u:
			if u.Kind != v1.KindPing {
				h.observer.RecordPush()
			}
		default:
			// Slow consumer, drop it. The SDK reconnects and compensates
			// from its last revision.
			logger.Warn("dropping slow stream client")
			close(client.Send)
			delete(h.clients, client)
			h.observer.DecOnline()
		}
	}
}
