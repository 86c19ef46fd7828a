package query

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Invalidation is broadcast to every client of a namespace.
type Invalidation struct {
	Namespace string `json:"namespace"`
	Prefix    Key    `json:"prefix"`
	Origin    string `json:"origin"`
}

// Hub routes invalidations between clients. With a Redis client the
// invalidations travel over pub/sub so that clients on other instances see
// them too; without one they are delivered in process.
type Hub struct {
	redis   *redis.Client
	channel string
	logger  *log.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// NewHub creates a hub. rc may be nil.
func NewHub(rc *redis.Client, channel string, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		redis:   rc,
		channel: channel,
		logger:  logger,
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) attach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.namespace]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.namespace] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.namespace]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.namespace)
		}
	}
}

// Clients returns the number of attached clients in namespace.
func (h *Hub) Clients(namespace string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[namespace])
}

// Publish broadcasts inv.
func (h *Hub) Publish(ctx context.Context, inv Invalidation) error {
	if h.redis == nil {
		h.dispatch(ctx, inv)
		return nil
	}
	data, err := sonic.Marshal(inv)
	if err != nil {
		return err
	}
	return h.redis.Publish(ctx, h.channel, data).Err()
}

func (h *Hub) dispatch(ctx context.Context, inv Invalidation) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[inv.Namespace]))
	for c := range h.clients[inv.Namespace] {
		if c.id != inv.Origin {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		_ = c.invalidateLocal(ctx, inv.Prefix)
	}
}

// Run consumes invalidations from Redis until ctx is cancelled, reconnecting
// when the subscription drops. It returns immediately when the hub has no
// Redis client.
func (h *Hub) Run(ctx context.Context) {
	if h.redis == nil {
		return
	}
	for {
		sub := h.redis.Subscribe(ctx, h.channel)
		h.consume(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		h.logger.WithField("channel", h.channel).Error("invalidation channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (h *Hub) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var inv Invalidation
			if err := sonic.UnmarshalString(msg.Payload, &inv); err != nil {
				h.logger.WithError(err).Error("unable to parse invalidation")
				continue
			}
			h.dispatch(ctx, inv)
		}
	}
}
