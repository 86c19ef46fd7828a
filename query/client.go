package query

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type entry interface {
	queryKey() Key
	markStale()
	active() bool
	refetch(ctx context.Context) error
	reset()
}

// Client owns the queries of one session. Clients that share a namespace
// share cached results and invalidations.
type Client struct {
	id        string
	namespace string
	cache     ResultCache
	hub       *Hub
	logger    *log.Logger
	staleTime time.Duration
	now       func() time.Time

	mu      sync.Mutex
	queries map[string]entry
	closed  bool
}

// Options configures a Client. Zero values are valid.
type Options struct {
	Cache ResultCache
	Hub   *Hub
	// StaleTime bounds how long a successful result is served without a
	// refetch. Zero keeps results until they are invalidated.
	StaleTime time.Duration
	Logger    *log.Logger
}

// NewClient creates a client for the given namespace, usually the user id.
func NewClient(namespace string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &Client{
		id:        uuid.NewString(),
		namespace: namespace,
		cache:     opts.Cache,
		hub:       opts.Hub,
		logger:    logger,
		staleTime: opts.StaleTime,
		now:       time.Now,
		queries:   make(map[string]entry),
	}
	if c.hub != nil {
		c.hub.attach(c)
	}
	return c
}

// Namespace returns the namespace the client was created for.
func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) expired(updated time.Time) bool {
	return c.staleTime > 0 && c.now().Sub(updated) >= c.staleTime
}

// Invalidate marks every query whose key starts with prefix as stale, drops
// the shared cached results and refetches the queries that have subscribers.
// Other clients of the namespace are notified through the hub.
func (c *Client) Invalidate(ctx context.Context, prefix Key) error {
	if c.cache != nil {
		c.cache.Evict(ctx, c.namespace, prefix)
	}
	err := c.invalidateLocal(ctx, prefix)
	if c.hub != nil {
		if perr := c.hub.Publish(ctx, Invalidation{Namespace: c.namespace, Prefix: prefix, Origin: c.id}); perr != nil {
			c.logger.WithError(perr).WithField("prefix", prefix.String()).Warn("publish invalidation failed")
		}
	}
	return err
}

func (c *Client) invalidateLocal(ctx context.Context, prefix Key) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	matched := make([]entry, 0, len(c.queries))
	for _, q := range c.queries {
		if q.queryKey().HasPrefix(prefix) {
			matched = append(matched, q)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, q := range matched {
		q.markStale()
		if !q.active() {
			continue
		}
		if err := q.refetch(ctx); err != nil {
			c.logger.WithError(err).WithFields(log.Fields{
				"namespace": c.namespace,
				"key":       q.queryKey().String(),
			}).Warn("refetch after invalidation failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close drops every subscription and detaches the client from the hub.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	queries := c.queries
	c.queries = make(map[string]entry)
	c.mu.Unlock()

	for _, q := range queries {
		q.reset()
	}
	if c.hub != nil {
		c.hub.detach(c)
	}
}
