// Package query holds fetched results under hierarchical keys, pushes state
// transitions to subscribers and refetches on invalidation.
package query

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Key identifies a cached result, for example {"tasks"} or {"tasks", id}.
type Key []string

// String renders the key for logging.
func (k Key) String() string {
	return "[" + strings.Join(k, " ") + "]"
}

// HasPrefix reports whether p is a leading path of k. The empty key is a
// prefix of every key.
func (k Key) HasPrefix(p Key) bool {
	if len(p) > len(k) {
		return false
	}
	for i := range p {
		if k[i] != p[i] {
			return false
		}
	}
	return true
}

// Status is the lifecycle stage of a query.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "idle"
	}
}

// State is a snapshot of a query result.
type State[T any] struct {
	Status       Status
	Data         T
	Err          error
	IsRefetching bool
	// Version increases with every successful fetch.
	Version   uint64
	UpdatedAt time.Time
}

// Settled reports whether the query holds a successful result and no fetch
// is running.
func (s State[T]) Settled() bool {
	return s.Status == StatusSuccess && !s.IsRefetching
}

// Fetcher loads the data for a query.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Query is a cached, subscribable result shared by everyone who registers
// the same key on a Client.
type Query[T any] struct {
	client *Client
	key    Key
	fetch  Fetcher[T]

	mu       sync.Mutex
	state    State[T]
	stale    bool
	// gen counts invalidations. A load that sees it move was started before
	// a write it cannot observe.
	gen      uint64
	inflight chan struct{}
	subs     map[uint64]func(State[T])
	nextSub  uint64
}

// Register returns the query stored under key, creating it with fetch when
// none exists. It panics when the key is already held by a query of another
// data type.
func Register[T any](c *Client, key Key, fetch Fetcher[T]) *Query[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := strings.Join(key, "\x00")
	if existing, ok := c.queries[id]; ok {
		q, ok := existing.(*Query[T])
		if !ok {
			panic(fmt.Sprintf("query: key %s already registered as %T", key, existing))
		}
		return q
	}
	q := &Query[T]{
		client: c,
		key:    append(Key(nil), key...),
		fetch:  fetch,
		subs:   make(map[uint64]func(State[T])),
	}
	c.queries[id] = q
	return q
}

// Key returns the key the query is registered under.
func (q *Query[T]) Key() Key {
	return q.key
}

// Current returns the latest state without fetching.
func (q *Query[T]) Current() State[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Subscribe registers fn for state transitions. fn is invoked immediately
// with the current state. The returned function removes the subscription.
func (q *Query[T]) Subscribe(fn func(State[T])) func() {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	st := q.state
	q.mu.Unlock()

	fn(st)

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.subs, id)
			q.mu.Unlock()
		})
	}
}

// Fetch returns the cached state while it is fresh, otherwise loads the data.
// Concurrent callers share one load. A load overtaken by an invalidation is
// discarded and repeated, so callers never adopt data read before it.
func (q *Query[T]) Fetch(ctx context.Context) (State[T], error) {
	q.mu.Lock()
	for {
		if q.state.Status == StatusSuccess && !q.stale && !q.client.expired(q.state.UpdatedAt) {
			st := q.state
			q.mu.Unlock()
			return st, nil
		}
		ch := q.inflight
		if ch == nil {
			break
		}
		q.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return q.Current(), ctx.Err()
		}
		q.mu.Lock()
		if q.state.Status == StatusError && !q.stale {
			st := q.state
			q.mu.Unlock()
			return st, st.Err
		}
	}

	ch := make(chan struct{})
	q.inflight = ch
	if q.state.Status == StatusSuccess {
		q.state.IsRefetching = true
	} else {
		q.state.Status = StatusLoading
	}
	st, subs := q.state, q.subscribersLocked()
	q.mu.Unlock()
	notify(subs, st)

	var (
		data T
		err  error
	)
	for {
		gen := q.generation()
		data, err = q.load(ctx, gen)
		q.mu.Lock()
		if err != nil || q.gen == gen {
			break
		}
		q.mu.Unlock()
		if err = ctx.Err(); err != nil {
			q.mu.Lock()
			break
		}
	}

	q.inflight = nil
	close(ch)
	if err != nil {
		q.state.Status = StatusError
		q.state.Err = err
		q.state.IsRefetching = false
		q.stale = false
	} else {
		q.state = State[T]{
			Status:    StatusSuccess,
			Data:      data,
			Version:   q.state.Version + 1,
			UpdatedAt: q.client.now(),
		}
		q.stale = false
	}
	st, subs = q.state, q.subscribersLocked()
	q.mu.Unlock()
	notify(subs, st)
	return st, err
}

func (q *Query[T]) generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}

// load reads through the shared cache. Results of a load started at gen are
// only written back while no invalidation has happened since.
func (q *Query[T]) load(ctx context.Context, gen uint64) (T, error) {
	c := q.client
	if c.cache != nil {
		if raw, ok := c.cache.Load(ctx, c.namespace, q.key); ok {
			var data T
			if err := sonic.Unmarshal(raw, &data); err == nil {
				return data, nil
			}
			c.logger.WithField("key", q.key.String()).Debug("discarding undecodable cached result")
		}
	}
	data, err := q.fetch(ctx)
	if err != nil {
		return data, err
	}
	if c.cache != nil && q.generation() == gen {
		if raw, err := sonic.Marshal(data); err == nil {
			c.cache.Store(ctx, c.namespace, q.key, raw)
		}
	}
	return data, nil
}

func (q *Query[T]) subscribersLocked() []func(State[T]) {
	out := make([]func(State[T]), 0, len(q.subs))
	for _, fn := range q.subs {
		out = append(out, fn)
	}
	return out
}

func notify[T any](subs []func(State[T]), st State[T]) {
	for _, fn := range subs {
		fn(st)
	}
}

func (q *Query[T]) queryKey() Key { return q.key }

func (q *Query[T]) markStale() {
	q.mu.Lock()
	q.stale = true
	q.gen++
	q.mu.Unlock()
}

func (q *Query[T]) active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs) > 0
}

func (q *Query[T]) refetch(ctx context.Context) error {
	_, err := q.Fetch(ctx)
	return err
}

func (q *Query[T]) reset() {
	q.mu.Lock()
	q.subs = make(map[uint64]func(State[T]))
	q.mu.Unlock()
}
