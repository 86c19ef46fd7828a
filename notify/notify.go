// Package notify carries toast notifications and UI change events to the
// browser of one session.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Level of a notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
)

// Notification is a toast.
type Notification struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Event types published on a feed.
const (
	EventNotification = "notification"
	EventBoard        = "board"
	EventOverlay      = "overlay"
	EventTask         = "task"
)

// Event is delivered to feed subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	historySize   = 50
	subscriberBuf = 16
)

// Feed fans events out to subscribers and keeps the latest notifications.
// Slow subscribers miss events instead of blocking publishers.
type Feed struct {
	logger *log.Entry
	now    func() time.Time

	mu     sync.Mutex
	recent []Notification
	subs   map[chan Event]struct{}
	closed bool
}

// NewFeed creates a feed that also writes every notification to logger.
func NewFeed(logger *log.Entry) *Feed {
	return &Feed{
		logger: logger,
		now:    time.Now,
		subs:   make(map[chan Event]struct{}),
	}
}

// Success publishes a success toast.
func (f *Feed) Success(message string) {
	f.notify(LevelSuccess, message, nil)
}

// Error publishes an error toast. err is logged and attached as detail.
func (f *Feed) Error(message string, err error) {
	f.notify(LevelError, message, err)
}

// Info publishes an informational toast.
func (f *Feed) Info(message string) {
	f.notify(LevelInfo, message, nil)
}

func (f *Feed) notify(level Level, message string, err error) {
	n := Notification{
		ID:        uuid.NewString(),
		Level:     level,
		Message:   message,
		CreatedAt: f.now().UTC(),
	}
	entry := f.logger.WithFields(log.Fields{"notification_id": n.ID, "level": level})
	if err != nil {
		n.Detail = err.Error()
		entry.WithError(err).Warn(message)
	} else {
		entry.Info(message)
	}

	f.mu.Lock()
	f.recent = append(f.recent, n)
	if len(f.recent) > historySize {
		f.recent = append([]Notification(nil), f.recent[len(f.recent)-historySize:]...)
	}
	f.mu.Unlock()
	f.Publish(Event{Type: EventNotification, Data: n})
}

// Publish delivers ev to every subscriber.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Recent returns the retained notifications, oldest first.
func (f *Feed) Recent() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.recent...)
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. The channel is closed on cancel or when the feed closes.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuf)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
			}
			f.mu.Unlock()
		})
	}
}

// Close ends every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
}
