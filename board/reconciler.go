package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kuva-api/domain"
	"kuva-api/query"
)

// DropResult is the event emitted by the drag-and-drop surface when a drag
// ends. Destination is nil when the drag was cancelled.
type DropResult struct {
	DraggableID string    `json:"draggableId"`
	Type        string    `json:"type"`
	Reason      string    `json:"reason"`
	Source      Location  `json:"source"`
	Destination *Location `json:"destination"`
}

// Outcome describes what a drop did.
type Outcome string

const (
	OutcomeNone       Outcome = "none"
	OutcomeReordered  Outcome = "reordered"
	OutcomeMoved      Outcome = "moved"
	// OutcomeRolledBack is a move the persister refused; the task is back
	// at its source.
	OutcomeRolledBack Outcome = "rolled_back"
)

// Move is the result of handling a drop.
type Move struct {
	Outcome Outcome     `json:"outcome"`
	Task    domain.Task `json:"task"`
	From    Location    `json:"from"`
	To      Location    `json:"to"`
}

// Submitter hands merge writes to the background persister.
type Submitter interface {
	Submit(taskID string, fields domain.TaskFields, done func(error)) error
}

// Invalidator marks cached query results stale.
type Invalidator interface {
	Invalidate(ctx context.Context, prefix query.Key) error
}

// Notifier surfaces toast notifications.
type Notifier interface {
	Success(message string)
	Error(message string, err error)
}

// TasksKey is the key prefix shared by every task query.
var TasksKey = query.Key{"tasks"}

const moveFailedMessage = "Failed to move task!"

// Reconciler applies drop events to a board state and persists cross-column
// moves. Failed moves are rolled back to the last confirmed position.
type Reconciler struct {
	state             *State
	persister         Submitter
	invalidator       Invalidator
	notifier          Notifier
	logger            *log.Entry
	invalidateTimeout time.Duration
	pending           *pendingQueue
}

// NewReconciler wires a reconciler for one board page.
func NewReconciler(state *State, persister Submitter, invalidator Invalidator, notifier Notifier, logger *log.Entry) *Reconciler {
	return &Reconciler{
		state:             state,
		persister:         persister,
		invalidator:       invalidator,
		notifier:          notifier,
		logger:            logger,
		invalidateTimeout: 10 * time.Second,
		pending:           newPendingQueue(),
	}
}

// OnDragEnd updates the local state for the drop and, for moves between
// columns, submits one merge write setting column and status together. The
// local update happens before the write is issued and does not wait for it.
func (r *Reconciler) OnDragEnd(drop DropResult) (Move, error) {
	if drop.Destination == nil {
		return Move{Outcome: OutcomeNone}, nil
	}
	src, dst := drop.Source, *drop.Destination
	if src == dst {
		return Move{Outcome: OutcomeNone, From: src, To: dst}, nil
	}
	layout := r.state.Layout()
	if !layout.Has(src.Column) {
		return Move{}, fmt.Errorf("%w: %s", ErrUnknownColumn, src.Column)
	}
	if !layout.Has(dst.Column) {
		return Move{}, fmt.Errorf("%w: %s", ErrUnknownColumn, dst.Column)
	}

	if src.Column == dst.Column {
		task, err := r.state.reorder(src.Column, src.Index, dst.Index)
		if err != nil {
			return Move{}, err
		}
		return Move{Outcome: OutcomeReordered, Task: task, From: src, To: dst}, nil
	}

	label, _ := layout.Label(dst.Column)
	task, at, err := r.state.move(src, dst, label)
	if err != nil {
		return Move{}, err
	}
	seq := r.pending.begin(task.ID, src)
	done := func(err error) { r.settle(task.ID, seq, at, err) }
	if err := r.persister.Submit(task.ID, domain.MoveTo(dst.Column, label), done); err != nil {
		r.logger.WithError(err).WithField("task_id", task.ID).Warn("task write not queued")
		r.settle(task.ID, seq, at, err)
		task.Column = src.Column
		task.Status, _ = src.Column.StatusLabel()
		return Move{Outcome: OutcomeRolledBack, Task: task, From: src, To: src}, fmt.Errorf("move task %s: %w", task.ID, err)
	}
	return Move{Outcome: OutcomeMoved, Task: task, From: src, To: at}, nil
}

// Pending returns the number of tasks with unconfirmed moves.
func (r *Reconciler) Pending() int {
	return r.pending.len()
}

func (r *Reconciler) settle(taskID string, seq uint64, target Location, err error) {
	rollback, origin := r.pending.settle(taskID, seq, target, err)
	if err != nil && rollback {
		label, _ := origin.Column.StatusLabel()
		if r.state.restore(taskID, origin, label) {
			r.logger.WithError(err).WithFields(log.Fields{
				"task_id": taskID,
				"column":  origin.Column,
			}).Warn("task move rolled back")
		}
		r.notifier.Error(moveFailedMessage, err)
	}
	if errors.Is(err, ErrPersisterClosed) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.invalidateTimeout)
	defer cancel()
	if ierr := r.invalidator.Invalidate(ctx, TasksKey); ierr != nil {
		r.logger.WithError(ierr).Debug("invalidate after move")
	}
}

// pendingQueue tracks unconfirmed moves per task. confirmed is where the
// task is known to be in the store.
type pendingQueue struct {
	mu  sync.Mutex
	ops map[string]*pendingOp
}

type pendingOp struct {
	confirmed Location
	latest    uint64
	inflight  int
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{ops: make(map[string]*pendingOp)}
}

func (q *pendingQueue) begin(taskID string, from Location) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.ops[taskID]
	if !ok {
		op = &pendingOp{confirmed: from}
		q.ops[taskID] = op
	}
	op.latest++
	op.inflight++
	return op.latest
}

// settle records the outcome of write seq. Writes of one task complete in
// submission order. It reports whether the task must be rolled back and
// where to.
func (q *pendingQueue) settle(taskID string, seq uint64, target Location, err error) (bool, Location) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.ops[taskID]
	if !ok {
		return false, Location{}
	}
	op.inflight--
	if err == nil {
		op.confirmed = target
	}
	rollback := err != nil && seq == op.latest
	origin := op.confirmed
	if op.inflight <= 0 {
		delete(q.ops, taskID)
	}
	return rollback, origin
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}
