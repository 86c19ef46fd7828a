package board

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kuva-api/domain"
)

// TaskWriter applies merge writes to the remote task store.
type TaskWriter interface {
	MergeTask(ctx context.Context, id string, f domain.TaskFields) error
}

// PersisterConfig sizes the worker pool.
type PersisterConfig struct {
	Workers        int
	Buffer         int
	WriteTimeout   time.Duration
	HandoffTimeout time.Duration
}

func (c PersisterConfig) withDefaults() PersisterConfig {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return c
}

type writeJob struct {
	taskID string
	fields domain.TaskFields
	done   func(error)
}

// Persister applies drag writes in the background. Writes for the same task
// always go to the same worker, so they reach the store in submission order.
type Persister struct {
	cfg    PersisterConfig
	store  TaskWriter
	logger *log.Logger

	mu     sync.RWMutex
	queues []chan writeJob
	closed bool
	wg     sync.WaitGroup
}

// NewPersister starts the workers.
func NewPersister(store TaskWriter, cfg PersisterConfig, logger *log.Logger) *Persister {
	if store == nil {
		panic("board.NewPersister: store is nil")
	}
	if logger == nil {
		panic("board.NewPersister: logger is nil")
	}
	cfg = cfg.withDefaults()
	p := &Persister{
		cfg:    cfg,
		store:  store,
		logger: logger,
		queues: make([]chan writeJob, cfg.Workers),
	}
	perWorker := max(1, cfg.Buffer/cfg.Workers)
	for i := range p.queues {
		p.queues[i] = make(chan writeJob, perWorker)
		p.wg.Add(1)
		go p.worker(i, p.queues[i])
	}
	logger.Infof("task persister started, workers: %d, buffer: %d, timeout: %v, handoff: %v",
		cfg.Workers, cfg.Buffer, cfg.WriteTimeout, cfg.HandoffTimeout)
	return p
}

func (p *Persister) worker(id int, jobs <-chan writeJob) {
	defer p.wg.Done()
	for j := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		err := p.store.MergeTask(ctx, j.taskID, j.fields)
		cancel()
		if err != nil {
			p.logger.WithError(err).WithFields(log.Fields{
				"task_id": j.taskID,
				"worker":  id,
			}).Error("task write failed")
		}
		if j.done != nil {
			j.done(err)
		}
	}
}

// Submit queues a merge write. done is called from a worker once the write
// has completed. When the worker queue stays full for longer than the handoff
// timeout the write is refused with ErrPersisterSaturated and done is not
// called.
func (p *Persister) Submit(taskID string, fields domain.TaskFields, done func(error)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPersisterClosed
	}
	ch := p.queues[p.shard(taskID)]
	job := writeJob{taskID: taskID, fields: fields, done: done}

	select {
	case ch <- job:
		return nil
	default:
	}
	if p.cfg.HandoffTimeout <= 0 {
		return ErrPersisterSaturated
	}
	timer := time.NewTimer(p.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case ch <- job:
		return nil
	case <-timer.C:
		return ErrPersisterSaturated
	}
}

func (p *Persister) shard(taskID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Shutdown stops accepting writes and waits for queued writes to finish or
// for ctx to expire.
func (p *Persister) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, ch := range p.queues {
			close(ch)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
