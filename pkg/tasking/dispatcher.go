package tasking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrShutdown is returned by Enqueue once Shutdown has been called.
var ErrShutdown = errors.New("dispatcher is shut down")

// Dispatcher runs tasks in the background. A task starts only once it holds
// all of its reservations, so tasks with overlapping reservations run one at
// a time.
type Dispatcher struct {
	store  Store
	locker Locker
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	done   map[string]chan struct{}
}

// NewDispatcher creates a Dispatcher. A nil locker selects a MemoryLocker.
func NewDispatcher(store Store, locker Locker, logger *slog.Logger) *Dispatcher {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:  store,
		locker: locker,
		logger: logger.With("component", "tasking"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(map[string]chan struct{}),
	}
}

// Enqueue records a waiting task and starts it in the background.
func (d *Dispatcher) Enqueue(ctx context.Context, name string, reservations []string, fn Func) (*Task, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrShutdown
	}
	d.wg.Add(1)
	d.mu.Unlock()

	t := &Task{
		ID:           uuid.NewString(),
		Name:         name,
		State:        StateWaiting,
		Reservations: normalizeKeys(reservations),
		CreatedAt:    d.now().UTC(),
	}
	if err := d.store.SaveTask(ctx, t); err != nil {
		d.wg.Done()
		return nil, fmt.Errorf("save task: %w", err)
	}

	ch := make(chan struct{})
	d.mu.Lock()
	d.done[t.ID] = ch
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.done, t.ID)
			d.mu.Unlock()
			close(ch)
		}()
		d.run(t.clone(), fn)
	}()

	d.logger.InfoContext(ctx, "task enqueued", "task", t.ID, "name", name, "reservations", t.Reservations)
	return t.clone(), nil
}

func (d *Dispatcher) run(t *Task, fn Func) {
	ctx := d.ctx
	unlock, err := d.locker.Lock(ctx, t.Reservations)
	if err != nil {
		d.finish(t, StateCanceled, nil, fmt.Errorf("waiting for reservations: %w", err))
		return
	}
	defer unlock()

	started := d.now().UTC()
	t.State = StateRunning
	t.StartedAt = &started
	d.save(t)
	d.logger.InfoContext(ctx, "task started", "task", t.ID, "name", t.Name)

	result, err := d.call(ctx, fn)
	switch {
	case err == nil:
		d.finish(t, StateCompleted, result, nil)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		d.finish(t, StateCanceled, result, err)
	default:
		d.finish(t, StateFailed, result, err)
	}
}

func (d *Dispatcher) call(ctx context.Context, fn Func) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (d *Dispatcher) finish(t *Task, state State, result any, err error) {
	finished := d.now().UTC()
	t.State = state
	t.FinishedAt = &finished
	if err != nil {
		t.Error = err.Error()
	}
	if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			d.logger.Error("task result not serializable", "task", t.ID, "error", merr)
		} else {
			t.Result = raw
		}
	}
	d.save(t)

	if err != nil {
		d.logger.Error("task finished", "task", t.ID, "name", t.Name, "state", state, "error", err)
	} else {
		d.logger.Info("task finished", "task", t.ID, "name", t.Name, "state", state)
	}
}

func (d *Dispatcher) save(t *Task) {
	// Task bookkeeping outlives a canceled run.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.store.SaveTask(ctx, t); err != nil {
		d.logger.Error("failed to save task", "task", t.ID, "error", err)
	}
}

// Get returns the task with id.
func (d *Dispatcher) Get(ctx context.Context, id string) (*Task, error) {
	return d.store.Task(ctx, id)
}

// List returns all tasks, newest first.
func (d *Dispatcher) List(ctx context.Context) ([]*Task, error) {
	return d.store.Tasks(ctx)
}

// Wait blocks until the task with id reaches a final state and returns it.
// Tasks started by another process are polled.
func (d *Dispatcher) Wait(ctx context.Context, id string) (*Task, error) {
	d.mu.Lock()
	ch, local := d.done[id]
	d.mu.Unlock()

	if local {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
		return d.store.Task(ctx, id)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		t, err := d.store.Task(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.State.Final() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown cancels running tasks and waits for them to record their final
// state, or for ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
