package tasking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func newMemStore() *memStore { return &memStore{tasks: map[string]*Task{}} }

func (s *memStore) SaveTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.clone()
	return nil
}

func (s *memStore) Task(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.clone(), nil
}

func (s *memStore) Tasks(ctx context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDispatcher_CompletesWithResult(t *testing.T) {
	d := NewDispatcher(newMemStore(), nil, nil)
	defer func() { _ = d.Shutdown(context.Background()) }()

	task, err := d.Enqueue(context.Background(), "sync", []string{"repo-1", "remote-1"}, func(ctx context.Context) (any, error) {
		return map[string]int{"added": 3}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, task.State)
	assert.Equal(t, []string{"remote-1", "repo-1"}, task.Reservations)

	done, err := d.Wait(waitCtx(t), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
	assert.JSONEq(t, `{"added": 3}`, string(done.Result))
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
	assert.Empty(t, done.Error)
}

func TestDispatcher_FailedAndPanicking(t *testing.T) {
	d := NewDispatcher(newMemStore(), nil, nil)
	defer func() { _ = d.Shutdown(context.Background()) }()

	failed, err := d.Enqueue(context.Background(), "sync", nil, func(ctx context.Context) (any, error) {
		return nil, errors.New("manifest unreachable")
	})
	require.NoError(t, err)
	panicky, err := d.Enqueue(context.Background(), "publish", nil, func(ctx context.Context) (any, error) {
		panic("boom")
	})
	require.NoError(t, err)

	got, err := d.Wait(waitCtx(t), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "manifest unreachable", got.Error)

	got, err = d.Wait(waitCtx(t), panicky.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.Error, "boom")
}

func TestDispatcher_OverlappingReservationsSerialize(t *testing.T) {
	d := NewDispatcher(newMemStore(), nil, nil)
	defer func() { _ = d.Shutdown(context.Background()) }()

	var running, peak atomic.Int32
	work := func(ctx context.Context) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}

	var ids []string
	for i := 0; i < 5; i++ {
		task, err := d.Enqueue(context.Background(), "sync", []string{"repo-1"}, work)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	for _, id := range ids {
		got, err := d.Wait(waitCtx(t), id)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, got.State)
	}
	assert.Equal(t, int32(1), peak.Load())
}

func TestDispatcher_DisjointReservationsRunConcurrently(t *testing.T) {
	d := NewDispatcher(newMemStore(), nil, nil)
	defer func() { _ = d.Shutdown(context.Background()) }()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	work := func(ctx context.Context) (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}

	a, err := d.Enqueue(context.Background(), "sync", []string{"repo-1"}, work)
	require.NoError(t, err)
	b, err := d.Enqueue(context.Background(), "sync", []string{"repo-2"}, work)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("tasks with disjoint reservations did not run concurrently")
		}
	}
	close(release)

	for _, id := range []string{a.ID, b.ID} {
		_, err := d.Wait(waitCtx(t), id)
		require.NoError(t, err)
	}
}

func TestDispatcher_ShutdownCancelsRunning(t *testing.T) {
	store := newMemStore()
	d := NewDispatcher(store, nil, nil)

	started := make(chan struct{})
	task, err := d.Enqueue(context.Background(), "sync", []string{"repo-1"}, func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, d.Shutdown(waitCtx(t)))

	got, err := store.Task(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, got.State)

	_, err = d.Enqueue(context.Background(), "sync", nil, func(ctx context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestDispatcher_EnqueueDuringShutdown(t *testing.T) {
	store := newMemStore()
	d := NewDispatcher(store, nil, nil)

	var wg sync.WaitGroup
	var accepted, refused atomic.Int32
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Enqueue(context.Background(), "sync", nil, func(ctx context.Context) (any, error) { return nil, nil })
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrShutdown):
				refused.Add(1)
			}
		}()
	}
	require.NoError(t, d.Shutdown(waitCtx(t)))
	wg.Wait()

	assert.Equal(t, int32(20), accepted.Load()+refused.Load())
	tasks, err := store.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, int(accepted.Load()))
	for _, task := range tasks {
		assert.True(t, task.State.Final(), "task %s left in %s", task.ID, task.State)
	}
}

func TestDispatcher_WaitPollsForeignTasks(t *testing.T) {
	store := newMemStore()
	d := NewDispatcher(store, nil, nil)
	defer func() { _ = d.Shutdown(context.Background()) }()

	foreign := &Task{ID: "foreign", Name: "sync", State: StateRunning, CreatedAt: time.Now()}
	require.NoError(t, store.SaveTask(context.Background(), foreign))

	go func() {
		time.Sleep(50 * time.Millisecond)
		finished := *foreign
		finished.State = StateCompleted
		_ = store.SaveTask(context.Background(), &finished)
	}()

	got, err := d.Wait(waitCtx(t), "foreign")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)

	_, err = d.Wait(waitCtx(t), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatcher_List(t *testing.T) {
	d := NewDispatcher(newMemStore(), nil, nil)
	defer func() { _ = d.Shutdown(context.Background()) }()

	task, err := d.Enqueue(context.Background(), "publish", []string{"repo-1"}, func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	_, err = d.Wait(waitCtx(t), task.ID)
	require.NoError(t, err)

	tasks, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "publish", tasks[0].Name)

	got, err := d.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}
