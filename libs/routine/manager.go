package routine

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Handler runs until its context is cancelled or the work is finished.
// A non-nil error is passed to the Task OnError hook.
type Handler func(ctx context.Context) error

var (
	ErrEmptyID         = errors.New("routine manager: empty id")
	ErrNilTask         = errors.New("routine manager: nil task")
	ErrNilHandler      = errors.New("routine manager: nil handler")
	ErrRoutineExists   = errors.New("routine manager: routine already running")
	ErrManagerStopped  = errors.New("routine manager: stopped")
)

// Manager owns a set of keyed goroutines derived from one base context.
type Manager struct {
	baseCtx context.Context

	mu      sync.Mutex
	tasks   map[string]*Task
	stopped bool
	wg      sync.WaitGroup
}

// Task wraps a handler with lifecycle hooks.
type Task struct {
	ID      string
	Handler Handler

	OnStart func(id string)
	OnDone  func(id string)
	OnError func(id string, err error)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(ctx context.Context) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Manager{
		baseCtx: ctx,
		tasks:   make(map[string]*Task),
	}
}

// Start launches the task in its own goroutine. Only one task per id may run.
func (m *Manager) Start(task *Task) error {
	if task == nil {
		return ErrNilTask
	}
	if task.ID == "" {
		return ErrEmptyID
	}
	if task.Handler == nil {
		return ErrNilHandler
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if _, exists := m.tasks[task.ID]; exists {
		m.mu.Unlock()
		return ErrRoutineExists
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	task.cancel = cancel
	task.done = make(chan struct{})
	m.tasks[task.ID] = task
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx, task)
	return nil
}

// StopAll cancels every task, refuses new ones and waits for all of them.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.stopped = true
	for _, task := range m.tasks {
		task.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Running returns the ids of live tasks in sorted order.
func (m *Manager) Running() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) run(ctx context.Context, task *Task) {
	defer func() {
		task.cancel()
		m.remove(task)
		close(task.done)
		if task.OnDone != nil {
			task.OnDone(task.ID)
		}
		m.wg.Done()
	}()
	if task.OnStart != nil {
		task.OnStart(task.ID)
	}
	if err := task.Handler(ctx); err != nil && task.OnError != nil {
		task.OnError(task.ID, err)
	}
}

func (m *Manager) remove(task *Task) {
	m.mu.Lock()
	if current, ok := m.tasks[task.ID]; ok && current == task {
		delete(m.tasks, task.ID)
	}
	m.mu.Unlock()
}
