// Package supervisor tracks the proxy's background tasks — the broker
// session loop and the persistence pipeline loop — and restarts whichever
// one has died. Both tasks are already self-contained retry loops (the
// session backs off and reconnects on its own; the pipeline logs and
// continues past storage failures), so a restart here only fires when a
// task exits outright, which per the error-handling policy should only
// happen on a programmer error or deliberate shutdown.
package supervisor

import (
	"context"
	"sync"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/telemetry"
)

// Task is one supervised background loop. Run must block until ctx is
// cancelled or the task fails. Any return, with or without an error, marks
// the task as exited, and Check restarts it unless Shutdown has run.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type taskState struct {
	task    Task
	cancel  context.CancelFunc
	done    chan taskResult
	running bool
}

// taskResult carries a task's terminal error back to the supervisor.
type taskResult struct {
	err error
}

// Supervisor restarts any tracked task found not alive, per-dispatch or on
// an explicit Check call. It never restarts a task more than once
// concurrently and is safe for concurrent Check/Shutdown calls.
type Supervisor struct {
	mu       sync.Mutex
	ctx      context.Context
	tasks    map[string]*taskState
	logger   *telemetry.Logger
	shutdown bool
}

// New constructs a Supervisor bound to parent for the lifetime of all
// tasks it starts.
func New(parent context.Context, logger *telemetry.Logger) *Supervisor {
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Supervisor{ctx: parent, tasks: make(map[string]*taskState), logger: logger}
}

// Track registers a task and starts it immediately.
func (s *Supervisor) Track(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.startLocked(task)
}

func (s *Supervisor) startLocked(task Task) {
	ctx, cancel := context.WithCancel(s.ctx)
	st := &taskState{task: task, cancel: cancel, done: make(chan taskResult, 1), running: true}
	s.tasks[task.Name] = st

	go func() {
		err := task.Run(ctx)
		st.done <- taskResult{err: err}
	}()
}

// Check restarts any task that has exited, skipping tasks the supervisor
// itself has shut down. This is the "on each dispatch, if any task is not
// alive it is restarted" step; callers may invoke it once per dispatch or
// on a ticker.
func (s *Supervisor) Check() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	for name, st := range s.tasks {
		select {
		case sig := <-st.done:
			st.running = false
			s.logger.Warn(s.ctx, "supervisor: task exited, restarting", map[string]any{
				"task":  name,
				"error": sig.err,
			})
			s.startLocked(st.task)
		default:
			// still running
		}
	}
}

// Alive reports whether name is currently believed to be running, without
// triggering a restart.
func (s *Supervisor) Alive(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[name]
	if !ok {
		return false
	}
	select {
	case sig := <-st.done:
		st.done <- sig // put it back; Check will consume it properly
		return false
	default:
		return st.running
	}
}

// Shutdown cancels every tracked task's context and marks the supervisor as
// shut down so Check and Track become no-ops. It does not wait for tasks to
// finish; callers that need a drain should wait on their own completion
// signals (e.g. the persistence pipeline's final cycle on ctx cancellation).
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	for _, st := range s.tasks {
		st.cancel()
	}
}
