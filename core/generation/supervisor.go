package generation

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"MeloForge/logger"
)

// Supervisor runs detached continuations (poll loops, webhook finalization)
// as tracked background tasks. Failures are logged instead of vanishing, and
// shutdown drains the tasks rather than abandoning them mid-write.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewSupervisor 创建后台任务监督器
func NewSupervisor() *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{ctx: ctx, cancel: cancel}
}

// Go launches fn as a supervised task. After Shutdown, new tasks are
// rejected and logged.
func (s *Supervisor) Go(name string, fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		logger.Warn("supervisor rejected task after shutdown", logger.String("task", name))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("supervised task panicked",
					logger.String("task", name),
					logger.Any("panic", r),
					logger.String("stack", string(debug.Stack())))
			}
		}()
		fn(s.ctx)
	}()
}

// Wait blocks until all running tasks finish on their own, up to timeout.
// Unlike Shutdown it does not cancel them; one-shot maintenance runs use
// this to let re-attached watchers reach a verdict.
func (s *Supervisor) Wait(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("supervisor wait timed out with tasks still running",
			logger.Duration("timeout", timeout))
	}
}

// Shutdown cancels all tasks and waits for them to drain, up to timeout.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("supervisor shutdown timed out with tasks still running",
			logger.Duration("timeout", timeout))
	}
}
