package healing

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healingd/internal/logging"
)

// Scheduler drives many sessions concurrently, at most one driver per key.
// Sessions are driven when woken and, on every tick, whenever their
// cooldown has passed.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *logging.Logger

	wake    chan string
	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// NewScheduler returns a Scheduler that rescans due sessions every interval.
func NewScheduler(engine *Engine, interval time.Duration, logger *logging.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger.Named("scheduler"),
		wake:     make(chan string, 256),
		running:  make(map[string]struct{}),
	}
}

// Wake asks for key to be driven soon. It never blocks; a wake that does
// not fit is picked up by the next tick.
func (s *Scheduler) Wake(key string) {
	select {
	case s.wake <- key:
	default:
	}
}

// Run dispatches drivers until ctx is done, then waits for them to return.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.wg.Wait()

	s.dispatchDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case key := <-s.wake:
			s.dispatch(ctx, key)
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

// Running returns the number of sessions currently being driven.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	for _, key := range s.engine.Due(s.engine.now()) {
		s.dispatch(ctx, key)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, key string) {
	s.mu.Lock()
	if _, ok := s.running[key]; ok {
		s.mu.Unlock()
		return
	}
	s.running[key] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, key)
			s.mu.Unlock()
		}()

		state, err := s.engine.Drive(ctx, key)
		switch {
		case err == nil, errors.Is(err, ErrSessionNotFound), ctx.Err() != nil:
		default:
			s.logger.Error(ctx, "session driver stopped",
				zap.String("session.key", key),
				zap.String("state", string(state)),
				zap.Error(err),
			)
		}
	}()
}
