package notify

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Sweeper runs Engine.Sweep once at start and then every interval until
// stopped. Sweeps only read and notify, so stopping mid-sweep is safe.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	stopCh   chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{
		engine:   engine,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("invalid sweep interval: %v", s.interval)
	}

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	_, _ = s.engine.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// errors are logged by the engine; the next tick retries
			_, _ = s.engine.Sweep(ctx)
		}
	}
}
