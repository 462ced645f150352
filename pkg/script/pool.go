package script

import (
	"context"
	"sync"
	"time"
)

type Runner interface {
	Runner()
}

type RunnerFactory interface {
	NewRunner() Runner
}

// RunnerPool hands out script runners so that expression evaluation does
// not create a fresh VM per call. Runners above the minimum are dropped
// again by a periodic cleanup.
type RunnerPool struct {
	pool               chan Runner
	runnerFactory      RunnerFactory
	activeRunnersCount int
	activeRunnersMu    *sync.Mutex
	maxVmPoolSize      int // max amount of active runners
	minVmPoolSize      int // min amount of active runners
}

func NewRunnerPool(ctx context.Context, runnerFactory RunnerFactory, maxVmPoolSize int, minVmPoolSize int) *RunnerPool {
	if maxVmPoolSize < minVmPoolSize {
		panic("vm pool min size is smaller than vm pool max size")
	}

	runtime := RunnerPool{
		pool:               make(chan Runner, maxVmPoolSize),
		runnerFactory:      runnerFactory,
		activeRunnersCount: 0,
		activeRunnersMu:    &sync.Mutex{},
		maxVmPoolSize:      maxVmPoolSize,
		minVmPoolSize:      minVmPoolSize,
	}

	for i := 0; i < minVmPoolSize; i++ {
		runtime.activeRunnersMu.Lock()
		runtime.pool <- runtime.runnerFactory.NewRunner()
		runtime.activeRunnersCount++
		runtime.activeRunnersMu.Unlock()
	}

	// drop surplus runners when they are not being used
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for len(runtime.pool) > minVmPoolSize {
					runtime.activeRunnersMu.Lock()
					<-runtime.pool
					runtime.activeRunnersCount--
					runtime.activeRunnersMu.Unlock()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return &runtime
}

func (r *RunnerPool) GetRunnerFromPool() Runner {
	var runner Runner
	select {
	case runner = <-r.pool:
	default:
		r.activeRunnersMu.Lock()
		if r.activeRunnersCount < r.maxVmPoolSize {
			runner = r.runnerFactory.NewRunner()
			r.activeRunnersCount++
		}
		r.activeRunnersMu.Unlock()
		if runner == nil {
			runner = <-r.pool
		}
	}
	return runner
}

func (r *RunnerPool) ReturnRunnerToPool(runner Runner) {
	r.pool <- runner
}
