package batch

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pbinitiative/zenbatch/internal/log"
	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	otelPkg "github.com/pbinitiative/zenbatch/pkg/otel"
	"github.com/pbinitiative/zenbatch/pkg/script"
	"github.com/pbinitiative/zenbatch/pkg/storage"
	"github.com/pbinitiative/zenbatch/pkg/zenflake"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultWorkerCount      = 8
	defaultResolveChunkSize = 1000

	// completed batches are immutable, lookups for them are served from here
	completedOperationCacheSize = 512
)

type Engine struct {
	name        string
	snowflake   *snowflake.Node
	persistence storage.Storage
	executor    ItemExecutor
	scripts     script.ScriptRuntime

	resolver *itemResolver
	tracker  *progressTracker
	locks    *batchLocks
	opCache  *lru.Cache[int64, runtime.BatchOperation]

	tracer  trace.Tracer
	metrics *otelPkg.EngineMetrics

	workerCount      int
	resolveChunkSize int

	items  chan workItem
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type EngineOption = func(*Engine)

// NewEngine creates a new instance of the batch operation engine;
func NewEngine(options ...EngineOption) Engine {
	name := fmt.Sprintf("Batch-Engine-%d", zenflake.GetNodeId(getGlobalSnowflakeIdGenerator().Generate().Int64()))
	engine := Engine{
		name:             name,
		snowflake:        getGlobalSnowflakeIdGenerator(),
		persistence:      nil,
		workerCount:      defaultWorkerCount,
		resolveChunkSize: defaultResolveChunkSize,
		locks:            newBatchLocks(),
	}

	for _, option := range options {
		option(&engine)
	}

	engine.resolver = &itemResolver{
		persistence: engine.persistence,
		scripts:     engine.scripts,
		chunkSize:   engine.resolveChunkSize,
	}
	engine.tracker = &progressTracker{
		persistence: engine.persistence,
		locks:       engine.locks,
	}
	engine.opCache, _ = lru.New[int64, runtime.BatchOperation](completedOperationCacheSize)
	engine.tracer = otel.Tracer(engine.name)
	metrics, err := otelPkg.NewMetrics(otel.Meter("zenbatch.engine"))
	if err != nil {
		log.Error("Failed to register engine metrics: %s", err)
	}
	engine.metrics = metrics

	return engine
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithExecutor(executor ItemExecutor) EngineOption {
	return func(engine *Engine) {
		engine.executor = executor
	}
}

func EngineWithScriptRuntime(scripts script.ScriptRuntime) EngineOption {
	return func(engine *Engine) {
		engine.scripts = scripts
	}
}

func EngineWithWorkerCount(workers int) EngineOption {
	return func(engine *Engine) {
		if workers > 0 {
			engine.workerCount = workers
		}
	}
}

func EngineWithResolveChunkSize(size int) EngineOption {
	return func(engine *Engine) {
		if size > 0 {
			engine.resolveChunkSize = size
		}
	}
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

// Name returns the name of the engine, only useful in case you control multiple ones
func (engine *Engine) Name() string {
	return engine.name
}

// Start spawns the dispatch workers and re-enqueues items that were still
// active when the previous process stopped.
func (engine *Engine) Start(ctx context.Context) error {
	engine.ctx, engine.cancel = context.WithCancel(ctx)
	engine.items = make(chan workItem, engine.workerCount*64)
	for i := 0; i < engine.workerCount; i++ {
		engine.wg.Add(1)
		go engine.worker()
	}

	pending, err := engine.persistence.FindActiveBatchOperationItems(engine.ctx)
	if err != nil {
		return fmt.Errorf("failed to load active batch operation items: %w", err)
	}
	if len(pending) > 0 {
		log.Infof(ctx, "Resuming dispatch of %d active batch operation items", len(pending))
		activeBatches := map[int64]struct{}{}
		for _, item := range pending {
			activeBatches[item.BatchOperationKey] = struct{}{}
		}
		engine.metrics.BatchesRunning.Add(ctx, int64(len(activeBatches)))
		engine.wg.Add(1)
		go func() {
			defer engine.wg.Done()
			for _, item := range pending {
				engine.enqueue(workItem{batchOperationKey: item.BatchOperationKey, itemKey: item.ItemKey})
			}
		}()
	}
	return nil
}

// Stop cancels the workers and waits until in-flight items finished.
func (engine *Engine) Stop() {
	if engine.cancel == nil {
		return
	}
	engine.cancel()
	engine.wg.Wait()
}

func (engine *Engine) enqueue(wi workItem) {
	select {
	case engine.items <- wi:
	case <-engine.ctx.Done():
	}
}
