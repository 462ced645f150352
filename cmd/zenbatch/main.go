package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pbinitiative/zenbatch/internal/config"
	"github.com/pbinitiative/zenbatch/internal/log"
	"github.com/pbinitiative/zenbatch/internal/otel"
	"github.com/pbinitiative/zenbatch/internal/profile"
	"github.com/pbinitiative/zenbatch/internal/rest"
	"github.com/pbinitiative/zenbatch/pkg/batch"
	"github.com/pbinitiative/zenbatch/pkg/client"
	"github.com/pbinitiative/zenbatch/pkg/script/js"
	"github.com/pbinitiative/zenbatch/pkg/storage"
	"github.com/pbinitiative/zenbatch/pkg/storage/inmemory"
	"github.com/pbinitiative/zenbatch/pkg/storage/sqlite"
)

func main() {
	profile.InitProfile()
	log.Init()

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()
	log.Info("Starting %s with configuration:\n%s", conf.Name, conf.Dump())

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}

	store, closeStore, err := openStorage(conf.Storage)
	if err != nil {
		log.Error("Failed to open storage: %s", err)
		os.Exit(1)
	}

	executor := client.NewProcessEngineClient(conf.Engine.ProcessEngineUrl,
		client.ClientWithTimeout(time.Duration(conf.Engine.ProcessEngineTimeoutSeconds)*time.Second),
	)

	scripts := js.NewJsRuntime(appContext, conf.Engine.ScriptPoolMaxSize, conf.Engine.ScriptPoolMinSize)

	engine := batch.NewEngine(
		batch.EngineWithStorage(store),
		batch.EngineWithExecutor(executor),
		batch.EngineWithScriptRuntime(scripts),
		batch.EngineWithWorkerCount(conf.Engine.Workers),
		batch.EngineWithResolveChunkSize(conf.Engine.ResolveChunkSize),
	)
	if err := engine.Start(appContext); err != nil {
		log.Error("Failed to start batch engine: %s", err)
		os.Exit(1)
	}

	// Start the public API
	svr := rest.NewServer(&engine, conf)
	if _, err := svr.Start(); err != nil {
		log.Error("Failed to start REST server: %s", err)
		os.Exit(1)
	}

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	handleSigterm(appStop, appContext)

	ctxCancel()
	// cleanup
	svr.Stop(appContext)
	engine.Stop()
	closeStore()
	openTelemetry.Stop(appContext)
}

func openStorage(conf config.Storage) (storage.Storage, func(), error) {
	switch conf.Driver {
	case config.StorageDriverSqlite:
		store, err := sqlite.NewStorage(conf.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Error("failed to close storage: %s", err)
			}
		}, nil
	default:
		return inmemory.NewStorage(), func() {}, nil
	}
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Infof(ctx, "Received %s. Shutting down", sig.String())
}
