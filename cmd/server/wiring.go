package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"gorm.io/gorm"

	"github.com/panelforge/engine/internal/aimodel"
	"github.com/panelforge/engine/internal/bus"
	"github.com/panelforge/engine/internal/compositor"
	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/hitl"
	"github.com/panelforge/engine/internal/imagefanout"
	"github.com/panelforge/engine/internal/persistence"
	"github.com/panelforge/engine/internal/platform/config"
	"github.com/panelforge/engine/internal/platform/logger"
	"github.com/panelforge/engine/internal/qualitygate"
	"github.com/panelforge/engine/internal/resourcepool"
	"github.com/panelforge/engine/internal/scheduler"
	"github.com/panelforge/engine/internal/stages"
	"github.com/panelforge/engine/internal/temporalx"
	"github.com/panelforge/engine/internal/temporalx/temporalworker"
	"github.com/panelforge/engine/internal/versionlog"
)

// app is the process's fully wired dependency graph — the gin.Engine plus
// every component it needs to reach through handlers, the way the
// teacher's app.App bundles Router/Repos/Services/SSEHub behind one value
// main.go can Run and Close.
type app struct {
	log     *logger.Logger
	db      *gorm.DB
	engine  *scheduler.Engine
	bus     *bus.Hub
	persist persistence.Store
	router  *gin.Engine
	port    string

	temporalRunner *temporalworker.Runner
	temporalCancel context.CancelFunc

	shutdownTracing func(context.Context) error
	closers         []func()
}

func newApp() (*app, error) {
	cfg := loadServerConfig()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := openDB(cfg, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init db: %w", err)
	}
	if err := autoMigrate(db); err != nil {
		log.Sync()
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	engineCfg := config.FromEnv()

	shutdownTracing := resourcepool.InitTracing(context.Background(), log, resourcepool.TraceConfig{
		ServiceName: "panelforge-engine",
		Environment: cfg.LogMode,
	})

	pool := resourcepool.New(engineCfg)

	hub := bus.NewHub(log, engineCfg.SubscriberQueueDepth)
	var closers []func()
	if cfg.UseRedisBus {
		fwd, err := bus.NewRedisForwarder(log, cfg.RedisAddr, "panelforge-events")
		if err != nil {
			log.Warn("redis bus forwarder disabled", "error", err)
		} else {
			hub.SetForwarder(fwd.Publish)
			closers = append(closers, func() { _ = fwd.Close() })
		}
	}

	persist := persistence.New(db, log)

	versions, err := wireVersionStore(cfg, db, log, persist)
	if err != nil {
		log.Sync()
		return nil, err
	}

	comp, err := compositor.New()
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init compositor: %w", err)
	}

	textModel, imageModel, err := wireAIModels(cfg, log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	imageCache, err := wireImageCache(cfg, log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	fanout := imagefanout.NewExecutor(log, imageModel, imageCache, imagefanout.Config{
		PerSessionCap:     int64(engineCfg.ImageTasksPerSessionCap),
		MaxAttempts:       engineCfg.ImageMaxAttempts,
		RetryBaseDelay:    engineCfg.ImageRetryBaseDelay,
		RetryMaxDelay:     engineCfg.ImageRetryMaxDelay,
		JitterFrac:        engineCfg.ImageRetryJitterFrac,
		CacheTTLByQuality: engineCfg.ImageCacheTTLByQuality,
	}, pool.ImageSemaphore(), pool.Metrics())

	registry, err := wireStageRegistry(textModel, fanout, comp)
	if err != nil {
		log.Sync()
		return nil, err
	}

	gateRegistry := qualitygate.NewRegistry()
	if err := qualitygate.RegisterDefaults(gateRegistry); err != nil {
		log.Sync()
		return nil, fmt.Errorf("register quality evaluators: %w", err)
	}
	gate := qualitygate.NewGate(gateRegistry, engineCfg.QualityWeights, engineCfg.QualityThreshold, engineCfg.StageMaxAttempts)

	coordinator := hitl.New(engineCfg.HITLTimeout, comp, func(p domain.PreviewPayload) {
		log.Debug("hitl placeholder preview rendered", "stage", p.Key.Stage, "quality", p.Key.Quality)
	})

	eng, err := scheduler.NewEngine(scheduler.Deps{
		Registry: registry,
		Gate:     gate,
		HITL:     coordinator,
		Versions: versions,
		Bus:      hub,
		Pool:     pool,
		Persist:  persist,
		Log:      log,
		Config:   engineCfg,
	})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	// Any session still "running"/"awaiting-feedback" from a prior process
	// is not resumable (spec.md §4.6) — mark it failed before accepting
	// new submissions, the way the teacher's worker sweeps stuck job rows
	// on boot.
	if n, err := persist.MarkCrashedRunningAsFailed(context.Background()); err != nil {
		log.Warn("crash recovery sweep failed", "error", err)
	} else if n > 0 {
		log.Info("marked crashed sessions failed on boot", "count", n)
	}

	a := &app{
		log:             log,
		db:              db,
		engine:          eng,
		bus:             hub,
		persist:         persist,
		port:            cfg.Port,
		shutdownTracing: shutdownTracing,
		closers:         closers,
	}
	a.router = newRouter(a)

	// The Temporal worker is an alternate backend for C6's state machine,
	// not a replacement for the in-process scheduler.Engine this process
	// always runs; when enabled it polls panelrun's task queue alongside
	// the HTTP server (spec.md §9).
	if cfg.TemporalEnabled {
		if err := a.startTemporalWorker(registry, gate, versions, hub, persist, engineCfg, log); err != nil {
			log.Warn("temporal worker not started", "error", err)
		}
	}

	return a, nil
}

func (a *app) startTemporalWorker(
	registry *stages.Registry,
	gate *qualitygate.Gate,
	versions versionlog.Store,
	hub *bus.Hub,
	persist persistence.Store,
	engineCfg config.Config,
	log *logger.Logger,
) error {
	tc, err := temporalx.NewClient(log)
	if err != nil {
		return fmt.Errorf("dial temporal: %w", err)
	}
	if tc == nil {
		return fmt.Errorf("TEMPORAL_ADDRESS not set")
	}

	runner, err := temporalworker.NewRunner(log, tc, registry, gate, versions, hub, persist, engineCfg)
	if err != nil {
		return fmt.Errorf("init temporal runner: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := runner.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start temporal worker: %w", err)
	}

	a.temporalRunner = runner
	a.temporalCancel = cancel
	return nil
}

func (a *app) run(addr string) error {
	return a.router.Run(addr)
}

func (a *app) close() {
	if a == nil {
		return
	}
	if a.temporalCancel != nil {
		a.temporalCancel()
	}
	for _, c := range a.closers {
		c()
	}
	if a.shutdownTracing != nil {
		_ = a.shutdownTracing(context.Background())
	}
	if a.log != nil {
		a.log.Sync()
	}
}

func wireVersionStore(cfg serverConfig, db *gorm.DB, log *logger.Logger, fetcher versionlog.ResultFetcher) (versionlog.Store, error) {
	if !strings.EqualFold(cfg.VersionBackend, "neo4j") {
		return versionlog.NewGormStore(db, log, fetcher), nil
	}
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""))
	if err != nil {
		return nil, fmt.Errorf("dial neo4j: %w", err)
	}
	return versionlog.NewNeo4jStore(driver, cfg.Neo4jDatabase, log, fetcher), nil
}

func wireAIModels(cfg serverConfig, log *logger.Logger) (aimodel.TextModel, aimodel.ImageModel, error) {
	switch strings.ToLower(cfg.AIProvider) {
	case "openai":
		return aimodel.NewOpenAIClient(log)
	case "anthropic":
		text, err := aimodel.NewAnthropicClient(log)
		if err != nil {
			return nil, nil, err
		}
		// anthropic has no image-generation product; scene images still
		// need an ImageModel, so fall back to the OpenAI images endpoint
		// if configured, otherwise the deterministic fake.
		_, image, err := aimodel.NewOpenAIClient(log)
		if err != nil {
			log.Warn("no image backend configured alongside anthropic text model; using fake image model", "error", err)
			return text, aimodel.NewFakeImageModel(), nil
		}
		return text, image, nil
	default:
		log.Info("using fake AI models (set PANELFORGE_AI_PROVIDER=openai|anthropic for a live backend)")
		return aimodel.NewFakeTextModel(), aimodel.NewFakeImageModel(), nil
	}
}

func wireImageCache(cfg serverConfig, log *logger.Logger) (imagefanout.Cache, error) {
	if cfg.UseRedisImageCache {
		c, err := imagefanout.NewRedisCache(log, cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("init redis image cache: %w", err)
		}
		return c, nil
	}
	return imagefanout.NewInMemoryCache(), nil
}

func wireStageRegistry(text aimodel.TextModel, fanout *imagefanout.Executor, comp *compositor.Compositor) (*stages.Registry, error) {
	reg := stages.NewRegistry()
	workers := []stages.Worker{
		stages.NewConceptWorker(text),
		stages.NewCharactersWorker(text),
		stages.NewPlotWorker(text),
		stages.NewStoryboardWorker(text),
		stages.NewSceneImagesWorker(fanout),
		stages.NewDialogueWorker(text),
		stages.NewFinalWorker(comp),
	}
	for _, w := range workers {
		if err := reg.Register(w); err != nil {
			return nil, fmt.Errorf("register stage worker: %w", err)
		}
	}
	return reg, nil
}
