// Package temporalworker starts the Temporal worker that polls panelrun's
// task queue, the durable-workflow counterpart to scheduler.Engine running
// in-process. Grounded on the teacher's internal/temporalx/temporalworker
// package: the dial-retry-on-start loop, namespace auto-register-on-
// NamespaceNotFound handling, and worker concurrency knob are kept close to
// verbatim.
package temporalworker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/panelforge/engine/internal/bus"
	"github.com/panelforge/engine/internal/persistence"
	"github.com/panelforge/engine/internal/platform/config"
	"github.com/panelforge/engine/internal/platform/logger"
	"github.com/panelforge/engine/internal/qualitygate"
	"github.com/panelforge/engine/internal/stages"
	"github.com/panelforge/engine/internal/temporalx"
	"github.com/panelforge/engine/internal/temporalx/panelrun"
	"github.com/panelforge/engine/internal/versionlog"
)

// Runner owns the Temporal worker process for one task queue.
type Runner struct {
	log *logger.Logger

	tc       temporalsdkclient.Client
	registry *stages.Registry
	gate     *qualitygate.Gate
	versions versionlog.Store
	hub      *bus.Hub
	persist  persistence.Store
	cfg      config.Config
}

func NewRunner(
	log *logger.Logger,
	tc temporalsdkclient.Client,
	registry *stages.Registry,
	gate *qualitygate.Gate,
	versions versionlog.Store,
	hub *bus.Hub,
	persist persistence.Store,
	cfg config.Config,
) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if registry == nil || gate == nil || versions == nil || hub == nil || persist == nil {
		return nil, fmt.Errorf("temporal worker missing deps")
	}
	if err := registry.Complete(); err != nil {
		return nil, fmt.Errorf("temporal worker: %w", err)
	}
	return &Runner{
		log:      log,
		tc:       tc,
		registry: registry,
		gate:     gate,
		versions: versions,
		hub:      hub,
		persist:  persist,
		cfg:      cfg,
	}, nil
}

// Start polls panelrun's task queue until ctx is cancelled, retrying worker
// start (including re-registering the namespace, for local/self-hosted
// Temporal) the same way the teacher's Runner does.
func (r *Runner) Start(ctx context.Context) error {
	if r == nil || r.tc == nil {
		return fmt.Errorf("temporal worker not initialized")
	}

	cfg := temporalx.LoadConfig()
	if r.log != nil {
		r.log.Info("Starting Temporal worker", "address", cfg.Address, "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue)
	}

	if envTrue("TEMPORAL_AUTO_REGISTER_NAMESPACE", false) {
		baseCtx := ctx
		if baseCtx == nil {
			baseCtx = context.Background()
		}
		if err := temporalx.EnsureNamespace(baseCtx, r.tc, cfg.Namespace, r.log); err != nil && r.log != nil {
			r.log.Warn("Temporal namespace ensure failed; worker will retry on start", "namespace", cfg.Namespace, "error", err)
		}
	}

	maxWait := durationSecondsFromEnv("TEMPORAL_WORKER_START_MAX_WAIT_SECONDS", 60)
	backoff := durationMillisFromEnv("TEMPORAL_WORKER_START_BACKOFF_MS", 250)
	backoffMax := durationMillisFromEnv("TEMPORAL_WORKER_START_BACKOFF_MAX_MS", 5000)

	deadline := time.Now().Add(maxWait)

	for attempt := 1; ; attempt++ {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		w := r.newWorker(cfg)
		startErr := w.Start()
		if startErr == nil {
			if ctx != nil {
				go func() {
					<-ctx.Done()
					w.Stop()
				}()
			}
			if r.log != nil {
				r.log.Info("Temporal worker started", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue, "attempts", attempt)
			}
			return nil
		}

		w.Stop()

		var nfe *serviceerror.NamespaceNotFound
		if errors.As(startErr, &nfe) && envTrue("TEMPORAL_AUTO_REGISTER_NAMESPACE", false) {
			baseCtx := ctx
			if baseCtx == nil {
				baseCtx = context.Background()
			}
			_ = temporalx.EnsureNamespace(baseCtx, r.tc, cfg.Namespace, r.log)
		}

		if maxWait <= 0 || time.Now().After(deadline) {
			var nfe2 *serviceerror.NamespaceNotFound
			if errors.As(startErr, &nfe2) {
				return fmt.Errorf("temporal namespace not found (namespace=%s): %w", cfg.Namespace, startErr)
			}
			return startErr
		}

		if r.log != nil {
			r.log.Warn("Temporal worker failed to start; retrying", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue, "attempt", attempt, "error", startErr)
		}

		sleep := clampBackoff(backoff, backoffMax, attempt)
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

func (r *Runner) newWorker(cfg temporalx.Config) worker.Worker {
	concurrency := envInt("PANELFORGE_TEMPORAL_WORKER_CONCURRENCY", 4)
	if concurrency < 1 {
		concurrency = 1
	}

	w := worker.New(r.tc, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
	})

	acts := &panelrun.Activities{
		Log:      r.log,
		Registry: r.registry,
		Gate:     r.gate,
		Versions: r.versions,
		Bus:      r.hub,
		Persist:  r.persist,
		Config:   r.cfg,
	}

	w.RegisterWorkflowWithOptions(panelrun.Workflow, workflow.RegisterOptions{Name: panelrun.WorkflowName})
	w.RegisterActivityWithOptions(acts.Tick, activity.RegisterOptions{Name: panelrun.ActivityTick})
	w.RegisterActivityWithOptions(acts.Terminate, activity.RegisterOptions{Name: panelrun.ActivityTerminate})
	return w
}

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationSecondsFromEnv(key string, defSeconds int) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defSeconds) * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return time.Duration(defSeconds) * time.Second
	}
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Second
}

func durationMillisFromEnv(key string, defMillis int) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defMillis) * time.Millisecond
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return time.Duration(defMillis) * time.Millisecond
	}
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Millisecond
}

func clampBackoff(base time.Duration, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	sleep := base
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if max > 0 && sleep >= max {
			return max
		}
	}
	if max > 0 && sleep > max {
		return max
	}
	return sleep
}
