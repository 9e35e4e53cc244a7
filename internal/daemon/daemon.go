// Package daemon wires the top-level supervisor spec.md §4.9 describes:
// acquire the PID lock, open storage, start the worker pool, start the
// session watcher, translate its events into enqueued jobs, start the
// scheduler, and shut everything down in order on signal. The signal loop
// is grounded on the teacher's cmd/bd/daemon_event_loop.go — one
// signal.Notify channel carrying SIGTERM/SIGINT/SIGHUP. Unlike the teacher,
// SIGHUP is not wired to a config reload here: it's logged and otherwise
// ignored, so only SIGTERM/SIGINT actually shut the daemon down.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pi-brain/pi-brain/internal/aggregate"
	"github.com/pi-brain/pi-brain/internal/config"
	"github.com/pi-brain/pi-brain/internal/discovery"
	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/metrics"
	"github.com/pi-brain/pi-brain/internal/queue"
	"github.com/pi-brain/pi-brain/internal/scheduler"
	"github.com/pi-brain/pi-brain/internal/storage/sqlite"
	"github.com/pi-brain/pi-brain/internal/types"
	"github.com/pi-brain/pi-brain/internal/watcher"
	"github.com/pi-brain/pi-brain/internal/worker"
)

// Version is stamped into the lock file's metadata; overridden at build
// time via -ldflags the way the teacher stamps its own daemon version.
var Version = "dev"

// Daemon owns every long-lived component for one run of pi-brain. Build it
// with New and run it with Run; Run blocks until ctx is cancelled or a
// terminal signal arrives, then drains everything before returning.
type Daemon struct {
	cfg *config.Config
	log logging.Logger

	lock      *Lock
	store     *sqlite.Store
	jsonStore *sqlite.JSONStore
	queue     *queue.Queue
	discoverer *discovery.Discoverer
	watcher   *watcher.Watcher
	scheduler *scheduler.Scheduler
	prompts   *worker.FilePromptLoader
	metrics   *metrics.Registry

	workers   []*worker.Worker
	workersWG sync.WaitGroup
}

// New constructs every component but starts none of them. Separated from
// Run so tests can inspect wiring without starting goroutines.
func New(ctx context.Context, cfg *config.Config, log logging.Logger) (*Daemon, error) {
	log = log.Named("daemon")

	store, err := sqlite.Open(ctx, cfg.DBPath(), sqlite.DefaultOptions(), log)
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	jsonStore := sqlite.NewJSONStore(cfg.NodesDir())
	q := queue.New(store.DB(), log)
	disc := discovery.New(store, discovery.Thresholds{
		JaccardThreshold:          cfg.Discovery.JaccardThreshold,
		LessonSimilarityThreshold: cfg.Discovery.LessonSimilarityThreshold,
	}, log)
	prompts := &worker.FilePromptLoader{Path: cfg.Prompt.Path, HistoryDir: cfg.Prompt.HistoryDir}

	w, err := watcher.New(cfg.Watcher, cfg.SessionsDir, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("daemon: create watcher: %w", err)
	}

	reg := metrics.New()

	patterns := aggregate.NewPatternAggregator(store, 3, log)
	embedder := aggregate.NewEmbeddingProvider(cfg.Embedding)
	insights := aggregate.NewInsightAggregator(store, embedder, 3, 2, 0, log)
	if cfg.Summarizer.Enabled {
		summarizer, err := aggregate.NewAnthropicSummarizer(cfg.Summarizer.APIKey, cfg.Summarizer.Model)
		if err != nil {
			log.Warn("summarizer disabled: failed to construct", "error", err)
		} else {
			insights.SetSummarizer(summarizer)
		}
	}
	sched := scheduler.New(cfg.Scheduler, store, q, disc, patterns, insights, prompts, log)
	sched.SetMetrics(reg)

	workers := make([]*worker.Worker, cfg.Daemon.WorkerCount)
	for i := range workers {
		id := fmt.Sprintf("w%d", i+1)
		workers[i] = worker.New(id, q, store, jsonStore, disc, prompts, cfg, log)
		workers[i].SetMetrics(reg)
	}

	return &Daemon{
		cfg: cfg, log: log,
		store: store, jsonStore: jsonStore, queue: q, discoverer: disc,
		watcher: w, scheduler: sched, prompts: prompts, workers: workers,
		metrics: reg,
	}, nil
}

// Metrics exposes the daemon's metric registry to in-process callers (this
// package's own tests, reportQueueDepth's periodic debug snapshot). It is
// not reachable from pibrainctl, which runs as a separate process with no
// IPC to a running daemon (spec.md's Non-goals exclude a /metrics endpoint
// or any other daemon RPC surface).
func (d *Daemon) Metrics() *metrics.Registry { return d.metrics }

// Run acquires the PID lock, starts every component, blocks until ctx is
// cancelled or a terminal signal arrives, then shuts down in reverse
// dependency order: watcher, then workers drain, then scheduler, then store.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := AcquireLock(d.cfg.PIDPath(), d.cfg.DBPath(), Version)
	if err != nil {
		return err
	}
	d.lock = lock
	defer func() { _ = d.lock.Release() }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.wireWatcherToQueue(runCtx)
	if err := d.watcher.Start(runCtx); err != nil {
		return fmt.Errorf("daemon: start watcher: %w", err)
	}

	for _, w := range d.workers {
		d.workersWG.Add(1)
		w := w
		go func() {
			defer d.workersWG.Done()
			w.Run(runCtx)
		}()
	}

	if err := d.scheduler.Start(); err != nil {
		return fmt.Errorf("daemon: start scheduler: %w", err)
	}

	d.workersWG.Add(1)
	go func() {
		defer d.workersWG.Done()
		d.reportQueueDepth(runCtx)
	}()

	d.log.Info("daemon started",
		"workers", len(d.workers), "dataDir", d.cfg.DataDir, "sessionsDir", d.cfg.SessionsDir)

	d.awaitSignal(runCtx, cancel)

	d.log.Info("daemon shutting down")
	cancel()
	d.workersWG.Wait()
	d.scheduler.Stop()
	if err := d.store.Close(); err != nil {
		d.log.Warn("error closing store", "error", err)
	}
	d.log.Info("daemon stopped")
	return nil
}

// awaitSignal blocks until ctx is done or a terminal OS signal arrives.
// SIGHUP is logged and otherwise does nothing — it neither reloads config
// nor shuts anything down — so an operator wanting new config values still
// has to restart the daemon, matching the simplicity of the rest of this
// package relative to the teacher's much larger daemon_event_loop.go.
func (d *Daemon) awaitSignal(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				d.log.Info("received SIGHUP, reload not implemented for running components; restart to apply new config")
				continue
			}
			d.log.Info("received signal, shutting down", "signal", sig)
			cancel()
			return
		}
	}
}

// reportQueueDepth polls the job queue's status counts into the
// pibrain_queue_depth gauge every pollInterval. Every tenth tick it also
// renders the whole registry to text at debug level: the only in-process
// caller of metrics.Registry.RenderText, since nothing outside this process
// can reach a running daemon's Prometheus registry (see DESIGN.md).
func (d *Daemon) reportQueueDepth(ctx context.Context) {
	interval := d.cfg.Daemon.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			counts, err := d.queue.GetJobCounts(ctx)
			if err != nil {
				d.log.Warn("failed to read job counts", "error", err)
				continue
			}
			d.metrics.QueueDepth.WithLabelValues("pending").Set(float64(counts.Pending))
			d.metrics.QueueDepth.WithLabelValues("running").Set(float64(counts.Running))
			d.metrics.QueueDepth.WithLabelValues("completed").Set(float64(counts.Completed))
			d.metrics.QueueDepth.WithLabelValues("failed").Set(float64(counts.Failed))

			if tick%10 == 0 {
				if text, err := d.metrics.RenderText(); err != nil {
					d.log.Warn("failed to render metrics", "error", err)
				} else {
					d.log.Debug("metrics snapshot", "text", text)
				}
			}
		}
	}
}

// wireWatcherToQueue translates watcher events into enqueued analysis jobs,
// per spec.md §4.4/§4.9: a new or changed session doesn't get enqueued until
// it goes idle, so the analyzer always sees a settled segment. The watcher
// never parses session content, so it cannot supply segment boundaries; an
// empty SegmentStart/SegmentEnd tells the analyzer subprocess to treat the
// whole file as the segment, which is correct for a JobTypeInitial job
// against a session seen idle for the first time.
func (d *Daemon) wireWatcherToQueue(ctx context.Context) {
	d.watcher.On(watcher.EventSessionIdle, func(ev watcher.Event) {
		_, err := d.queue.Enqueue(ctx, types.EnqueueInput{
			Type:     types.JobTypeInitial,
			Priority: types.PriorityInitial,
			Context: types.JobContext{
				SessionFile: ev.SessionPath,
			},
		})
		if err != nil {
			d.log.Warn("failed to enqueue analysis job", "session", ev.SessionPath, "error", err)
			return
		}
		d.metrics.JobsEnqueued.WithLabelValues(string(types.JobTypeInitial)).Inc()
	})
	d.watcher.On(watcher.EventError, func(ev watcher.Event) {
		d.log.Warn("watcher reported error", "session", ev.SessionPath, "error", ev.Err)
	})
}
