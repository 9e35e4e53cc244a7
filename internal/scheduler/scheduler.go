// Package scheduler implements spec.md §4.8: the cron-driven orchestration
// of reanalysis, connection-discovery, and aggregation passes that operate
// over the whole graph rather than one node at a time. The teacher has no
// cron library of its own (no `cronutil`-equivalent package, and
// robfig/cron is absent from its go.mod); robfig/cron/v3 is adopted from
// the rest of the example pack for this package and used directly here;
// internal/cronutil only validates cron expressions when the config is
// loaded. SkipIfStillRunning gives each named job its own
// non-overlapping execution lane for free instead of a hand-rolled mutex.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pi-brain/pi-brain/internal/aggregate"
	"github.com/pi-brain/pi-brain/internal/config"
	"github.com/pi-brain/pi-brain/internal/discovery"
	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/metrics"
	"github.com/pi-brain/pi-brain/internal/queue"
	"github.com/pi-brain/pi-brain/internal/types"
)

const (
	JobNameReanalysis           = "reanalysis"
	JobNameConnectionDiscovery  = "connection_discovery"
	JobNamePatternAggregation   = "pattern_aggregation"
	JobNameClustering           = "clustering"
)

// Store is the subset of *sqlite.Store the scheduler's own passes need
// directly (aggregate.PatternStore/InsightStore cover the aggregator passes).
type Store interface {
	ListNodeIDsWithStalePromptVersion(ctx context.Context, currentVersion string, limit int) ([]string, error)
	GetCurrentNode(ctx context.Context, id string) (*types.Node, string, error)
	ListNodesSince(ctx context.Context, since time.Time) ([]types.Node, error)
}

// PromptLoader mirrors worker.PromptLoader; duplicated as a narrow local
// interface so this package doesn't import internal/worker for one method.
type PromptLoader interface {
	Load() (text, version string, err error)
}

// RunResult records one completed pass, per spec.md §4.8's
// {jobType, startedAt, completedAt, itemsProcessed, errors[]} shape.
type RunResult struct {
	JobType        string
	StartedAt      time.Time
	CompletedAt    time.Time
	ItemsProcessed int
	Errors         []string
}

// Scheduler owns a robfig/cron instance with one named entry per configured
// job, each running in its own non-overlapping lane.
type Scheduler struct {
	cfg        config.SchedulerConfig
	store      Store
	q          *queue.Queue
	discoverer *discovery.Discoverer
	patterns   *aggregate.PatternAggregator
	insights   *aggregate.InsightAggregator
	prompts    PromptLoader
	log        logging.Logger

	cron *cron.Cron

	mu          sync.Mutex
	lastResults map[string]RunResult
	lastRunAt   map[string]time.Time

	metrics *metrics.Registry
}

// SetMetrics attaches a metrics registry after construction, the same
// nil-safe seam worker.Worker.SetMetrics uses.
func (s *Scheduler) SetMetrics(m *metrics.Registry) { s.metrics = m }

func New(cfg config.SchedulerConfig, store Store, q *queue.Queue, discoverer *discovery.Discoverer,
	patterns *aggregate.PatternAggregator, insights *aggregate.InsightAggregator, prompts PromptLoader, log logging.Logger) *Scheduler {
	return &Scheduler{
		cfg: cfg, store: store, q: q, discoverer: discoverer, patterns: patterns, insights: insights,
		prompts: prompts, log: log.Named("scheduler"),
		lastResults: map[string]RunResult{},
		lastRunAt:   map[string]time.Time{},
	}
}

// Start builds the cron schedule from config and begins running it. Each
// enabled job's cron expression was already validated by config.Validate, so
// a parse failure here would indicate a bug, not bad input — it's still
// surfaced as an error rather than panicking.
func (s *Scheduler) Start() error {
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{s.log})))

	jobs := map[string]func(context.Context) (int, error){
		JobNameReanalysis:          s.runReanalysis,
		JobNameConnectionDiscovery: s.runConnectionDiscovery,
		JobNamePatternAggregation:  s.runPatternAggregation,
		JobNameClustering:          s.runClustering,
	}

	for name, fn := range jobs {
		jobCfg, ok := s.cfg.Jobs[name]
		if !ok || !jobCfg.Enabled {
			continue
		}
		name, fn := name, fn
		wrapped := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.log})).Then(cron.FuncJob(func() {
			s.runJob(name, fn)
		}))
		if _, err := s.cron.AddJob(jobCfg.Cron, wrapped); err != nil {
			return fmt.Errorf("scheduler: add job %s: %w", name, err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop waits for any in-flight run to finish, bounded by shutdownTimeout.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-stopCtx.Done():
		s.log.Info("scheduler drained cleanly")
	case <-time.After(timeout):
		s.log.Warn("scheduler shutdown timed out, forcing stop", "timeout", timeout)
	}
}

// LastResult returns the most recent RunResult for jobType, and false if
// that job has not run yet in this process.
func (s *Scheduler) LastResult(jobType string) (RunResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lastResults[jobType]
	return r, ok
}

func (s *Scheduler) runJob(name string, fn func(context.Context) (int, error)) {
	started := time.Now().UTC()
	s.log.Info("scheduled job starting", "job", name)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	items, err := fn(ctx)
	result := RunResult{JobType: name, StartedAt: started, CompletedAt: time.Now().UTC(), ItemsProcessed: items}
	if err != nil {
		result.Errors = []string{err.Error()}
		s.log.Error("scheduled job failed", "job", name, "error", err)
	} else {
		s.log.Info("scheduled job completed", "job", name, "itemsProcessed", items)
	}

	s.mu.Lock()
	s.lastResults[name] = result
	if err == nil {
		s.lastRunAt[name] = result.CompletedAt
	}
	s.mu.Unlock()
}

func (s *Scheduler) sinceLastRun(name string, fallback time.Duration) time.Time {
	s.mu.Lock()
	last, ok := s.lastRunAt[name]
	s.mu.Unlock()
	if ok {
		return last
	}
	return time.Now().UTC().Add(-fallback)
}

// runReanalysis implements spec.md §4.8's reanalysis pass, resolving the
// promptVersion-inheritance open question as: a reanalysis job never carries
// the stale prompt version forward, it simply targets a node for
// reprocessing — the worker always stamps the node it writes with whatever
// promptVersion is current at the moment it runs (internal/worker.Process).
func (s *Scheduler) runReanalysis(ctx context.Context) (int, error) {
	_, currentVersion, err := s.prompts.Load()
	if err != nil {
		return 0, fmt.Errorf("reanalysis: load current prompt version: %w", err)
	}

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	staleIDs, err := s.store.ListNodeIDsWithStalePromptVersion(ctx, currentVersion, batchSize)
	if err != nil {
		return 0, fmt.Errorf("reanalysis: list stale nodes: %w", err)
	}

	ins := make([]types.EnqueueInput, 0, len(staleIDs))
	for _, id := range staleIDs {
		node, _, err := s.store.GetCurrentNode(ctx, id)
		if err != nil {
			s.log.Warn("reanalysis: skip node, load failed", "node", id, "error", err)
			continue
		}
		ins = append(ins, types.EnqueueInput{
			Type:     types.JobTypeReanalysis,
			Priority: types.PriorityReanalysis,
			Context: types.JobContext{
				SessionFile:      node.SessionFile,
				SegmentStart:     node.SegmentStart,
				SegmentEnd:       node.SegmentEnd,
				NodeID:           node.ID,
				ReanalysisReason: "prompt version changed from " + node.PromptVersion + " to " + currentVersion,
			},
		})
	}
	if len(ins) == 0 {
		return 0, nil
	}

	// EnqueueMany lands the whole batch in one transaction, so a crash
	// mid-enqueue never leaves some of this tick's stale nodes queued and
	// others silently dropped until the next tick notices them again.
	ids, err := s.q.EnqueueMany(ctx, ins)
	if err != nil {
		return 0, fmt.Errorf("reanalysis: enqueue many: %w", err)
	}
	return len(ids), nil
}

// runConnectionDiscovery walks nodes analyzed since the last successful run
// of this job (spec.md §4.8's literal "nodes created since last run"),
// resolving the second open question: discovery does not rescan the whole
// historical graph on every tick, only the incremental delta. A full
// historical rescan (e.g. after a threshold change) is a deliberate
// operator action, not an automatic one — see DESIGN.md.
func (s *Scheduler) runConnectionDiscovery(ctx context.Context) (int, error) {
	since := s.sinceLastRun(JobNameConnectionDiscovery, 24*time.Hour)
	nodes, err := s.store.ListNodesSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("connection discovery: list nodes: %w", err)
	}

	processed := 0
	var lastErr error
	for _, n := range nodes {
		result, err := s.discoverer.DiscoverConnections(ctx, n.ID)
		if err != nil {
			s.log.Warn("connection discovery: node failed", "node", n.ID, "error", err)
			lastErr = err
			continue
		}
		if s.metrics != nil {
			edges := result.RelatedEdges + result.ReferenceEdges + result.ReinforcedEdges
			s.metrics.ConnectionsDiscovered.Add(float64(edges))
		}
		processed++
	}
	return processed, lastErr
}

func (s *Scheduler) runPatternAggregation(ctx context.Context) (int, error) {
	since := s.sinceLastRun(JobNamePatternAggregation, 7*24*time.Hour)
	res, err := s.patterns.Run(ctx, since)
	if err != nil {
		return 0, err
	}
	return res.FailurePatterns + res.LessonPatterns, nil
}

func (s *Scheduler) runClustering(ctx context.Context) (int, error) {
	since := s.sinceLastRun(JobNameClustering, 7*24*time.Hour)
	n, err := s.insights.Run(ctx, time.Now().UTC(), since)
	if err == nil && s.metrics != nil {
		s.metrics.InsightsGenerated.Add(float64(n))
	}
	return n, err
}

// cronLogger adapts logging.Logger to cron.Logger, the interface
// robfig/cron's job chains (Recover, SkipIfStillRunning) expect.
type cronLogger struct {
	log logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Info(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
