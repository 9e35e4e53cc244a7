// Package worker runs the analysis pipeline spec.md §4.5 describes: a loop
// of claim, process, complete-or-fail, executed by N concurrent workers
// sharing one job queue and one storage engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pi-brain/pi-brain/internal/analyzer"
	"github.com/pi-brain/pi-brain/internal/config"
	"github.com/pi-brain/pi-brain/internal/discovery"
	"github.com/pi-brain/pi-brain/internal/errs"
	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/metrics"
	"github.com/pi-brain/pi-brain/internal/queue"
	"github.com/pi-brain/pi-brain/internal/storage/sqlite"
	"github.com/pi-brain/pi-brain/internal/types"
)

// Store is the subset of *sqlite.Store the worker pipeline depends on.
type Store interface {
	discovery.Store
	CreateNode(ctx context.Context, js *sqlite.JSONStore, node *types.Node) error
	ReplaceNode(ctx context.Context, js *sqlite.JSONStore, node *types.Node) error
	GetNodeVersion(ctx context.Context, id string, version int) (*types.Node, string, error)
	ListNodeVersions(ctx context.Context, id string) ([]types.NodeVersionRef, error)
}

// PromptLoader resolves the current prompt text and its content-hashed
// version, so a worker never has to know where prompt files live.
type PromptLoader interface {
	Load() (text, version string, err error)
}

// Worker runs the claim/process/complete loop against one shared queue and
// store. Multiple Workers (one goroutine each) share the same Queue and
// Store safely: the queue's UPDATE...RETURNING claim prevents double-claims,
// and SQLite serializes writers via the store's IMMEDIATE transactions.
type Worker struct {
	id         string
	queue      *queue.Queue
	store      Store
	jsonStore  *sqlite.JSONStore
	discoverer *discovery.Discoverer
	prompts    PromptLoader
	cfg        *config.Config
	retry      errs.RetryPolicy
	log        logging.Logger
	metrics    *metrics.Registry

	// invokeAnalyzer defaults to analyzer.Invoke; tests substitute a stub so
	// the pipeline can be exercised without spawning a real subprocess.
	invokeAnalyzer func(ctx context.Context, cfg config.AnalyzerConfig, req analyzer.Request) (*analyzer.Output, error)
}

// SetMetrics attaches a metrics registry after construction, so New's
// signature (and every existing caller and test) is unaffected by a
// component that not every worker instance needs. A nil registry (the
// zero value before SetMetrics is called) disables recording, not a crash.
func (w *Worker) SetMetrics(m *metrics.Registry) { w.metrics = m }

func New(id string, q *queue.Queue, store Store, jsonStore *sqlite.JSONStore, discoverer *discovery.Discoverer, prompts PromptLoader, cfg *config.Config, log logging.Logger) *Worker {
	return &Worker{
		id:         id,
		queue:      q,
		store:      store,
		jsonStore:  jsonStore,
		discoverer: discoverer,
		prompts:    prompts,
		cfg:        cfg,
		retry: errs.RetryPolicy{
			BaseDelaySec: cfg.Retry.BaseDelaySec,
			MaxDelaySec:  cfg.Retry.MaxDelaySec,
			JitterRatio:  cfg.Retry.JitterRatio,
			MaxRetries:   cfg.Retry.MaxRetries,
		},
		log:            log.Named("worker." + id),
		invokeAnalyzer: analyzer.Invoke,
	}
}

// Run polls the queue until ctx is cancelled, processing one job at a time.
// This satisfies spec.md §5's "each worker is sequential internally" rule;
// parallelism comes from running multiple Workers, not from this loop.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Daemon.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes jobs back-to-back until the queue is empty or ctx is
// cancelled, so a burst of enqueued work doesn't wait out multiple poll
// intervals before being picked up.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.ClaimNext(ctx, w.id)
		if errors.Is(err, queue.ErrEmpty) {
			return
		}
		if err != nil {
			w.log.Error("claim failed", "error", err)
			return
		}
		w.processAndFinish(ctx, job)
	}
}

func (w *Worker) processAndFinish(ctx context.Context, job *types.Job) {
	start := time.Now()
	err := w.Process(ctx, job)
	duration := time.Since(start)

	if err == nil {
		if cerr := w.queue.Complete(ctx, job.ID); cerr != nil {
			w.log.Error("complete failed", "job", job.ID, "error", cerr)
		}
		w.log.Info("job completed", "job", job.ID, "type", job.Type, "durationMs", duration.Milliseconds())
		if w.metrics != nil {
			w.metrics.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
		}
		return
	}

	w.log.Warn("job failed", "job", job.ID, "type", job.Type, "error", err)
	if ferr := w.queue.Fail(ctx, job.ID, err, job.RetryCount, job.MaxRetries, w.retry); ferr != nil {
		w.log.Error("record failure failed", "job", job.ID, "error", ferr)
	}
	if w.metrics != nil {
		w.metrics.JobsFailed.WithLabelValues(string(job.Type), string(errs.ReasonOf(err))).Inc()
	}
}

// Process runs the eight-step pipeline from spec.md §4.5 for a single
// claimed job. It returns a *errs.ClassifiedError on any failure so the
// caller's retry decision is purely a function of the returned error.
func (w *Worker) Process(ctx context.Context, job *types.Job) error {
	if job.Type == types.JobTypeConnectionDiscovery {
		return w.processConnectionDiscovery(ctx, job)
	}

	if err := w.validateEnvironment(); err != nil {
		return err
	}

	promptText, promptVersion, err := w.prompts.Load()
	if err != nil {
		return errs.WrapPermanent(errs.ReasonEnvironment, fmt.Errorf("load prompt: %w", err))
	}

	priorNode, priorVersions, priorVersionNum, err := w.loadPriorNode(ctx, job)
	if err != nil {
		return err
	}

	prompt := RenderPrompt(promptText, job, priorNode)

	req := analyzer.Request{
		Prompt:       prompt,
		Skills:       w.cfg.Analyzer.RequiredSkills,
		SessionFile:  job.Context.SessionFile,
		SegmentStart: job.Context.SegmentStart,
		SegmentEnd:   job.Context.SegmentEnd,
	}
	if err := req.Validate(); err != nil {
		return errs.WrapPermanent(errs.ReasonValidation, err)
	}

	analyzerStart := time.Now()
	out, err := w.invokeAnalyzer(ctx, w.cfg.Analyzer, req)
	if w.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		w.metrics.AnalyzerDuration.WithLabelValues(outcome).Observe(time.Since(analyzerStart).Seconds())
	}
	if err != nil {
		return err
	}

	raw, err := analyzer.ExtractJSON(out.Stdout)
	if err != nil {
		return err
	}
	agentOut, err := analyzer.ParseOutput(raw)
	if err != nil {
		return err
	}
	if err := analyzer.ValidateSchema(agentOut); err != nil {
		return err
	}

	node := analyzer.AgentOutputToNode(agentOut, analyzer.Context{
		SessionFile:      job.Context.SessionFile,
		SegmentStart:     job.Context.SegmentStart,
		SegmentEnd:       job.Context.SegmentEnd,
		SegmentStartAt:   segmentStartAt(priorNode, job),
		Project:          projectName(w.cfg.SessionsDir, job.Context.SessionFile),
		Computer:         hostname(),
		PromptVersion:    promptVersion,
		PromptText:       prompt,
		InputTokens:      0,
		OutputTokens:     0,
		DurationMs:       out.DurationMs,
		PreviousVersions: priorVersions,
		PriorVersion:     priorVersionNum,
	})

	if err := w.persist(ctx, node, priorVersionNum); err != nil {
		return err
	}

	if err := w.linkPredecessors(ctx, node, job); err != nil {
		return err
	}

	if w.discoverer != nil {
		if _, err := w.discoverer.DiscoverConnections(ctx, node.ID); err != nil {
			// Discovery failure must not fail the whole job: the node is
			// already durably persisted, and discovery reruns safely later
			// (it is idempotent) via the connection_discovery scheduler job.
			w.log.Warn("connection discovery failed", "node", node.ID, "error", err)
		}
	}

	return nil
}

// processConnectionDiscovery handles a standalone connection_discovery job
// (spec.md's job type enum includes it alongside initial/reanalysis): it
// skips the analyzer pipeline entirely and just reruns the discoverer
// against an already-analyzed node. pibrainctl rescan is the one thing that
// currently enqueues this job type, one per existing node, to pick up a
// changed discovery threshold across history; the scheduler's own
// connection_discovery cron job instead calls the discoverer directly for
// its incremental since-last-run sweep and doesn't go through the queue.
func (w *Worker) processConnectionDiscovery(ctx context.Context, job *types.Job) error {
	if job.Context.NodeID == "" {
		return errs.WrapPermanent(errs.ReasonValidation, fmt.Errorf("connection discovery job missing nodeID"))
	}
	if w.discoverer == nil {
		return errs.WrapPermanent(errs.ReasonEnvironment, fmt.Errorf("no discoverer configured"))
	}
	if _, err := w.discoverer.DiscoverConnections(ctx, job.Context.NodeID); err != nil {
		return errs.WrapTransient(errs.ReasonIO, fmt.Errorf("discover connections for %s: %w", job.Context.NodeID, err))
	}
	return nil
}

func (w *Worker) validateEnvironment() error {
	available := map[string]bool{}
	for _, s := range w.cfg.Analyzer.RequiredSkills {
		available[s] = true
	}
	for _, s := range w.cfg.Analyzer.OptionalSkills {
		available[s] = true
	}
	return analyzer.CheckEnvironment(w.cfg.Analyzer, available)
}

// loadPriorNode resolves the node this job is reanalyzing, if any. For an
// "initial" job there is no prior node; for "reanalysis" the job context
// carries the node id to reanalyze.
func (w *Worker) loadPriorNode(ctx context.Context, job *types.Job) (*types.Node, []types.NodeVersionRef, int, error) {
	if job.Type != types.JobTypeReanalysis || job.Context.NodeID == "" {
		return nil, nil, 0, nil
	}
	current, _, err := w.store.GetCurrentNode(ctx, job.Context.NodeID)
	if err != nil {
		return nil, nil, 0, errs.WrapTransient(errs.ReasonIO, fmt.Errorf("load prior node %s: %w", job.Context.NodeID, err))
	}
	versions, err := w.store.ListNodeVersions(ctx, job.Context.NodeID)
	if err != nil {
		return nil, nil, 0, errs.WrapTransient(errs.ReasonIO, fmt.Errorf("list versions for %s: %w", job.Context.NodeID, err))
	}
	return current, versions, current.Version, nil
}

func (w *Worker) persist(ctx context.Context, node *types.Node, priorVersion int) error {
	var err error
	if priorVersion == 0 {
		err = w.store.CreateNode(ctx, w.jsonStore, node)
	} else {
		err = w.store.ReplaceNode(ctx, w.jsonStore, node)
	}
	if err != nil {
		return errs.WrapTransient(errs.ReasonIO, fmt.Errorf("persist node %s: %w", node.ID, err))
	}
	return nil
}

// linkPredecessors creates the structural prev-in-session edge from the
// job's immediately preceding node ids, per spec.md §4.5 step 7. Edge
// creation happens strictly after the node row is committed, so a reader
// can briefly observe the node before its structural edges exist.
func (w *Worker) linkPredecessors(ctx context.Context, node *types.Node, job *types.Job) error {
	for _, priorID := range job.Context.PriorNodeIDs {
		if priorID == "" || priorID == node.ID {
			continue
		}
		exists, err := w.store.EdgeExists(ctx, priorID, node.ID, types.EdgeTypePrevInSession)
		if err != nil {
			return errs.WrapTransient(errs.ReasonIO, fmt.Errorf("check predecessor edge: %w", err))
		}
		if exists {
			continue
		}
		if _, err := w.store.CreateEdge(ctx, &types.Edge{
			Source:    priorID,
			Target:    node.ID,
			Type:      types.EdgeTypePrevInSession,
			CreatedBy: types.EdgeCreatedByBoundary,
		}); err != nil && !errors.Is(err, sqlite.ErrConflict) {
			return errs.WrapTransient(errs.ReasonIO, fmt.Errorf("link predecessor %s: %w", priorID, err))
		}
	}
	return nil
}

func segmentStartAt(priorNode *types.Node, job *types.Job) time.Time {
	if priorNode != nil {
		return priorNode.SegmentStartAt
	}
	return time.Now().UTC()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// projectName derives the node's project attribute from the session file's
// path relative to sessionsDir: sessions are laid out as
// <sessionsDir>/<project>/<file>.jsonl, so the first path segment is the
// project name. A session file outside sessionsDir (or with no subdirectory)
// falls back to its own base name.
func projectName(sessionsDir, sessionFile string) string {
	rel, err := filepath.Rel(sessionsDir, sessionFile)
	if err != nil || strings.HasPrefix(rel, "..") {
		return strings.TrimSuffix(filepath.Base(sessionFile), filepath.Ext(sessionFile))
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) > 1 {
		return parts[0]
	}
	return strings.TrimSuffix(parts[0], filepath.Ext(parts[0]))
}
