package aggregate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pi-brain/pi-brain/internal/idgen"
	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/types"
)

// InsightStore is the subset of *sqlite.Store the insight aggregator needs.
type InsightStore interface {
	ListNodesSince(ctx context.Context, since time.Time) ([]types.Node, error)
	ClearClusters(ctx context.Context, model, insightType string) error
	UpsertCluster(ctx context.Context, c *types.Cluster) error
	UpsertInsight(ctx context.Context, in *types.AggregatedInsight) error
}

// observation is one clusterable unit: text to embed, the severity it
// contributes to confidence, when it was observed, and the node it came from.
type observation struct {
	nodeID    string
	text      string
	severity  float64
	observed  time.Time
}

// InsightAggregator implements spec.md §4.7's insight-aggregation pass:
// cluster semantically similar observations per (model, insightType) via the
// configured EmbeddingProvider, scoring each surviving cluster's confidence
// as support · mean(severity) · recency_decay(latestSeen).
type InsightAggregator struct {
	store       InsightStore
	embeddings  EmbeddingProvider
	summarizer  Summarizer
	minSupport  int
	minCluster  int
	halfLife    time.Duration
	log         logging.Logger
}

// SetSummarizer attaches an optional Summarizer after construction, the same
// nil-safe seam internal/worker.Worker.SetMetrics uses: without one, a
// cluster's insight summary is the first member's raw observation text
// (always correct, just less readable than a synthesized sentence).
func (a *InsightAggregator) SetSummarizer(s Summarizer) { a.summarizer = s }

func NewInsightAggregator(store InsightStore, embeddings EmbeddingProvider, minSupport, minClusterSize int, halfLife time.Duration, log logging.Logger) *InsightAggregator {
	if minSupport < 1 {
		minSupport = 1
	}
	if minClusterSize < 1 {
		minClusterSize = 1
	}
	if halfLife <= 0 {
		halfLife = 14 * 24 * time.Hour
	}
	return &InsightAggregator{
		store: store, embeddings: embeddings, minSupport: minSupport, minCluster: minClusterSize,
		halfLife: halfLife, log: log.Named("insight-aggregator"),
	}
}

// Run clusters two observation families — per-model behavioral quirks and
// per-model tool-error narratives — each bucketed by model, since the
// scoring and the eventual insight are always scoped to one model.
func (a *InsightAggregator) Run(ctx context.Context, now time.Time, since time.Time) (int, error) {
	nodes, err := a.store.ListNodesSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("insight aggregator: list nodes: %w", err)
	}

	byModelQuirk := map[string][]observation{}
	byModelToolError := map[string][]observation{}
	for _, n := range nodes {
		for _, q := range n.ModelQuirks {
			byModelQuirk[q.Model] = append(byModelQuirk[q.Model], observation{
				nodeID: n.ID, text: q.Summary, severity: severityWeight(q.Severity), observed: n.AnalyzedAt,
			})
		}
		for _, te := range n.ToolErrors {
			byModelToolError[te.Model] = append(byModelToolError[te.Model], observation{
				nodeID: n.ID, text: te.Tool + ": " + te.Summary, severity: outcomeSeverity(n.Outcome), observed: n.AnalyzedAt,
			})
		}
	}

	total := 0
	for model, obs := range byModelQuirk {
		n, err := a.runOne(ctx, model, "model_quirk", obs, now)
		if err != nil {
			return total, err
		}
		total += n
	}
	for model, obs := range byModelToolError {
		n, err := a.runOne(ctx, model, "tool_error", obs, now)
		if err != nil {
			return total, err
		}
		total += n
	}
	a.log.Info("insight aggregation complete", "insightsUpserted", total)
	return total, nil
}

func (a *InsightAggregator) runOne(ctx context.Context, model, insightType string, obs []observation, now time.Time) (int, error) {
	if len(obs) < a.minSupport {
		return 0, nil
	}

	vectors := make([][]float64, len(obs))
	for i, o := range obs {
		v, err := a.embeddings.Embed(ctx, o.text)
		if err != nil {
			return 0, fmt.Errorf("insight aggregator: embed %s/%s: %w", model, insightType, err)
		}
		vectors[i] = v
	}

	k := clusterCount(len(obs))
	assignments := kMeansPlusPlus(vectors, k)

	if err := a.store.ClearClusters(ctx, model, insightType); err != nil {
		return 0, fmt.Errorf("insight aggregator: clear clusters %s/%s: %w", model, insightType, err)
	}

	groups := map[int][]int{}
	for i, c := range assignments {
		groups[c] = append(groups[c], i)
	}

	upserted := 0
	for _, members := range groups {
		isNoise := len(members) < a.minCluster
		memberIDs := make([]string, len(members))
		for i, idx := range members {
			memberIDs[i] = obs[idx].nodeID
		}
		centroid := centroidOf(vectors, members)
		if err := a.store.UpsertCluster(ctx, &types.Cluster{
			Model: model, InsightType: insightType, MemberIDs: memberIDs, Centroid: centroid, IsNoise: isNoise,
		}); err != nil {
			return upserted, fmt.Errorf("insight aggregator: upsert cluster %s/%s: %w", model, insightType, err)
		}
		if isNoise {
			continue
		}

		support := len(members)
		var severitySum float64
		var latest time.Time
		for _, idx := range members {
			severitySum += obs[idx].severity
			if obs[idx].observed.After(latest) {
				latest = obs[idx].observed
			}
		}
		meanSeverity := severitySum / float64(support)
		confidence := float64(support) * meanSeverity * recencyDecay(latest, now, a.halfLife)
		confidence = clamp01(confidence / float64(a.minCluster*4)) // normalize into [0,1] against a small reference cluster

		summary := obs[members[0]].text
		if a.summarizer != nil {
			if synthesized, err := a.summarizer.Summarize(ctx, model, insightType, memberTexts(obs, members, 10)); err != nil {
				a.log.Warn("insight aggregator: summarize failed, falling back to raw text", "model", model, "insightType", insightType, "error", err)
			} else {
				summary = synthesized
			}
		}

		if err := a.store.UpsertInsight(ctx, &types.AggregatedInsight{
			ID:              idgen.MustGenerateRandomID(),
			Model:           model,
			InsightType:     insightType,
			Fingerprint:     fmt.Sprintf("%s|%s|%s", model, insightType, memberIDs[0]),
			Summary:         summary,
			ContributingIDs: memberIDs,
			Confidence:      confidence,
			CreatedAt:       now,
			UpdatedAt:       now,
		}); err != nil {
			return upserted, fmt.Errorf("insight aggregator: upsert insight %s/%s: %w", model, insightType, err)
		}
		upserted++
	}
	return upserted, nil
}

func severityWeight(sev string) float64 {
	switch sev {
	case "critical":
		return 1.0
	case "high":
		return 0.8
	case "medium":
		return 0.5
	case "low":
		return 0.2
	default:
		return 0.3
	}
}

func outcomeSeverity(o types.Outcome) float64 {
	switch o {
	case types.OutcomeFailed:
		return 1.0
	case types.OutcomeAbandoned:
		return 0.9
	case types.OutcomePartial:
		return 0.5
	default:
		return 0.2
	}
}

// recencyDecay is exponential decay with the given half-life: observations
// from halfLife ago contribute half the confidence of one observed now.
func recencyDecay(observed, now time.Time, halfLife time.Duration) float64 {
	age := now.Sub(observed)
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, age.Seconds()/halfLife.Seconds())
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// clusterCount picks k via the sqrt(n) heuristic, which the spec allows as a
// simplified stand-in for choosing eps/minPts from a k-distance curve: with
// no ground truth on true cluster count, sqrt(n) trades off over- and
// under-segmentation reasonably for the typical few-hundred-observation
// batches this pass runs against.
func clusterCount(n int) int {
	k := int(math.Sqrt(float64(n)))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}

func centroidOf(vectors [][]float64, members []int) []float64 {
	if len(members) == 0 {
		return nil
	}
	dims := len(vectors[members[0]])
	centroid := make([]float64, dims)
	for _, idx := range members {
		for d := 0; d < dims; d++ {
			centroid[d] += vectors[idx][d]
		}
	}
	for d := range centroid {
		centroid[d] /= float64(len(members))
	}
	return centroid
}

// kMeansPlusPlus clusters vectors into k groups: K-means++ seeding followed
// by a bounded number of Lloyd's-algorithm iterations. Returns the cluster
// index assigned to each input vector.
func kMeansPlusPlus(vectors [][]float64, k int) []int {
	n := len(vectors)
	assignments := make([]int, n)
	if n == 0 {
		return assignments
	}
	if k >= n {
		for i := range assignments {
			assignments[i] = i
		}
		return assignments
	}

	centroids := seedPlusPlus(vectors, k)
	const maxIterations = 20
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, v := range vectors {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				d := squaredDistance(v, centroid)
				if d < bestDist {
					best, bestDist = c, d
				}
			}
			if assignments[i] != best {
				changed = true
			}
			assignments[i] = best
		}
		if !changed && iter > 0 {
			break
		}
		centroids = recomputeCentroids(vectors, assignments, k)
	}
	return assignments
}

// seedPlusPlus picks initial centroids deterministically: the first is the
// vector at position 0 (the caller provides no randomness source and
// reproducibility across runs is preferable to true randomness here), each
// subsequent one is the vector with the largest squared distance to its
// nearest existing seed, rather than a distance-weighted random draw.
func seedPlusPlus(vectors [][]float64, k int) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, vectors[0])

	for len(centroids) < k {
		var farthestIdx int
		var farthestDist = -1.0
		for i, v := range vectors {
			minDist := math.Inf(1)
			for _, c := range centroids {
				d := squaredDistance(v, c)
				if d < minDist {
					minDist = d
				}
			}
			if minDist > farthestDist {
				farthestDist = minDist
				farthestIdx = i
			}
		}
		centroids = append(centroids, vectors[farthestIdx])
	}
	return centroids
}

func recomputeCentroids(vectors [][]float64, assignments []int, k int) [][]float64 {
	dims := len(vectors[0])
	sums := make([][]float64, k)
	counts := make([]int, k)
	for i := range sums {
		sums[i] = make([]float64, dims)
	}
	for i, v := range vectors {
		c := assignments[i]
		counts[c]++
		for d := 0; d < dims; d++ {
			sums[c][d] += v[d]
		}
	}
	out := make([][]float64, k)
	for c := 0; c < k; c++ {
		if counts[c] == 0 {
			// Empty cluster: re-seed it from input vector c (modulo the input
			// count) so it doesn't silently vanish from later iterations.
			out[c] = vectors[c%len(vectors)]
			continue
		}
		out[c] = make([]float64, dims)
		for d := 0; d < dims; d++ {
			out[c][d] = sums[c][d] / float64(counts[c])
		}
	}
	return out
}

func squaredDistance(a, b []float64) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
