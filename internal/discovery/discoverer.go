package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/storage/sqlite"
	"github.com/pi-brain/pi-brain/internal/types"
)

// Store is the subset of *sqlite.Store the discoverer needs, narrowed to an
// interface so worker and scheduler tests can substitute a fake.
type Store interface {
	GetCurrentNode(ctx context.Context, id string) (*types.Node, string, error)
	NodeOverlapData(ctx context.Context, id string) (tags, topics, lessonTexts []string, err error)
	TagCandidates(ctx context.Context, tags []string, excludeID string) ([]string, error)
	ResolveNodeIDPrefix(ctx context.Context, prefix string) ([]string, error)
	EdgeExists(ctx context.Context, source, target string, edgeType types.EdgeType) (bool, error)
	CreateEdge(ctx context.Context, edge *types.Edge) (string, error)
}

// Thresholds controls when each heuristic creates an edge, sourced from
// config.DiscoveryConfig.
type Thresholds struct {
	JaccardThreshold          float64
	LessonSimilarityThreshold float64
}

// Discoverer runs the three connection heuristics spec.md §4.6 defines
// against one freshly analyzed (or reanalyzed) node.
type Discoverer struct {
	store      Store
	thresholds Thresholds
	log        logging.Logger
}

func New(store Store, thresholds Thresholds, log logging.Logger) *Discoverer {
	return &Discoverer{store: store, thresholds: thresholds, log: log}
}

// Result summarizes what DiscoverConnections did, for the caller's daemon
// decision log and the scheduler's run-result accounting.
type Result struct {
	RelatedEdges    int
	ReferenceEdges  int
	ReinforcedEdges int
}

// DiscoverConnections scores nodeID against its peers and creates any edges
// whose heuristic clears its threshold. It is idempotent: every candidate
// edge is checked with EdgeExists before creation, so running it twice over
// the same node never duplicates an edge.
func (d *Discoverer) DiscoverConnections(ctx context.Context, nodeID string) (Result, error) {
	var result Result

	node, _, err := d.store.GetCurrentNode(ctx, nodeID)
	if err != nil {
		return result, fmt.Errorf("discovery: load node %s: %w", nodeID, err)
	}

	if err := d.discoverByOverlap(ctx, node, &result); err != nil {
		return result, err
	}
	if err := d.discoverByReference(ctx, node, &result); err != nil {
		return result, err
	}
	if err := d.discoverByLessonReinforcement(ctx, node, &result); err != nil {
		return result, err
	}
	return result, nil
}

func (d *Discoverer) discoverByOverlap(ctx context.Context, node *types.Node, result *Result) error {
	tagsAndTopics := append(append([]string{}, node.Tags...), node.Topics...)
	candidates, err := d.store.TagCandidates(ctx, tagsAndTopics, node.ID)
	if err != nil {
		return fmt.Errorf("discovery: tag candidates for %s: %w", node.ID, err)
	}

	for _, candidateID := range candidates {
		cTags, cTopics, _, err := d.store.NodeOverlapData(ctx, candidateID)
		if err != nil {
			return fmt.Errorf("discovery: overlap data for %s: %w", candidateID, err)
		}
		score := jaccard(append(append([]string{}, node.Tags...), node.Topics...), append(append([]string{}, cTags...), cTopics...))
		if score < d.thresholds.JaccardThreshold {
			continue
		}
		created, err := d.createIfAbsent(ctx, node.ID, candidateID, types.EdgeTypeRelatedTo, map[string]any{"jaccard": score})
		if err != nil {
			return err
		}
		if created {
			result.RelatedEdges++
		}
	}
	return nil
}

func (d *Discoverer) discoverByReference(ctx context.Context, node *types.Node, result *Result) error {
	text := node.Summary + "\n" + strings.Join(node.Decisions, "\n")
	for _, ref := range ExtractReferences(text) {
		matches, err := d.store.ResolveNodeIDPrefix(ctx, ref.IDPrefix)
		if err != nil {
			return fmt.Errorf("discovery: resolve reference %s: %w", ref.IDPrefix, err)
		}
		if len(matches) == 0 {
			continue
		}
		// ResolveNodeIDPrefix already orders by analyzed_at DESC, id DESC, so
		// the first match is the deterministic tie-break: most recent wins,
		// then greatest id.
		targetID := matches[0]
		if targetID == node.ID {
			continue
		}
		created, err := d.createIfAbsent(ctx, node.ID, targetID, types.EdgeTypeReferences, map[string]any{"idPrefix": ref.IDPrefix})
		if err != nil {
			return err
		}
		if created {
			result.ReferenceEdges++
		}
	}
	return nil
}

func (d *Discoverer) discoverByLessonReinforcement(ctx context.Context, node *types.Node, result *Result) error {
	if len(node.Lessons) == 0 {
		return nil
	}
	tagsAndTopics := append(append([]string{}, node.Tags...), node.Topics...)
	candidates, err := d.store.TagCandidates(ctx, tagsAndTopics, node.ID)
	if err != nil {
		return fmt.Errorf("discovery: lesson candidates for %s: %w", node.ID, err)
	}

	for _, candidateID := range candidates {
		_, _, candidateLessons, err := d.store.NodeOverlapData(ctx, candidateID)
		if err != nil {
			return fmt.Errorf("discovery: overlap data for %s: %w", candidateID, err)
		}
		best := 0.0
		for _, l := range node.Lessons {
			for _, cl := range candidateLessons {
				if s := lessonSimilarity(l.Summary, cl); s > best {
					best = s
				}
			}
		}
		if best < d.thresholds.LessonSimilarityThreshold {
			continue
		}
		created, err := d.createIfAbsent(ctx, node.ID, candidateID, types.EdgeTypeReinforces, map[string]any{"similarity": best})
		if err != nil {
			return err
		}
		if created {
			result.ReinforcedEdges++
		}
	}
	return nil
}

func (d *Discoverer) createIfAbsent(ctx context.Context, source, target string, edgeType types.EdgeType, metadata map[string]any) (bool, error) {
	exists, err := d.store.EdgeExists(ctx, source, target, edgeType)
	if err != nil {
		return false, fmt.Errorf("discovery: check edge exists %s->%s: %w", source, target, err)
	}
	if exists {
		return false, nil
	}
	_, err = d.store.CreateEdge(ctx, &types.Edge{
		Source:    source,
		Target:    target,
		Type:      edgeType,
		CreatedBy: types.EdgeCreatedByDaemon,
		Metadata:  metadata,
	})
	if err != nil {
		if errors.Is(err, sqlite.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("discovery: create edge %s->%s: %w", source, target, err)
	}
	return true, nil
}
