package memory

import (
	"context"

	"github.com/rs/zerolog/log"
)

// TopicMergePlan is one cluster's intended topic merge.
type TopicMergePlan struct {
	TopicIDs []string
	Decision TopicMergeDecision
	Fallback bool // true if the deterministic fallback rule decided this merge
}

// PreviewTopicDedup embeds topic names, clusters them with DBSCAN, and for
// each cluster asks the Merger to choose a surviving primary. On malformed
// LLM JSON it falls back to the deterministic "largest topic survives" rule
// (spec §4.4) rather than skipping the cluster.
func (e *Engine) PreviewTopicDedup(ctx context.Context) ([]TopicMergePlan, error) {
	topics, err := e.store.TopicsWithMemoryCounts(ctx, e.cfg.MinMemoryCount)
	if err != nil {
		return nil, err
	}
	if len(topics) < 2 {
		return nil, nil
	}

	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = t.Name
	}
	vectors, err := e.embedder.Embed(ctx, names)
	if err != nil {
		return nil, err
	}

	similarity := func(i, j int) float64 { return CosineSimilarity(vectors[i], vectors[j]) }
	distance := func(i, j int) float64 { return 1 - similarity(i, j) }
	labels := dbscan(len(topics), 1-e.cfg.SimilarityThreshold, e.cfg.MinSamples, distance)
	clusters := groupByLabel(labels)

	var rankedClusters []rankedCluster
	for _, members := range clusters {
		rankedClusters = append(rankedClusters, rankedCluster{members: members, density: clusterDensity(members, similarity)})
	}
	sortClustersDescending(rankedClusters)
	if len(rankedClusters) > e.cfg.MaxClustersToProcess {
		rankedClusters = rankedClusters[:e.cfg.MaxClustersToProcess]
	}

	var plans []TopicMergePlan
	for _, rc := range rankedClusters {
		group := make([]Topic, 0, len(rc.members))
		ids := make([]string, 0, len(rc.members))
		for _, idx := range rc.members {
			group = append(group, topics[idx])
			ids = append(ids, topics[idx].ID)
		}
		decision, ok := e.merger.ChooseTopicMerge(ctx, group)
		if !ok {
			plans = append(plans, TopicMergePlan{TopicIDs: ids, Decision: FallbackTopicMerge(group), Fallback: true})
			continue
		}
		plans = append(plans, TopicMergePlan{TopicIDs: ids, Decision: decision})
	}
	return plans, nil
}

// RunTopicDedup computes and atomically applies each cluster's topic merge.
// A failure merging one cluster is logged and skipped; it does not abort
// remaining clusters.
func (e *Engine) RunTopicDedup(ctx context.Context) ([]TopicMergePlan, error) {
	plans, err := e.PreviewTopicDedup(ctx)
	if err != nil {
		return plans, err
	}
	for i := range plans {
		p := &plans[i]
		if err := e.store.MergeTopics(ctx, p.Decision.PrimaryID, p.Decision.FinalName, p.Decision.SecondaryIDs); err != nil {
			log.Warn().Err(err).Str("primary_id", p.Decision.PrimaryID).Msg("memory dedup: topic merge failed, skipping cluster")
			continue
		}
	}
	return plans, nil
}
