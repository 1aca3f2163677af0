package memory

import "context"

// rankedCluster pairs a DBSCAN cluster's member indices with its average
// pairwise similarity, used to process the densest clusters first.
type rankedCluster struct {
	members []int
	density float64
}

// PreviewSemanticDedup embeds every memory, clusters them with DBSCAN over
// cosine distance, ranks clusters by density descending, and returns the
// LLM's merge decision for up to cfg.MaxClustersToProcess of them, without
// mutating any store state.
func (e *Engine) PreviewSemanticDedup(ctx context.Context, userID string) (KeywordDedupPlan, error) {
	memories, err := e.store.ListMemories(ctx, userID)
	if err != nil {
		return KeywordDedupPlan{}, err
	}
	if len(memories) < 2 {
		return KeywordDedupPlan{}, nil
	}

	texts := make([]string, len(memories))
	for i, m := range memories {
		texts[i] = m.Text
	}
	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return KeywordDedupPlan{}, err
	}

	similarity := func(i, j int) float64 { return CosineSimilarity(vectors[i], vectors[j]) }
	distance := func(i, j int) float64 { return 1 - similarity(i, j) }
	labels := dbscan(len(memories), 1-e.cfg.SimilarityThreshold, e.cfg.MinSamples, distance)
	clusters := groupByLabel(labels)

	var rankedClusters []rankedCluster
	for _, members := range clusters {
		rankedClusters = append(rankedClusters, rankedCluster{members: members, density: clusterDensity(members, similarity)})
	}
	sortClustersDescending(rankedClusters)
	if len(rankedClusters) > e.cfg.MaxClustersToProcess {
		rankedClusters = rankedClusters[:e.cfg.MaxClustersToProcess]
	}

	var plan KeywordDedupPlan
	for _, rc := range rankedClusters {
		group := make([]Memory, 0, len(rc.members))
		for _, idx := range rc.members {
			group = append(group, memories[idx])
		}
		if len(group) > e.cfg.MaxMemoriesPerGroup {
			group = group[:e.cfg.MaxMemoriesPerGroup]
		}
		ids := make([]string, len(group))
		for i, m := range group {
			ids[i] = m.ID
		}
		decision, ok := e.merger.MergeGroup(ctx, group)
		if !ok {
			plan.Groups = append(plan.Groups, PlannedMerge{MemoryIDs: ids})
			continue
		}
		plan.Groups = append(plan.Groups, PlannedMerge{MemoryIDs: ids, Decision: decision})
	}
	return plan, nil
}

// RunSemanticDedup computes and applies the semantic dedup plan, using the
// same all-or-nothing update-before-delete policy as keyword dedup.
func (e *Engine) RunSemanticDedup(ctx context.Context, userID string) (KeywordDedupPlan, error) {
	plan, err := e.PreviewSemanticDedup(ctx, userID)
	if err != nil {
		return plan, err
	}
	for i := range plan.Groups {
		e.applyGroup(ctx, &plan.Groups[i])
	}
	return plan, nil
}

func sortClustersDescending(rs []rankedCluster) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j-1].density < rs[j].density; j-- {
			rs[j-1], rs[j] = rs[j], rs[j-1]
		}
	}
}
