package memory

import (
	"context"
	"sort"
)

// KeywordGroup is a set of memories the keyword-overlap pass grouped as
// likely duplicates, with the strongest pairwise overlap found inside it.
type KeywordGroup struct {
	Memories    []Memory
	MaxOverlap  int
}

// sharedKeywordCount counts keywords two (already-normalized) sets have in
// common.
func sharedKeywordCount(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, k := range a {
		set[k] = true
	}
	n := 0
	for _, k := range b {
		if set[k] {
			n++
		}
	}
	return n
}

type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}

// GroupByKeywordOverlap implements spec §4.4's keyword-dedup grouping: any
// pair sharing >= minShared keywords is unioned into the same group (a pair
// touching an existing group is absorbed into it), and groups are ranked by
// their strongest internal pairwise overlap, descending.
func GroupByKeywordOverlap(memories []Memory, minShared int) []KeywordGroup {
	n := len(memories)
	uf := newUnionFind(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			shared := sharedKeywordCount(memories[i].Keywords, memories[j].Keywords)
			if shared >= minShared {
				uf.union(i, j)
			}
		}
	}

	groupsIdx := map[int][]int{}
	for i := 0; i < n; i++ {
		root := uf.find(i)
		groupsIdx[root] = append(groupsIdx[root], i)
	}

	var groups []KeywordGroup
	for _, idxs := range groupsIdx {
		if len(idxs) < 2 {
			continue // singletons are not duplicate candidates
		}
		g := KeywordGroup{}
		best := 0
		for a := 0; a < len(idxs); a++ {
			g.Memories = append(g.Memories, memories[idxs[a]])
			for b := a + 1; b < len(idxs); b++ {
				shared := sharedKeywordCount(memories[idxs[a]].Keywords, memories[idxs[b]].Keywords)
				if shared > best {
					best = shared
				}
			}
		}
		g.MaxOverlap = best
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].MaxOverlap > groups[j].MaxOverlap })
	return groups
}

// KeywordDedupPlan is the work a keyword dedup pass intends to perform,
// returned as-is by Preview and applied by Run.
type KeywordDedupPlan struct {
	Groups []PlannedMerge
}

// PlannedMerge is one group's intended update/delete, prior to application.
type PlannedMerge struct {
	MemoryIDs []string
	Decision  MergeDecision
	Applied   bool // true once Run has successfully applied this group
}

// PreviewKeywordDedup returns the groups and LLM decisions without mutating
// any store state.
func (e *Engine) PreviewKeywordDedup(ctx context.Context, userID string) (KeywordDedupPlan, error) {
	memories, err := e.store.ListMemories(ctx, userID)
	if err != nil {
		return KeywordDedupPlan{}, err
	}
	groups := GroupByKeywordOverlap(memories, e.cfg.MinSharedKeywords)
	if len(groups) > e.cfg.MaxGroupsToProcess {
		groups = groups[:e.cfg.MaxGroupsToProcess]
	}

	var plan KeywordDedupPlan
	for _, g := range groups {
		members := g.Memories
		if len(members) > e.cfg.MaxMemoriesPerGroup {
			members = members[:e.cfg.MaxMemoriesPerGroup]
		}
		decision, ok := e.merger.MergeGroup(ctx, members)
		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = m.ID
		}
		if !ok {
			// Malformed LLM JSON: skip this group, never retry automatically.
			plan.Groups = append(plan.Groups, PlannedMerge{MemoryIDs: ids})
			continue
		}
		plan.Groups = append(plan.Groups, PlannedMerge{MemoryIDs: ids, Decision: decision})
	}
	return plan, nil
}

// RunKeywordDedup computes the plan and applies it. Per group, deletions are
// conditional on every update in that group succeeding (spec §8 property 4).
func (e *Engine) RunKeywordDedup(ctx context.Context, userID string) (KeywordDedupPlan, error) {
	plan, err := e.PreviewKeywordDedup(ctx, userID)
	if err != nil {
		return plan, err
	}
	for i := range plan.Groups {
		e.applyGroup(ctx, &plan.Groups[i])
	}
	return plan, nil
}

func (e *Engine) applyGroup(ctx context.Context, g *PlannedMerge) {
	if len(g.Decision.Update) == 0 && len(g.Decision.Delete) == 0 {
		return
	}
	allUpdatesOK := true
	for id, text := range g.Decision.Update {
		if err := e.store.UpdateMemoryText(ctx, id, text); err != nil {
			allUpdatesOK = false
		}
	}
	if !allUpdatesOK {
		return // abort deletion for this group
	}
	for _, id := range g.Decision.Delete {
		_ = e.store.DeleteMemory(ctx, id)
	}
	g.Applied = true
}
