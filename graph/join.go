package graph

import "strings"

// CompiledJoin is a validated many-to-one join edge: a set of parent node
// IDs that must each route to Target (in any order, across any number of
// supersteps) before Target is scheduled. A parent that executes without
// routing to Target is not counted.
type CompiledJoin struct {
	// ID is the canonical barrier ID: "join:p1+p2+...:target", parents sorted
	// lexicographically ascending.
	ID      string
	Parents []string // sorted ascending, deduplicated
	Target  string
}

// canonicalJoinID builds the canonical barrier ID from an already-sorted,
// deduplicated parent list.
func canonicalJoinID(sortedParents []string, target string) string {
	return "join:" + strings.Join(sortedParents, "+") + ":" + target
}

// joinProgress tracks, per compiled join, the subset of parents seen so far.
// Progress accumulates across supersteps until the barrier becomes available;
// it is cleared in the commit that schedules the target, not when the target
// later executes.
type joinProgress struct {
	seen map[string]map[string]struct{} // joinID -> seen parent node IDs
}

func newJoinProgress() *joinProgress {
	return &joinProgress{seen: make(map[string]map[string]struct{})}
}

// available reports whether every parent of join has been seen.
func (jp *joinProgress) available(join CompiledJoin) bool {
	seen := jp.seen[join.ID]
	if len(seen) < len(join.Parents) {
		return false
	}
	for _, p := range join.Parents {
		if _, ok := seen[p]; !ok {
			return false
		}
	}
	return true
}

// mark records that parentNodeID routed to the given join's target, returning
// whether this transitions the barrier from not-available to available.
func (jp *joinProgress) mark(join CompiledJoin, parentNodeID string) (becameAvailable bool) {
	was := jp.available(join)
	set, ok := jp.seen[join.ID]
	if !ok {
		set = make(map[string]struct{}, len(join.Parents))
		jp.seen[join.ID] = set
	}
	set[parentNodeID] = struct{}{}
	return !was && jp.available(join)
}

// clear resets a join's progress, consuming the barrier once its target has
// been scheduled for execution.
func (jp *joinProgress) clear(joinID string) {
	delete(jp.seen, joinID)
}

// snapshot returns, for every compiled join (keyed by ID, one entry per
// compiled join regardless of progress), the sorted, deduplicated list of
// seen parent node IDs — the shape persisted in a checkpoint.
func (jp *joinProgress) snapshot(joins []CompiledJoin) map[string][]string {
	out := make(map[string][]string, len(joins))
	for _, j := range joins {
		seen := jp.seen[j.ID]
		ids := make([]string, 0, len(seen))
		for id := range seen {
			ids = append(ids, id)
		}
		out[j.ID] = sortStrings(ids)
	}
	return out
}

// restore replaces progress from a decoded checkpoint's join-progress map.
func (jp *joinProgress) restore(snapshot map[string][]string) {
	jp.seen = make(map[string]map[string]struct{}, len(snapshot))
	for joinID, parents := range snapshot {
		set := make(map[string]struct{}, len(parents))
		for _, p := range parents {
			set[p] = struct{}{}
		}
		jp.seen[joinID] = set
	}
}
