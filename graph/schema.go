package graph

import "sort"

// Registry is the validated, per-attempt schema registry. It
// builds a map of channel ID to spec, a sorted spec list, and a per-channel
// cached initial value. Initial() is invoked at most once per channel per
// attempt, in ascending channel-ID order.
type Registry struct {
	byID       map[string]ChannelSpec
	sortedIDs  []string // all channel IDs, ascending
	initialVal map[string]any
}

// NewRegistry validates specs and builds the registry. Validation order:
// duplicate IDs report the smallest duplicate ID; task-local channels that are
// not checkpointed then report the smallest offending ID; missing codecs
// report the smallest offending ID, checked only after the initial-value
// cache is built.
func NewRegistry(specs []ChannelSpec) (*Registry, error) {
	byID := make(map[string]ChannelSpec, len(specs))
	seen := make(map[string]bool, len(specs))
	var dupIDs []string

	for _, spec := range specs {
		if seen[spec.ID] {
			dupIDs = append(dupIDs, spec.ID)
			continue
		}
		seen[spec.ID] = true
		byID[spec.ID] = spec
	}
	if len(dupIDs) > 0 {
		sort.Strings(dupIDs)
		return nil, &CompileError{Code: CodeDuplicateChannelID, ID: dupIDs[0], Message: "duplicate channel ID"}
	}

	// task_local + untracked/ephemeral is rejected regardless of codec presence.
	var invalidTaskLocalIDs []string
	for id, spec := range byID {
		if spec.Scope == ScopeTaskLocal && spec.Persistence != PersistenceCheckpointed {
			invalidTaskLocalIDs = append(invalidTaskLocalIDs, id)
		}
	}
	if len(invalidTaskLocalIDs) > 0 {
		sort.Strings(invalidTaskLocalIDs)
		return nil, &CompileError{Code: CodeInvalidTaskLocal, ID: invalidTaskLocalIDs[0], Message: "task-local channels must be checkpointed"}
	}

	sortedIDs := make([]string, 0, len(byID))
	for id := range byID {
		sortedIDs = append(sortedIDs, id)
	}
	sort.Strings(sortedIDs)

	reg := &Registry{
		byID:       byID,
		sortedIDs:  sortedIDs,
		initialVal: make(map[string]any, len(byID)),
	}

	// Build the initial-value cache in ascending ID order, each Initial()
	// invoked at most once per attempt.
	for _, id := range sortedIDs {
		spec := byID[id]
		var val any
		if spec.Initial != nil {
			val = spec.Initial()
		}
		reg.initialVal[id] = val
	}

	// Missing-codec validation runs after the initial-cache build, smallest ID wins.
	var missingCodecIDs []string
	for _, id := range sortedIDs {
		spec := byID[id]
		needsCodec := spec.Persistence == PersistenceCheckpointed || spec.Scope == ScopeTaskLocal
		if needsCodec && spec.Codec == nil {
			missingCodecIDs = append(missingCodecIDs, id)
		}
	}
	if len(missingCodecIDs) > 0 {
		sort.Strings(missingCodecIDs)
		return nil, &CompileError{Code: CodeMissingCodec, ID: missingCodecIDs[0], Message: "checkpointed/task-local channel missing codec"}
	}

	return reg, nil
}

// Spec returns the channel spec for id, or (zero, false) if unknown.
func (r *Registry) Spec(id string) (ChannelSpec, bool) {
	spec, ok := r.byID[id]
	return spec, ok
}

// MustSpec returns the channel spec for id, panicking if unknown. Used only
// internally where the caller has already validated id exists.
func (r *Registry) MustSpec(id string) ChannelSpec {
	spec, ok := r.byID[id]
	if !ok {
		panic("hive: registry: unknown channel id " + id)
	}
	return spec
}

// Initial returns the cached initial value for a channel ID.
func (r *Registry) Initial(id string) any {
	return r.initialVal[id]
}

// SortedIDs returns every declared channel ID in ascending order.
func (r *Registry) SortedIDs() []string { return r.sortedIDs }

// SortedSpecs returns every channel spec sorted lexicographically by ID,
// matching the ordering required by the HSV1 schema-version hash.
func (r *Registry) SortedSpecs() []ChannelSpec {
	out := make([]ChannelSpec, 0, len(r.sortedIDs))
	for _, id := range r.sortedIDs {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) taskLocalIDsSorted() []string {
	out := make([]string, 0)
	for _, id := range r.sortedIDs {
		if r.byID[id].Scope == ScopeTaskLocal {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) globalIDsSorted() []string {
	out := make([]string, 0)
	for _, id := range r.sortedIDs {
		if r.byID[id].Scope == ScopeGlobal {
			out = append(out, id)
		}
	}
	return out
}

// effectiveTaskLocal returns the overlay value if present, else the cached
// initial value, for a single task-local channel ID. Reads for absent keys
// fall through to the initial cache, never to the global store.
func (r *Registry) effectiveTaskLocal(id string, overlay map[string]any) (any, error) {
	spec, ok := r.byID[id]
	if !ok {
		return nil, &ChannelError{Code: CodeUnknownChannelID, ChannelID: id, Message: "unknown channel"}
	}
	if spec.Scope != ScopeTaskLocal {
		return nil, &ChannelError{Code: CodeScopeMismatch, ChannelID: id, Message: "not a task-local channel"}
	}
	if v, present := overlay[id]; present {
		return v, nil
	}
	return r.initialVal[id], nil
}
