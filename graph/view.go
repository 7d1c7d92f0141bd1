package graph

// GlobalSnapshot is an immutable-by-convention mapping from global channel ID
// to its current value. Callers must treat values
// returned by Get as read-only; mutation happens only through commit.
type GlobalSnapshot map[string]any

// clone returns a shallow copy of the snapshot. Channel values themselves are
// not deep-copied: reducers are expected to return fresh values rather than
// mutate in place.
func (g GlobalSnapshot) clone() GlobalSnapshot {
	out := make(GlobalSnapshot, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out
}

// View is the read-only composed view exposed to node code: a function of
// (global snapshot, task-local overlay, initial cache, registry). Reads for an
// absent task-local key fall through to the initial-value cache, never to the
// global store; unknown IDs and scope mismatches return an error.
type View struct {
	reg     *Registry
	global  GlobalSnapshot
	overlay map[string]any
}

// newView builds a composed view over a global snapshot and a task-local
// overlay (nil overlay is treated as empty).
func newView(reg *Registry, global GlobalSnapshot, overlay map[string]any) *View {
	return &View{reg: reg, global: global, overlay: overlay}
}

// NewView builds a composed view outside of a running attempt, for
// exercising a Node implementation directly in a unit test.
func NewView(reg *Registry, global GlobalSnapshot, overlay map[string]any) *View {
	return newView(reg, global, overlay)
}

// Get resolves a channel ID through the composed view's rules.
func (v *View) Get(channelID string) (any, error) {
	spec, ok := v.reg.Spec(channelID)
	if !ok {
		return nil, &ChannelError{Code: CodeUnknownChannelID, ChannelID: channelID, Message: "unknown channel"}
	}
	switch spec.Scope {
	case ScopeTaskLocal:
		if val, present := v.overlay[channelID]; present {
			return val, nil
		}
		return v.reg.Initial(channelID), nil
	default: // ScopeGlobal
		if val, present := v.global[channelID]; present {
			return val, nil
		}
		return v.reg.Initial(channelID), nil
	}
}

// MustGet resolves a channel ID, panicking on error. Reserved for internal
// call sites that have already validated the channel exists (e.g. router/join
// consumption) — node code should always use Get.
func (v *View) MustGet(channelID string) any {
	val, err := v.Get(channelID)
	if err != nil {
		panic(err)
	}
	return val
}

// Registry exposes the underlying schema registry for collaborators that need
// type/scope lookups without going through Get.
func (v *View) Registry() *Registry { return v.reg }
