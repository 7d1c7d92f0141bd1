package graph

import (
	"fmt"
	"sort"
)

// LastWriteWins returns a Reducer that discards the current value and adopts
// the update unconditionally. This is the default reducer for most scalar
// channels.
func LastWriteWins() Reducer {
	return func(_, update any) (any, error) {
		return update, nil
	}
}

// AppendSlice returns a Reducer for ordered concatenation: current and update
// are expected to be []T (or nil, treated as empty), and the result is their
// concatenation in (current, update) order.
func AppendSlice[T any]() Reducer {
	return func(current, update any) (any, error) {
		cur, err := asSlice[T](current, "current")
		if err != nil {
			return nil, err
		}
		upd, err := asSlice[T](update, "update")
		if err != nil {
			return nil, err
		}
		out := make([]T, 0, len(cur)+len(upd))
		out = append(out, cur...)
		out = append(out, upd...)
		return out, nil
	}
}

func asSlice[T any](v any, which string) ([]T, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.([]T)
	if !ok {
		return nil, fmt.Errorf("hive: AppendSlice: %s value is not %T, got %T", which, []T(nil), v)
	}
	return s, nil
}

// UnionSet returns a Reducer over set-like values represented as map[T]struct{}.
// The result is the union of current and update; nil is treated as empty.
func UnionSet[T comparable]() Reducer {
	return func(current, update any) (any, error) {
		cur, err := asSet[T](current, "current")
		if err != nil {
			return nil, err
		}
		upd, err := asSet[T](update, "update")
		if err != nil {
			return nil, err
		}
		out := make(map[T]struct{}, len(cur)+len(upd))
		for k := range cur {
			out[k] = struct{}{}
		}
		for k := range upd {
			out[k] = struct{}{}
		}
		return out, nil
	}
}

func asSet[T comparable](v any, which string) (map[T]struct{}, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(map[T]struct{})
	if !ok {
		return nil, fmt.Errorf("hive: UnionSet: %s value is not a set, got %T", which, v)
	}
	return s, nil
}

// KeyedMerge returns a Reducer over map[K]V values that merges per-key using
// valueReducer, processing right-hand (update) keys in ascending UTF-8 order
// for determinism when valueReducer itself has observable side effects
//.
func KeyedMerge[K ~string, V any](valueReducer func(current, update V) (V, error)) Reducer {
	return func(current, update any) (any, error) {
		cur, err := asMap[K, V](current, "current")
		if err != nil {
			return nil, err
		}
		upd, err := asMap[K, V](update, "update")
		if err != nil {
			return nil, err
		}

		out := make(map[K]V, len(cur)+len(upd))
		for k, v := range cur {
			out[k] = v
		}

		keys := make([]K, 0, len(upd))
		for k := range upd {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return string(keys[i]) < string(keys[j]) })

		for _, k := range keys {
			existing, had := out[k]
			if !had {
				out[k] = upd[k]
				continue
			}
			merged, err := valueReducer(existing, upd[k])
			if err != nil {
				return nil, err
			}
			out[k] = merged
		}
		return out, nil
	}
}

func asMap[K ~string, V any](v any, which string) (map[K]V, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[K]V)
	if !ok {
		return nil, fmt.Errorf("hive: KeyedMerge: %s value is not %T, got %T", which, map[K]V(nil), v)
	}
	return m, nil
}
