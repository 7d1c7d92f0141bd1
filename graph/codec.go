package graph

import "encoding/json"

// jsonCodec implements Codec over encoding/json for a concrete Go type T.
type jsonCodec[T any] struct{ id string }

// JSONCodec returns a Codec that marshals/unmarshals values of type T with
// encoding/json, identified by id in the schema version hash. Use distinct
// ids for channels with different Go types even if they happen to share a
// wire representation, so a schema change is detectable.
func JSONCodec[T any](id string) Codec {
	return jsonCodec[T]{id: id}
}

func (c jsonCodec[T]) ID() string { return c.id }

func (c jsonCodec[T]) Encode(value any) ([]byte, error) {
	v, _ := value.(T)
	return json.Marshal(v)
}

func (c jsonCodec[T]) Decode(data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
