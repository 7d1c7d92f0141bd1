package graph_test

import (
	"testing"

	"github.com/hiverun/hive/graph"
)

func TestJSONCodecRoundTrips(t *testing.T) {
	codec := graph.JSONCodec[[]string]("history")

	data, err := codec.Encode([]string{"a", "b"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	slice, ok := got.([]string)
	if !ok || len(slice) != 2 || slice[0] != "a" || slice[1] != "b" {
		t.Fatalf("Decode = %#v, want [a b]", got)
	}
}

func TestJSONCodecIDDistinguishesSchema(t *testing.T) {
	a := graph.JSONCodec[string]("a")
	b := graph.JSONCodec[string]("b")
	if a.ID() == b.ID() {
		t.Fatal("distinct codec ids collided")
	}
}
