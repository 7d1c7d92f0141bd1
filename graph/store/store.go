// Package store provides graph.CheckpointStore implementations.
package store

import "github.com/hiverun/hive/graph"

// Checkpoint is the persisted snapshot type every backend in this package
// saves and loads. It is an alias so callers can depend on this package
// without importing graph directly for the type name.
type Checkpoint = graph.Checkpoint

// assertions, not exported: every backend in this package must satisfy
// graph.CheckpointStore so it can be passed to graph.WithCheckpointStore.
var (
	_ graph.CheckpointStore = (*MemoryStore)(nil)
	_ graph.CheckpointStore = (*SQLiteStore)(nil)
	_ graph.CheckpointStore = (*MySQLStore)(nil)
)
