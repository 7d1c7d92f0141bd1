package graph

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// Canonical byte framings. These are wire-stable: any conforming
// implementation must produce identical bytes for identical logical inputs.

func putBE32(dst []byte, n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n)) // #nosec G115 -- lengths are bounded by process memory
	return append(dst, b...)
}

func appendLenPrefixed(dst []byte, s []byte) []byte {
	dst = putBE32(dst, len(s))
	return append(dst, s...)
}

// newUUID returns a fresh random UUID, used for RunID/AttemptID generation
//. Grounded on google/uuid, already a teacher
// dependency and the identifier library used by the trpc-agent-go checkpoint
// package in the retrieval pack.
func newUUID() uuid.UUID {
	return uuid.New()
}

// taskLocalFingerprintGoldenEmpty is the pinned digest of the HLF1 encoding
// "HLF1" || be32(0), sha256-hashed: the fingerprint under a schema that
// declares no task-local channels (the count is the number of task-local
// channels in the schema, not of overlay entries). It exists so
// implementations can be cross-checked against a known value.
var taskLocalFingerprintGoldenEmpty = sha256.Sum256([]byte("HLF1\x00\x00\x00\x00"))

// taskLocalFingerprint computes the HLF1 digest of the effective task-local
// view: for every task-local channel, sorted by UTF-8 channel ID ascending,
// append be32(id_len) || id || be32(val_len) || codec.encode(value) after the
// "HLF1" header and a be32 entry count.
func taskLocalFingerprint(reg *Registry, overlay map[string]any) ([32]byte, error) {
	taskLocalIDs := reg.taskLocalIDsSorted()

	buf := make([]byte, 0, 64)
	buf = append(buf, 'H', 'L', 'F', '1')
	buf = putBE32(buf, len(taskLocalIDs))

	for _, id := range taskLocalIDs {
		spec := reg.byID[id]
		val, err := reg.effectiveTaskLocal(id, overlay)
		if err != nil {
			return [32]byte{}, err
		}
		encoded, err := spec.Codec.Encode(val)
		if err != nil {
			return [32]byte{}, &LifecycleError{
				Code:    CodeFingerprintEncodeFailed,
				Message: "channel " + id + ": " + err.Error(),
				Cause:   err,
			}
		}
		buf = appendLenPrefixed(buf, []byte(id))
		buf = appendLenPrefixed(buf, encoded)
	}

	return sha256.Sum256(buf), nil
}

// taskID computes the deterministic SHA-256 hex task identifier:
// sha256(run_uuid || be32(step_index) || 0x00 || utf8(node_id) || 0x00 || be32(ordinal) || fingerprint(32))
func taskID(runID uuid.UUID, stepIndex int, nodeID string, ordinal int, fingerprint [32]byte) string {
	buf := make([]byte, 0, 16+4+1+len(nodeID)+1+4+32)
	runBytes := runID
	buf = append(buf, runBytes[:]...)
	buf = putBE32(buf, stepIndex)
	buf = append(buf, 0x00)
	buf = append(buf, []byte(nodeID)...)
	buf = append(buf, 0x00)
	buf = putBE32(buf, ordinal)
	buf = append(buf, fingerprint[:]...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// checkpointID computes hex(sha256("HCP1" || run_uuid || be32(step_index))).
func checkpointID(runID uuid.UUID, stepIndex int) string {
	buf := make([]byte, 0, 4+16+4)
	buf = append(buf, 'H', 'C', 'P', '1')
	buf = append(buf, runID[:]...)
	buf = putBE32(buf, stepIndex)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// interruptID computes hex(sha256("HINT1" || utf8(winningTaskID))).
func interruptID(winningTaskID string) string {
	buf := make([]byte, 0, 5+len(winningTaskID))
	buf = append(buf, 'H', 'I', 'N', 'T', '1')
	buf = append(buf, []byte(winningTaskID)...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// payloadHash computes the canonical SHA-256 payload hash used by writeApplied
// events: codec.encode(value) when a codec is available and does not error;
// else a stable, sorted-key JSON encoding; else "unhashable:<type>".
func payloadHash(codec Codec, value any, typeID string) string {
	if codec != nil {
		if encoded, err := codec.Encode(value); err == nil {
			sum := sha256.Sum256(encoded)
			return hex.EncodeToString(sum[:])
		}
	}
	if encoded, err := stableJSON(value); err == nil {
		sum := sha256.Sum256(encoded)
		return hex.EncodeToString(sum[:])
	}
	sum := sha256.Sum256([]byte("unhashable:" + typeID))
	return hex.EncodeToString(sum[:])
}

// stableJSON marshals v using Go's encoding/json, which already sorts map keys
// for any map[string]T value and emits no slash-escaping beyond json.Marshal's
// default HTML-escaping, which we disable via an Encoder to keep output
// byte-stable across encodings.
func stableJSON(v any) ([]byte, error) {
	var buf sortedJSONBuffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	// json.Encoder.Encode appends a trailing newline; trim it so hashes are
	// stable regardless of how the caller reassembles a byte stream.
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out, nil
}

type sortedJSONBuffer struct {
	b []byte
}

func (s *sortedJSONBuffer) Write(p []byte) (int, error) {
	s.b = append(s.b, p...)
	return len(p), nil
}

func (s *sortedJSONBuffer) Bytes() []byte { return s.b }

// sortStrings returns a sorted copy of ss (ascending UTF-8 byte order, which
// is what Go's default string comparison already gives us).
func sortStrings(ss []string) []string {
	out := make([]string, len(ss))
	copy(out, ss)
	sort.Strings(out)
	return out
}
