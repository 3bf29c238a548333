package op

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/tutorloop/sync-server/internal/hlc"
)

// FieldClock records the last write that landed on a field: the winning
// hybrid timestamp and the authoring device (the tie-break for
// last-writer-wins merges).
type FieldClock struct {
	HLC    hlc.HLC `json:"hlc"`
	Device string  `json:"device"`
}

// Newer reports whether a write at (ts, device) supersedes this clock
// under last-writer-wins order: higher timestamp wins, ties go to the
// lexicographically greater device id.
func (c FieldClock) Newer(ts hlc.HLC, device string) bool {
	if ts != c.HLC {
		return ts > c.HLC
	}
	return device > c.Device
}

// Conflict preserves both candidates of an unresolved opaque-field
// collision. Candidates are ordered commit-first: the previously
// committed value, then the incoming one that was chosen provisionally.
type Conflict struct {
	Field      string `json:"field"`
	Candidates []any  `json:"candidates"`
}

// Version is one committed state of a record: payload, the vector that
// produced it, per-field write clocks and any open conflicts.
type Version struct {
	Vector    Vector                `json:"version_vector"`
	Payload   map[string]any        `json:"payload,omitempty"`
	Clocks    map[string]FieldClock `json:"field_clocks,omitempty"`
	Conflicts []Conflict            `json:"conflicts,omitempty"`
	Tombstone bool                  `json:"tombstone,omitempty"`
	UpdatedAt hlc.HLC               `json:"updated_at"`
}

// Clone returns an independent deep copy; the merge engine mutates
// payloads in place and must never alias committed state.
func (v *Version) Clone() *Version {
	if v == nil {
		return nil
	}
	out := &Version{
		Vector:    v.Vector.Clone(),
		Tombstone: v.Tombstone,
		UpdatedAt: v.UpdatedAt,
	}
	if v.Payload != nil {
		out.Payload = deepCopyMap(v.Payload)
	}
	if v.Clocks != nil {
		out.Clocks = make(map[string]FieldClock, len(v.Clocks))
		for f, c := range v.Clocks {
			out.Clocks[f] = c
		}
	}
	if v.Conflicts != nil {
		out.Conflicts = make([]Conflict, len(v.Conflicts))
		for i, c := range v.Conflicts {
			out.Conflicts[i] = Conflict{Field: c.Field, Candidates: append([]any(nil), c.Candidates...)}
		}
	}
	return out
}

// Digest returns a hex SHA-256 over the canonical JSON encoding of the
// version. encoding/json sorts map keys, so equal states digest equally
// on every replica.
func (v *Version) Digest() string {
	b, err := json.Marshal(struct {
		Vector    Vector         `json:"vv"`
		Payload   map[string]any `json:"payload"`
		Conflicts []Conflict     `json:"conflicts,omitempty"`
		Tombstone bool           `json:"tombstone"`
	}{v.Vector, v.Payload, v.Conflicts, v.Tombstone})
	if err != nil {
		// Payloads are decoded JSON; re-encoding cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Record is the synchronized unit: a Version bound to its identity and
// the owner-log position of its latest commit.
type Record struct {
	Owner string `json:"owner_id"`
	ID    string `json:"record_id"`
	Type  string `json:"record_type,omitempty"`
	Seq   uint64 `json:"op_seq"`
	Version
}

// Committed is one owner-log entry: the op, the server-assigned
// sequence, and a snapshot of the record state the commit produced.
// Snapshots make common-ancestor recovery a log scan instead of a
// replay.
type Committed struct {
	Seq     uint64  `json:"op_seq"`
	Op      Op      `json:"op"`
	Version Version `json:"version"`
	Digest  string  `json:"merged_state_digest"`
}

// deepCopyMap copies nested JSON-shaped values (maps, slices, scalars).
func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
