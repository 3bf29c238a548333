package op

import (
	"encoding/json"
	"testing"

	"github.com/tutorloop/sync-server/internal/hlc"
)

func TestIDStringParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    ID
		wantErr bool
	}{
		{name: "simple", in: "d1:4", want: ID{Device: "d1", Seq: 4}},
		{name: "uuid-ish device", in: "web-3f9a:120", want: ID{Device: "web-3f9a", Seq: 120}},
		{name: "missing seq", in: "d1:", wantErr: true},
		{name: "missing device", in: ":4", wantErr: true},
		{name: "no separator", in: "d14", wantErr: true},
		{name: "non-numeric seq", in: "d1:x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseID(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseID(%q) succeeded, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseID(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseID(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestIDAsJSONMapKey(t *testing.T) {
	acks := map[ID]uint64{
		{Device: "d1", Seq: 4}: 43,
		{Device: "d2", Seq: 6}: 44,
	}
	b, err := json.Marshal(acks)
	if err != nil {
		t.Fatal(err)
	}
	var back map[ID]uint64
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back[ID{Device: "d1", Seq: 4}] != 43 || back[ID{Device: "d2", Seq: 6}] != 44 {
		t.Errorf("round trip = %v", back)
	}
}

func TestValidateDeviceID(t *testing.T) {
	for _, ok := range []string{"d1", "web-3f9a", "A_b-9"} {
		if err := ValidateDeviceID(ok); err != nil {
			t.Errorf("ValidateDeviceID(%q): %v", ok, err)
		}
	}
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	for _, bad := range []string{"", "has:colon", "has space", "tab\tid", string(long)} {
		if err := ValidateDeviceID(bad); err == nil {
			t.Errorf("ValidateDeviceID(%q) succeeded, want error", bad)
		}
	}
}

func validOp() Op {
	return Op{
		ID:     ID{Device: "d1", Seq: 4},
		Owner:  "owner-1",
		Record: "rec-1",
		Kind:   KindUpdate,
		Base:   Vector{"d1": 3},
		Patch:  map[string]any{"name": "B"},
		HLC:    hlc.New(1000, 0),
	}
}

func TestOpValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Op)
		wantErr bool
	}{
		{name: "valid update", mutate: func(o *Op) {}},
		{name: "valid delete", mutate: func(o *Op) { o.Kind = KindDelete; o.Patch = nil }},
		{name: "valid create with empty patch", mutate: func(o *Op) { o.Kind = KindCreate; o.Patch = map[string]any{} }},
		{name: "zero seq", mutate: func(o *Op) { o.ID.Seq = 0 }, wantErr: true},
		{name: "bad device", mutate: func(o *Op) { o.ID.Device = "a:b" }, wantErr: true},
		{name: "missing owner", mutate: func(o *Op) { o.Owner = "" }, wantErr: true},
		{name: "missing record", mutate: func(o *Op) { o.Record = "" }, wantErr: true},
		{name: "unknown kind", mutate: func(o *Op) { o.Kind = "merge" }, wantErr: true},
		{name: "delete with patch", mutate: func(o *Op) { o.Kind = KindDelete }, wantErr: true},
		{name: "update without patch", mutate: func(o *Op) { o.Patch = nil }, wantErr: true},
		{name: "missing hlc", mutate: func(o *Op) { o.HLC = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOp()
			tt.mutate(&o)
			err := o.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpCloneIndependent(t *testing.T) {
	o := validOp()
	o.Patch["nested"] = map[string]any{"k": "v"}
	c := o.Clone()

	c.Base["d1"] = 99
	c.Patch["name"] = "Z"
	c.Patch["nested"].(map[string]any)["k"] = "w"

	if o.Base["d1"] != 3 || o.Patch["name"] != "B" || o.Patch["nested"].(map[string]any)["k"] != "v" {
		t.Error("Clone shares storage with original op")
	}
}

func TestVersionDigestDeterministic(t *testing.T) {
	v := &Version{
		Vector:  Vector{"d1": 4, "d2": 6},
		Payload: map[string]any{"name": "B", "age": float64(8)},
	}
	first := v.Digest()
	for i := 0; i < 10; i++ {
		if got := v.Digest(); got != first {
			t.Fatalf("digest changed between calls: %s vs %s", first, got)
		}
	}

	// A different payload must digest differently.
	v2 := v.Clone()
	v2.Payload["name"] = "C"
	if v2.Digest() == first {
		t.Error("different payloads produced the same digest")
	}

	// Tombstoning changes the digest even with an equal payload.
	v3 := v.Clone()
	v3.Tombstone = true
	if v3.Digest() == first {
		t.Error("tombstone not reflected in digest")
	}
}

func TestVersionCloneIndependent(t *testing.T) {
	v := &Version{
		Vector:  Vector{"d1": 1},
		Payload: map[string]any{"tags": []any{"a", "b"}, "meta": map[string]any{"k": "v"}},
		Clocks:  map[string]FieldClock{"tags": {HLC: hlc.New(1, 0), Device: "d1"}},
		Conflicts: []Conflict{
			{Field: "summary", Candidates: []any{"X", "Y"}},
		},
	}
	c := v.Clone()
	c.Payload["tags"].([]any)[0] = "z"
	c.Payload["meta"].(map[string]any)["k"] = "w"
	c.Clocks["tags"] = FieldClock{HLC: hlc.New(2, 0), Device: "d2"}
	c.Conflicts[0].Candidates[0] = "Q"

	if v.Payload["tags"].([]any)[0] != "a" {
		t.Error("Clone shares slice storage")
	}
	if v.Payload["meta"].(map[string]any)["k"] != "v" {
		t.Error("Clone shares nested map storage")
	}
	if v.Clocks["tags"].Device != "d1" {
		t.Error("Clone shares clock storage")
	}
	if v.Conflicts[0].Candidates[0] != "X" {
		t.Error("Clone shares conflict storage")
	}
}

func TestFieldClockNewer(t *testing.T) {
	base := FieldClock{HLC: hlc.New(1000, 0), Device: "d1"}
	if !base.Newer(hlc.New(1001, 0), "d0") {
		t.Error("later hlc should win regardless of device")
	}
	if base.Newer(hlc.New(999, 0), "d9") {
		t.Error("earlier hlc should lose regardless of device")
	}
	// Tie on hlc: lexicographically greater device wins.
	if !base.Newer(hlc.New(1000, 0), "d2") {
		t.Error("tie should go to greater device id")
	}
	if base.Newer(hlc.New(1000, 0), "d0") {
		t.Error("tie should not go to lesser device id")
	}
}
