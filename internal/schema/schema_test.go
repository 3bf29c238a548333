package schema

import (
	"reflect"
	"testing"
)

func testType(t *testing.T) RecordType {
	t.Helper()
	return RecordType{
		Name: "flashcard_deck",
		Fields: []Field{
			{Name: "title", Type: Scalar},
			{Name: "tags", Type: Set},
			{Name: "review_count", Type: Counter},
			{Name: "layout", Type: Opaque},
		},
		Resolve: Manual,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testType(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rt := r.Lookup("flashcard_deck")
	if rt.Resolve != Manual {
		t.Errorf("Resolve = %q, want %q", rt.Resolve, Manual)
	}
	for _, tc := range []struct {
		field string
		want  FieldType
	}{
		{"title", Scalar},
		{"tags", Set},
		{"review_count", Counter},
		{"layout", Opaque},
		{"never_declared", Scalar},
	} {
		if got := rt.FieldType(tc.field); got != tc.want {
			t.Errorf("FieldType(%q) = %q, want %q", tc.field, got, tc.want)
		}
	}

	if !r.Known("flashcard_deck") {
		t.Error("Known(flashcard_deck) = false")
	}
	if r.Known("ghost") {
		t.Error("Known(ghost) = true")
	}
}

func TestLookupUnknownFallsBack(t *testing.T) {
	r := NewRegistry()
	rt := r.Lookup("never_registered")
	if rt == nil {
		t.Fatal("Lookup returned nil")
	}
	if rt.Resolve != ServerWins {
		t.Errorf("fallback Resolve = %q, want %q", rt.Resolve, ServerWins)
	}
	if got := rt.FieldType("anything"); got != Scalar {
		t.Errorf("fallback FieldType = %q, want %q", got, Scalar)
	}
}

func TestRegisterRejectsBadTypes(t *testing.T) {
	tests := []struct {
		name string
		rt   RecordType
	}{
		{"empty name", RecordType{}},
		{"unnamed field", RecordType{Name: "x", Fields: []Field{{Type: Scalar}}}},
		{"unknown field type", RecordType{Name: "x", Fields: []Field{{Name: "f", Type: "blob"}}}},
		{"duplicate field", RecordType{Name: "x", Fields: []Field{
			{Name: "f", Type: Scalar}, {Name: "f", Type: Set},
		}}},
		{"unknown resolver", RecordType{Name: "x", Resolve: "coin_flip"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := NewRegistry().Register(tc.rt); err == nil {
				t.Error("Register accepted invalid type")
			}
		})
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testType(t)); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(testType(t)); err == nil {
		t.Error("second Register of same name succeeded")
	}
}

func TestRegisterDefaultsResolver(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(RecordType{Name: "plain"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := r.Lookup("plain").Resolve; got != ServerWins {
		t.Errorf("default Resolve = %q, want %q", got, ServerWins)
	}
}

func TestOrderFields(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testType(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rt := r.Lookup("flashcard_deck")

	got := rt.OrderFields([]string{"zz_extra", "review_count", "aa_extra", "title"})
	want := []string{"title", "review_count", "aa_extra", "zz_extra"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("OrderFields = %v, want %v", got, want)
	}

	// Fallback type has no declared order, so everything sorts
	// lexicographically.
	got = r.Lookup("ghost").OrderFields([]string{"b", "a", "c"})
	want = []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fallback OrderFields = %v, want %v", got, want)
	}
}

func TestNames(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"progress_snapshot", "flashcard_deck", "assignment"} {
		if err := r.Register(RecordType{Name: name}); err != nil {
			t.Fatalf("Register(%q): %v", name, err)
		}
	}
	want := []string{"assignment", "flashcard_deck", "progress_snapshot"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
}
