package relay

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/teamrelay/internal/store"
)

func TestParseFinalValidPayload(t *testing.T) {
	m := ParseFinal([]byte(`{"message":"done","smart_suggestions":{"suggestions":["x"],"type":"oneOf"}}`))

	want := FinalMessage{
		Kind:    FinalOK,
		Message: "done",
		Suggestions: &store.Suggestions{
			Suggestions: []string{"x"},
			Type:        "oneOf",
		},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("ParseFinal mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFinalWithoutSuggestions(t *testing.T) {
	m := ParseFinal([]byte(`{"message":"all set"}`))

	if m.Kind != FinalOK {
		t.Fatalf("Kind = %v, want FinalOK", m.Kind)
	}
	if m.Message != "all set" {
		t.Errorf("Message = %q, want %q", m.Message, "all set")
	}
	if m.Suggestions != nil {
		t.Errorf("Suggestions = %+v, want nil", m.Suggestions)
	}
}

func TestParseFinalRepairsAlmostJSON(t *testing.T) {
	// Trailing comma, the classic model-generated defect.
	m := ParseFinal([]byte(`{"message":"done",}`))

	if m.Kind != FinalOK {
		t.Fatalf("Kind = %v, want FinalOK after repair", m.Kind)
	}
	if m.Message != "done" {
		t.Errorf("Message = %q, want %q", m.Message, "done")
	}
}

func TestParseFinalFallsBackToRawText(t *testing.T) {
	cases := []string{
		"not json",
		`"just a bare string"`,
		`[1, 2, 3]`,
	}

	for _, raw := range cases {
		m := ParseFinal([]byte(raw))
		if m.Kind != FinalFallback {
			t.Errorf("ParseFinal(%q).Kind = %v, want FinalFallback", raw, m.Kind)
			continue
		}
		if m.Message != raw {
			t.Errorf("ParseFinal(%q).Message = %q, want the raw input", raw, m.Message)
		}
	}
}
