package canonicalize

import (
	"encoding/json"
	"testing"

	webpkijcs "github.com/gowebpki/jcs"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_ObjectsInsideArraysStillSorted(t *testing.T) {
	input := map[string]any{
		"items": []any{
			map[string]any{"b": 2, "a": 1},
			map[string]any{"d": 4, "c": 3},
		},
	}

	expected := `{"items":[{"a":1,"b":2},{"c":3,"d":4}]}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	// Standard encoding/json would emit < escapes here; RFC 8785
	// requires the raw characters.
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_NumberTypes(t *testing.T) {
	input := map[string]any{
		"num": json.Number("123.456"),
	}
	expected := `{"num":123.456}`

	b, err := JCS(input)
	if err != nil {
		t.Fatal(err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_NullValueEmitted(t *testing.T) {
	type doc struct {
		A int  `json:"a"`
		B *int `json:"b"`
	}
	b, err := JCS(doc{A: 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"a":1,"b":null}` {
		t.Errorf("explicit null must be emitted, got %s", string(b))
	}
}

func TestJCS_AbsentKeyOmitted(t *testing.T) {
	type doc struct {
		A int  `json:"a"`
		B *int `json:"b,omitempty"`
	}
	b, err := JCS(doc{A: 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"a":1}` {
		t.Errorf("absent key must be omitted entirely, got %s", string(b))
	}
}

// TestJCS_MatchesReferenceTransform cross-checks our canonical form against
// the gowebpki RFC 8785 reference implementation on integer/string/bool
// payloads (float formatting is exercised separately via json.Number).
func TestJCS_MatchesReferenceTransform(t *testing.T) {
	inputs := []any{
		map[string]any{"z": 1, "a": "x", "m": true},
		map[string]any{"nested": map[string]any{"b": []any{"q", 2, false}, "a": nil}},
		map[string]any{"unicode": "こんにちは", "emoji": "🚀", "html": "<&>"},
		[]any{map[string]any{"k2": 2, "k1": 1}, "tail"},
	}

	for _, in := range inputs {
		ours, err := JCS(in)
		if err != nil {
			t.Fatalf("JCS failed: %v", err)
		}

		std, err := json.Marshal(in)
		if err != nil {
			t.Fatal(err)
		}
		ref, err := webpkijcs.Transform(std)
		if err != nil {
			t.Fatalf("reference transform failed: %v", err)
		}

		if string(ours) != string(ref) {
			t.Errorf("canonical form disagrees with reference:\n  ours: %s\n  ref:  %s", ours, ref)
		}
	}
}
