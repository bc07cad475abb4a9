package memory

import "testing"

func TestSanitizeFTS5QueryEscapesSpecialChars(t *testing.T) {
	got := sanitizeFTS5Query(`foo* "bar" (baz)`)
	want := `"foo" OR "bar" OR "baz"`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSanitizeFTS5QueryEmpty(t *testing.T) {
	if got := sanitizeFTS5Query("   "); got != "" {
		t.Fatalf("expected empty query to sanitize to empty, got %q", got)
	}
}

func TestBuildContextBlockEmpty(t *testing.T) {
	block, lines := buildContextBlock(nil, 1800)
	if block != "" || lines != 0 {
		t.Fatalf("expected empty block for no items, got %q/%d", block, lines)
	}
}

func TestBuildContextBlockRendersAndBounds(t *testing.T) {
	items := []scoredItem{
		{it: item{Tier: "mid", Domain: "user", Topic: "preference", Summary: "likes dark mode"}},
		{it: item{Tier: "short", Domain: "conversation", Topic: "general", Summary: "asked about weather"}},
	}
	block, lines := buildContextBlock(items, 1800)
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}
	if block == "" {
		t.Fatal("expected non-empty block")
	}
}

func TestCosineSimilarityIdentical(t *testing.T) {
	v := []float32{1, 2, 3}
	if sim := cosineSimilarity(v, v); sim < 0.999 {
		t.Fatalf("expected identical vectors to have similarity ~1, got %f", sim)
	}
}

func TestCosineSimilarityMismatchedLength(t *testing.T) {
	if sim := cosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); sim != 0 {
		t.Fatalf("expected 0 for mismatched length, got %f", sim)
	}
}

func TestVectorEncodeDecodeRoundTrip(t *testing.T) {
	v := []float32{1.5, -2.25, 0, 3.125}
	got := decodeVector(encodeVector(v))
	if len(got) != len(v) {
		t.Fatalf("expected %d values, got %d", len(v), len(got))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Fatalf("value %d: got %f want %f", i, got[i], v[i])
		}
	}
}
