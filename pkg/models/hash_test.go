package models

import "testing"

func TestSpeciesHash_StableAcrossRuns(t *testing.T) {
	in := SpeciesHashInput{
		Instructions:   "summarize the document",
		RenderedInputs: map[string]any{"path": "/x.csv", "limit": 10.0},
	}
	h1, err := SpeciesHash(in)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := SpeciesHash(in)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("species hash not stable: %s != %s", h1, h2)
	}
	if len(h1) != 16 {
		t.Fatalf("expected 16-char hash, got %d", len(h1))
	}
}

func TestSpeciesHash_DifferentInstructionsDiffer(t *testing.T) {
	h1, _ := SpeciesHash(SpeciesHashInput{Instructions: "a"})
	h2, _ := SpeciesHash(SpeciesHashInput{Instructions: "b"})
	if h1 == h2 {
		t.Fatal("different instructions should produce different species hashes")
	}
}

func TestSpeciesHash_FloatJitterNormalized(t *testing.T) {
	h1, _ := SpeciesHash(SpeciesHashInput{RenderedInputs: map[string]any{"x": 1.0000001}})
	h2, _ := SpeciesHash(SpeciesHashInput{RenderedInputs: map[string]any{"x": 1.0000002}})
	if h1 != h2 {
		t.Fatal("sub-epsilon float jitter should normalize to the same hash")
	}
}

func TestGenusHash_Stable(t *testing.T) {
	in := GenusHashInput{CascadeID: "demo", CellStructure: []string{"A:deterministic", "B:deterministic"}}
	h1, _ := GenusHash(in)
	h2, _ := GenusHash(in)
	if h1 != h2 {
		t.Fatal("genus hash not stable")
	}
}

func TestSizeBucket_Boundaries(t *testing.T) {
	cases := map[int]string{0: "tiny", 16: "tiny", 17: "small", 256: "small", 257: "medium", 65536: "large", 65537: "huge"}
	for n, want := range cases {
		if got := SizeBucket(n); got != want {
			t.Errorf("SizeBucket(%d) = %s, want %s", n, got, want)
		}
	}
}
