package recognition

import (
	"math"
	"testing"
)

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"identical normalized", []float32{0.6, 0.8}, []float32{0.6, 0.8}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, 2},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"nil query", nil, []float32{1, 2}, 1},
		{"nil gallery vector", []float32{1, 2}, nil, 1},
		{"length mismatch", []float32{1, 2, 3}, []float32{1, 2}, 1},
		{"zero norm a", []float32{0, 0}, []float32{1, 1}, 1},
		{"zero norm b", []float32{1, 1}, []float32{0, 0}, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineDistance(tc.a, tc.b)
			if math.Abs(got-tc.expected) > 1e-9 {
				t.Errorf("CosineDistance(%v, %v) = %v; want %v", tc.a, tc.b, got, tc.expected)
			}
		})
	}
}

func TestCosineDistanceScaleInvariant(t *testing.T) {
	a := []float32{0.3, -0.5, 0.9, 0.1}
	b := []float32{0.6, -1.0, 1.8, 0.2} // same direction, doubled
	if d := CosineDistance(a, b); math.Abs(d) > 1e-6 {
		t.Errorf("expected ~0 distance for scaled vector, got %v", d)
	}
}

func testGallery() []Identity {
	return []Identity{
		{
			EmployeeID: "NV001",
			Name:       "Alice",
			Samples: []FaceSample{
				{Embedding: []float32{1, 0, 0}},
				{Embedding: []float32{0.9, 0.1, 0}},
			},
		},
		{
			EmployeeID: "NV002",
			Name:       "Bob",
			Samples: []FaceSample{
				{Embedding: []float32{0, 1, 0}},
			},
		},
		{
			EmployeeID: "NV003",
			Name:       "Carol",
			// Enrolled flag can lag sample deletion; empty gallery entry
			// must simply never win.
			Samples: nil,
		},
	}
}

func TestLinearMatcherPicksBestSample(t *testing.T) {
	m := NewLinearMatcher()
	res := m.Match([]float32{1, 0.05, 0}, testGallery())

	if res.EmployeeID != "NV001" {
		t.Fatalf("expected NV001, got %q (distance %v)", res.EmployeeID, res.Distance)
	}
	// Best distance must be <= distance to every individual sample.
	for _, id := range testGallery() {
		for _, s := range id.Samples {
			if d := CosineDistance([]float32{1, 0.05, 0}, s.Embedding); res.Distance > d+1e-12 {
				t.Errorf("reported best %v exceeds sample distance %v", res.Distance, d)
			}
		}
	}
}

func TestLinearMatcherEmptyGallery(t *testing.T) {
	m := NewLinearMatcher()
	res := m.Match([]float32{1, 0, 0}, nil)
	if res.EmployeeID != "" || res.Distance != MaxDistance {
		t.Errorf("empty gallery should yield unknown at max distance, got %+v", res)
	}
}

func TestAccepted(t *testing.T) {
	tests := []struct {
		name      string
		res       Result
		threshold float64
		want      bool
	}{
		{"below threshold", Result{EmployeeID: "NV001", Distance: 0.5}, 0.68, true},
		{"exactly at threshold", Result{EmployeeID: "NV001", Distance: 0.68}, 0.68, false},
		{"above threshold", Result{EmployeeID: "NV001", Distance: 0.7}, 0.68, false},
		{"no identity", Result{Distance: 0.1}, 0.68, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Accepted(tc.res, tc.threshold); got != tc.want {
				t.Errorf("Accepted(%+v, %v) = %v; want %v", tc.res, tc.threshold, got, tc.want)
			}
		})
	}
}

func TestIndexMatcherAgreesWithLinear(t *testing.T) {
	gallery := testGallery()
	queries := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0.7, 0.7, 0},
		{0.95, 0.05, 0},
	}

	linear := NewLinearMatcher()
	index := NewIndexMatcher()
	for _, q := range queries {
		want := linear.Match(q, gallery)
		got := index.Match(q, gallery)
		if got.EmployeeID != want.EmployeeID {
			t.Errorf("query %v: index picked %q, linear picked %q", q, got.EmployeeID, want.EmployeeID)
		}
		if math.Abs(got.Distance-want.Distance) > 1e-6 {
			t.Errorf("query %v: index distance %v, linear distance %v", q, got.Distance, want.Distance)
		}
	}
}

func TestIndexMatcherRebuildsOnGalleryChange(t *testing.T) {
	index := NewIndexMatcher()
	gallery := testGallery()

	res := index.Match([]float32{0, 1, 0}, gallery)
	if res.EmployeeID != "NV002" {
		t.Fatalf("expected NV002, got %q", res.EmployeeID)
	}

	// Append a closer identity; the index must notice the new sample.
	gallery = append(gallery, Identity{
		EmployeeID: "NV004",
		Name:       "Dave",
		Samples:    []FaceSample{{Embedding: []float32{0, 0.99, 0.01}}},
	})
	res = index.Match([]float32{0, 0.99, 0.01}, gallery)
	if res.EmployeeID != "NV004" {
		t.Errorf("expected NV004 after gallery grew, got %q", res.EmployeeID)
	}
}

func TestIndexMatcherRebuildsOnSameSizeSwap(t *testing.T) {
	index := NewIndexMatcher()

	// Warm the index, then swap the gallery contents while keeping the
	// identity and sample counts identical (delete one employee, enroll
	// another).
	old := []Identity{{
		EmployeeID: "NV001",
		Name:       "Alice",
		Samples:    []FaceSample{{Embedding: []float32{1, 0, 0}}},
	}}
	if res := index.Match([]float32{1, 0, 0}, old); res.EmployeeID != "NV001" {
		t.Fatalf("warmup expected NV001, got %q", res.EmployeeID)
	}

	swapped := []Identity{{
		EmployeeID: "NV002",
		Name:       "Bob",
		Samples:    []FaceSample{{Embedding: []float32{0, 1, 0}}},
	}}
	res := index.Match([]float32{0, 1, 0}, swapped)
	if res.EmployeeID != "NV002" {
		t.Errorf("expected NV002 from swapped gallery, got %q at distance %v", res.EmployeeID, res.Distance)
	}

	// The removed identity must no longer match anything.
	res = index.Match([]float32{1, 0, 0}, swapped)
	if res.EmployeeID == "NV001" {
		t.Errorf("deleted identity NV001 still matches at distance %v", res.Distance)
	}
}

func TestIndexMatcherRebuildsOnSampleReplacement(t *testing.T) {
	index := NewIndexMatcher()

	before := []Identity{{
		EmployeeID: "NV001",
		Name:       "Alice",
		Samples:    []FaceSample{{Embedding: []float32{1, 0, 0}}},
	}}
	if res := index.Match([]float32{1, 0, 0}, before); res.EmployeeID != "NV001" {
		t.Fatalf("warmup expected NV001, got %q", res.EmployeeID)
	}

	// Re-enrollment with replacement keeps one sample but changes it.
	after := []Identity{{
		EmployeeID: "NV001",
		Name:       "Alice",
		Samples:    []FaceSample{{Embedding: []float32{0, 1, 0}}},
	}}
	res := index.Match([]float32{0, 1, 0}, after)
	if res.EmployeeID != "NV001" || res.Distance > 1e-6 {
		t.Errorf("expected NV001 at ~0 distance against the replaced sample, got %q at %v", res.EmployeeID, res.Distance)
	}
	if res := index.Match([]float32{1, 0, 0}, after); res.Distance < 0.5 {
		t.Errorf("old replaced sample still indexed: distance %v", res.Distance)
	}
}
