package recognition

import "math"

// FaceSample is one stored embedding for an enrolled identity.
type FaceSample struct {
	Embedding  []float32 `json:"embedding"`
	Quality    float64   `json:"quality"`
	CapturedAt int64     `json:"captured_at"`
	Source     string    `json:"source"`
}

// Identity is an enrolled employee with its gallery samples.
type Identity struct {
	EmployeeID string
	Name       string
	Samples    []FaceSample
}

// Result holds the closest gallery identity for a query embedding.
// Distance is cosine distance; 1.0 means totally dissimilar.
type Result struct {
	EmployeeID string
	Name       string
	Distance   float64
}

// Matcher finds the nearest enrolled identity for a query embedding.
// Implementations may scan linearly or use an approximate index; callers
// only rely on the contract below.
type Matcher interface {
	Match(query []float32, gallery []Identity) Result
}

// MaxDistance is the defined distance for degenerate inputs: missing
// vectors, length mismatch, or a zero-norm vector.
const MaxDistance = 1.0

// CosineDistance computes 1 - cos(a, b). Degenerate inputs return
// MaxDistance rather than an error.
func CosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return MaxDistance
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return MaxDistance
	}
	return 1.0 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// LinearMatcher scans every sample of every identity. At expected
// gallery sizes this is fast enough; swap in IndexMatcher when it is not.
type LinearMatcher struct{}

// NewLinearMatcher creates a brute-force matcher.
func NewLinearMatcher() *LinearMatcher {
	return &LinearMatcher{}
}

// Match returns the identity whose best sample is closest to the query.
// An identity matches at its best sample, not its average.
func (m *LinearMatcher) Match(query []float32, gallery []Identity) Result {
	best := Result{EmployeeID: "", Name: "unknown", Distance: MaxDistance}
	for _, id := range gallery {
		if len(id.Samples) == 0 {
			continue
		}
		bestForIdentity := MaxDistance
		for _, s := range id.Samples {
			if d := CosineDistance(query, s.Embedding); d < bestForIdentity {
				bestForIdentity = d
			}
		}
		if bestForIdentity < best.Distance {
			best = Result{EmployeeID: id.EmployeeID, Name: id.Name, Distance: bestForIdentity}
		}
	}
	return best
}

// Accepted reports whether a match result clears the acceptance
// threshold. At-or-above threshold means "unknown".
func Accepted(r Result, threshold float64) bool {
	return r.EmployeeID != "" && r.Distance < threshold
}
