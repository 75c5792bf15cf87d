package recognition

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"sync"

	"github.com/coder/hnsw"
)

const indexMaxNeighbors = 16

// IndexMatcher answers matches through an HNSW graph instead of a full
// scan. It satisfies the same Matcher contract as LinearMatcher: the
// graph is rebuilt whenever the gallery content changes, nodes are
// keyed per sample, and the reported distance is the exact cosine
// distance to the winning sample.
type IndexMatcher struct {
	mu      sync.Mutex
	graph   *hnsw.Graph[int]
	owners  []Identity // node key -> owning identity
	vectors [][]float32
	fprint  uint64
	built   bool
}

// NewIndexMatcher creates an empty index; the first Match builds it.
func NewIndexMatcher() *IndexMatcher {
	return &IndexMatcher{}
}

// Match searches the index for the closest sample and returns its owner.
func (m *IndexMatcher) Match(query []float32, gallery []Identity) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fp := galleryFingerprint(gallery); !m.built || fp != m.fprint {
		m.rebuild(gallery, fp)
	}
	best := Result{Name: "unknown", Distance: MaxDistance}
	if m.graph == nil || len(query) == 0 {
		return best
	}

	// One neighbor per identity is not guaranteed, so over-fetch a few
	// and keep the closest owner.
	neighbors := m.graph.Search(query, 4)
	for _, n := range neighbors {
		if n.Key < 0 || n.Key >= len(m.owners) {
			continue
		}
		d := CosineDistance(query, m.vectors[n.Key])
		if d < best.Distance {
			id := m.owners[n.Key]
			best = Result{EmployeeID: id.EmployeeID, Name: id.Name, Distance: d}
		}
	}
	return best
}

// galleryFingerprint hashes identities and embedding bytes. Counts alone
// are not enough: a delete-then-enroll or a sample replacement keeps the
// sizes identical while the content changes.
func galleryFingerprint(gallery []Identity) uint64 {
	h := fnv.New64a()
	var buf [4]byte
	for _, id := range gallery {
		h.Write([]byte(id.EmployeeID))
		h.Write([]byte{0})
		for _, s := range id.Samples {
			for _, v := range s.Embedding {
				binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
				h.Write(buf[:])
			}
			h.Write([]byte{0xff})
		}
	}
	return h.Sum64()
}

func (m *IndexMatcher) rebuild(gallery []Identity, fp uint64) {
	g := hnsw.NewGraph[int]()
	g.M = indexMaxNeighbors
	g.Ml = 1.0 / float64(indexMaxNeighbors)
	g.Distance = hnsw.CosineDistance

	m.owners = m.owners[:0]
	m.vectors = m.vectors[:0]
	key := 0
	for _, id := range gallery {
		for _, s := range id.Samples {
			if len(s.Embedding) == 0 {
				continue
			}
			g.Add(hnsw.MakeNode(key, s.Embedding))
			m.owners = append(m.owners, id)
			m.vectors = append(m.vectors, s.Embedding)
			key++
		}
	}
	if key == 0 {
		m.graph = nil
	} else {
		m.graph = g
	}
	m.fprint = fp
	m.built = true
}
