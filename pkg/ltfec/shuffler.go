// Package ltfec implements a rateless XOR-parity forward-error-correction
// codec: given K fixed-size data blocks per packet and a target parity
// count, it picks disjoint-as-possible subsets of block indices and XORs
// them; the decoder replicates the same index picks from the same seed
// and resolves blocks as either raw data or FEC arrives.
package ltfec

import "math/rand"

// shuffler draws unique block indices without replacement across a
// "begin" call, refilling its pool once exhausted so that, across several
// FEC blocks, the union of picks still tends to cover every input index.
type shuffler struct {
	rnd     *rand.Rand
	pool    []uint32
	entries int
}

func newShuffler() *shuffler {
	return &shuffler{rnd: rand.New(rand.NewSource(0))}
}

func (s *shuffler) seed(seed uint32) {
	s.rnd = rand.New(rand.NewSource(int64(seed)))
}

func (s *shuffler) flush() {
	s.entries = 0
}

// begin ensures the pool holds totalElements entries, refilling it with
// 0..totalElements-1 whenever fewer than selectedElements remain so a
// "begin" call is always satisfiable.
func (s *shuffler) begin(totalElements, selectedElements int) {
	if cap(s.pool) < totalElements {
		grown := make([]uint32, totalElements)
		copy(grown, s.pool)
		s.pool = grown
	} else {
		s.pool = s.pool[:totalElements]
	}

	if s.entries < selectedElements {
		for i := 0; i < totalElements; i++ {
			s.pool[i] = uint32(i)
		}
		s.entries = totalElements
	}
}

// pick removes and returns one index uniformly from the remaining pool.
func (s *shuffler) pick() uint32 {
	idx := uint32(s.rnd.Int63n(int64(s.entries)))
	ret := s.pool[idx]
	s.entries--
	s.pool[idx] = s.pool[s.entries]
	return ret
}
