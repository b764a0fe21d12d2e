package target

import "sort"

// intervalIndex is a non-overlapping [start, end) interval index over a
// Task's VMA arena, keyed by Start (spec §3's "interval tree"). Backed by
// a slice kept sorted by Start and queried by binary search: VMA counts
// per process are small (tens to low hundreds) and the index is rebuilt
// wholesale on every maps refresh, so a balanced tree buys nothing a
// sorted slice doesn't already give for free.
type intervalIndex struct {
	order []int // VMA arena indices, sorted by Start
	vmas  *[]VMA
}

func newIntervalIndex(vmas *[]VMA) *intervalIndex {
	idx := &intervalIndex{vmas: vmas}
	idx.rebuild()
	return idx
}

func (idx *intervalIndex) rebuild() {
	idx.order = idx.order[:0]
	for i := range *idx.vmas {
		idx.order = append(idx.order, i)
	}
	sort.Slice(idx.order, func(a, b int) bool {
		return (*idx.vmas)[idx.order[a]].Start < (*idx.vmas)[idx.order[b]].Start
	})
}

// Lookup returns the VMA containing addr, if any.
func (idx *intervalIndex) Lookup(addr uint64) (*VMA, bool) {
	vmas := *idx.vmas
	i := sort.Search(len(idx.order), func(i int) bool {
		return vmas[idx.order[i]].Start > addr
	})
	if i == 0 {
		return nil, false
	}
	v := &vmas[idx.order[i-1]]
	if addr >= v.Start && addr < v.End {
		return v, true
	}
	return nil, false
}

// FindSpanArea returns the end address of the first VMA followed by a
// gap of at least size bytes, or 0 if none exists (spec §8 scenario 1).
func (idx *intervalIndex) FindSpanArea(size uint64) uint64 {
	vmas := *idx.vmas
	for i := 0; i+1 < len(idx.order); i++ {
		cur := vmas[idx.order[i]]
		next := vmas[idx.order[i+1]]
		if next.Start >= cur.End && next.Start-cur.End >= size {
			return cur.End
		}
	}
	return 0
}
