// Package piece implements rarest-first piece selection and the
// block-buffer assembler that verifies completed pieces against their
// SHA-1 hashes.
//
// Grounded on the teacher's torrent/piecequeue.go, generalized into a
// pure predicate over availability: this picker does not itself track
// in-progress or completed pieces — per spec, that is the caller's job.
package piece

import (
	"sort"

	"github.com/gobit/torrentcore/internal/bitfield"
)

// Picker tracks per-piece availability across connected peers and
// answers rarest-first candidate queries. It does not know which pieces
// are complete or in flight; callers filter those out via myHave.
type Picker struct {
	availability []int
	buckets      []map[int]struct{} // buckets[n] = piece indices with availability n
}

// NewPicker creates a picker for pieceCount pieces, all starting at
// availability 0.
func NewPicker(pieceCount int) *Picker {
	p := &Picker{
		availability: make([]int, pieceCount),
		buckets:      []map[int]struct{}{make(map[int]struct{})},
	}
	for i := 0; i < pieceCount; i++ {
		p.buckets[0][i] = struct{}{}
	}
	return p
}

func (p *Picker) ensureBucket(n int) {
	for len(p.buckets) <= n {
		p.buckets = append(p.buckets, make(map[int]struct{}))
	}
}

func (p *Picker) move(i, from, to int) {
	if from < len(p.buckets) {
		delete(p.buckets[from], i)
	}
	p.ensureBucket(to)
	p.buckets[to][i] = struct{}{}
}

// AddPeerBitfield increments availability for every piece set in bf.
func (p *Picker) AddPeerBitfield(bf *bitfield.Bitfield) {
	for i := range p.availability {
		if bf.Get(i) {
			p.addHaveLocked(i)
		}
	}
}

// RemovePeerBitfield decrements availability for every piece set in bf,
// saturating at zero (on peer disconnect).
func (p *Picker) RemovePeerBitfield(bf *bitfield.Bitfield) {
	for i := range p.availability {
		if bf.Get(i) {
			p.removeOneLocked(i)
		}
	}
}

// AddHave increments the availability of a single piece (peer sent have).
func (p *Picker) AddHave(index int) {
	if index < 0 || index >= len(p.availability) {
		return
	}
	p.addHaveLocked(index)
}

func (p *Picker) addHaveLocked(i int) {
	old := p.availability[i]
	p.availability[i]++
	p.move(i, old, old+1)
}

func (p *Picker) removeOneLocked(i int) {
	old := p.availability[i]
	if old == 0 {
		return
	}
	p.availability[i]--
	p.move(i, old, old-1)
}

// Availability returns piece i's current availability count.
func (p *Picker) Availability(i int) int {
	if i < 0 || i >= len(p.availability) {
		return 0
	}
	return p.availability[i]
}

// Pick returns the minimum-availability piece index that myHave lacks
// and peerHas offers, breaking ties by smallest index. Returns -1, false
// if no candidate exists. Already-complete or in-progress pieces are not
// filtered here; the caller must exclude those via myHave.
func (p *Picker) Pick(myHave, peerHas *bitfield.Bitfield) (int, bool) {
	for avail := 0; avail < len(p.buckets); avail++ {
		best := -1
		for idx := range p.buckets[avail] {
			if myHave.Get(idx) || !peerHas.Get(idx) {
				continue
			}
			if best == -1 || idx < best {
				best = idx
			}
		}
		if best != -1 {
			return best, true
		}
	}
	return -1, false
}

// PickMultiple returns up to n eligible indices, stable-sorted by
// availability then index.
func (p *Picker) PickMultiple(myHave, peerHas *bitfield.Bitfield, n int) []int {
	var candidates []int
	for i := range p.availability {
		if !myHave.Get(i) && peerHas.Get(i) {
			candidates = append(candidates, i)
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		ai, bi := candidates[a], candidates[b]
		if p.availability[ai] != p.availability[bi] {
			return p.availability[ai] < p.availability[bi]
		}
		return ai < bi
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}
