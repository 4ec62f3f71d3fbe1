// Package planner assigns arena offsets to tensors with known live
// intervals using the greedy-by-size heuristic. Records with larger
// sizes are placed first, each at the leftmost byte range that does not
// collide with an already-placed record whose interval overlaps.
package planner

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidInterval reports a record whose live interval or size is
// not usable for planning.
var ErrInvalidInterval = errors.New("planner: invalid allocation record")

// Kind classifies a record for the planning-mode flags.
type Kind int

const (
	KindActivation Kind = iota
	KindConst
	KindInput
	KindScratchpad
)

func (k Kind) String() string {
	switch k {
	case KindActivation:
		return "activation"
	case KindConst:
		return "const"
	case KindInput:
		return "input"
	case KindScratchpad:
		return "scratchpad"
	default:
		return "unknown"
	}
}

// Record describes one tensor to place: its byte size and the
// half-open interval [FirstUse, LastUse) of execution ticks during
// which it must stay resident. A record whose producer hands off to a
// successor at tick t uses LastUse = t, so the successor may reuse its
// bytes starting at t.
type Record struct {
	ID       int
	Size     int
	FirstUse int
	LastUse  int
	Kind     Kind
}

// Placement is a record together with its assigned arena offset.
type Placement struct {
	Record
	Offset int
}

// Options select planning modes. A true flag zeroes the size of every
// record of the matching kind, removing that class from the arena.
type Options struct {
	NullConsts      bool
	NullInputs      bool
	NullScratchpads bool
}

// Layout is the result of planning: placements in input order and the
// total arena size they require.
type Layout struct {
	Placements   []Placement
	RequiredSize int
}

// OffsetOf returns the offset assigned to the record with the given id.
func (l *Layout) OffsetOf(id int) (int, bool) {
	for _, p := range l.Placements {
		if p.ID == id {
			return p.Offset, true
		}
	}
	return 0, false
}

func (o Options) effectiveSize(r Record) int {
	switch {
	case o.NullConsts && r.Kind == KindConst:
		return 0
	case o.NullInputs && r.Kind == KindInput:
		return 0
	case o.NullScratchpads && r.Kind == KindScratchpad:
		return 0
	default:
		return r.Size
	}
}

func overlaps(a, b Record) bool {
	return a.FirstUse < b.LastUse && b.FirstUse < a.LastUse
}

// Plan places all records and returns the resulting layout. Records
// keep their input order in Layout.Placements.
func Plan(records []Record, opts Options) (*Layout, error) {
	for _, r := range records {
		if r.Size < 0 || r.FirstUse < 0 || r.LastUse < r.FirstUse {
			return nil, fmt.Errorf("%w: id=%d size=%d interval=[%d,%d]",
				ErrInvalidInterval, r.ID, r.Size, r.FirstUse, r.LastUse)
		}
	}

	working := make([]Placement, len(records))
	for i, r := range records {
		working[i] = Placement{Record: r}
		working[i].Size = opts.effectiveSize(r)
	}

	// Breadth of a record is the total size of everything alive at the
	// tick of its first use, the tie-breaker after raw size.
	breadth := make([]int, len(working))
	for i, r := range working {
		for _, other := range working {
			if other.FirstUse <= r.FirstUse && r.FirstUse < other.LastUse {
				breadth[i] += other.Size
			}
		}
	}

	order := make([]int, len(working))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := working[order[a]], working[order[b]]
		if ra.Size != rb.Size {
			return ra.Size > rb.Size
		}
		if breadth[order[a]] != breadth[order[b]] {
			return breadth[order[a]] > breadth[order[b]]
		}
		return ra.ID < rb.ID
	})

	var placed []*Placement
	required := 0
	for _, idx := range order {
		cand := &working[idx]

		var live []*Placement
		for _, p := range placed {
			if overlaps(p.Record, cand.Record) {
				live = append(live, p)
			}
		}
		sort.Slice(live, func(i, j int) bool { return live[i].Offset < live[j].Offset })

		offset := 0
		for _, p := range live {
			if p.Offset-offset >= cand.Size {
				break
			}
			if end := p.Offset + p.Size; end > offset {
				offset = end
			}
		}
		cand.Offset = offset
		placed = append(placed, cand)

		if end := offset + cand.Size; end > required {
			required = end
		}
	}

	out := &Layout{Placements: working, RequiredSize: required}
	return out, nil
}
