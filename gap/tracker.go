// Package gap tracks ranges of change IDs that a routing pass has not seen.
package gap

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/maxpert/cdcroute/model"
)

var (
	ErrInvalidGap      = errors.New("invalid data gap")
	ErrGapsOverlap     = errors.New("data gaps overlap")
	ErrGapContainsData = errors.New("data gap contains processed data id")
)

// Tracker holds the ordered gap list of a routing pass alongside the list
// that was persisted before the pass began. It is not safe for concurrent
// use; the owning session serializes access.
type Tracker struct {
	persisted []model.DataGap
	gaps      []model.DataGap
}

// NewTracker seeds the tracker with the persisted gap list. The input is
// sorted but must otherwise be well formed.
func NewTracker(persisted []model.DataGap) (*Tracker, error) {
	sorted := slices.Clone(persisted)
	sortGaps(sorted)
	if err := Validate(sorted, nil); err != nil {
		return nil, err
	}
	return &Tracker{
		persisted: sorted,
		gaps:      slices.Clone(sorted),
	}, nil
}

// Gaps returns a copy of the current gap list
func (t *Tracker) Gaps() []model.DataGap {
	return slices.Clone(t.gaps)
}

// Persisted returns the gap list the pass started from
func (t *Tracker) Persisted() []model.DataGap {
	return slices.Clone(t.persisted)
}

// Set replaces the gap list. The new list is rejected, leaving the current
// one intact, when it is unordered, overlapping or covers any of added.
func (t *Tracker) Set(gaps []model.DataGap, added []int64) error {
	if err := Validate(gaps, added); err != nil {
		return err
	}
	t.gaps = slices.Clone(gaps)
	return nil
}

// Contains reports whether dataID falls in a tracked gap
func (t *Tracker) Contains(dataID int64) bool {
	i := sort.Search(len(t.gaps), func(i int) bool { return t.gaps[i].EndID >= dataID })
	return i < len(t.gaps) && t.gaps[i].Contains(dataID)
}

func (t *Tracker) Len() int {
	return len(t.gaps)
}

func (t *Tracker) String() string {
	parts := make([]string, len(t.gaps))
	for i, g := range t.gaps {
		parts[i] = g.String()
	}
	return strings.Join(parts, ",")
}

// Validate checks that gaps are well formed, strictly ordered and disjoint,
// and that none of them contains an ID from added.
func Validate(gaps []model.DataGap, added []int64) error {
	for i, g := range gaps {
		if g.StartID > g.EndID {
			return fmt.Errorf("%w: %s", ErrInvalidGap, g)
		}
		if i > 0 {
			prev := gaps[i-1]
			if g.StartID <= prev.EndID {
				if g.Overlaps(prev) {
					return fmt.Errorf("%w: %s and %s", ErrGapsOverlap, prev, g)
				}
				return fmt.Errorf("%w: %s follows %s", ErrInvalidGap, g, prev)
			}
		}
	}

	if len(added) == 0 || len(gaps) == 0 {
		return nil
	}

	ids := slices.Clone(added)
	slices.Sort(ids)
	for _, g := range gaps {
		i := sort.Search(len(ids), func(i int) bool { return ids[i] >= g.StartID })
		if i < len(ids) && ids[i] <= g.EndID {
			return fmt.Errorf("%w: %d in %s", ErrGapContainsData, ids[i], g)
		}
	}
	return nil
}

func sortGaps(gaps []model.DataGap) {
	slices.SortFunc(gaps, func(a, b model.DataGap) int {
		switch {
		case a.StartID < b.StartID:
			return -1
		case a.StartID > b.StartID:
			return 1
		}
		return 0
	})
}
