package gap

import (
	"slices"

	"github.com/maxpert/cdcroute/model"
)

// DefaultMaxGapSize bounds the open tail gap past the highest routed ID
const DefaultMaxGapSize int64 = 50_000_000

// Detector recomputes the gap list after a routing pass
type Detector struct {
	MaxGapSize int64
}

// Detect removes the processed IDs from gaps, splitting ranges around them.
// The last gap is the open tail of the sequence: once IDs land in it, what
// remains after the highest of them spans at least MaxGapSize IDs. Processed
// IDs outside every gap are ignored. With no gaps at all, the first tail
// starts at ID 1.
func (d Detector) Detect(gaps []model.DataGap, processed []int64) []model.DataGap {
	size := d.MaxGapSize
	if size <= 0 {
		size = DefaultMaxGapSize
	}

	ids := slices.Clone(processed)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	if len(gaps) == 0 {
		if len(ids) == 0 {
			return []model.DataGap{{StartID: 1, EndID: size}}
		}
		maxID := ids[len(ids)-1]
		return []model.DataGap{{StartID: maxID + 1, EndID: maxID + size}}
	}

	out := make([]model.DataGap, 0, len(gaps)+1)
	j := 0
	for i, g := range gaps {
		for j < len(ids) && ids[j] < g.StartID {
			j++
		}

		start := g.StartID
		var lastInGap int64
		hit := false
		for j < len(ids) && ids[j] <= g.EndID {
			if ids[j] > start {
				out = append(out, model.DataGap{StartID: start, EndID: ids[j] - 1})
			}
			start = ids[j] + 1
			lastInGap = ids[j]
			hit = true
			j++
		}

		if i == len(gaps)-1 && hit {
			out = append(out, model.DataGap{StartID: start, EndID: max(g.EndID, lastInGap+size)})
		} else if start <= g.EndID {
			out = append(out, model.DataGap{StartID: start, EndID: g.EndID})
		}
	}
	return out
}
