package model

import "fmt"

// DataGap is a closed range [StartID, EndID] of change IDs not yet seen.
type DataGap struct {
	StartID int64 `msgpack:"s"`
	EndID   int64 `msgpack:"e"`
}

func (g DataGap) Contains(dataID int64) bool {
	return dataID >= g.StartID && dataID <= g.EndID
}

func (g DataGap) Overlaps(o DataGap) bool {
	return g.StartID <= o.EndID && o.StartID <= g.EndID
}

// Size is the number of IDs covered by the gap
func (g DataGap) Size() int64 {
	return g.EndID - g.StartID + 1
}

func (g DataGap) String() string {
	return fmt.Sprintf("[%d,%d]", g.StartID, g.EndID)
}
