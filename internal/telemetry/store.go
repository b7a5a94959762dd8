package telemetry

import (
	"cmp"
	"slices"

	"github.com/autopeer-io/v2x/internal/pkg/keyed"
)

// Store holds the latest sample per vehicle.
type Store struct {
	latest *keyed.Map[Sample]
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{latest: keyed.New[Sample]()}
}

// Update overwrites the latest sample of s.VehicleID.
func (st *Store) Update(s Sample) {
	st.latest.Store(s.VehicleID, s)
}

// Latest returns the latest sample of id.
func (st *Store) Latest(id string) (Sample, bool) {
	return st.latest.Load(id)
}

// All returns the latest sample of every vehicle, ordered by vehicle id.
func (st *Store) All() []Sample {
	out := make([]Sample, 0, st.latest.Len())
	st.latest.Range(func(_ string, s Sample) bool {
		out = append(out, s)
		return true
	})
	slices.SortFunc(out, func(a, b Sample) int { return cmp.Compare(a.VehicleID, b.VehicleID) })
	return out
}
