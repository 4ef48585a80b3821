package router

import (
	"sort"
	"strings"

	"github.com/fabian4/proxy-homebrew-go/internal/model"
)

// Table matches request paths to locations. It is immutable once built and
// safe for concurrent readers.
type Table struct {
	locs []model.Location // prefix length desc, declaration order within a length
}

func New(locs []model.Location) *Table {
	t := &Table{locs: make([]model.Location, len(locs))}
	copy(t.locs, locs)
	sort.SliceStable(t.locs, func(i, j int) bool {
		return len(t.locs[i].PathPrefix) > len(t.locs[j].PathPrefix)
	})
	return t
}

// Match returns the location with the longest prefix of path, or nil.
// Prefixes are compared literally: "/api" does not match location "/api/".
func (t *Table) Match(path string) *model.Location {
	for i := range t.locs {
		if strings.HasPrefix(path, t.locs[i].PathPrefix) {
			return &t.locs[i]
		}
	}
	return nil
}

func (t *Table) Len() int { return len(t.locs) }

// At returns the i-th location in match order; the pointer is the same one
// Match hands out.
func (t *Table) At(i int) *model.Location { return &t.locs[i] }

// Locations returns the table in match order.
func (t *Table) Locations() []model.Location {
	out := make([]model.Location, len(t.locs))
	copy(out, t.locs)
	return out
}
