// Package policy decides, frame by frame, whether the detections seen by a
// camera enter an alert condition, and rate-limits the resulting signals.
package policy

import (
	"fmt"
	"sort"

	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// Group names the decision table reads.
const (
	GroupSuspicious = "suspicious"
	GroupAllowed    = "allowed"
)

// Groups is an immutable mapping of group name to a set of class ids.
type Groups struct {
	sets map[string]map[int]struct{}
}

// NewGroups freezes the configured groups. The suspicious and allowed groups
// must be present and must not share a class id.
func NewGroups(cfg map[string][]int) (Groups, error) {
	sets := make(map[string]map[int]struct{}, len(cfg))
	for name, ids := range cfg {
		set := make(map[int]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		sets[name] = set
	}

	for _, required := range []string{GroupSuspicious, GroupAllowed} {
		if _, ok := sets[required]; !ok {
			return Groups{}, fmt.Errorf("class group %q is not configured", required)
		}
	}
	for id := range sets[GroupSuspicious] {
		if _, ok := sets[GroupAllowed][id]; ok {
			return Groups{}, fmt.Errorf("class %d is both suspicious and allowed", id)
		}
	}

	return Groups{sets: sets}, nil
}

// MustGroups is NewGroups for literals in tests and defaults.
func MustGroups(cfg map[string][]int) Groups {
	g, err := NewGroups(cfg)
	if err != nil {
		panic(err)
	}
	return g
}

// Contains reports whether class id belongs to the named group.
func (g Groups) Contains(name string, id int) bool {
	_, ok := g.sets[name][id]
	return ok
}

// Count returns how many detections belong to the named group.
func (g Groups) Count(name string, detections []types.Detection) int {
	set := g.sets[name]
	n := 0
	for _, d := range detections {
		if _, ok := set[d.ClassID]; ok {
			n++
		}
	}
	return n
}

// GroupOf returns the first group (in name order) containing id, or "".
func (g Groups) GroupOf(id int) string {
	for _, name := range g.Names() {
		if g.Contains(name, id) {
			return name
		}
	}
	return ""
}

// Names returns the group names in sorted order.
func (g Groups) Names() []string {
	names := make([]string, 0, len(g.sets))
	for name := range g.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
