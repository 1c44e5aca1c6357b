package digest

import (
	"sort"
	"strings"
)

// GroupPlan is one grouping's ordered resources.
type GroupPlan struct {
	Name      string
	Resources []Resource
}

// Plan is the ordered fan-out for one job run.
type Plan []GroupPlan

func (p Plan) Empty() bool { return p.Len() == 0 }

// Len returns the number of resources across all groups.
func (p Plan) Len() int {
	n := 0
	for _, g := range p {
		n += len(g.Resources)
	}
	return n
}

// Resources flattens the plan in order.
func (p Plan) Resources() []Resource {
	out := make([]Resource, 0, p.Len())
	for _, g := range p {
		out = append(out, g.Resources...)
	}
	return out
}

// BuildPlan selects the resources matching scope, drops excluded ones and
// orders the result: groupings by name with UngroupedName last, resources by
// position then id.
func BuildPlan(scope Scope, all []Resource, rules RuleSet) Plan {
	groups := map[string][]Resource{}
	for _, r := range all {
		if !inScope(scope, r) || IsExcluded(r, rules) {
			continue
		}
		name := r.GroupingName()
		groups[name] = append(groups[name], r)
	}
	if len(groups) == 0 {
		return nil
	}

	names := make([]string, 0, len(groups))
	for n := range groups {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := names[i], names[j]
		if a == UngroupedName || b == UngroupedName {
			return b == UngroupedName && a != UngroupedName
		}
		return a < b
	})

	out := make(Plan, 0, len(names))
	for _, n := range names {
		rs := groups[n]
		sort.SliceStable(rs, func(i, j int) bool {
			if rs[i].Position != rs[j].Position {
				return rs[i].Position < rs[j].Position
			}
			return rs[i].ID < rs[j].ID
		})
		out = append(out, GroupPlan{Name: n, Resources: rs})
	}
	return out
}

func inScope(scope Scope, r Resource) bool {
	switch scope.Type {
	case ScopeResource:
		return r.ID == scope.ResourceID
	case ScopeGrouping:
		return scope.MatchesGrouping(r.Grouping)
	default:
		return true
	}
}

// ValidateScope rejects scopes naming an unknown grouping or resource.
func ValidateScope(scope Scope, groupings []Grouping, resources []Resource) error {
	switch scope.Type {
	case ScopeResource:
		for _, r := range resources {
			if r.ID == scope.ResourceID {
				return nil
			}
		}
		return Invalidf("unknown channel %d", scope.ResourceID)
	case ScopeGrouping:
		if scope.Grouping == UngroupedName {
			return nil
		}
		for _, g := range groupings {
			if g.Name == scope.Grouping {
				return nil
			}
		}
		for _, g := range groupings {
			if strings.EqualFold(g.Name, scope.Grouping) {
				return Invalidf("unknown category %q (did you mean %q?)", scope.Grouping, g.Name)
			}
		}
		return Invalidf("unknown category %q", scope.Grouping)
	default:
		return nil
	}
}
