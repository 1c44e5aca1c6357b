package digest

// IsExcluded reports whether r is filtered out by rules.
// An id match wins; otherwise the grouping name decides, with ungrouped
// resources matched by UngroupedName.
func IsExcluded(r Resource, rules RuleSet) bool {
	if rules.HasResource(r.ID) {
		return true
	}
	return rules.HasGrouping(r.GroupingName())
}
