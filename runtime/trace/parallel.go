package trace

import "sort"

// ParallelGroups groups spans whose [StartedAt, CompletedAt] intervals overlap.
// Spans are swept in start order; a span joins the active group when its
// interval overlaps any member of that group, otherwise it opens a new group.
// Spans touching only at endpoints (one ends exactly when the next starts) are
// not considered overlapping. The grouping is a visualisation aid, not a
// scheduling primitive.
func (t *Trace) ParallelGroups() [][]*Span {
	spans := make([]*Span, 0, len(t.Spans))
	for _, s := range t.Spans {
		if !s.StartedAt.IsZero() && !s.CompletedAt.IsZero() {
			spans = append(spans, s)
		}
	}
	sortSpansByStart(spans)

	var groups [][]*Span
	var active []*Span
	for _, s := range spans {
		if len(active) > 0 && overlapsAny(s, active) {
			active = append(active, s)
			continue
		}
		if len(active) > 0 {
			groups = append(groups, active)
		}
		active = []*Span{s}
	}
	if len(active) > 0 {
		groups = append(groups, active)
	}
	return groups
}

// overlapsAny reports whether s strictly overlaps any member of the group.
func overlapsAny(s *Span, group []*Span) bool {
	for _, m := range group {
		if s.StartedAt.Before(m.CompletedAt) && m.StartedAt.Before(s.CompletedAt) {
			return true
		}
	}
	return false
}

// sortSpansByStart orders spans by StartedAt ascending with span id as a
// deterministic tiebreak.
func sortSpansByStart(spans []*Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].StartedAt.Equal(spans[j].StartedAt) {
			return spans[i].ID < spans[j].ID
		}
		return spans[i].StartedAt.Before(spans[j].StartedAt)
	})
}
