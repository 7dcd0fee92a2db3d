package analyzer

import "sort"

var severityBonus = map[Severity]int{
	SeverityMedium:   2,
	SeverityHigh:     4,
	SeverityCritical: 6,
}

// buildRecommendations maps each bottleneck to its rule's template and ranks
// them by priority, then by expected improvement.
func (a *Analyzer) buildRecommendations(found []Bottleneck) []Recommendation {
	recs := make([]Recommendation, 0, len(found))
	for _, b := range found {
		r, ok := a.ruleFor(b.Component, b.Metric)
		if !ok {
			continue
		}
		recs = append(recs, recommend(r, b))
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Priority != recs[j].Priority {
			return recs[i].Priority > recs[j].Priority
		}
		return recs[i].ExpectedImprovement > recs[j].ExpectedImprovement
	})
	return recs
}

func (a *Analyzer) ruleFor(component, metric string) (Rule, bool) {
	for _, r := range a.rules {
		if r.Component == component && r.Metric == metric {
			return r, true
		}
	}
	return Rule{}, false
}

func recommend(r Rule, b Bottleneck) Recommendation {
	priority := r.BasePriority + severityBonus[b.Severity] + b.Impact.BusinessImpact.rank()
	if b.Trend.Direction == TrendDegrading {
		priority += 2
	}
	return Recommendation{
		ID:                  "rec-" + b.ID,
		BottleneckID:        b.ID,
		Component:           b.Component,
		Severity:            b.Severity,
		Title:               r.Template.Title,
		Description:         r.Template.Description,
		Steps:               append([]string(nil), r.Template.Steps...),
		Effort:              r.Template.Effort,
		ExpectedImprovement: r.Template.ExpectedImprovement,
		Priority:            priority,
	}
}
