package reflection

import (
	"strings"
	"unicode"
)

// Improvement areas.
const (
	AreaUIUX          = "UI/UX"
	AreaPerformance   = "Performance"
	AreaFeature       = "Feature"
	AreaBugFix        = "Bug Fix"
	AreaDocumentation = "Documentation"
	AreaOther         = "Other"
)

var impactScore = map[string]int{"low": 1, "medium": 2, "high": 3}

var effortScore = map[string]int{"low": 3, "medium": 2, "high": 1}

// Priority scores an improvement from 1 to 5. High impact and low effort
// score highest. Unknown levels count as medium.
func Priority(impact, effort string) int {
	i, ok := impactScore[strings.ToLower(strings.TrimSpace(impact))]
	if !ok {
		i = impactScore["medium"]
	}
	e, ok := effortScore[strings.ToLower(strings.TrimSpace(effort))]
	if !ok {
		e = effortScore["medium"]
	}
	return min(5, i+e)
}

// areaKeywords is checked in order; the first area with a matching word wins.
var areaKeywords = []struct {
	area  string
	words []string
}{
	{AreaUIUX, []string{"ui", "ux", "interface", "design", "layout"}},
	{AreaPerformance, []string{"performance", "speed", "slow", "latency", "optimize", "optimise"}},
	{AreaFeature, []string{"feature", "functionality", "capability"}},
	{AreaBugFix, []string{"bug", "fix", "error", "crash", "failure", "failures"}},
	{AreaDocumentation, []string{"documentation", "docs", "help", "tutorial"}},
}

// Categorize assigns an improvement area from keywords in text. Words are
// matched whole, so "build" does not count as "ui".
func Categorize(text string) string {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = struct{}{}
	}
	for _, a := range areaKeywords {
		for _, w := range a.words {
			if _, ok := words[w]; ok {
				return a.area
			}
		}
	}
	return AreaOther
}
