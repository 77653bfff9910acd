package insight

import (
	"regexp"
	"strings"

	"github.com/coachlens/coachlens/internal/analysis"
)

// Insight categories, in priority order. Priority follows the order headings
// appear in the model's markdown, which the prompt fixes to this sequence.
const (
	CategoryQuestioningPatterns = "questioning_patterns"
	CategoryBreakthroughMoments = "breakthrough_moments"
	CategoryBlindSpot           = "blind_spot"
	CategorySessionArc          = "session_arc"
	CategoryRecommendations     = "recommendations"
)

// headingCategories maps a lowercase heading fragment to its category.
// Matching is by substring so "## Questioning Patterns Observed" still
// resolves.
var headingCategories = []struct {
	fragment string
	category string
}{
	{"questioning", CategoryQuestioningPatterns},
	{"breakthrough", CategoryBreakthroughMoments},
	{"blind spot", CategoryBlindSpot},
	{"session arc", CategorySessionArc},
	{"recommendation", CategoryRecommendations},
}

var (
	headingLine = regexp.MustCompile(`^#{1,4}\s+(.+)$`)
	listItem    = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.+)$`)
)

func categoryFor(heading string) string {
	h := strings.ToLower(heading)
	for _, hc := range headingCategories {
		if strings.Contains(h, hc.fragment) {
			return hc.category
		}
	}
	return ""
}

// Parse splits model markdown into categorised insights. Each recognized
// heading opens a category; list items under it become one insight each, and
// a section without list items becomes a single insight from its prose.
// Priority is the 1-based order in which recognized headings appear.
// Unrecognized sections are dropped. Returns nil when no recognized heading
// exists.
func Parse(analysisID, markdown string) []analysis.Insight {
	var insights []analysis.Insight

	category := ""
	priority := 0
	var items []string
	var prose []string

	flush := func() {
		if category == "" {
			return
		}
		texts := items
		if len(texts) == 0 {
			if body := strings.TrimSpace(strings.Join(prose, " ")); body != "" {
				texts = []string{body}
			}
		}
		for _, text := range texts {
			in := analysis.Insight{
				AnalysisID: analysisID,
				Category:   category,
				Text:       text,
				Priority:   priority,
			}
			if category == CategoryRecommendations {
				in.Recommendation = text
			}
			insights = append(insights, in)
		}
		items = nil
		prose = nil
	}

	for _, line := range strings.Split(markdown, "\n") {
		if m := headingLine.FindStringSubmatch(line); m != nil {
			flush()
			category = categoryFor(m[1])
			if category != "" {
				priority++
			}
			continue
		}
		if category == "" {
			continue
		}
		if m := listItem.FindStringSubmatch(line); m != nil {
			items = append(items, cleanText(m[1]))
			continue
		}
		if t := strings.TrimSpace(line); t != "" {
			prose = append(prose, cleanText(t))
		}
	}
	flush()

	return insights
}

// cleanText strips markdown bold/italic markers the models habitually add.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	return strings.TrimSpace(s)
}
