package constraint

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Fixed unit tables. Extraction must be deterministic: re-running on the
// same inputs yields the same constraints up to id reordering.
var sizeUnits = map[string]int64{
	"b":  1,
	"kb": 1024,
	"mb": 1024 * 1024,
	"gb": 1024 * 1024 * 1024,
}

var timeUnits = map[string]int64{
	"second": 1,
	"sec":    1,
	"s":      1,
	"minute": 60,
	"min":    60,
	"hour":   3600,
	"hr":     3600,
	"h":      3600,
	"day":    86400,
}

var (
	budgetRe = regexp.MustCompile(`(?i)(?:under|below|less than|at most|max(?:imum)?(?: of)?|budget(?: of| is)?|cheaper than|no more than)\s*\$?\s*(\d+(?:\.\d+)?)\s*(usd|eur|gbp|dollars?|euros?)?`)
	sizeRe   = regexp.MustCompile(`(?i)(?:under|below|less than|at most|max(?:imum)?(?: of)?|no (?:larger|bigger) than|must be under)\s*(\d+(?:\.\d+)?)\s*(b|kb|mb|gb)\b`)
	timeRe   = regexp.MustCompile(`(?i)(?:within|in under|in at most|no longer than|takes? less than)\s*(\d+(?:\.\d+)?)\s*(seconds?|secs?|s|minutes?|mins?|hours?|hrs?|h|days?)\b`)
	avoidRe  = regexp.MustCompile(`(?i)(?:avoid|without|excluding|not from|no)\s+([a-z0-9][a-z0-9 ._-]{2,40}?)(?:[.,;!]|$)`)
	privacyRe = regexp.MustCompile(`(?i)(?:no external calls|offline only|do not (?:contact|call) (?:the )?(?:internet|network)|keep (?:this|it) local)`)
)

// Extract scans text for constraints with the fixed unit tables. Each match
// yields one constraint carrying the matched text.
func Extract(text string, source Source) []Constraint {
	var out []Constraint

	for _, m := range budgetRe.FindAllStringSubmatch(text, -1) {
		amount, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		currency := normalizeCurrency(m[2])
		out = append(out, Constraint{
			Type:         TypeBudget,
			MaxAmount:    amount,
			Currency:     currency,
			Source:       source,
			OriginalText: strings.TrimSpace(m[0]),
		})
	}

	for _, m := range sizeRe.FindAllStringSubmatch(text, -1) {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		unit := strings.ToLower(m[2])
		out = append(out, Constraint{
			Type:         TypeFileSize,
			MaxBytes:     int64(value * float64(sizeUnits[unit])),
			Source:       source,
			OriginalText: strings.TrimSpace(m[0]),
		})
	}

	for _, m := range timeRe.FindAllStringSubmatch(text, -1) {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		unit := singularize(strings.ToLower(m[2]))
		mult, ok := timeUnits[unit]
		if !ok {
			continue
		}
		out = append(out, Constraint{
			Type:         TypeTime,
			MaxSeconds:   int64(value * float64(mult)),
			Source:       source,
			OriginalText: strings.TrimSpace(m[0]),
		})
	}

	if privacyRe.MatchString(text) {
		out = append(out, Constraint{
			Type:            TypePrivacy,
			NoExternalCalls: true,
			Source:          source,
			OriginalText:    privacyRe.FindString(text),
		})
	}

	for _, m := range avoidRe.FindAllStringSubmatch(text, -1) {
		term := strings.TrimSpace(m[1])
		// Generic verbs make useless avoid terms.
		if term == "" || len(strings.Fields(term)) > 4 {
			continue
		}
		out = append(out, Constraint{
			Type:         TypeMustAvoid,
			Term:         strings.ToLower(term),
			Source:       source,
			OriginalText: strings.TrimSpace(m[0]),
		})
	}

	return out
}

// BuildSet extracts from the query and gathered context, dedupes, and
// assigns stable ids (type_index over a deterministic ordering).
func BuildSet(query, gatheredContext string) *Set {
	all := Extract(query, SourceExtracted)
	all = append(all, Extract(gatheredContext, SourceContext)...)

	// Dedupe on the semantic key, not the surface text.
	seen := make(map[string]bool)
	var deduped []Constraint
	for _, c := range all {
		key := c.key()
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, c)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		if deduped[i].Type != deduped[j].Type {
			return deduped[i].Type < deduped[j].Type
		}
		return deduped[i].key() < deduped[j].key()
	})

	counts := make(map[Type]int)
	for i := range deduped {
		counts[deduped[i].Type]++
		deduped[i].ID = fmt.Sprintf("%s_%d", deduped[i].Type, counts[deduped[i].Type])
	}
	return &Set{Constraints: deduped}
}

func (c Constraint) key() string {
	switch c.Type {
	case TypeBudget:
		return fmt.Sprintf("budget:%.2f:%s", c.MaxAmount, c.Currency)
	case TypeFileSize:
		return fmt.Sprintf("file_size:%d", c.MaxBytes)
	case TypeTime:
		return fmt.Sprintf("time:%d", c.MaxSeconds)
	case TypePrivacy:
		return "privacy:no_external_calls"
	case TypeMustAvoid:
		return "must_avoid:" + c.Term
	default:
		return string(c.Type) + ":" + c.OriginalText
	}
}

func normalizeCurrency(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "usd", "dollar", "dollars":
		return "USD"
	case "eur", "euro", "euros":
		return "EUR"
	case "gbp":
		return "GBP"
	default:
		return strings.ToUpper(raw)
	}
}

func singularize(unit string) string {
	// Bare units like "s" or "h" are already singular.
	if len(unit) <= 1 {
		return unit
	}
	return strings.TrimSuffix(unit, "s")
}

// Summary renders the set as the Constraints block appended to the context
// document's validation section.
func (s *Set) Summary() string {
	if len(s.Constraints) == 0 {
		return "No constraints extracted."
	}
	var sb strings.Builder
	sb.WriteString("Constraints:\n")
	for _, c := range s.Constraints {
		sb.WriteString(fmt.Sprintf("- [%s] %s (%s: %q)\n", c.ID, c.describe(), c.Source, c.OriginalText))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (c Constraint) describe() string {
	switch c.Type {
	case TypeBudget:
		return fmt.Sprintf("budget ≤ %.2f %s", c.MaxAmount, c.Currency)
	case TypeFileSize:
		return fmt.Sprintf("file size ≤ %d bytes", c.MaxBytes)
	case TypeTime:
		return fmt.Sprintf("time ≤ %ds", c.MaxSeconds)
	case TypePrivacy:
		return "no external calls"
	case TypeMustAvoid:
		return "must avoid " + c.Term
	default:
		return string(c.Type)
	}
}
