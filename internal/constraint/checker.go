package constraint

import (
	"fmt"
	"strings"
)

// Violation is a pre-call constraint failure. It is a value, not an error:
// the caller records it in plan state and returns a blocked result.
type Violation struct {
	ConstraintID string `json:"constraint_id"`
	Reason       string `json:"reason"`
}

// Checker evaluates tool calls against a constraint set. The tool executor
// and the validator's pre-call path share one checker.
type Checker struct {
	set *Set
}

// NewChecker wraps a set.
func NewChecker(set *Set) *Checker {
	return &Checker{set: set}
}

// Check returns the first violation the call would cause, or nil.
func (ch *Checker) Check(tool string, args map[string]any, query string) *Violation {
	if ch.set == nil {
		return nil
	}

	argText := flattenArgs(args)
	lowerQuery := strings.ToLower(query)
	ns := tool
	if idx := strings.IndexByte(tool, '.'); idx > 0 {
		ns = tool[:idx]
	}

	for _, c := range ch.set.Constraints {
		switch {
		case len(c.BlockedTools) > 0 && containsFold(c.BlockedTools, tool):
			return &Violation{ConstraintID: c.ID, Reason: fmt.Sprintf("tool %s is blocked", tool)}

		case len(c.BlockedDomains) > 0:
			for _, domain := range c.BlockedDomains {
				d := strings.ToLower(domain)
				if strings.Contains(argText, d) || strings.Contains(lowerQuery, d) {
					return &Violation{ConstraintID: c.ID, Reason: fmt.Sprintf("domain %s is blocked", domain)}
				}
			}

		case c.Type == TypeFileSize && tool == "file.write":
			if content, ok := args["content"].(string); ok && int64(len(content)) > c.MaxBytes {
				return &Violation{
					ConstraintID: c.ID,
					Reason:       fmt.Sprintf("file.write content of %d bytes exceeds limit of %d", len(content), c.MaxBytes),
				}
			}

		case c.Type == TypePrivacy && c.NoExternalCalls && (ns == "internet" || ns == "browser"):
			return &Violation{ConstraintID: c.ID, Reason: fmt.Sprintf("privacy constraint forbids external call via %s", tool)}

		case c.Type == TypeMustAvoid && c.Term != "":
			if strings.Contains(argText, c.Term) {
				return &Violation{ConstraintID: c.ID, Reason: fmt.Sprintf("args mention avoided term %q", c.Term)}
			}
		}
	}
	return nil
}

// CheckBudget reports whether a price respects every budget constraint.
// Returns the violated constraint id, or "".
func (ch *Checker) CheckBudget(price float64) string {
	if ch.set == nil {
		return ""
	}
	for _, c := range ch.set.Constraints {
		if c.Type == TypeBudget && price > c.MaxAmount {
			return c.ID
		}
	}
	return ""
}

func flattenArgs(args map[string]any) string {
	var sb strings.Builder
	for k, v := range args {
		sb.WriteString(strings.ToLower(k))
		sb.WriteString("=")
		sb.WriteString(strings.ToLower(fmt.Sprintf("%v", v)))
		sb.WriteString(" ")
	}
	return sb.String()
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
