package challenge

import "strings"

// CheckFunc grades an agent's response against the stored answer.
type CheckFunc func(expected, got string) bool

// ExactMatch is the default grader: whitespace-trimmed,
// case-insensitive equality.
func ExactMatch(expected, got string) bool {
	return strings.EqualFold(strings.TrimSpace(expected), strings.TrimSpace(got))
}

// Grade grades a response for the given template ID. Templates with a
// custom check use it; unknown template IDs fall back to ExactMatch
// against the stored answer.
func Grade(templateID, expected, got string) bool {
	if tpl, ok := TemplateByID(templateID); ok && tpl.Check != nil {
		return tpl.Check(expected, got)
	}
	return ExactMatch(expected, got)
}
