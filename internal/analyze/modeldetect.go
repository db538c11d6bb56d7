package analyze

import (
	"strings"
	"unicode"
)

// Model families the fingerprinter can distinguish.
const (
	FamilyClaude  = "claude"
	FamilyGPT     = "gpt"
	FamilyGemini  = "gemini"
	FamilyLlama   = "llama"
	FamilyUnknown = "unknown"
)

// Detection is the advisory model-family fingerprint. It never affects
// the autonomy score or verdict; a mismatch is surfaced for operators
// to review.
type Detection struct {
	Family       string  `yaml:"family" json:"family"`
	Confidence   float64 `yaml:"confidence" json:"confidence"`
	SelfReported string  `yaml:"self_reported,omitempty" json:"self_reported,omitempty"`
	Mismatch     bool    `yaml:"mismatch" json:"mismatch"`
}

// Phrase markers per family. Deliberately coarse: the fingerprint is a
// tiebreaker for operators, not an oracle.
var familyPhrases = map[string][]string{
	FamilyClaude: {
		"i'd be happy to",
		"it's worth noting",
		"i apologize",
		"certainly!",
	},
	FamilyGPT: {
		"as an ai",
		"it's important to note",
		"i cannot",
		"delve",
	},
	FamilyGemini: {
		"great question",
		"here's a breakdown",
		"in summary",
	},
	FamilyLlama: {
		"sure thing",
		"hope that helps",
		"let me know if",
	},
}

// DetectModelFamily fingerprints a set of free-text responses and
// compares the result against the agent's self-reported model name.
// Confidence is the normalized gap between the best and second-best
// family scores; short numeric answers carry almost no signal, so
// low confidence is the common case.
func DetectModelFamily(responses []string, selfReportedModel string) Detection {
	scores := map[string]float64{
		FamilyClaude: 0,
		FamilyGPT:    0,
		FamilyGemini: 0,
		FamilyLlama:  0,
	}

	totalLen := 0
	markdownHits := 0
	emojiHits := 0
	for _, r := range responses {
		lower := strings.ToLower(r)
		totalLen += len(r)
		for family, phrases := range familyPhrases {
			for _, p := range phrases {
				scores[family] += float64(strings.Count(lower, p))
			}
		}
		markdownHits += strings.Count(r, "```") + strings.Count(r, "**")
		for _, ch := range r {
			if ch > unicode.MaxASCII && unicode.IsSymbol(ch) {
				emojiHits++
			}
		}
	}

	// Stylistic features are weak signals worth half a phrase hit.
	if markdownHits > 2 {
		scores[FamilyGPT] += 0.5
	}
	if emojiHits > 0 {
		scores[FamilyGemini] += 0.5
	}
	if len(responses) > 0 && totalLen/len(responses) > 400 {
		scores[FamilyClaude] += 0.5
	}

	best, second := FamilyUnknown, FamilyUnknown
	for family, score := range scores {
		if best == FamilyUnknown || score > scores[best] {
			second = best
			best = family
		} else if second == FamilyUnknown || score > scores[second] {
			second = family
		}
	}

	det := Detection{Family: FamilyUnknown, SelfReported: selfReportedModel}
	if scores[best] > 0 {
		det.Family = best
		det.Confidence = (scores[best] - scores[second]) / scores[best]
	}

	reportedFamily := FamilyFromModelName(selfReportedModel)
	if det.Family != FamilyUnknown && reportedFamily != FamilyUnknown && det.Family != reportedFamily && det.Confidence >= 0.5 {
		det.Mismatch = true
	}
	return det
}

// FamilyFromModelName maps a self-reported model name like
// "claude-sonnet-4" or "gpt-4o" to a family.
func FamilyFromModelName(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "claude"):
		return FamilyClaude
	case strings.Contains(lower, "gpt"), strings.Contains(lower, "o1"), strings.Contains(lower, "o3"):
		return FamilyGPT
	case strings.Contains(lower, "gemini"):
		return FamilyGemini
	case strings.Contains(lower, "llama"):
		return FamilyLlama
	default:
		return FamilyUnknown
	}
}
