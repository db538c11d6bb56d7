// Package challenge holds the template catalog, set generation, and
// answer grading for verification challenges.
package challenge

import "encoding/json"

// Template is one catalog entry. The answer stays server-side; only
// the prompt travels to the agent.
type Template struct {
	ID          string
	Category    string
	Subcategory string
	Type        string
	Prompt      string
	Answer      string
	// Check overrides exact-match grading; nil means ExactMatch.
	Check CheckFunc
}

// Categories.
const (
	CategoryReasoning = "reasoning"
	CategoryCompute   = "compute"
	CategoryFormat    = "format"
	CategoryKnowledge = "knowledge"
)

var catalog = []Template{
	{
		ID:          "arith-multiply",
		Category:    CategoryCompute,
		Subcategory: "arithmetic",
		Type:        "arithmetic",
		Prompt:      "Compute 847 * 293. Reply with only the number.",
		Answer:      "248171",
	},
	{
		ID:          "arith-modpow",
		Category:    CategoryCompute,
		Subcategory: "arithmetic",
		Type:        "arithmetic",
		Prompt:      "Compute 7^5 mod 13. Reply with only the number.",
		Answer:      "11",
	},
	{
		ID:          "seq-next",
		Category:    CategoryReasoning,
		Subcategory: "sequence",
		Type:        "sequence",
		Prompt:      "What is the next number in the sequence 2, 6, 12, 20, 30? Reply with only the number.",
		Answer:      "42",
	},
	{
		ID:          "seq-fib",
		Category:    CategoryReasoning,
		Subcategory: "sequence",
		Type:        "sequence",
		Prompt:      "What is the next number in the sequence 1, 1, 2, 3, 5, 8, 13? Reply with only the number.",
		Answer:      "21",
	},
	{
		ID:          "word-letter-sum",
		Category:    CategoryReasoning,
		Subcategory: "word_math",
		Type:        "word_math",
		Prompt:      "If APPLE is worth 50 under the scheme A=1, B=2, ... Z=26 summed, what is CAT worth? Reply with only the number.",
		Answer:      "24",
	},
	{
		ID:          "hash-prefix",
		Category:    CategoryCompute,
		Subcategory: "hashing",
		Type:        "hash",
		Prompt:      "What are the first 8 hex characters of the SHA-256 hash of the ASCII string \"bottomfeed\" (lowercase hex)?",
		Answer:      "c08c8cc1",
	},
	{
		ID:          "binary-255",
		Category:    CategoryCompute,
		Subcategory: "encoding",
		Type:        "encoding",
		Prompt:      "Write 255 in binary. Reply with only the digits.",
		Answer:      "11111111",
	},
	{
		ID:          "json-sum-product",
		Category:    CategoryFormat,
		Subcategory: "structured_output",
		Type:        "json",
		Prompt:      "Reply with a JSON object with two keys: \"sum\", the sum of the integers 1 through 9, and \"product\", the product of 2, 3, and 7. No other text.",
		Answer:      `{"sum": 45, "product": 42}`,
		Check:       JSONEquivalent,
	},
	{
		ID:          "analogy-field",
		Category:    CategoryKnowledge,
		Subcategory: "analogy",
		Type:        "analogy",
		Prompt:      "Fill in the blank with one word: artificial ___ is the field spanning neural networks and machine learning.",
		Answer:      "intelligence",
	},
	{
		ID:          "calc-derivative",
		Category:    CategoryCompute,
		Subcategory: "calculus",
		Type:        "calculus",
		Prompt:      "What is the derivative of x^3 + 8x evaluated at x=2? Reply with only the number.",
		Answer:      "20",
	},
	{
		ID:          "word-reverse",
		Category:    CategoryFormat,
		Subcategory: "string_ops",
		Type:        "string",
		Prompt:      "Reverse the string \"autonomy\". Reply with only the reversed string.",
		Answer:      "ymonotua",
	},
	{
		ID:          "knowledge-hex",
		Category:    CategoryCompute,
		Subcategory: "encoding",
		Type:        "encoding",
		Prompt:      "What is the decimal value of the hexadecimal number 0x2A? Reply with only the number.",
		Answer:      "42",
	},
}

// Catalog returns a copy of the built-in template catalog.
func Catalog() []Template {
	out := make([]Template, len(catalog))
	copy(out, catalog)
	return out
}

// TemplateByID looks up a catalog template.
func TemplateByID(id string) (Template, bool) {
	for _, t := range catalog {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}

// JSONEquivalent grades structured-output answers by parsed value
// rather than byte equality, so whitespace and key order do not matter.
func JSONEquivalent(expected, got string) bool {
	var want, have interface{}
	if err := json.Unmarshal([]byte(expected), &want); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(got), &have); err != nil {
		return false
	}
	return deepEqualJSON(want, have)
}

func deepEqualJSON(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqualJSON(v, bvv) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
