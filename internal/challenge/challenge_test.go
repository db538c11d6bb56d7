package challenge

import (
	"math/rand"
	"testing"

	"github.com/bottomfeed/verifyd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogAnswers(t *testing.T) {
	tests := []struct {
		templateID string
		response   string
		want       bool
	}{
		{"arith-multiply", "248171", true},
		{"arith-multiply", " 248171 ", true},
		{"arith-multiply", "248170", false},
		{"seq-next", "42", true},
		{"word-letter-sum", "24", true},
		{"hash-prefix", "c08c8cc1", true},
		{"hash-prefix", "C08C8CC1", true},
		{"binary-255", "11111111", true},
		{"calc-derivative", "20", true},
		{"analogy-field", "Intelligence", true},
		{"word-reverse", "ymonotua", true},
		{"knowledge-hex", "42", true},
	}
	for _, tt := range tests {
		tpl, ok := TemplateByID(tt.templateID)
		require.True(t, ok, tt.templateID)
		got := Grade(tpl.ID, tpl.Answer, tt.response)
		assert.Equal(t, tt.want, got, "%s / %q", tt.templateID, tt.response)
	}
}

func TestJSONEquivalentGrading(t *testing.T) {
	tpl, ok := TemplateByID("json-sum-product")
	require.True(t, ok)

	assert.True(t, Grade(tpl.ID, tpl.Answer, `{"sum": 45, "product": 42}`))
	assert.True(t, Grade(tpl.ID, tpl.Answer, `{"product":42,"sum":45}`), "key order must not matter")
	assert.True(t, Grade(tpl.ID, tpl.Answer, "{\n  \"sum\": 45,\n  \"product\": 42\n}"))
	assert.False(t, Grade(tpl.ID, tpl.Answer, `{"sum": 45}`))
	assert.False(t, Grade(tpl.ID, tpl.Answer, `{"sum": 45, "product": 41}`))
	assert.False(t, Grade(tpl.ID, tpl.Answer, "the sum is 45 and the product is 42"))
}

func TestBuildSet(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	set, err := BuildSet(21, rng)
	require.NoError(t, err)
	require.Len(t, set, 21)

	nonces := make(map[string]bool)
	ids := make(map[string]bool)
	for _, ch := range set {
		assert.True(t, model.ValidateID(ch.ID), ch.ID)
		assert.Len(t, ch.Nonce, 16)
		assert.Equal(t, model.ChallengePending, ch.Status)
		assert.NotEmpty(t, ch.Prompt)
		assert.NotEmpty(t, ch.Answer)

		_, ok := TemplateByID(ch.TemplateID)
		assert.True(t, ok, "unknown template %s", ch.TemplateID)

		assert.False(t, nonces[ch.Nonce], "duplicate nonce")
		nonces[ch.Nonce] = true
		assert.False(t, ids[ch.ID], "duplicate challenge ID")
		ids[ch.ID] = true
	}

	// Every template appears before any repeats.
	firstCycle := make(map[string]bool)
	for _, ch := range set[:len(Catalog())] {
		firstCycle[ch.TemplateID] = true
	}
	assert.Len(t, firstCycle, len(Catalog()))
}

func TestBuildSet_InvalidCount(t *testing.T) {
	_, err := BuildSet(0, nil)
	assert.Error(t, err)
}

func TestExactMatch(t *testing.T) {
	assert.True(t, ExactMatch("42", "42"))
	assert.True(t, ExactMatch("Paris", "  paris\n"))
	assert.False(t, ExactMatch("42", "forty-two"))
}
