package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeForMatching(t *testing.T) {
	cases := map[string]string{
		"Ótimo":    "otimo",
		"péssimo":  "pessimo",
		"CAFÉ":     "cafe",
		"não":      "nao",
		"tecnico":  "tecnico",
		"Horrível": "horrivel",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeForMatching(in), "normalize %q", in)
	}
}

func TestTokenizeKeepsHashtagsWhole(t *testing.T) {
	tokens := tokenize("adorei o #meu-produto hoje")
	assert.Equal(t, []string{"adorei", "o", "#meu-produto", "hoje"}, tokens)
}

func TestSentimentAccentedLexicon(t *testing.T) {
	label, _, isMeta := sentimentForMessage("atendimento ótimo", false)
	assert.Equal(t, labelPositive, label)
	assert.False(t, isMeta)

	label, _, _ = sentimentForMessage("serviço péssimo", false)
	assert.Equal(t, labelNegative, label)
}

func TestSentimentOrphanIntensifierIsNeutral(t *testing.T) {
	label, score, _ := sentimentForMessage("muito interessante esse produto", false)
	assert.Equal(t, labelNeutral, label)
	assert.Zero(t, score)
}

func TestSentimentIntensifierScalesNextPolarToken(t *testing.T) {
	_, score, _ := sentimentForMessage("muito bom", false)
	assert.Equal(t, 1.5, score)

	// The intensifier waits for the next polar token even with fillers
	// in between.
	_, score, _ = sentimentForMessage("super esse atendimento bom", false)
	assert.Equal(t, 1.5, score)
}

func TestSentimentSingleNegationFlips(t *testing.T) {
	label, score, _ := sentimentForMessage("não gostei", false)
	assert.Equal(t, labelNegative, label)
	assert.Equal(t, -1.0, score)
}

func TestSentimentDoubleNegationRestores(t *testing.T) {
	label, score, _ := sentimentForMessage("não não gostei", false)
	assert.Equal(t, labelPositive, label)
	assert.Equal(t, 1.0, score)
}

func TestSentimentNegationWindowIsThreeTokens(t *testing.T) {
	// The polar token sits four positions after the negation, outside its
	// reach.
	label, _, _ := sentimentForMessage("não sei se isso bom", false)
	assert.Equal(t, labelPositive, label)
}

func TestSentimentEmployeeDoublesPositive(t *testing.T) {
	_, employee, _ := sentimentForMessage("gostei", true)
	_, regular, _ := sentimentForMessage("gostei", false)
	assert.Equal(t, 2*regular, employee)

	// Negative polarity is untouched by the employee bonus.
	_, negEmployee, _ := sentimentForMessage("ruim", true)
	_, negRegular, _ := sentimentForMessage("ruim", false)
	assert.Equal(t, negRegular, negEmployee)
}

func TestSentimentNegatedPositiveForEmployeeIsNotDoubled(t *testing.T) {
	// Negation flips before the employee bonus applies, so a negated
	// positive stays at -1.
	_, score, _ := sentimentForMessage("não gostei", true)
	assert.Equal(t, -1.0, score)
}

func TestSentimentMetaPhraseShortCircuits(t *testing.T) {
	label, score, isMeta := sentimentForMessage("Teste Técnico MBRAS", false)
	assert.Equal(t, labelMeta, label)
	assert.Zero(t, score)
	assert.True(t, isMeta)

	// Extra whitespace still collapses into the phrase.
	_, _, isMeta = sentimentForMessage("  teste   tecnico   mbras  ", false)
	assert.True(t, isMeta)
}

func TestSentimentHashtagsDoNotScore(t *testing.T) {
	label, _, _ := sentimentForMessage("#adorei", false)
	assert.Equal(t, labelNeutral, label)
}

func TestSentimentAverageOfPolarTokens(t *testing.T) {
	_, score, _ := sentimentForMessage("gostei mas ruim", false)
	assert.Zero(t, score)

	label, score, _ := sentimentForMessage("bom bom ruim", false)
	assert.Equal(t, labelPositive, label)
	assert.InDelta(t, 1.0/3.0, score, 1e-9)
}

func TestCandidateAwarenessDetection(t *testing.T) {
	assert.True(t, isCandidateAwareness("teste tecnico mbras"))
	assert.True(t, isCandidateAwareness("um teste do tecnico da mbras"))
	assert.False(t, isCandidateAwareness("teste tecnico"))
	assert.False(t, isCandidateAwareness("mbras"))
}
