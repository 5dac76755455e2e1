package engine

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// tokenRe matches either a hashtag (word characters with internal hyphens)
// or a bare word run. Unicode letters and digits count as word characters.
var tokenRe = regexp.MustCompile(`#[\p{L}\p{N}_]+(?:-[\p{L}\p{N}_]+)*|[\p{L}\p{N}_]+`)

var (
	positiveWords = map[string]struct{}{
		"adorei": {}, "gostei": {}, "bom": {}, "boa": {}, "excelente": {}, "otimo": {},
	}
	negativeWords = map[string]struct{}{
		"ruim": {}, "terrivel": {}, "pessimo": {}, "horrivel": {}, "lento": {},
	}
	intensifiers = map[string]struct{}{
		"muito": {}, "super": {},
	}
	negations = map[string]struct{}{
		"nao": {},
	}
	metaPhrases = map[string]struct{}{
		"teste tecnico mbras": {},
	}
)

// normalizeForMatching lowercases, decomposes (NFKD) and strips combining
// marks so accented lexicon variants compare equal ("ótimo" == "otimo").
func normalizeForMatching(token string) string {
	decomposed := norm.NFKD.String(strings.ToLower(token))
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func tokenize(text string) []string {
	return tokenRe.FindAllString(text, -1)
}

func containsMbras(normalized string) bool {
	return strings.Contains(normalized, "mbras")
}

// reduceContent collapses normalized content to single spaces for
// whole-phrase comparison.
func reduceContent(content string) string {
	return strings.Join(strings.Fields(normalizeForMatching(content)), " ")
}

func isMetaPhrase(content string) bool {
	_, ok := metaPhrases[reduceContent(content)]
	return ok
}

// isCandidateAwareness reports whether the content is the meta phrase or
// mentions all three of its words in any order.
func isCandidateAwareness(content string) bool {
	reduced := reduceContent(content)
	if _, ok := metaPhrases[reduced]; ok {
		return true
	}
	return strings.Contains(reduced, "teste") &&
		strings.Contains(reduced, "mbras") &&
		strings.Contains(reduced, "tecnico")
}

func classify(score float64) string {
	if score > 0.1 {
		return labelPositive
	}
	if score < -0.1 {
		return labelNegative
	}
	return labelNeutral
}

// sentimentForMessage scores one message. The sweep works on normalized
// non-hashtag tokens: a negation flips the polarity of the next three
// tokens (stacked negations cancel pairwise), an intensifier multiplies the
// next polar token by 1.5, and employee-authored positive tokens double.
func sentimentForMessage(content string, isEmployee bool) (label string, score float64, isMeta bool) {
	if isMetaPhrase(content) {
		return labelMeta, 0.0, true
	}

	tokens := tokenize(content)
	if len(tokens) == 0 {
		return labelNeutral, 0.0, false
	}

	normalized := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if strings.HasPrefix(token, "#") {
			continue
		}
		normalized = append(normalized, normalizeForMatching(token))
	}
	if len(normalized) == 0 {
		return labelNeutral, 0.0, false
	}

	negationMarks := make([]int, len(normalized))
	for idx, token := range normalized {
		if _, ok := negations[token]; !ok {
			continue
		}
		upper := idx + 4
		if upper > len(normalized) {
			upper = len(normalized)
		}
		for markIdx := idx + 1; markIdx < upper; markIdx++ {
			negationMarks[markIdx]++
		}
	}

	var (
		scoreSum           float64
		polarCount         int
		pendingIntensifier bool
	)
	for idx, token := range normalized {
		if _, ok := intensifiers[token]; ok {
			pendingIntensifier = true
			continue
		}

		base := 0.0
		if _, ok := positiveWords[token]; ok {
			base = 1.0
		} else if _, ok := negativeWords[token]; ok {
			base = -1.0
		}
		if base == 0.0 {
			continue
		}

		polarCount++

		if pendingIntensifier {
			base *= 1.5
			pendingIntensifier = false
		}
		if negationMarks[idx]%2 == 1 {
			base *= -1.0
		}
		if isEmployee && base > 0 {
			base *= 2.0
		}
		scoreSum += base
	}

	if polarCount == 0 {
		return labelNeutral, 0.0, false
	}
	score = scoreSum / float64(polarCount)
	return classify(score), score, false
}
