package detector

import (
	"github.com/carecall/carecall/internal/database/models"
)

// vocabulary is an immutable compiled snapshot of the emergency phrase
// set, grouped by language. Reload builds a fresh one and swaps it in
// atomically; in-flight matches keep reading the old snapshot.
type vocabulary struct {
	byLanguage map[string][]compiledPhrase
}

type compiledPhrase struct {
	phrase   string // normalized
	severity string
	category string
	rank     int
}

// candidate is one surviving phrase match within an utterance.
type candidate struct {
	compiledPhrase
	tokenOffset int
}

func compile(phrases []models.EmergencyPhrase) *vocabulary {
	v := &vocabulary{byLanguage: make(map[string][]compiledPhrase)}
	for _, p := range phrases {
		norm := normalize(p.Phrase)
		if norm == "" {
			continue
		}
		v.byLanguage[p.Language] = append(v.byLanguage[p.Language], compiledPhrase{
			phrase:   norm,
			severity: p.Severity,
			category: p.Category,
			rank:     models.SeverityRank(p.Severity),
		})
	}
	return v
}

// match runs stage 1 against the language's phrase set plus the
// language-agnostic fallback set.
func (v *vocabulary) match(norm, language string) []candidate {
	var out []candidate
	for _, set := range [][]compiledPhrase{v.byLanguage[language], v.byLanguage[models.LanguageAny]} {
		for _, p := range set {
			if tok, ok := containsPhrase(norm, p.phrase); ok {
				out = append(out, candidate{compiledPhrase: p, tokenOffset: tok})
			}
		}
	}
	return out
}

// grade picks the winning candidate: maximum severity, ties broken by
// phrase specificity, longest match wins.
func grade(candidates []candidate) (candidate, bool) {
	if len(candidates) == 0 {
		return candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.rank > best.rank || (c.rank == best.rank && len(c.phrase) > len(best.phrase)) {
			best = c
		}
	}
	return best, true
}
