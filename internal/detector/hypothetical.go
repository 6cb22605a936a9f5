package detector

import "strings"

// Hypothetical-framing filter. A candidate match is rejected when the
// utterance frames the emergency as hypothetical, interrogative, or
// reported speech rather than the patient's own situation.

// markerWindow is how many tokens before the matched phrase a
// hypothetical marker may appear.
const markerWindow = 6

type languageFilter struct {
	// hypothetical markers, normalized; multi-word entries allowed
	markers []string
	// reported-speech markers anywhere before the phrase
	reported []string
	// leading interrogative words; only consulted when the raw
	// utterance ends with a question mark
	question []string
}

var filters = map[string]languageFilter{
	"en": {
		markers:  []string{"if", "what if", "suppose", "imagine", "pretend", "in case"},
		reported: []string{"said", "says", "told me", "was saying"},
		question: []string{"what", "is", "are", "do", "does", "should", "would", "could", "how"},
	},
	"es": {
		markers:  []string{"si", "y si", "supongamos", "imagina", "imaginate", "por si"},
		reported: []string{"dijo", "dice", "me dijo", "comento"},
		question: []string{"que", "es", "hay", "debo", "deberia", "como", "puedo"},
	},
}

// filterFor falls back to English rules for languages without their own
// marker list. The vocabulary itself is still language-keyed.
func filterFor(language string) languageFilter {
	if f, ok := filters[language]; ok {
		return f
	}
	return filters["en"]
}

// isHypothetical applies the three checks against one candidate match.
// raw is the original utterance, norm its normalized form, and phraseTok
// the token offset where the matched phrase starts.
func isHypothetical(raw, norm string, phraseTok int, language string) bool {
	f := filterFor(language)
	tokens := strings.Fields(norm)
	if phraseTok > len(tokens) {
		phraseTok = len(tokens)
	}
	before := tokens[:phraseTok]

	windowStart := len(before) - markerWindow
	if windowStart < 0 {
		windowStart = 0
	}
	window := " " + strings.Join(before[windowStart:], " ") + " "
	for _, m := range f.markers {
		if strings.Contains(window, " "+m+" ") {
			return true
		}
	}

	prefix := " " + strings.Join(before, " ") + " "
	for _, m := range f.reported {
		if strings.Contains(prefix, " "+m+" ") {
			return true
		}
	}

	if strings.HasSuffix(strings.TrimSpace(raw), "?") && len(tokens) > 0 {
		for _, q := range f.question {
			if tokens[0] == q {
				return true
			}
		}
	}
	return false
}
