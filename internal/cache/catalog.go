package cache

import (
	"math/rand/v2"
	"strings"
)

// PhraseKind groups catalog phrases by use.
type PhraseKind string

const (
	KindGreeting       PhraseKind = "greeting"
	KindAcknowledgment PhraseKind = "acknowledgment"
	KindFiller         PhraseKind = "filler"
	KindFallback       PhraseKind = "fallback"
)

// catalog holds the common phrases preloaded for every voice, by language.
var catalog = map[string]map[PhraseKind][]string{
	"en": {
		KindGreeting: {
			"Hello, how can I help you?",
			"Hi there, thanks for calling.",
		},
		KindAcknowledgment: {
			"Okay.",
			"Got it.",
			"Thank you.",
			"Of course.",
		},
		KindFiller: {
			"Sure...",
			"I see...",
			"Hmm...",
			"Okay...",
			"Let me see...",
		},
		KindFallback: {
			"Sorry, could you say that again?",
			"I'm sorry, I'm having trouble right now. Please give me a moment.",
		},
	},
	"cs": {
		KindGreeting: {
			"Dobrý den, jak vám mohu pomoci?",
		},
		KindAcknowledgment: {
			"Dobře.",
			"Rozumím.",
			"Děkuji.",
		},
		KindFiller: {
			"Jasně...",
			"Rozumím...",
			"Hmm...",
			"Aha...",
			"Dobře...",
		},
		KindFallback: {
			"Promiňte, můžete to prosím zopakovat?",
			"Omlouvám se, mám teď potíže. Vydržte prosím chvilku.",
		},
	},
}

// BaseLanguage maps a tag like "cs-CZ" to a catalog language, defaulting to
// English.
func BaseLanguage(language string) string {
	base, _, _ := strings.Cut(strings.ToLower(language), "-")
	if _, ok := catalog[base]; ok {
		return base
	}
	return "en"
}

// Phrases returns the catalog phrases of kind for language.
func Phrases(kind PhraseKind, language string) []string {
	return catalog[BaseLanguage(language)][kind]
}

// AllPhrases returns every catalog phrase for language.
func AllPhrases(language string) []string {
	var out []string
	for _, kind := range []PhraseKind{KindGreeting, KindAcknowledgment, KindFiller, KindFallback} {
		out = append(out, Phrases(kind, language)...)
	}
	return out
}

// RandomPhrase picks a phrase of kind for language.
func RandomPhrase(kind PhraseKind, language string) string {
	p := Phrases(kind, language)
	if len(p) == 0 {
		return ""
	}
	return p[rand.IntN(len(p))]
}
