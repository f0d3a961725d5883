// Package normalize cleans raw guest message text before classification.
//
// Normalization is deliberately conservative: it fixes encoding artifacts,
// collapses whitespace, and tags the probable language, but never rewrites
// the guest's wording. A message the normalizer cannot handle passes through
// unmodified with Degraded=true so downstream stages can log the condition —
// the pipeline is never blocked here.
package normalize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Result is the output of a single normalization pass.
type Result struct {
	// Text is the cleaned message body.
	Text string
	// Language is the detected language tag, language.Und when unknown.
	Language language.Tag
	// Degraded is true when the raw text could not be normalized (e.g.
	// invalid UTF-8) and Text carries the input unmodified.
	Degraded bool
}

// supported lists the languages the deterministic detector distinguishes.
// The first entry is the matcher fallback.
var supported = []language.Tag{
	language.English,
	language.Spanish,
	language.Portuguese,
	language.French,
	language.German,
}

var matcher = language.NewMatcher(supported)

// stopwords maps a language to words common enough to identify short chat
// messages. Heavily weighted toward the function words guests actually type.
var stopwords = map[language.Tag][]string{
	language.English:    {"the", "and", "can", "please", "you", "for", "need", "want", "room", "my"},
	language.Spanish:    {"el", "la", "por", "favor", "una", "necesito", "quiero", "habitación", "gracias", "para"},
	language.Portuguese: {"o", "obrigado", "por", "favor", "uma", "preciso", "quero", "quarto", "você", "para"},
	language.French:     {"le", "la", "merci", "une", "besoin", "veux", "chambre", "vous", "pour", "plaît"},
	language.German:     {"der", "die", "das", "bitte", "ein", "ich", "zimmer", "danke", "und", "für"},
}

// Normalize cleans raw and detects its language. It never returns an error:
// text that cannot be processed is passed through with Degraded set.
func Normalize(raw string) Result {
	if !utf8.ValidString(raw) {
		return Result{Text: raw, Language: language.Und, Degraded: true}
	}

	text := norm.NFC.String(raw)
	text = stripControl(text)
	text = collapseWhitespace(text)

	return Result{
		Text:     text,
		Language: detectLanguage(text),
	}
}

// stripControl removes control characters except newline and tab, which are
// later collapsed with the rest of the whitespace.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

// collapseWhitespace trims the string and squeezes runs of whitespace
// (including newlines and tabs) into single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// detectLanguage scores the message against per-language stopword lists and
// resolves the winner through the language matcher. Short or inconclusive
// messages yield language.Und rather than a guess.
func detectLanguage(text string) language.Tag {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return language.Und
	}

	wordSet := make(map[string]struct{}, len(words))
	for _, w := range words {
		wordSet[strings.Trim(w, ".,!?¡¿:;\"'")] = struct{}{}
	}

	var best language.Tag
	bestScore := 0
	for tag, list := range stopwords {
		score := 0
		for _, sw := range list {
			if _, ok := wordSet[sw]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = tag, score
		}
	}
	if bestScore == 0 {
		return language.Und
	}

	tag, _, _ := matcher.Match(best)
	return tag
}
