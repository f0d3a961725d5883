package normalize_test

import (
	"testing"

	"golang.org/x/text/language"

	"github.com/stayflow/concierge/internal/concierge/normalize"
)

func TestNormalize_CollapsesWhitespace(t *testing.T) {
	res := normalize.Normalize("  Can I   get\n\nextra towels?\t ")
	if res.Text != "Can I get extra towels?" {
		t.Errorf("Text = %q, want %q", res.Text, "Can I get extra towels?")
	}
	if res.Degraded {
		t.Error("Degraded should be false for clean input")
	}
}

func TestNormalize_StripsControlCharacters(t *testing.T) {
	res := normalize.Normalize("hello\x07 world\x00!")
	if res.Text != "hello world!" {
		t.Errorf("Text = %q, want %q", res.Text, "hello world!")
	}
}

func TestNormalize_InvalidUTF8PassesThrough(t *testing.T) {
	raw := string([]byte{0xff, 0xfe, 'h', 'i'})
	res := normalize.Normalize(raw)
	if !res.Degraded {
		t.Fatal("Degraded should be true for invalid UTF-8")
	}
	if res.Text != raw {
		t.Error("invalid input must pass through unmodified")
	}
	if res.Language != language.Und {
		t.Errorf("Language = %v, want Und", res.Language)
	}
}

func TestNormalize_LanguageDetection(t *testing.T) {
	tests := []struct {
		name string
		text string
		want language.Tag
	}{
		{"english", "Can you please bring towels to my room", language.English},
		{"spanish", "Necesito toallas para la habitación por favor", language.Spanish},
		{"portuguese", "Preciso de toalhas no quarto por favor obrigado", language.Portuguese},
		{"german", "Ich brauche bitte Handtücher für das Zimmer", language.German},
		{"inconclusive", "towels 205", language.Und},
		{"empty", "", language.Und},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := normalize.Normalize(tt.text)
			if res.Language != tt.want {
				t.Errorf("Normalize(%q).Language = %v, want %v", tt.text, res.Language, tt.want)
			}
		})
	}
}

func TestNormalize_NFCComposition(t *testing.T) {
	// "é" as 'e' + combining acute should compose to a single rune.
	res := normalize.Normalize("café")
	if res.Text != "café" {
		t.Errorf("Text = %q, want composed form %q", res.Text, "café")
	}
}
