package analyzer

import (
	"fmt"
	"strings"

	lingua "github.com/pemistahl/lingua-go"
	"github.com/samber/lo"
)

// LanguageDetector tags post text with an ISO 639-1 code
type LanguageDetector struct {
	detector            lingua.LanguageDetector
	supportedLanguages  map[lingua.Language]string
	confidenceThreshold float64
}

// NewLanguageDetector builds a detector limited to the given ISO 639-1
// codes. At least two known languages are required.
func NewLanguageDetector(codes []string, confidenceThreshold float64) (*LanguageDetector, error) {
	supported := getSupportedLanguages()
	languages := targetLanguagesToLingua(codes, supported)
	if len(languages) < 2 {
		return nil, fmt.Errorf("language detection needs at least two known languages, got %v", codes)
	}

	return &LanguageDetector{
		detector: lingua.NewLanguageDetectorBuilder().
			FromLanguages(languages...).
			WithMinimumRelativeDistance(0.25).
			Build(),
		supportedLanguages:  supported,
		confidenceThreshold: confidenceThreshold,
	}, nil
}

// Detect returns the most likely language code of text, or an empty string
// when no language reaches the confidence threshold
func (d *LanguageDetector) Detect(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	values := d.detector.ComputeLanguageConfidenceValues(text)
	if len(values) == 0 || values[0].Value() < d.confidenceThreshold {
		return ""
	}

	return linguaToISO(values[0].Language(), d.supportedLanguages)
}

// Map lingua languages to ISO codes
func linguaToISO(lang lingua.Language, languages map[lingua.Language]string) string {
	if code, ok := languages[lang]; ok {
		return code
	}
	return ""
}

// Map ISO codes to lingua languages
func isoToLingua(code string, languages map[lingua.Language]string) (lingua.Language, bool) {
	for lang, isoCode := range languages {
		if isoCode == code {
			return lang, true
		}
	}
	return lingua.Unknown, false
}

func getSupportedLanguages() map[lingua.Language]string {
	languages := make(map[lingua.Language]string)

	// Map all lingua languages to their ISO 639-1 codes
	for _, lang := range lingua.AllLanguages() {
		languages[lang] = strings.ToLower(lang.IsoCode639_1().String())
	}

	return languages
}

func targetLanguagesToLingua(codes []string, supported map[lingua.Language]string) []lingua.Language {
	linguaLanguages := []lingua.Language{}

	for _, code := range lo.Uniq(codes) {
		if lang, ok := isoToLingua(strings.ToLower(strings.TrimSpace(code)), supported); ok {
			linguaLanguages = append(linguaLanguages, lang)
		}
	}

	return linguaLanguages
}
