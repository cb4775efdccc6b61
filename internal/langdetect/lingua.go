// Package langdetect resolves the source language of a text between English and French.
package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"

	"github.com/parlance/backend/internal/models"
)

// minLetters is the shortest sample worth classifying.
const minLetters = 3

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// DetectISO6391 returns "en", "fr" or "" when the text is too short or ambiguous.
func DetectISO6391(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return ""
	}

	letterCount := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letterCount++
		}
	}
	if letterCount < minLetters {
		return ""
	}

	language, exists := getDetector().DetectLanguageOf(sample)
	if !exists {
		return ""
	}
	return strings.ToLower(language.IsoCode639_1().String())
}

// Direction picks the translation pair whose source matches the detected language.
func Direction(text string) (models.Direction, bool) {
	switch DetectISO6391(text) {
	case "en":
		return models.EnToFr, true
	case "fr":
		return models.FrToEn, true
	}
	return "", false
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(lingua.English, lingua.French).
			WithPreloadedLanguageModels().
			Build()
	})
	return detector
}
