package translation

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

var enFr = map[string]string{
	"hello":   "bonjour",
	"world":   "monde",
	"good":    "bon",
	"morning": "matin",
	"thank":   "merci",
	"you":     "vous",
	"yes":     "oui",
	"no":      "non",
	"cat":     "chat",
	"dog":     "chien",
	"house":   "maison",
	"water":   "eau",
	"bread":   "pain",
	"friend":  "ami",
}

var frEn = func() map[string]string {
	m := make(map[string]string, len(enFr))
	for en, fr := range enFr {
		m[fr] = en
	}
	return m
}()

// DictionaryProvider is a word-for-word offline provider for local runs and tests.
// Words it does not know are kept as written.
type DictionaryProvider struct{}

func NewDictionaryProvider() *DictionaryProvider { return &DictionaryProvider{} }

func (p *DictionaryProvider) Name() string { return "dictionary" }

func (p *DictionaryProvider) SupportedLanguages() []string { return []string{"en", "fr"} }

func (p *DictionaryProvider) Translate(ctx context.Context, req TranslateRequest) (*TranslateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var dict map[string]string
	switch {
	case req.SourceLang == "en" && req.TargetLang == "fr":
		dict = enFr
	case req.SourceLang == "fr" && req.TargetLang == "en":
		dict = frEn
	default:
		return nil, fmt.Errorf("unsupported pair %s-%s", req.SourceLang, req.TargetLang)
	}

	words := strings.Fields(req.Text)
	for i, w := range words {
		core := strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) })
		if core == "" {
			continue
		}
		tr, ok := dict[strings.ToLower(core)]
		if !ok {
			continue
		}
		if unicode.IsUpper([]rune(core)[0]) {
			tr = strings.ToUpper(tr[:1]) + tr[1:]
		}
		words[i] = strings.Replace(w, core, tr, 1)
	}
	return &TranslateResponse{
		Text:         strings.Join(words, " "),
		SourceLang:   req.SourceLang,
		TargetLang:   req.TargetLang,
		ProviderName: p.Name(),
	}, nil
}
