package intake

import (
	"strings"
	"unicode/utf8"

	"github.com/parlance/backend/internal/langdetect"
	"github.com/parlance/backend/internal/models"
)

const (
	maxExternalIDLength = 128
	minLangLength       = 2
	maxLangLength       = 5
	directionAuto       = "auto"
)

// detectDirection is swapped in tests to avoid loading language models.
var detectDirection = langdetect.Direction

// Request is a raw submission as it arrives from a client.
type Request struct {
	Text       string `json:"text"`
	InputText  string `json:"input_text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
	Direction  string `json:"direction"`
	ExternalID string `json:"external_id"`
}

// Normalized is a validated submission.
type Normalized struct {
	Text       string
	Direction  models.Direction
	ExternalID *string
}

// Normalize trims and validates r. maxLen bounds the text in runes.
func Normalize(r Request, maxLen int) (*Normalized, error) {
	text := r.Text
	if strings.TrimSpace(text) == "" {
		text = r.InputText
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("text", "must not be empty")
	}
	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		return nil, invalid("text", "exceeds %d characters", maxLen)
	}

	dir, err := resolveDirection(r, text)
	if err != nil {
		return nil, err
	}

	n := &Normalized{Text: text, Direction: dir}
	if ext := strings.TrimSpace(r.ExternalID); ext != "" {
		if utf8.RuneCountInString(ext) > maxExternalIDLength {
			return nil, invalid("external_id", "exceeds %d characters", maxExternalIDLength)
		}
		n.ExternalID = &ext
	}
	return n, nil
}

func resolveDirection(r Request, text string) (models.Direction, error) {
	if d := strings.ToLower(strings.TrimSpace(r.Direction)); d != "" {
		if d == directionAuto {
			dir, ok := detectDirection(text)
			if !ok {
				return "", invalid("direction", "could not detect English or French source text")
			}
			return dir, nil
		}
		dir := models.Direction(d)
		if !dir.Valid() {
			return "", invalid("direction", "unsupported direction %q", d)
		}
		return dir, nil
	}

	src := strings.ToLower(strings.TrimSpace(r.SourceLang))
	dst := strings.ToLower(strings.TrimSpace(r.TargetLang))
	if src == "" && dst == "" {
		return "", invalid("direction", "direction or source_lang and target_lang are required")
	}
	for _, f := range [...]struct{ name, lang string }{{"source_lang", src}, {"target_lang", dst}} {
		if n := len(f.lang); n < minLangLength || n > maxLangLength {
			return "", invalid(f.name, "must be %d-%d characters", minLangLength, maxLangLength)
		}
	}
	dir := models.Direction(src + "-" + dst)
	if !dir.Valid() {
		return "", invalid("source_lang", "unsupported language pair %s->%s", src, dst)
	}
	return dir, nil
}
