package langdetect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parlance/backend/internal/models"
)

func TestDirection(t *testing.T) {
	cases := []struct {
		text string
		want models.Direction
		ok   bool
	}{
		{"The weather is lovely today and we are going to the beach.", models.EnToFr, true},
		{"Je voudrais réserver une table pour deux personnes ce soir.", models.FrToEn, true},
		{"  ", "", false},
		{"12 34", "", false},
	}
	for _, tc := range cases {
		got, ok := Direction(tc.text)
		assert.Equal(t, tc.ok, ok, tc.text)
		assert.Equal(t, tc.want, got, tc.text)
	}
}
