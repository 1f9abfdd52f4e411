package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "Cotton T-Shirt", "cotton t shirt"},
		{"strips punctuation", "bolts, nuts & washers (steel)", "bolts nuts washers steel"},
		{"collapses whitespace", "  cotton   t-shirt  ", "cotton t shirt"},
		{"strips diacritics", "Café-Stühle", "cafe stuhle"},
		{"keeps digits", "M8 bolt 100mm", "m8 bolt 100mm"},
		{"empty", "", ""},
		{"only punctuation", "--- ///", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestProductKey(t *testing.T) {
	// Same goods in different casing and separators produce the same key.
	assert.Equal(t, ProductKey("Cotton T-Shirt", "100% Cotton"), ProductKey("cotton t shirt", "100 cotton"))
	assert.Equal(t, "cotton t shirt|", ProductKey("Cotton T-Shirt", ""))
	// Material is part of the identity.
	assert.NotEqual(t, ProductKey("t-shirt", "cotton"), ProductKey("t-shirt", "polyester"))
}

func TestTokenize_Dedupes(t *testing.T) {
	assert.Equal(t, []string{"steel", "bolts", "and", "nuts"}, tokenize("steel bolts and steel nuts"))
}

func TestJaccard(t *testing.T) {
	a := tokenSet([]string{"cotton", "t", "shirt"})
	b := tokenSet([]string{"cotton", "shirt"})

	assert.InDelta(t, 2.0/3.0, jaccard(a, b), 1e-9)
	assert.InDelta(t, 1.0, jaccard(a, a), 1e-9)
	assert.Zero(t, jaccard(a, tokenSet(nil)))
	assert.Zero(t, jaccard(a, tokenSet([]string{"footwear"})))
}
