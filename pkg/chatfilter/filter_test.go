package chatfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter(t *testing.T) {
	f, err := New([]string{`\bdarn\b`, `heck+`, ""})
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    string
		filtered string
		hit      bool
	}{
		{"clean", "hello there", "hello there", false},
		{"word", "oh darn it", "oh **** it", true},
		{"case insensitive", "DARN", "****", true},
		{"word boundary", "darning socks", "darning socks", false},
		{"repetition", "what the heckkk", "what the ******", true},
		{"unicode mask is per rune", "héck", "héck", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.Filter(tt.input)
			assert.Equal(t, tt.input, res.Original)
			assert.Equal(t, tt.filtered, res.Filtered)
			assert.Equal(t, tt.hit, res.Hit)
		})
	}
}

func TestFilterMasksMultibyteMatch(t *testing.T) {
	f, err := New([]string{"ñam"})
	require.NoError(t, err)
	assert.Equal(t, "*** ***", f.Filter("ñam ÑAM").Filtered)
}

func TestInvalidPattern(t *testing.T) {
	_, err := New([]string{"("})
	assert.Error(t, err)
}
