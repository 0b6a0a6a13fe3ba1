package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeDelta(t *testing.T) {
	tests := []struct {
		name     string
		prev     string
		incoming string
		want     string
	}{
		{"empty prev", "", "Hello", "Hello"},
		{"empty incoming", "Hello", "", "Hello"},
		{"cumulative snapshot", "Hey", "Hey!", "Hey!"},
		{"snapshot with emoji", "Hey!", "Hey! 👋", "Hey! 👋"},
		{"duplicate replay", "Hello world", "world", "Hello world"},
		{"exact duplicate", "Hello", "Hello", "Hello"},
		{"overlap append", "Hello wo", "world!", "Hello world!"},
		{"no overlap concat", "foo", "bar", "foobar"},
		{"single char overlap", "ab", "bc", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MergeDelta(tt.prev, tt.incoming))
		})
	}
}

func TestMergeDelta_Laws(t *testing.T) {
	samples := []struct{ prev, suffix string }{
		{"", "a"},
		{"a", "b"},
		{"Hello, ", "world"},
		{"line1\n", "line2\n"},
		{"ααβ", "βγ"},
	}
	for _, s := range samples {
		// merge(prev, prev+s) = prev+s
		assert.Equal(t, s.prev+s.suffix, MergeDelta(s.prev, s.prev+s.suffix))
		// merge(prev, prev) = prev
		assert.Equal(t, s.prev, MergeDelta(s.prev, s.prev))
	}
}

func TestMergeDelta_NoDoubledOverlap(t *testing.T) {
	// Overlapping fragments must not duplicate the shared run.
	got := MergeDelta("The quick brown", "brown fox")
	assert.Equal(t, "The quick brown fox", got)

	got = MergeDelta("aaa", "aab")
	assert.Equal(t, "aaab", got)
}
