package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimate(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 1, Estimate("a"))
	assert.Equal(t, 1, Estimate("abcd"))
	assert.Equal(t, 2, Estimate("abcde"))
	assert.Equal(t, 250, Estimate(strings.Repeat("x", 1000)))
}

func TestEstimateNeverNegative(t *testing.T) {
	for _, s := range []string{"", " ", "\n", strings.Repeat("y", 7)} {
		assert.GreaterOrEqual(t, Estimate(s), 0)
	}
}
