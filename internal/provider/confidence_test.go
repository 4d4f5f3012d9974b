package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfidenceEmptyIsZero(t *testing.T) {
	assert.Equal(t, 0.0, DefaultConfidence(""))
}

func TestDefaultConfidenceIsBounded(t *testing.T) {
	longRepetitive := strings.Repeat("word ", 500)
	c := DefaultConfidence(longRepetitive)
	assert.GreaterOrEqual(t, c, 0.0)
	assert.LessOrEqual(t, c, 1.0)
}

func TestDefaultConfidenceRewardsVariedContent(t *testing.T) {
	repetitive := strings.Repeat("same ", 120)
	varied := "The answer is forty-two because the question multiplied six by seven and added zero as the remainder."

	assert.Greater(t, DefaultConfidence(varied), DefaultConfidence(repetitive))
}
