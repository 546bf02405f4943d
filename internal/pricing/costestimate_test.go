package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimator_ExactMatch(t *testing.T) {
	e := NewEstimator(nil)
	cost := e.Estimate("gpt-4o", 1000, 1000)
	assert.InDelta(t, 0.005+0.015, cost, 1e-9)
}

func TestEstimator_WildcardPrefersLongestPrefix(t *testing.T) {
	e := NewEstimator(nil)
	cost := e.Estimate("gpt-4-turbo-preview", 1000, 0)
	assert.InDelta(t, 0.01, cost, 1e-9)
}

func TestEstimator_UnknownModelIsZero(t *testing.T) {
	e := NewEstimator(nil)
	assert.Equal(t, 0.0, e.Estimate("some-unreleased-model", 1000, 1000))
}

func TestEstimator_CustomRatesOverrideDefaults(t *testing.T) {
	e := NewEstimator([]ModelRate{{Model: "widget-1", InputCostPer1K: 1, OutputCostPer1K: 2}})
	assert.Equal(t, 3.0, e.Estimate("widget-1", 1000, 1000))
	assert.Equal(t, 0.0, e.Estimate("gpt-4o", 1000, 1000))
}
