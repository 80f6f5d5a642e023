package router

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority_HighestWins(t *testing.T) {
	reg := newFakeRegistry(testModel("a", "p"), testModel("b", "p"), testModel("c", "p"))
	s := NewPriorityStrategy(PriorityConfig{ModelPriorities: map[string]int{"b": 10, "c": 5}})

	m, err := s.SelectModel(context.Background(), routingRequest("hi"), reg)
	require.NoError(t, err)
	assert.Equal(t, "b", m.ID)

	ranked, err := s.Rank(routingRequest("hi"), reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, ids(ranked))
}

func TestPriority_TiesKeepFilterOrder(t *testing.T) {
	reg := newFakeRegistry(testModel("a", "p"), testModel("b", "p"), testModel("c", "p"))
	s := NewPriorityStrategy(PriorityConfig{DefaultPriority: 3})

	ranked, err := s.Rank(routingRequest("hi"), reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(ranked))
}

func TestPriority_ExtremeValuesOrderCorrectly(t *testing.T) {
	reg := newFakeRegistry(testModel("low", "p"), testModel("mid", "p"), testModel("high", "p"))
	s := NewPriorityStrategy(PriorityConfig{ModelPriorities: map[string]int{
		"low":  math.MinInt,
		"mid":  0,
		"high": math.MaxInt,
	}})

	ranked, err := s.Rank(routingRequest("hi"), reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid", "low"}, ids(ranked))
}

func TestPriority_Resolution(t *testing.T) {
	s := NewPriorityStrategy(PriorityConfig{
		ModelPriorities:    map[string]int{"a": 9},
		ProviderPriorities: map[string]int{"openai": 7},
		TypePriorities:     map[string]int{"text": 4},
		DefaultPriority:    1,
	})

	assert.Equal(t, 9, s.Priority(testModel("a", "openai")))
	assert.Equal(t, 7, s.Priority(testModel("b", "openai")))
	assert.Equal(t, 4, s.Priority(testModel("c", "local")))

	img := testModel("d", "local")
	img.Type = TypeImage
	assert.Equal(t, 1, s.Priority(img))
}

func TestPriority_PreferredModelStillRanked(t *testing.T) {
	reg := newFakeRegistry(testModel("a", "p"), testModel("b", "p"))
	s := NewPriorityStrategy(PriorityConfig{ModelPriorities: map[string]int{"b": 10}})

	m, err := s.SelectModel(context.Background(), routingRequest("hi").WithPreferredModel("a"), reg)
	require.NoError(t, err)
	assert.Equal(t, "a", m.ID)
}

func TestPriority_DescribeDecision(t *testing.T) {
	s := NewPriorityStrategy(PriorityConfig{ModelPriorities: map[string]int{"a": 10}})
	md := s.DescribeDecision(testModel("a", "p"), s.now(), 1, false)
	assert.Equal(t, "priority", md.SelectionCriteria)
	assert.Equal(t, "10", md.Extra["model_priority"])
}
