package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidTopic(t *testing.T) {
	valid := []string{
		"a",
		"room1",
		"room1/kitchen",
		"room1/kitchen/sensor-1",
		"a_b/c-d/E9",
	}
	for _, tc := range valid {
		assert.True(t, IsValidTopic(tc), "expected valid topic: %q", tc)
	}

	invalid := []string{
		"",
		"/room1",
		"room1/",
		"/",
		"room1/+",
		"room1/#",
		"+",
		"#",
		"room 1",
		"room1.kitchen",
		"röom",
	}
	for _, tc := range invalid {
		assert.False(t, IsValidTopic(tc), "expected invalid topic: %q", tc)
	}
}

func TestIsValidFilter(t *testing.T) {
	valid := []string{
		"#",
		"+",
		"room1/#",
		"room1/+",
		"+/kitchen",
		"room1/+/sensor1",
		"+/+/#",
	}
	for _, tc := range valid {
		assert.True(t, IsValidFilter(tc), "expected valid filter: %q", tc)
	}

	invalid := []string{
		"",
		"room1",          // no wildcard: a topic, not a filter
		"room1/kitchen",  // ditto
		"/+",             // leading slash
		"room1/#/more",   // '#' not final
		"room1#",         // '#' not standalone
		"#room1",         // ditto
		"room+1",         // '+' not standalone
		"+room1",         // ditto
		"room1/+kitchen", // ditto
	}
	for _, tc := range invalid {
		assert.False(t, IsValidFilter(tc), "expected invalid filter: %q", tc)
	}
}

func TestIsValidTopicOrFilter(t *testing.T) {
	assert.True(t, IsValidTopicOrFilter("room1/kitchen"))
	assert.True(t, IsValidTopicOrFilter("room1/#"))
	assert.False(t, IsValidTopicOrFilter(""))
	assert.False(t, IsValidTopicOrFilter("/room1"))
	assert.False(t, IsValidTopicOrFilter("room1/#/x"))
}

func TestIsFilterMatched(t *testing.T) {
	cases := []struct {
		filter string
		topic  string
		match  bool
	}{
		{"#", "anything", true},
		{"#", "a/b/c", true},
		{"room1/#", "room1/kitchen", true},
		{"room1/#", "room1/kitchen/sensor1", true},
		{"room1/#", "room1", true}, // '#' also covers the parent itself
		{"room1/#", "room2/kitchen", false},
		{"+", "room1", true},
		{"+", "room1/kitchen", false},
		{"room1/+", "room1/kitchen", true},
		{"room1/+", "room1/kitchen/sensor1", false},
		{"room1/+/sensor1", "room1/kitchen/sensor1", true},
		{"room1/+/sensor1", "room1/kitchen/sensor2", false},
		{"+/kitchen/#", "room1/kitchen/sensor1/temp", true},
		{"+/kitchen/#", "room1/hall/sensor1", false},
		{"room1/kitchen", "room1/kitchen", true},
		{"room1/kitchen", "room1/kitchen/sensor1", false},
		{"room1/kitchen/sensor1", "room1/kitchen", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.match, IsFilterMatched(tc.filter, tc.topic),
			"filter %q vs topic %q", tc.filter, tc.topic)
	}
}
