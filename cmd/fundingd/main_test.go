package main

import (
	"testing"
	"time"

	"github.com/gregtusar/fundingdesk/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"5", "6", "26222883"})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6, 26222883}, ids)

	_, err = parseIDs([]string{"5", "six"})
	assert.Error(t, err)
}

func TestNewLimiter(t *testing.T) {
	l := newLimiter(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 5})
	assert.Equal(t, rate.Every(time.Second), l.Limit())
	assert.Equal(t, 5, l.Burst())

	assert.Equal(t, rate.Inf, newLimiter(config.RateLimitConfig{}).Limit())
	assert.Equal(t, 1, newLimiter(config.RateLimitConfig{RequestsPerMinute: 30}).Burst())
}
