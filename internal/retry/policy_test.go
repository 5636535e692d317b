package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openwind/constraintbuilder/internal/config"
)

func TestDefaultPolicyWaitsForProviders(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, config.RetryBackoffFixed, p.Mode)
	assert.Equal(t, 10*time.Second, p.Initial)
	assert.Equal(t, 5, p.MaxRetries)
}

func TestNewPolicyOverridesAndClamps(t *testing.T) {
	p := NewPolicy(config.RetryBackoffLinear, 5*time.Second, 2*time.Second, 7)
	assert.Equal(t, config.RetryBackoffLinear, p.Mode)
	assert.Equal(t, 2*time.Second, p.Initial, "initial is clamped to max")
	assert.Equal(t, 7, p.MaxRetries)

	p = NewPolicy("weird", 0, 0, -1)
	assert.Equal(t, DefaultPolicy(), p)
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.BuildConfig{
		RetryBackoff:  config.RetryBackoffExponential,
		RetryDelay:    time.Second,
		RetryMaxDelay: 8 * time.Second,
		MaxRetries:    3,
	})
	assert.Equal(t, Policy{Mode: config.RetryBackoffExponential, Initial: time.Second, Max: 8 * time.Second, MaxRetries: 3}, p)
}

func TestDelay(t *testing.T) {
	ms := time.Millisecond
	cases := []struct {
		name   string
		policy Policy
		want   map[int]time.Duration
	}{
		{"fixed", NewPolicy(config.RetryBackoffFixed, 100*ms, 500*ms, 3), map[int]time.Duration{1: 100 * ms, 3: 100 * ms}},
		{"linear", NewPolicy(config.RetryBackoffLinear, 100*ms, 250*ms, 5), map[int]time.Duration{1: 100 * ms, 2: 200 * ms, 3: 250 * ms}},
		{"exponential", NewPolicy(config.RetryBackoffExponential, 50*ms, 160*ms, 5), map[int]time.Duration{1: 50 * ms, 2: 100 * ms, 3: 160 * ms, 40: 160 * ms}},
		{"before first retry", NewPolicy(config.RetryBackoffLinear, 10*ms, 20*ms, 1), map[int]time.Duration{0: 0, -1: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for n, want := range tc.want {
				assert.Equal(t, want, tc.policy.Delay(n), "retry %d", n)
			}
		})
	}
}
