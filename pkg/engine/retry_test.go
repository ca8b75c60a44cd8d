package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryExecutionBackoffSequence(t *testing.T) {
	cfg := RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     time.Second,
		MaxAttempts:     6,
	}
	require.NoError(t, cfg.Validate())

	r := cfg.NewExecution()
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, expected := range want {
		assert.False(t, r.IsLastAttempt(), "attempt %d", i)
		d, ok := r.NextDelay()
		require.True(t, ok, "attempt %d", i)
		assert.Equal(t, expected, d, "attempt %d", i)
		assert.Equal(t, i+1, r.Attempt())
	}

	assert.True(t, r.IsLastAttempt())
	_, ok := r.NextDelay()
	assert.False(t, ok, "budget exhausted")
	assert.Equal(t, 6, r.Attempt(), "exhausted calls do not count")
}

func TestRetryExecutionIsDeterministic(t *testing.T) {
	cfg := DefaultRetryConfig()
	a, b := cfg.NewExecution(), cfg.NewExecution()
	for {
		da, okA := a.NextDelay()
		db, okB := b.NextDelay()
		require.Equal(t, okA, okB)
		require.Equal(t, da, db)
		if !okA {
			break
		}
	}
	assert.Equal(t, cfg.MaxAttempts, a.Attempt())
}

func TestRetryExecutionFractionalMultiplier(t *testing.T) {
	cfg := RetryConfig{InitialInterval: 2 * time.Second, Multiplier: 1.5, MaxInterval: time.Minute, MaxAttempts: 3}
	r := cfg.NewExecution()

	for _, expected := range []time.Duration{2 * time.Second, 3 * time.Second, 4500 * time.Millisecond} {
		d, ok := r.NextDelay()
		require.True(t, ok)
		assert.Equal(t, expected, d)
	}
}

func TestRetryExecutionZeroAttempts(t *testing.T) {
	cfg := RetryConfig{InitialInterval: time.Second, Multiplier: 2, MaxInterval: time.Minute}
	r := cfg.NewExecution()

	assert.True(t, r.IsLastAttempt())
	_, ok := r.NextDelay()
	assert.False(t, ok)
}

func TestRetryExecutionInfo(t *testing.T) {
	r := testRetryConfig(2).NewExecution()
	_, _ = r.NextDelay()
	assert.Equal(t, &RetryInfo{Attempt: 1, LastAttempt: false}, r.Info())
	_, _ = r.NextDelay()
	assert.Equal(t, &RetryInfo{Attempt: 2, LastAttempt: true}, r.Info())
}

func TestRetryConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  RetryConfig
	}{
		{"zero interval", RetryConfig{Multiplier: 2, MaxInterval: time.Second}},
		{"multiplier below one", RetryConfig{InitialInterval: time.Second, Multiplier: 0.5, MaxInterval: time.Minute}},
		{"max below initial", RetryConfig{InitialInterval: time.Minute, Multiplier: 2, MaxInterval: time.Second}},
		{"negative attempts", RetryConfig{InitialInterval: time.Second, Multiplier: 2, MaxInterval: time.Minute, MaxAttempts: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.True(t, IsConfiguration(err))
		})
	}
}
