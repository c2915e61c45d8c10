package pkg

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// @formatter:off
/// [config]
const (
	retryDefaultDelay      = 3 * time.Second
	retryDefaultMultiplier = 2.0
	retryDefaultMaxDelay   = 5 * time.Minute
	retryDefaultMaxRetries = 3
)

type RetryConfig struct {
	// Delay before the first retry. Defaults to [retryDefaultDelay].
	Delay *time.Duration `mapstructure:"delay"`

	// Each retry waits `multiplier` times longer than the previous one.
	// Defaults to [retryDefaultMultiplier].
	Multiplier *float64 `mapstructure:"multiplier" validate:"omitempty,gte=1"`

	// Upper bound for a single delay. Defaults to [retryDefaultMaxDelay].
	MaxDelay *time.Duration `mapstructure:"maxDelay"`

	// NOTE: If neither MaxRetries nor MaxElapsed are provided, retries
	// default to a MaxRetries of [retryDefaultMaxRetries].

	// If provided, limits max amount of retries
	MaxRetries *int `mapstructure:"maxRetries" validate:"omitempty,min=0"`

	// If provided, limits the maximum amount of time spent retrying
	MaxElapsed *time.Duration `mapstructure:"maxElapsed"`
}

/// [config]
// @formatter:on

type RetryInfo struct {
	// How much time has passed since the first attempt?
	Elapsed time.Duration

	// Which retry are we at? Starts from 1.
	RetryCount int
}

// NextDelay returns how long to wait before the given retry, or an error if
// no more retries are allowed.
func (c *RetryConfig) NextDelay(info *RetryInfo) (time.Duration, error) {
	if c.MaxElapsed != nil && info.Elapsed > *c.MaxElapsed {
		return 0, errors.Errorf("max retry time reached (%s), cannot retry", c.MaxElapsed.String())
	}

	var maxRetries *int
	if c.MaxRetries != nil {
		maxRetries = c.MaxRetries
	} else if c.MaxElapsed == nil {
		max := retryDefaultMaxRetries
		maxRetries = &max
	}

	if maxRetries != nil && info.RetryCount > *maxRetries {
		return 0, errors.Errorf("max amount of retries reached (%d), cannot retry", *maxRetries)
	}

	delay := retryDefaultDelay
	if c.Delay != nil {
		delay = *c.Delay
	}
	multiplier := retryDefaultMultiplier
	if c.Multiplier != nil {
		multiplier = *c.Multiplier
	}
	maxDelay := retryDefaultMaxDelay
	if c.MaxDelay != nil {
		maxDelay = *c.MaxDelay
	}

	exp := info.RetryCount - 1
	if exp < 0 {
		exp = 0
	}

	next := float64(delay) * math.Pow(multiplier, float64(exp))
	if maxDelay > 0 && next > float64(maxDelay) {
		return maxDelay, nil
	}
	return time.Duration(next), nil
}
