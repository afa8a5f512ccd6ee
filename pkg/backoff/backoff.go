// Copyright 2025 Harvex Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backoff

import (
	"math/rand"
	"time"
)

const (
	// DefaultInitialDelay is the first retry delay.
	DefaultInitialDelay = 5 * time.Second
	// DefaultMaxDelay caps the exponential growth.
	DefaultMaxDelay = 10 * time.Minute
	// DefaultMultiplier is the exponential factor per attempt.
	DefaultMultiplier = 2.0
	// DefaultJitter spreads each delay over +/- 20% so retry herds
	// don't synchronize.
	DefaultJitter = 0.2
)

// Policy computes retry delays with bounded exponential growth.
type Policy struct {
	InitialDelay time.Duration `mapstructure:"initialDelay"`
	MaxDelay     time.Duration `mapstructure:"maxDelay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       float64       `mapstructure:"jitter"` // fraction of the delay, 0..1
}

// SetDefaults applies default values to unset fields.
func (p *Policy) SetDefaults() {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Jitter <= 0 || p.Jitter >= 1 {
		p.Jitter = DefaultJitter
	}
}

// Delay returns the delay before the given retry attempt, spread over
// +/- Jitter around the exponential base. Attempt numbers start at 1;
// values below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.base(attempt)
	if p.Jitter <= 0 {
		return base
	}
	spread := 1 - p.Jitter + 2*p.Jitter*rand.Float64()
	d := time.Duration(float64(base) * spread)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// NextRetryAt returns the wall-clock time of the next retry.
func (p Policy) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
