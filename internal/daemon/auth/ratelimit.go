// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained allowance per instance.
	RequestsPerSecond float64

	// BurstSize is the token bucket capacity.
	BurstSize int

	// Enabled controls whether rate limiting is active.
	Enabled bool
}

// instanceLimiter pairs a limiter with its last-use time for cleanup.
type instanceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-instance token bucket rate limiting.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*instanceLimiter
	config   RateLimitConfig
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}
	return &RateLimiter{
		limiters: make(map[string]*instanceLimiter),
		config:   cfg,
	}
}

// Allow reports whether a request from the given instance may proceed.
func (rl *RateLimiter) Allow(instanceID string) bool {
	if !rl.config.Enabled {
		return true
	}
	if instanceID == "" {
		instanceID = "_anonymous_"
	}

	rl.mu.Lock()
	entry, ok := rl.limiters[instanceID]
	if !ok {
		entry = &instanceLimiter{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize),
		}
		rl.limiters[instanceID] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Cleanup removes limiters idle for longer than maxAge so one-time callers
// do not accumulate.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, id)
		}
	}
}
