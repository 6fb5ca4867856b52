// Copyright (c) 2026 John Earle
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

// Package dedup provides a short-lived Redis lease per inbound message so
// that a scheduled poll cycle and a manual PollOnce racing on the same
// unread message do not both run the expensive ticket pipeline. The durable
// guarantee is the checkpoint table; the lease only avoids wasted work.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a crashed worker can hold a message.
	DefaultTTL = 10 * time.Minute

	// keyPrefix namespaces lease keys in Redis.
	keyPrefix = "emt:inflight:"
)

// Lease claims message IDs for the duration of their processing.
type Lease struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewLease creates a lease backed by Redis. A non-positive ttl uses DefaultTTL.
func NewLease(rdb redis.Cmdable, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lease{rdb: rdb, ttl: ttl}
}

// Acquire returns true if this caller now holds messageID. The claim is
// atomic (SETNX) and expires after the lease TTL.
func (l *Lease) Acquire(ctx context.Context, messageID string) (bool, error) {
	set, err := l.rdb.SetNX(ctx, keyPrefix+messageID, 1, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Release drops the claim on messageID.
func (l *Lease) Release(ctx context.Context, messageID string) error {
	if err := l.rdb.Del(ctx, keyPrefix+messageID).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
