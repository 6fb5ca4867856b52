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

package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis implements the two commands the lease uses. Any other command
// panics through the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable

	mu   sync.Mutex
	keys map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: make(map[string]time.Duration)}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx, "setnx", key)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		cmd.SetVal(false)
		return cmd
	}
	f.keys[key] = ttl
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "del")
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func TestLease_AcquireOnce(t *testing.T) {
	rdb := newFakeRedis()
	l := NewLease(rdb, time.Minute)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "a@x")
	if err != nil || !ok {
		t.Fatalf("first Acquire = %v, %v; want true", ok, err)
	}
	ok, err = l.Acquire(ctx, "a@x")
	if err != nil || ok {
		t.Fatalf("second Acquire = %v, %v; want false", ok, err)
	}
	if ttl := rdb.keys[keyPrefix+"a@x"]; ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}

	if err := l.Release(ctx, "a@x"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, _ = l.Acquire(ctx, "a@x")
	if !ok {
		t.Error("Acquire after Release = false, want true")
	}
}

func TestLease_DefaultTTL(t *testing.T) {
	rdb := newFakeRedis()
	l := NewLease(rdb, 0)

	if _, err := l.Acquire(context.Background(), "b@x"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ttl := rdb.keys[keyPrefix+"b@x"]; ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", ttl, DefaultTTL)
	}
}

func TestLease_ConcurrentAcquire(t *testing.T) {
	l := NewLease(newFakeRedis(), time.Minute)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Acquire(context.Background(), "c@x"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func TestLease_RedisError(t *testing.T) {
	rdb := newFakeRedis()
	rdb.err = errors.New("connection refused")
	l := NewLease(rdb, time.Minute)

	ok, err := l.Acquire(context.Background(), "d@x")
	if err == nil || ok {
		t.Errorf("Acquire = %v, %v; want false and an error", ok, err)
	}
}
