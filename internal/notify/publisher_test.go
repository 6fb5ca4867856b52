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

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis records LPUSH calls.
type fakeRedis struct {
	redis.Cmdable

	lists map[string][][]byte
	err   error
}

func (f *fakeRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "lpush", key)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	if f.lists == nil {
		f.lists = make(map[string][][]byte)
	}
	for _, v := range values {
		f.lists[key] = append(f.lists[key], v.([]byte))
	}
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func TestPublish_FillsEnvelope(t *testing.T) {
	rdb := &fakeRedis{}
	p := NewPublisher(rdb, "ticket_notifications")

	err := p.Publish(context.Background(), Event{
		Type:         EventTicketCreated,
		TicketNumber: "T20260101.000000000",
		Recipient:    "jane@example.com",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs := rdb.lists["ticket_notifications"]
	if len(msgs) != 1 {
		t.Fatalf("queued = %d, want 1", len(msgs))
	}
	var ev Event
	if err := json.Unmarshal(msgs[0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ID == "" || ev.OccurredAt.IsZero() {
		t.Errorf("envelope not filled: %+v", ev)
	}
	if ev.Type != EventTicketCreated || ev.Recipient != "jane@example.com" {
		t.Errorf("event = %+v", ev)
	}
}

func TestPublish_KeepsGivenIDAndTime(t *testing.T) {
	rdb := &fakeRedis{}
	p := NewPublisher(rdb, "q")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := p.Publish(context.Background(), Event{ID: "fixed", Type: EventTicketResolved, OccurredAt: at}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(rdb.lists["q"][0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ID != "fixed" || !ev.OccurredAt.Equal(at) {
		t.Errorf("event = %+v", ev)
	}
}

func TestPublish_RedisError(t *testing.T) {
	p := NewPublisher(&fakeRedis{err: errors.New("connection refused")}, "q")
	if err := p.Publish(context.Background(), Event{Type: EventTicketUpdated}); err == nil {
		t.Error("expected error")
	}
}
