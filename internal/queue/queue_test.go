package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestEnqueueThenNext(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	first := EmailJob{To: "a@example.com", Template: "missed_call", Data: map[string]any{"CallerName": "Ada"}}
	second := EmailJob{To: "b@example.com", Template: "missed_call"}
	for _, e := range []EmailJob{first, second} {
		if err := EnqueueEmail(ctx, rdb, e); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range []string{"a@example.com", "b@example.com"} {
		j, err := Next(ctx, rdb, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if j.Type != TypeSendEmail {
			t.Fatalf("type = %s", j.Type)
		}
		var e EmailJob
		if err := json.Unmarshal(j.Data, &e); err != nil {
			t.Fatal(err)
		}
		if e.To != want {
			t.Fatalf("jobs out of order: got %s want %s", e.To, want)
		}
	}
}

func TestNextEmpty(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if _, err := Next(context.Background(), rdb, 50*time.Millisecond); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil, got %v", err)
	}
}
