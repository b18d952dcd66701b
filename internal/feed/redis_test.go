package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"listen-engine/pkg/logger"
)

func TestRedisSubscriberForwardsTicks(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sub := NewRedisSubscriberFromClient(client, "")
	sub.log = logger.Nop()

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Tick, 4)
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx, out) }()

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub(DefaultRedisChannel)[DefaultRedisChannel] == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mr.Publish(DefaultRedisChannel, `garbage`)
	mr.Publish(DefaultRedisChannel, `{"pubkey":"SOL","price":99.5,"slot":7}`)

	select {
	case tick := <-out:
		if tick.Asset != "SOL" || tick.Price != 99.5 || tick.Slot != 7 {
			t.Fatalf("unexpected tick: %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tick not forwarded")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}
