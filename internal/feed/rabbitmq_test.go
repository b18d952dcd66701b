package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"listen-engine/pkg/logger"
)

type recordingAcker struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *recordingAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *recordingAcker) Nack(tag uint64, _ bool, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *recordingAcker) Reject(tag uint64, _ bool) error { return nil }

func TestRabbitMQConsumeAcksEveryDelivery(t *testing.T) {
	acker := &recordingAcker{}
	s := &RabbitMQSubscriber{queue: "q", log: logger.Nop()}
	msgs := make(chan amqp.Delivery, 2)
	msgs <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte(`{"pubkey":"ETH","price":3000,"slot":1}`)}
	msgs <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte(`nope`)}
	close(msgs)

	out := make(chan Tick, 2)
	err := s.consume(context.Background(), msgs, out)
	if err == nil {
		t.Fatalf("expected closed delivery channel to be reported")
	}
	if len(out) != 1 {
		t.Fatalf("expected one forwarded tick, got %d", len(out))
	}
	if len(acker.acked) != 2 || len(acker.nacked) != 0 {
		t.Fatalf("expected both deliveries acked, acked=%v nacked=%v", acker.acked, acker.nacked)
	}
}

func TestRabbitMQConsumeRequeuesOnShutdown(t *testing.T) {
	acker := &recordingAcker{}
	s := &RabbitMQSubscriber{queue: "q", log: logger.Nop()}
	msgs := make(chan amqp.Delivery, 1)
	msgs <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 9, Body: []byte(`{"pubkey":"ETH","price":1,"slot":1}`)}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Tick)
	done := make(chan error, 1)
	go func() { done <- s.consume(ctx, msgs, out) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("consume did not stop")
	}
	acker.mu.Lock()
	defer acker.mu.Unlock()
	if len(acker.nacked) != 1 || acker.nacked[0] != 9 {
		t.Fatalf("expected delivery 9 requeued, got %v", acker.nacked)
	}
}
