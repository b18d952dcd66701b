package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	xerrors "listen-engine/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	err     error
	events  []Event
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: ChannelAudit}
	b := &recordingNotifier{channel: ChannelRedis, err: errors.New("down")}
	d := NewFanout(a, nil, b)

	err := d.Notify(context.Background(), Event{Message: "hi", PipelineID: "p1"})
	if !xerrors.HasCode(err, xerrors.CodeNotification) {
		t.Fatalf("expected notification failure, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both notifiers to receive the event: %d %d", len(a.events), len(b.events))
	}
	if a.events[0].OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be stamped")
	}
	if got := d.Channels(); len(got) != 2 || got[0] != ChannelAudit {
		t.Fatalf("unexpected channels %v", got)
	}
}

func TestNilFanoutIsNoop(t *testing.T) {
	var d *FanoutDispatcher
	if err := d.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher returned %v", err)
	}
}

func TestFromErrorCopiesCode(t *testing.T) {
	err := xerrors.New(xerrors.CodeTransaction, "rejected", xerrors.WithMetadata("chain", "eip155:1"))
	event := FromError(err, "p1", "u1", "s1")
	if event.Code != xerrors.CodeTransaction || event.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Metadata["chain"] != "eip155:1" || event.StepID != "s1" {
		t.Fatalf("unexpected metadata %+v", event)
	}
}

func TestLogNotifierWritesAuditRecord(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	if err := n.Notify(context.Background(), Event{Message: "swapped", PipelineID: "p1", UserID: "u1", StepID: "s1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"msg":"swapped"`) || !strings.Contains(out, `"step_id":"s1"`) {
		t.Fatalf("unexpected audit record %s", out)
	}
}

func TestRedisNotifierPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub := client.Subscribe(ctx, DefaultRedisChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := NewRedisNotifier(client, "")
	if err := n.Notify(ctx, Event{Message: "price hit", PipelineID: "p1", UserID: "u1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var got Event
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Message != "price hit" || got.UserID != "u1" {
		t.Fatalf("unexpected payload %+v", got)
	}
}
