package pipeline

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	xerrors "listen-engine/internal/errors"
)

const recordFixture = `{
  "id": "6f1c0a52-3c7e-4c57-8a8e-0d4f5c2b9e11",
  "user_id": "did:privy:alice",
  "wallet_address": "0x00000000000000000000000000000000000000aa",
  "pubkey": "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
  "current_steps": ["0e6b8a9c-8b8f-4c9b-9f8e-6c1a2d3e4f50"],
  "steps": {
    "0e6b8a9c-8b8f-4c9b-9f8e-6c1a2d3e4f50": {
      "id": "0e6b8a9c-8b8f-4c9b-9f8e-6c1a2d3e4f50",
      "action": {"Order": {"input_token": "So11111111111111111111111111111111111111112", "output_token": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", "amount": "1000000", "from_chain_caip2": "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", "to_chain_caip2": "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"}},
      "conditions": [
        {"condition_type": {"Or": [
          {"condition_type": {"PriceAbove": {"asset": "SOL", "value": 100.0}}, "triggered": false, "last_evaluated": null},
          {"condition_type": {"GTTimer": "2030-01-01T00:00:00Z"}, "triggered": false, "last_evaluated": null}
        ]}, "triggered": false, "last_evaluated": null}
      ],
      "next_steps": ["5d0a7b3c-1111-4a2b-8c3d-222233334444"],
      "status": "Pending",
      "transaction_hash": null,
      "error": null
    },
    "5d0a7b3c-1111-4a2b-8c3d-222233334444": {
      "id": "5d0a7b3c-1111-4a2b-8c3d-222233334444",
      "action": {"Notification": {"message": "swapped"}},
      "conditions": [],
      "next_steps": [],
      "status": "Pending",
      "transaction_hash": null,
      "error": null
    }
  },
  "status": "Pending",
  "created_at": "2025-01-02T03:04:05Z"
}`

func TestDecodeRecord(t *testing.T) {
	var p Pipeline
	if err := json.Unmarshal([]byte(recordFixture), &p); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	first := p.Steps[uuid.MustParse("0e6b8a9c-8b8f-4c9b-9f8e-6c1a2d3e4f50")]
	order, ok := first.Action.(SwapOrder)
	if !ok {
		t.Fatalf("expected swap order, got %T", first.Action)
	}
	if order.Amount != "1000000" || order.IsEVM() {
		t.Fatalf("unexpected order: %+v", order)
	}
	or, ok := first.Conditions[0].Type.(Or)
	if !ok || len(or) != 2 {
		t.Fatalf("expected Or with two children, got %#v", first.Conditions[0].Type)
	}
	timer, ok := or[1].Type.(GTTimer)
	if !ok || !timer.At.Equal(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timer: %#v", or[1].Type)
	}
	if got := p.DedupKey(); got != "did:privy:alice:6f1c0a52-3c7e-4c57-8a8e-0d4f5c2b9e11" {
		t.Fatalf("unexpected dedup key %s", got)
	}
	if got, want := p.Assets(), []string{NowAsset, "SOL"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("assets = %v, want %v", got, want)
	}
}

func TestEncodeKeepsExternalTags(t *testing.T) {
	var p Pipeline
	if err := json.Unmarshal([]byte(recordFixture), &p); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	raw, err := json.Marshal(&p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("decode generic: %v", err)
	}
	steps := generic["steps"].(map[string]any)
	step := steps["5d0a7b3c-1111-4a2b-8c3d-222233334444"].(map[string]any)
	action := step["action"].(map[string]any)
	if _, ok := action["Notification"]; !ok {
		t.Fatalf("expected Notification tag, got %v", action)
	}
	if step["transaction_hash"] != nil {
		t.Fatalf("expected null transaction hash, got %v", step["transaction_hash"])
	}
}

func TestUnknownConditionTag(t *testing.T) {
	var c Condition
	err := json.Unmarshal([]byte(`{"condition_type": {"VolumeSpike": {"asset": "SOL"}}, "triggered": false, "last_evaluated": null}`), &c)
	if !xerrors.HasCode(err, xerrors.CodeInvalidConditionType) {
		t.Fatalf("expected invalid condition type, got %v", err)
	}
}

func TestValidateRejectsDanglingFrontier(t *testing.T) {
	p := &Pipeline{
		ID:           uuid.New(),
		UserID:       "u",
		CurrentSteps: []uuid.UUID{uuid.New()},
		Steps:        map[uuid.UUID]*Step{},
		Status:       StatusPending,
	}
	if err := p.Validate(); !xerrors.HasCode(err, xerrors.CodeInvalidPipeline) {
		t.Fatalf("expected invalid pipeline, got %v", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:   false,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Fatalf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestStepCompleteAndFail(t *testing.T) {
	step := &Step{Status: StatusPending}
	step.Complete("0xabc")
	if step.Status != StatusCompleted || step.TransactionHash == nil || *step.TransactionHash != "0xabc" {
		t.Fatalf("unexpected step after complete: %+v", step)
	}
	step = &Step{Status: StatusPending}
	step.Fail(xerrors.New(xerrors.CodeTransaction, "rejected"))
	if step.Status != StatusFailed || step.Error == nil {
		t.Fatalf("unexpected step after fail: %+v", step)
	}
}

func TestPaymentAsSwap(t *testing.T) {
	pay := PaymentOrder{InputToken: "a", OutputToken: "b", Amount: "1", FromChainCAIP2: "eip155:1", ToChainCAIP2: "eip155:8453"}
	swap := pay.AsSwap()
	if swap.InputToken != "a" || swap.ToChainCAIP2 != "eip155:8453" || !swap.IsEVM() {
		t.Fatalf("unexpected swap: %+v", swap)
	}
}
