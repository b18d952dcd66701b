package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("rpc unavailable")
	err := fmt.Errorf("execute order: %w", Wrap(CodeAllowance, cause, "读取授权额度失败"))

	if CodeOf(err) != CodeAllowance {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !HasCode(err, CodeAllowance) {
		t.Fatal("expected HasCode to find allowance code")
	}
	if HasCode(err, CodeTransaction) {
		t.Fatal("unexpected transaction code match")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("expected the original cause to remain reachable")
	}
	if KindOf(err) != KindCollaborator {
		t.Fatalf("unexpected kind: %s", KindOf(err))
	}
}

func TestDefaultsAndOverrides(t *testing.T) {
	err := New(CodeMissingPriceData, "", WithMetadata("asset", "SOL"))
	if err.Message() != "missing price data" {
		t.Fatalf("expected registry message, got %q", err.Message())
	}
	if err.Kind() != KindData || err.ShouldAlert() {
		t.Fatalf("unexpected attributes: kind=%s alert=%v", err.Kind(), err.ShouldAlert())
	}
	if err.Metadata()["asset"] != "SOL" {
		t.Fatalf("metadata missing: %+v", err.Metadata())
	}

	if Describe("NOT_REGISTERED") != Describe(CodeUnknown) {
		t.Fatal("expected unknown codes to fall back to UNKNOWN")
	}
}

func TestErrorText(t *testing.T) {
	plain := New(CodeUnknownChain, "unrecognised chain identifier eip155:7")
	if plain.Error() != "UNKNOWN_CHAIN: unrecognised chain identifier eip155:7" {
		t.Fatalf("unexpected text: %q", plain.Error())
	}
	wrapped := Wrap(CodeTransaction, stdErrors.New("502 bad gateway"), "提交交易失败")
	if wrapped.Error() != "TRANSACTION_FAILED: 提交交易失败: 502 bad gateway" {
		t.Fatalf("unexpected text: %q", wrapped.Error())
	}
}

func TestAlertAndSeverityForPlainErrors(t *testing.T) {
	if ShouldAlert(nil) {
		t.Fatal("nil error must not alert")
	}
	if !ShouldAlert(stdErrors.New("boom")) || SeverityOf(stdErrors.New("boom")) != SeverityCritical {
		t.Fatal("uncoded errors are treated as UNKNOWN")
	}
	if ShouldAlert(New(CodeNotification, "")) {
		t.Fatal("notification failures do not alert")
	}
	if SeverityOf(New(CodeTransaction, "")) != SeverityCritical {
		t.Fatal("transaction failures are critical")
	}
}
