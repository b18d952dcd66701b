package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"listen-engine/internal/chain"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/pipeline"
)

func TestBuildTransactionEVM(t *testing.T) {
	var query map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/quote" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("x-lifi-api-key"); got != "key" {
			t.Errorf("missing api key header, got %q", got)
		}
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transactionRequest": map[string]any{"to": "0xspender", "data": "0xdead", "chainId": 8453},
		})
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "key"}, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	order := pipeline.SwapOrder{InputToken: "0xusdc", OutputToken: "So11", Amount: "1000", FromChainCAIP2: chain.Base, ToChainCAIP2: chain.Solana}
	tx, err := c.BuildTransaction(context.Background(), order, "0xwallet", "SoLpubkey")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if tx.EVM["to"] != "0xspender" || tx.Solana != "" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	want := map[string]string{
		"fromChain":   "8453",
		"toChain":     "1151111081099710",
		"fromAddress": "0xwallet",
		"toAddress":   "SoLpubkey",
		"fromAmount":  "1000",
	}
	for k, v := range want {
		if query[k] != v {
			t.Fatalf("query %s = %q, want %q", k, query[k], v)
		}
	}
}

func TestBuildTransactionSolana(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transactionRequest":{"data":"AQID"}}`))
	}))
	defer srv.Close()

	c, _ := NewClient(Config{BaseURL: srv.URL}, srv.Client())
	order := pipeline.SwapOrder{Amount: "1", FromChainCAIP2: chain.Solana, ToChainCAIP2: chain.Solana}
	tx, err := c.BuildTransaction(context.Background(), order, "0xwallet", "pk")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if tx.Solana != "AQID" || tx.EVM != nil {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
}

func TestBuildTransactionFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":1002,"message":"No available quotes"}`))
	}))
	defer srv.Close()
	c, _ := NewClient(Config{BaseURL: srv.URL}, srv.Client())

	order := pipeline.SwapOrder{Amount: "1", FromChainCAIP2: chain.Ethereum, ToChainCAIP2: chain.Ethereum}
	_, err := c.BuildTransaction(context.Background(), order, "0xw", "pk")
	if !xerrors.HasCode(err, xerrors.CodeBridgeQuote) {
		t.Fatalf("expected bridge quote failure, got %v", err)
	}

	order.FromChainCAIP2 = "eip155:424242"
	_, err = c.BuildTransaction(context.Background(), order, "0xw", "pk")
	if !xerrors.HasCode(err, xerrors.CodeUnknownChain) {
		t.Fatalf("expected unknown chain, got %v", err)
	}
}
