package chain

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "listen-engine/internal/errors"
)

func TestChainID(t *testing.T) {
	cases := map[string]uint64{
		Solana:    SolanaChainID,
		Ethereum:  1,
		Base:      8453,
		Aurora:    1313161554,
		Berachain: 80094,
	}
	for caip2, want := range cases {
		got, err := ChainID(caip2)
		if err != nil {
			t.Fatalf("ChainID(%s): %v", caip2, err)
		}
		if got != want {
			t.Fatalf("ChainID(%s) = %d, want %d", caip2, got, want)
		}
	}
}

func TestChainIDUnknown(t *testing.T) {
	for _, caip2 := range []string{"", "eip155:999999", "cosmos:cosmoshub-4"} {
		if _, err := ChainID(caip2); !xerrors.HasCode(err, xerrors.CodeUnknownChain) {
			t.Fatalf("ChainID(%q) expected unknown chain, got %v", caip2, err)
		}
	}
}

func TestAddressFamilies(t *testing.T) {
	if !IsEVM(Arbitrum) || IsSolana(Arbitrum) {
		t.Fatalf("arbitrum should be EVM")
	}
	if !IsSolana(Solana) || IsEVM(Solana) {
		t.Fatalf("solana should not be EVM")
	}
}

func TestLoadDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `chains:
  "eip155:1":
    rpc_url: https://eth.example
    description: mainnet
  "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp":
    rpc_url: https://sol.example
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Chains) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(defs.Chains))
	}
	evm := defs.Merge(map[string]string{Base: "https://base.example"}).EVM()
	if len(evm) != 2 || evm[Base].RPCURL != "https://base.example" {
		t.Fatalf("unexpected evm set: %+v", evm)
	}
}

func TestLoadDefinitionsRejectsBadKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte("chains:\n  mainnet:\n    rpc_url: x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadDefinitions(path); err == nil {
		t.Fatalf("expected error for non CAIP-2 key")
	}
}

func TestLoadDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadDefinitions("")
	if err != nil || len(defs.Chains) != 0 {
		t.Fatalf("expected empty definitions, got %+v err=%v", defs, err)
	}
}
