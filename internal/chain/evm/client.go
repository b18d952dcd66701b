// Package evm reads ERC-20 allowances and builds approval transactions on
// EVM-family chains.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"listen-engine/internal/chain"
	xerrors "listen-engine/internal/errors"
)

const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var (
	parsedERC20 abi.ABI
	maxUint256  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func init() {
	var err error
	parsedERC20, err = abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
}

// Backend mirrors the subset of ethclient used for allowance reads and receipts.
type Backend interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Registry holds one backend per numeric chain id.
type Registry struct {
	mu       sync.RWMutex
	backends map[uint64]Backend
	closers  []func()
}

// Dial connects to every EVM chain in defs.
func Dial(ctx context.Context, defs chain.Definitions) (*Registry, error) {
	r := &Registry{backends: make(map[uint64]Backend)}
	for caip2, def := range defs.EVM() {
		id, err := chain.ChainID(caip2)
		if err != nil {
			r.Close()
			return nil, err
		}
		rpcClient, err := gethrpc.DialContext(ctx, strings.TrimSpace(def.RPCURL))
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("dial %s: %w", caip2, err)
		}
		eth := ethclient.NewClient(rpcClient)
		r.backends[id] = eth
		r.closers = append(r.closers, eth.Close)
	}
	return r, nil
}

// NewRegistry wraps pre-built backends, typically fakes in tests.
func NewRegistry(backends map[uint64]Backend) *Registry {
	r := &Registry{backends: make(map[uint64]Backend, len(backends))}
	for id, b := range backends {
		r.backends[id] = b
	}
	return r
}

// Chains lists the configured chain ids.
func (r *Registry) Chains() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases the RPC connections opened by Dial.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.closers {
		c()
	}
	r.closers = nil
	r.backends = map[uint64]Backend{}
}

func (r *Registry) backend(chainID uint64) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[chainID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnknownChain, fmt.Sprintf("no rpc endpoint for chain %d", chainID),
			xerrors.WithMetadata("chain_id", fmt.Sprint(chainID)))
	}
	return b, nil
}

// Allowance returns how much of token spender may move on owner's behalf.
func (r *Registry) Allowance(ctx context.Context, token, owner, spender string, chainID uint64) (*big.Int, error) {
	tokenAddr, ownerAddr, spenderAddr, err := parseAddresses(token, owner, spender)
	if err != nil {
		return nil, err
	}
	b, err := r.backend(chainID)
	if err != nil {
		return nil, err
	}
	data, err := parsedERC20.Pack("allowance", ownerAddr, spenderAddr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAllowance, err, "encode allowance call")
	}
	out, err := b.CallContract(ctx, gethcore.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAllowance, err, "call allowance",
			xerrors.WithMetadata("token", token))
	}
	values, err := parsedERC20.Unpack("allowance", out)
	if err != nil || len(values) != 1 {
		if err == nil {
			err = errors.New("unexpected return arity")
		}
		return nil, xerrors.Wrap(xerrors.CodeAllowance, err, "decode allowance result",
			xerrors.WithMetadata("token", token))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeAllowance, fmt.Sprintf("allowance returned %T", values[0]))
	}
	return amount, nil
}

// BuildApproval returns an unsigned approve(spender, max) transaction from owner
// in the JSON shape the custody service expects.
func (r *Registry) BuildApproval(token, spender, owner string, chainID uint64) (map[string]any, error) {
	tokenAddr, ownerAddr, spenderAddr, err := parseAddresses(token, owner, spender)
	if err != nil {
		return nil, err
	}
	data, err := parsedERC20.Pack("approve", spenderAddr, maxUint256)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAllowance, err, "encode approve call")
	}
	return map[string]any{
		"from":    ownerAddr.Hex(),
		"to":      tokenAddr.Hex(),
		"data":    hexutil.Encode(data),
		"value":   "0x0",
		"chainId": chainID,
	}, nil
}

// WaitMined polls for the receipt of txHash until it is found, reverted, or ctx ends.
func (r *Registry) WaitMined(ctx context.Context, chainID uint64, txHash string, interval time.Duration) error {
	if !isHash(txHash) {
		return xerrors.New(xerrors.CodeInvalidArgument, "invalid transaction hash "+txHash)
	}
	b, err := r.backend(chainID)
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = time.Second
	}
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := b.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return xerrors.New(xerrors.CodeApprovalSubmission, "approval reverted",
					xerrors.WithMetadata("tx_hash", txHash))
			}
			return nil
		case err != nil && !errors.Is(err, gethcore.NotFound):
			return xerrors.Wrap(xerrors.CodeApprovalSubmission, err, "fetch approval receipt",
				xerrors.WithMetadata("tx_hash", txHash))
		}
		select {
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeApprovalSubmission, ctx.Err(), "approval not mined",
				xerrors.WithMetadata("tx_hash", txHash))
		case <-ticker.C:
		}
	}
}

func parseAddresses(addrs ...string) (common.Address, common.Address, common.Address, error) {
	var out [3]common.Address
	for i, a := range addrs {
		if !common.IsHexAddress(a) {
			return common.Address{}, common.Address{}, common.Address{},
				xerrors.New(xerrors.CodeInvalidArgument, "invalid address "+a)
		}
		out[i] = common.HexToAddress(a)
	}
	return out[0], out[1], out[2], nil
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
