// Package execute 负责把兑换订单组装成链上交易并提交给托管钱包。
package execute

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	solanago "github.com/gagliardetto/solana-go"

	"listen-engine/internal/bridge"
	"listen-engine/internal/chain"
	"listen-engine/internal/chain/solana"
	"listen-engine/internal/custody"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/observability/metrics"
	"listen-engine/internal/pipeline"
	"listen-engine/pkg/logger"
)

// QuoteBuilder 根据订单生成未签名交易。
type QuoteBuilder interface {
	BuildTransaction(ctx context.Context, order pipeline.SwapOrder, walletAddress, pubkey string) (bridge.Transaction, error)
}

// Custody 提交交易并返回链上交易标识。
type Custody interface {
	Execute(ctx context.Context, tx custody.Transaction) (string, error)
}

// BlockhashSource 返回最新的 Solana blockhash。
type BlockhashSource interface {
	Latest(ctx context.Context) (solanago.Hash, error)
}

// Allowances 查询授权额度并构造授权交易。
type Allowances interface {
	Allowance(ctx context.Context, token, owner, spender string, chainID uint64) (*big.Int, error)
	BuildApproval(token, spender, owner string, chainID uint64) (map[string]any, error)
}

// ApprovalWaiter 等待授权交易上链。
type ApprovalWaiter interface {
	WaitMined(ctx context.Context, chainID uint64, txHash string, interval time.Duration) error
}

// Dispatcher 按源链类型选择 EVM 或 Solana 的组装路径，任何阶段失败都直接返回，不做重试。
type Dispatcher struct {
	quotes     QuoteBuilder
	custody    Custody
	blockhash  BlockhashSource
	allowances Allowances

	waiter       ApprovalWaiter
	waitInterval time.Duration
	waitTimeout  time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option 定义可选配置。
type Option func(*Dispatcher)

// WithApprovalWaiter 在提交兑换前等待授权交易确认。未配置时只提交授权、不等待确认。
func WithApprovalWaiter(w ApprovalWaiter, interval, timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.waiter = w
		d.waitInterval = interval
		d.waitTimeout = timeout
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics 配置交易指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// New 构造 Dispatcher。
func New(quotes QuoteBuilder, custody Custody, blockhash BlockhashSource, allowances Allowances, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		quotes:       quotes,
		custody:      custody,
		blockhash:    blockhash,
		allowances:   allowances,
		waitInterval: 2 * time.Second,
		waitTimeout:  2 * time.Minute,
		logger:       logger.Named("execute"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// ExecuteOrder 组装并提交订单，返回托管服务给出的交易哈希。
// EVM 源链使用 walletAddress 作为付款地址，Solana 源链使用 pubkey。
func (d *Dispatcher) ExecuteOrder(ctx context.Context, order pipeline.SwapOrder, userID, walletAddress, pubkey string) (string, error) {
	if d.quotes == nil || d.custody == nil {
		return "", xerrors.New(xerrors.CodeInitialization, "执行器未初始化")
	}
	if _, err := chain.ChainID(order.FromChainCAIP2); err != nil {
		return "", err
	}
	if _, err := chain.ChainID(order.ToChainCAIP2); err != nil {
		return "", err
	}

	address := pubkey
	if order.IsEVM() {
		address = walletAddress
	}
	envelope := custody.Transaction{
		UserID:         userID,
		Address:        address,
		FromChainCAIP2: order.FromChainCAIP2,
		ToChainCAIP2:   order.ToChainCAIP2,
	}

	quote, err := d.quotes.BuildTransaction(ctx, order, walletAddress, pubkey)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(xerrors.CodeBridgeQuote, err, "获取报价交易失败")
		}
		return "", err
	}

	if order.IsEVM() {
		if quote.EVM == nil {
			return "", xerrors.New(xerrors.CodeBridgeQuote, "报价未返回 EVM 交易")
		}
		spender, _ := quote.EVM["to"].(string)
		if spender == "" {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "EVM 交易缺少 to 字段")
		}
		if err := d.EnsureApprovals(ctx, spender, order, envelope); err != nil {
			return "", err
		}
		envelope.EVMTransaction = quote.EVM
	} else {
		if quote.Solana == "" {
			return "", xerrors.New(xerrors.CodeBridgeQuote, "报价未返回 Solana 交易")
		}
		if d.blockhash == nil {
			return "", xerrors.New(xerrors.CodeInitialization, "未配置 blockhash 缓存")
		}
		hash, err := d.blockhash.Latest(ctx)
		if err != nil {
			if xerrors.CodeOf(err) == xerrors.CodeUnknown {
				err = xerrors.Wrap(xerrors.CodeBlockhash, err, "获取 blockhash 失败")
			}
			return "", err
		}
		stamped, err := solana.InjectBlockhash(quote.Solana, hash)
		if err != nil {
			return "", err
		}
		envelope.SolanaTransaction = &stamped
	}

	txHash, err := d.submit(ctx, envelope, xerrors.CodeTransaction, "提交交易失败")
	d.metrics.RecordTransaction(order.FromChainCAIP2, err)
	if err != nil {
		return "", err
	}
	logger.Audit().Info("交易已提交",
		slog.String("user_id", userID),
		slog.String("address", address),
		slog.String("from_chain", order.FromChainCAIP2),
		slog.String("to_chain", order.ToChainCAIP2),
		slog.String("tx_hash", txHash),
	)
	return txHash, nil
}

// EnsureApprovals 在额度不足时为 spender 提交无限额授权。授权交易复用 envelope 的用户与地址。
func (d *Dispatcher) EnsureApprovals(ctx context.Context, spender string, order pipeline.SwapOrder, envelope custody.Transaction) error {
	if d.allowances == nil {
		return xerrors.New(xerrors.CodeInitialization, "未配置授权查询")
	}
	chainID, err := chain.ChainID(order.FromChainCAIP2)
	if err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(order.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的数量 %q", order.Amount))
	}

	allowance, err := d.allowances.Allowance(ctx, order.InputToken, envelope.Address, spender, chainID)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(xerrors.CodeAllowance, err, "查询授权额度失败")
		}
		return err
	}
	if allowance != nil && allowance.Cmp(amount) >= 0 {
		return nil
	}

	approval, err := d.allowances.BuildApproval(order.InputToken, spender, envelope.Address, chainID)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(xerrors.CodeAllowance, err, "构造授权交易失败")
		}
		return err
	}
	approvalTx := envelope
	approvalTx.EVMTransaction = approval
	approvalTx.SolanaTransaction = nil
	txHash, err := d.submit(ctx, approvalTx, xerrors.CodeApprovalSubmission, "提交授权交易失败")
	if err != nil {
		return err
	}
	d.logger.Info("已提交授权交易",
		slog.String("token", order.InputToken),
		slog.String("spender", spender),
		slog.Uint64("chain_id", chainID),
		slog.String("tx_hash", txHash),
	)

	if d.waiter == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, d.waitTimeout)
	defer cancel()
	return d.waiter.WaitMined(waitCtx, chainID, txHash, d.waitInterval)
}

func (d *Dispatcher) submit(ctx context.Context, tx custody.Transaction, code xerrors.Code, message string) (string, error) {
	txHash, err := d.custody.Execute(ctx, tx)
	if err != nil {
		if xerrors.CodeOf(err) != code {
			err = xerrors.Wrap(code, err, message)
		}
		return "", err
	}
	return txHash, nil
}
