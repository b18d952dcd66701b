// Package bridge requests unsigned swap transactions from the LiFi quote API.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"listen-engine/internal/chain"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/pipeline"
)

const (
	// DefaultBaseURL is the public LiFi endpoint.
	DefaultBaseURL = "https://li.quest"
	// DefaultHTTPTimeout bounds a single quote request.
	DefaultHTTPTimeout = 30 * time.Second
)

// Transaction is the unsigned payload returned for an order. Exactly one of
// EVM or Solana is set, depending on the source chain.
type Transaction struct {
	EVM    map[string]any
	Solana string
}

// Config configures the LiFi client.
type Config struct {
	BaseURL    string
	APIKey     string
	Integrator string
	Slippage   float64
}

// Client wraps the LiFi quote endpoint.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	integrator string
	slippage   float64
	httpClient *http.Client
}

// NewClient builds a Client. When httpClient is nil a client with DefaultHTTPTimeout is used.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid bridge base url")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{
		baseURL:    parsed,
		apiKey:     cfg.APIKey,
		integrator: cfg.Integrator,
		slippage:   cfg.Slippage,
		httpClient: httpClient,
	}, nil
}

type quoteResponse struct {
	TransactionRequest map[string]any `json:"transactionRequest"`
}

type apiError struct {
	Code    json.Number `json:"code"`
	Message string      `json:"message"`
}

// BuildTransaction quotes order and returns the unsigned transaction. The
// sending and receiving addresses are picked per chain family.
func (c *Client) BuildTransaction(ctx context.Context, order pipeline.SwapOrder, walletAddress, pubkey string) (Transaction, error) {
	fromChain, err := chain.ChainID(order.FromChainCAIP2)
	if err != nil {
		return Transaction{}, err
	}
	toChain, err := chain.ChainID(order.ToChainCAIP2)
	if err != nil {
		return Transaction{}, err
	}

	q := url.Values{}
	q.Set("fromChain", strconv.FormatUint(fromChain, 10))
	q.Set("toChain", strconv.FormatUint(toChain, 10))
	q.Set("fromToken", order.InputToken)
	q.Set("toToken", order.OutputToken)
	q.Set("fromAmount", order.Amount)
	q.Set("fromAddress", addressFor(order.FromChainCAIP2, walletAddress, pubkey))
	q.Set("toAddress", addressFor(order.ToChainCAIP2, walletAddress, pubkey))
	if c.integrator != "" {
		q.Set("integrator", c.integrator)
	}
	if c.slippage > 0 {
		q.Set("slippage", strconv.FormatFloat(c.slippage, 'f', -1, 64))
	}

	var quote quoteResponse
	if err := c.get(ctx, "/v1/quote", q, &quote); err != nil {
		return Transaction{}, err
	}
	if len(quote.TransactionRequest) == 0 {
		return Transaction{}, xerrors.New(xerrors.CodeBridgeQuote, "quote has no transaction request")
	}

	if chain.IsEVM(order.FromChainCAIP2) {
		return Transaction{EVM: quote.TransactionRequest}, nil
	}
	data, _ := quote.TransactionRequest["data"].(string)
	if data == "" {
		return Transaction{}, xerrors.New(xerrors.CodeBridgeQuote, "quote has no solana transaction data")
	}
	return Transaction{Solana: data}, nil
}

func addressFor(caip2, walletAddress, pubkey string) string {
	if chain.IsEVM(caip2) {
		return walletAddress
	}
	return pubkey
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	u := c.baseURL.JoinPath(endpoint)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBridgeQuote, err, "create quote request")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-lifi-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBridgeQuote, err, "perform quote request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var apiErr apiError
		if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return xerrors.New(xerrors.CodeBridgeQuote, fmt.Sprintf("quote rejected (%d): %s", resp.StatusCode, apiErr.Message),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
			xerrors.WithMetadata("lifi_code", apiErr.Code.String()))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeBridgeQuote, err, "decode quote response")
	}
	return nil
}
