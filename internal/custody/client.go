// Package custody submits transactions to the wallet-custody service, which
// signs them with the user's embedded wallet and broadcasts them.
package custody

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

	xerrors "listen-engine/internal/errors"
)

// DefaultHTTPTimeout bounds a single submission. Broadcasting can be slow, so
// it is longer than the quote timeout.
const DefaultHTTPTimeout = 60 * time.Second

// Transaction is the signer-submission envelope. Exactly one of
// EVMTransaction and SolanaTransaction is expected to be set.
type Transaction struct {
	UserID            string         `json:"user_id"`
	Address           string         `json:"address"`
	FromChainCAIP2    string         `json:"from_chain_caip2"`
	ToChainCAIP2      string         `json:"to_chain_caip2"`
	EVMTransaction    map[string]any `json:"evm_transaction,omitempty"`
	SolanaTransaction *string        `json:"solana_transaction,omitempty"`
}

// Config configures the custody client.
type Config struct {
	BaseURL   string
	AppID     string
	AppSecret string
}

// Client posts transactions to the custody service.
type Client struct {
	baseURL    *url.URL
	appID      string
	appSecret  string
	httpClient *http.Client
}

// NewClient builds a Client. When httpClient is nil a client with DefaultHTTPTimeout is used.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "custody base url is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid custody base url")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, appID: cfg.AppID, appSecret: cfg.AppSecret, httpClient: httpClient}, nil
}

type submitResponse struct {
	TransactionHash string `json:"transaction_hash"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Execute submits tx and returns the broadcast transaction identifier.
func (c *Client) Execute(ctx context.Context, tx Transaction) (string, error) {
	if tx.EVMTransaction == nil && tx.SolanaTransaction == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "transaction has no payload")
	}
	body, err := json.Marshal(tx)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransaction, err, "encode transaction")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath("/v1/transactions").String(), bytes.NewReader(body))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransaction, err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.appID != "" {
		req.SetBasicAuth(c.appID, c.appSecret)
		req.Header.Set("privy-app-id", c.appID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransaction, err, "perform request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransaction, err, "read response")
	}
	if resp.StatusCode >= 400 {
		var e errorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return "", xerrors.New(xerrors.CodeTransaction, fmt.Sprintf("custody rejected transaction (%d): %s", resp.StatusCode, msg),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
	}
	var out submitResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransaction, err, "decode response")
	}
	if out.TransactionHash == "" {
		return "", xerrors.New(xerrors.CodeTransaction, "custody returned no transaction hash")
	}
	return out.TransactionHash, nil
}
