package starknet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrTxNotFound means the node does not know the transaction yet.
var ErrTxNotFound = errors.New("transaction hash not found")

const rpcCodeTxNotFound = 29

type RPCError struct {
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Data    jsoniter.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcResponse struct {
	Result jsoniter.RawMessage `json:"result"`
	Error  *RPCError           `json:"error"`
}

// Receipt is the part of a transaction receipt the claimer acts on.
type Receipt struct {
	Status       model.TxStatus
	RevertReason string
}

// RPCClient reads chain state over starknet JSON-RPC.
type RPCClient struct {
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	ids     atomic.Uint64
}

// NewRPCClient returns a client for url. limiter may be shared between
// clients and may be nil.
func NewRPCClient(url, token string, client *http.Client, limiter *rate.Limiter, logger *zap.Logger) *RPCClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &RPCClient{
		url:     url,
		token:   token,
		client:  client,
		limiter: limiter,
		logger:  logger.With(zap.String("component", "starknet_rpc")),
	}
}

// NewLimiter paces RPC requests, nil for unlimited.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (c *RPCClient) call(ctx context.Context, method string, params any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.ids.Add(1)})
	if err != nil {
		return errors.Wrapf(err, "failed encoding %s", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "failed building %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s request failed", method)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed reading %s response", method)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s: node returned %d: %s", method, resp.StatusCode, string(raw))
	}

	parsed := rpcResponse{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return errors.Wrapf(err, "malformed %s response", method)
	}
	if parsed.Error != nil {
		return parsed.Error
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(parsed.Result, out), "failed decoding %s result", method)
}

type functionCall struct {
	ContractAddress    string   `json:"contract_address"`
	EntryPointSelector string   `json:"entry_point_selector"`
	Calldata           []string `json:"calldata"`
}

// BalanceOf returns the u256 token balance of holder.
func (c *RPCClient) BalanceOf(ctx context.Context, holder string) (*big.Int, error) {
	call := balanceOfCall(c.token, holder)
	params := map[string]any{
		"request": functionCall{
			ContractAddress:    call.ContractAddress,
			EntryPointSelector: call.EntryPointSelector,
			Calldata:           call.Calldata,
		},
		"block_id": "latest",
	}
	var felts []string
	if err := c.call(ctx, "starknet_call", params, &felts); err != nil {
		return nil, errors.Wrapf(err, "balance_of %s", holder)
	}
	if len(felts) != 2 {
		return nil, errors.Errorf("balance_of %s: expected u256, got %d felts", holder, len(felts))
	}
	low, err := ParseFelt(felts[0])
	if err != nil {
		return nil, err
	}
	high, err := ParseFelt(felts[1])
	if err != nil {
		return nil, err
	}
	return JoinU256(low, high), nil
}

type rawReceipt struct {
	ExecutionStatus string `json:"execution_status"`
	FinalityStatus  string `json:"finality_status"`
	RevertReason    string `json:"revert_reason"`
}

// Receipt fetches the transaction receipt. A hash the node has not seen
// yields ErrTxNotFound.
func (c *RPCClient) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	raw := rawReceipt{}
	err := c.call(ctx, "starknet_getTransactionReceipt", map[string]string{"transaction_hash": txHash}, &raw)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == rpcCodeTxNotFound {
		return nil, errors.Wrap(ErrTxNotFound, txHash)
	}
	if err != nil {
		return nil, err
	}
	return &Receipt{Status: receiptStatus(raw), RevertReason: raw.RevertReason}, nil
}

func receiptStatus(r rawReceipt) model.TxStatus {
	if r.FinalityStatus == "REJECTED" {
		return model.TxRejected
	}
	switch r.ExecutionStatus {
	case "SUCCEEDED":
		return model.TxSucceeded
	case "REVERTED":
		return model.TxReverted
	}
	return model.TxPending
}
