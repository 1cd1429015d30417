package starknet

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// WalletDaemon signs and broadcasts multicall transactions. Keys never leave
// the host: the daemon is expected to listen on localhost.
type WalletDaemon struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewWalletDaemon(url string, client *http.Client, logger *zap.Logger) *WalletDaemon {
	if client == nil {
		client = http.DefaultClient
	}
	return &WalletDaemon{
		url:    strings.TrimSuffix(url, "/"),
		client: client,
		logger: logger.With(zap.String("daemon", url), zap.String("component", "wallet_daemon")),
	}
}

type executeRequest struct {
	Address    string       `json:"address"`
	PrivateKey string       `json:"private_key"`
	Proxy      string       `json:"proxy,omitempty"`
	Calls      []model.Call `json:"calls"`
}

type executeResponse struct {
	TransactionHash string `json:"transaction_hash"`
	Error           string `json:"error"`
}

// Execute submits all calls as one transaction from acct and returns its hash.
func (wd *WalletDaemon) Execute(ctx context.Context, acct *model.Account, calls []model.Call) (string, error) {
	if len(calls) == 0 {
		return "", errors.New("no calls to execute")
	}
	body, err := json.Marshal(executeRequest{
		Address:    acct.Address,
		PrivateKey: acct.PrivateKey,
		Proxy:      acct.Proxy,
		Calls:      calls,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wd.url+"/execute", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed building execute request")
	}
	req.Header.Set("Content-Type", "application/json")

	wd.logger.Info("submitting transaction", zap.String("address", acct.Address),
		zap.String("key", acct.ShortPrivateKey()), zap.Int("calls", len(calls)))
	resp, err := wd.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed submitting transaction for %s", acct.Address)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	parsed := executeResponse{}
	_ = json.Unmarshal(raw, &parsed)
	if resp.StatusCode != http.StatusOK {
		msg := parsed.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", errors.Errorf("wallet daemon returned %d for %s: %s", resp.StatusCode, acct.Address, msg)
	}
	if parsed.TransactionHash == "" {
		return "", errors.Errorf("wallet daemon returned no transaction hash for %s", acct.Address)
	}
	hash, err := model.NormalizeAddress(parsed.TransactionHash)
	if err != nil {
		return "", errors.Wrap(err, "wallet daemon returned an invalid transaction hash")
	}
	return hash, nil
}
