package starknet

import (
	"context"
	"math/big"

	"github.com/onemorebsmith/strk-claimer/src/common"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client is the chain access one account needs.
type Client interface {
	BalanceOf(ctx context.Context, address string) (*big.Int, error)
	Submit(ctx context.Context, calls []model.Call) (string, error)
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
}

// Factory builds the Client for an account.
type Factory interface {
	ForAccount(acct *model.Account) (Client, error)
}

// AccountClient reads through the account's proxy and submits through the
// wallet daemon.
type AccountClient struct {
	*RPCClient
	account *model.Account
	daemon  *WalletDaemon
}

func (ac *AccountClient) Submit(ctx context.Context, calls []model.Call) (string, error) {
	return ac.daemon.Execute(ctx, ac.account, calls)
}

type ClientFactory struct {
	rpcURL  string
	token   string
	clients common.ClientSource
	limiter *rate.Limiter
	daemon  *WalletDaemon
	logger  *zap.Logger
}

func NewClientFactory(rpcURL, token string, clients common.ClientSource, limiter *rate.Limiter,
	daemon *WalletDaemon, logger *zap.Logger) *ClientFactory {
	return &ClientFactory{
		rpcURL:  rpcURL,
		token:   token,
		clients: clients,
		limiter: limiter,
		daemon:  daemon,
		logger:  logger,
	}
}

func (f *ClientFactory) ForAccount(acct *model.Account) (Client, error) {
	httpClient, err := f.clients.Get(acct.Proxy)
	if err != nil {
		return nil, err
	}
	return &AccountClient{
		RPCClient: NewRPCClient(f.rpcURL, f.token, httpClient, f.limiter, f.logger),
		account:   acct,
		daemon:    f.daemon,
	}, nil
}
