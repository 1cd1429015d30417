package starknet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MockChain is an in-memory chain for dry runs. Submitted transfers move
// balances and every transaction succeeds unless Status says otherwise.
type MockChain struct {
	lock     sync.Mutex
	logger   *zap.Logger
	balances map[string]*big.Int
	txs      map[string]*MockTx
	// Status decides the outcome of a submitted transaction, succeeded when nil.
	Status func(tx *MockTx) model.TxStatus
}

type MockTx struct {
	Hash   string
	From   string
	Calls  []model.Call
	Status model.TxStatus
}

func NewMockChain(logger *zap.Logger) *MockChain {
	return &MockChain{
		logger:   logger.With(zap.String("component", "mock_chain")),
		balances: map[string]*big.Int{},
		txs:      map[string]*MockTx{},
	}
}

// SeedBalances credits every account with its declared amount.
func (mc *MockChain) SeedBalances(accounts []*model.Account) {
	for _, a := range accounts {
		if a.Amount != nil {
			mc.SetBalance(a.Address, a.Amount)
		}
	}
}

func (mc *MockChain) SetBalance(address string, amount *big.Int) {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.balances[model.LedgerKey(address)] = new(big.Int).Set(amount)
}

func (mc *MockChain) Balance(address string) *big.Int {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	if b, ok := mc.balances[model.LedgerKey(address)]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (mc *MockChain) Transactions() []*MockTx {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	out := make([]*MockTx, 0, len(mc.txs))
	for _, tx := range mc.txs {
		out = append(out, tx)
	}
	return out
}

func (mc *MockChain) ForAccount(acct *model.Account) (Client, error) {
	return &MockClient{chain: mc, account: acct}, nil
}

type MockClient struct {
	chain   *MockChain
	account *model.Account
}

func (mc *MockClient) BalanceOf(_ context.Context, address string) (*big.Int, error) {
	return mc.chain.Balance(address), nil
}

func (mc *MockClient) Submit(_ context.Context, calls []model.Call) (string, error) {
	chain := mc.chain
	chain.lock.Lock()
	defer chain.lock.Unlock()

	from := model.LedgerKey(mc.account.Address)
	balance := new(big.Int)
	if b, ok := chain.balances[from]; ok {
		balance.Set(b)
	}
	moves := map[string]*big.Int{}
	for _, c := range calls {
		to, amount, err := TransferAmount(c)
		if err != nil {
			return "", err
		}
		balance.Sub(balance, amount)
		if balance.Sign() < 0 {
			return "", errors.Errorf("insufficient balance in %s", from)
		}
		if moves[to] == nil {
			moves[to] = new(big.Int)
		}
		moves[to].Add(moves[to], amount)
	}

	tx := &MockTx{
		Hash:  fmt.Sprintf("0x%064x", len(chain.txs)+1),
		From:  from,
		Calls: calls,
	}
	chain.txs[tx.Hash] = tx
	tx.Status = model.TxSucceeded
	if chain.Status != nil {
		tx.Status = chain.Status(tx)
	}
	if tx.Status == model.TxSucceeded {
		chain.balances[from] = balance
		for to, amount := range moves {
			if chain.balances[to] == nil {
				chain.balances[to] = new(big.Int)
			}
			chain.balances[to].Add(chain.balances[to], amount)
		}
	}
	chain.logger.Info("mock transaction", zap.String("hash", tx.Hash), zap.String("from", from),
		zap.Int("calls", len(calls)), zap.String("status", string(tx.Status)))
	return tx.Hash, nil
}

func (mc *MockClient) Receipt(_ context.Context, txHash string) (*Receipt, error) {
	chain := mc.chain
	chain.lock.Lock()
	defer chain.lock.Unlock()
	tx, ok := chain.txs[txHash]
	if !ok {
		return nil, errors.Wrap(ErrTxNotFound, txHash)
	}
	return &Receipt{Status: tx.Status}, nil
}
