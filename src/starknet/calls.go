package starknet

import (
	"math/big"

	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/pkg/errors"
)

var (
	transferSelector  = Selector("transfer")
	balanceOfSelector = Selector("balance_of")
)

// TransferCall builds an ERC20 transfer(recipient, amount) call on token.
func TransferCall(token, recipient string, amount *big.Int) (model.Call, error) {
	if amount == nil || amount.Sign() <= 0 {
		return model.Call{}, errors.Errorf("transfer amount must be positive, got %v", amount)
	}
	to, err := model.NormalizeAddress(recipient)
	if err != nil {
		return model.Call{}, errors.Wrap(err, "invalid transfer recipient")
	}
	low, high := SplitU256(amount)
	return model.Call{
		ContractAddress:    token,
		EntryPointSelector: transferSelector,
		Calldata:           []string{to, FeltHex(low), FeltHex(high)},
	}, nil
}

// TransferAmount decodes the amount of a call built by TransferCall.
func TransferAmount(call model.Call) (string, *big.Int, error) {
	if call.EntryPointSelector != transferSelector || len(call.Calldata) != 3 {
		return "", nil, errors.New("not a transfer call")
	}
	low, err := ParseFelt(call.Calldata[1])
	if err != nil {
		return "", nil, err
	}
	high, err := ParseFelt(call.Calldata[2])
	if err != nil {
		return "", nil, err
	}
	return call.Calldata[0], JoinU256(low, high), nil
}

func balanceOfCall(token, holder string) model.Call {
	return model.Call{
		ContractAddress:    token,
		EntryPointSelector: balanceOfSelector,
		Calldata:           []string{holder},
	}
}
