package starknet

import (
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	selectorMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))
	u128Mask     = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

// Selector is the starknet_keccak of an entry point name: keccak256 masked to 250 bits.
func Selector(name string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(name))
	v := new(big.Int).SetBytes(h.Sum(nil))
	return FeltHex(v.And(v, selectorMask))
}

func FeltHex(v *big.Int) string {
	return "0x" + v.Text(16)
}

func ParseFelt(s string) (*big.Int, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if digits == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("invalid felt %q", s)
	}
	return v, nil
}

// SplitU256 splits a u256 into its low and high 128 bit felts.
func SplitU256(v *big.Int) (*big.Int, *big.Int) {
	low := new(big.Int).And(v, u128Mask)
	high := new(big.Int).Rsh(v, 128)
	return low, high
}

func JoinU256(low, high *big.Int) *big.Int {
	v := new(big.Int).Lsh(high, 128)
	return v.Or(v, low)
}
