package model

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// AddressHexWidth is the number of hex digits in a normalized address.
const AddressHexWidth = 64

var hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)

// Account - one eligible wallet, built by the loader and never mutated afterwards
type Account struct {
	PrivateKey     string
	Address        string // normalized, see NormalizeAddress
	Proxy          string // "" for a direct connection, otherwise scheme://[user:pass@]host:port
	DepositAddress string // normalized
	Amount         *big.Int
}

func (a *Account) ShortPrivateKey() string {
	return ShortenKey(a.PrivateKey)
}

func (a *Account) String() string {
	return fmt.Sprintf("%s (%s)", a.Address, a.ShortPrivateKey())
}

// ShortenKey renders a secret as first8...last8 so it can be logged.
func ShortenKey(key string) string {
	if len(key) <= 16 {
		return key
	}
	return key[:8] + "..." + key[len(key)-8:]
}

func IsHex(s string) bool {
	return hexRegex.MatchString(s)
}

// NormalizeAddress left pads a hex address to AddressHexWidth digits and lowercases it.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !IsHex(addr) {
		return "", fmt.Errorf("address %q is not hex", addr)
	}
	digits := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if len(digits) > AddressHexWidth {
		return "", fmt.Errorf("address %q is longer than %d hex digits", addr, AddressHexWidth)
	}
	return "0x" + strings.Repeat("0", AddressHexWidth-len(digits)) + strings.ToLower(digits), nil
}

// LedgerKey is the lookup form of an address. Values that fail normalization
// are only lowercased so they can still be compared.
func LedgerKey(addr string) string {
	if n, err := NormalizeAddress(addr); err == nil {
		return n
	}
	return strings.ToLower(strings.TrimSpace(addr))
}
