package chain

import (
	"errors"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const etherDecimals = 18

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

	ErrInvalidAmount = errors.New("amount must be a positive decimal with at most 18 fractional digits")
)

// IsValidAddress accepts 0x-prefixed 40-hex-digit addresses. Single-case hex is
// taken as unchecksummed; mixed case must match the EIP-55 checksum exactly.
func IsValidAddress(candidate string) bool {
	if !addressPattern.MatchString(candidate) {
		return false
	}
	body := candidate[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return common.HexToAddress(candidate).Hex() == candidate
}

// IsValidTxHash reports whether s is a 0x-prefixed 32-byte hex hash.
func IsValidTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// ParseEther converts a decimal ether amount into wei.
func ParseEther(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, ErrInvalidAmount
	}
	if d.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	wei := d.Shift(etherDecimals)
	if !wei.IsInteger() {
		return nil, ErrInvalidAmount
	}
	return wei.BigInt(), nil
}

// FormatEther renders wei as a decimal ether string.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -etherDecimals).String()
}

// ParseGwei converts a decimal gwei amount into wei.
func ParseGwei(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil || d.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return d.Shift(9).Truncate(0).BigInt(), nil
}
