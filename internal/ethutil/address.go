package ethutil

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// SplitList splits raw on commas, semicolons and whitespace, dropping empty
// parts. Returns nil if raw is empty/whitespace.
func SplitList(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	parts := strings.FieldsFunc(trimmed, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\n', '\r', '\t':
			return true
		default:
			return false
		}
	})
	out := parts[:0]
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParseAddress validates a hex address and rejects the zero address, which is
// never a valid deposit or destination.
func ParseAddress(raw string) (common.Address, error) {
	s := strings.TrimSpace(raw)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid hex address %q", raw)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address not allowed")
	}
	return addr, nil
}

// CanonicalAddress returns the checksummed form of raw, or an error.
func CanonicalAddress(raw string) (string, error) {
	addr, err := ParseAddress(raw)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}
