package deposit

import (
	"fmt"
	"math/big"
	"time"
)

const DefaultAbandonAfter = 24 * time.Hour

// Policy holds the fixed amounts that decide whether a balance is worth
// forwarding. All values are in base units of the native asset.
type Policy struct {
	// FeeReserve is withheld from the balance to pay for the forwarding
	// transfer itself.
	FeeReserve *big.Int
	// Dust is the minimum post-fee amount worth forwarding.
	Dust *big.Int
}

func NewPolicy(feeReserve, dust *big.Int) (Policy, error) {
	if feeReserve == nil || feeReserve.Sign() < 0 {
		return Policy{}, fmt.Errorf("fee reserve must be >= 0")
	}
	if dust == nil || dust.Sign() < 0 {
		return Policy{}, fmt.Errorf("dust threshold must be >= 0")
	}
	return Policy{
		FeeReserve: new(big.Int).Set(feeReserve),
		Dust:       new(big.Int).Set(dust),
	}, nil
}

// Transferable returns balance minus the fee reserve. The result may be
// negative.
func (p Policy) Transferable(balance *big.Int) *big.Int {
	out := new(big.Int)
	if balance != nil {
		out.Set(balance)
	}
	if p.FeeReserve != nil {
		out.Sub(out, p.FeeReserve)
	}
	return out
}

// Forwardable returns the amount to forward and true when balance minus the
// reserve is strictly above the dust threshold.
func (p Policy) Forwardable(balance *big.Int) (*big.Int, bool) {
	amt := p.Transferable(balance)
	if amt.Cmp(p.dust()) > 0 {
		return amt, true
	}
	return amt, false
}

// BelowDust reports whether the raw balance is under the dust threshold.
func (p Policy) BelowDust(balance *big.Int) bool {
	if balance == nil {
		return true
	}
	return balance.Cmp(p.dust()) < 0
}

func (p Policy) dust() *big.Int {
	if p.Dust == nil {
		return new(big.Int)
	}
	return p.Dust
}
