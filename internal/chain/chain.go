package chain

import (
	"context"
	"errors"
	"math/big"
)

var ErrKeyMismatch = errors.New("chain: key does not control source address")

// Balancer reads the current native balance of an address in base units.
type Balancer interface {
	Balance(ctx context.Context, address string) (*big.Int, error)
}

// Transferer moves amount base units out of from, signing with the key behind
// keyRef, and returns the confirmed transfer id once the chain has accepted
// it. A key that does not control from is rejected with ErrKeyMismatch before
// anything is signed.
type Transferer interface {
	SubmitTransfer(ctx context.Context, keyRef, from, to string, amount *big.Int) (string, error)
}

type Reader interface {
	Balancer
	Transferer
}
