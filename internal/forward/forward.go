package forward

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nestorselin/web3-own-copy/internal/chain"
	"github.com/nestorselin/web3-own-copy/internal/deposit"
)

const DefaultConfirmTimeout = 2 * time.Minute

// Forwarder moves funds from a record's intermediate address to its
// destination. It never touches record state; callers own the status write.
type Forwarder struct {
	chain          chain.Transferer
	confirmTimeout time.Duration
	log            zerolog.Logger
}

func New(tr chain.Transferer, confirmTimeout time.Duration, log zerolog.Logger) *Forwarder {
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	return &Forwarder{
		chain:          tr,
		confirmTimeout: confirmTimeout,
		log:            log.With().Str("component", "forward").Logger(),
	}
}

// Forward submits amount base units and waits for confirmation, bounded by
// the confirm timeout. Every failure wraps deposit.ErrTransferFailed.
func (f *Forwarder) Forward(ctx context.Context, rec *deposit.Record, amount *big.Int) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("%w: nil record", deposit.ErrTransferFailed)
	}
	if f.chain == nil {
		return "", fmt.Errorf("%w: no chain configured", deposit.ErrTransferFailed)
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: deposit %s: amount must be > 0", deposit.ErrTransferFailed, rec.ID)
	}
	if strings.TrimSpace(rec.DestinationAddress) == "" {
		return "", fmt.Errorf("%w: deposit %s: empty destination", deposit.ErrTransferFailed, rec.ID)
	}
	if strings.TrimSpace(rec.IntermediateAddress) == "" {
		return "", fmt.Errorf("%w: deposit %s: empty intermediate address", deposit.ErrTransferFailed, rec.ID)
	}

	cctx, cancel := context.WithTimeout(ctx, f.confirmTimeout)
	defer cancel()

	start := time.Now()
	txID, err := f.chain.SubmitTransfer(cctx, rec.IntermediateKeyRef, rec.IntermediateAddress, rec.DestinationAddress, amount)
	if err != nil {
		f.log.Error().Err(err).
			Str("deposit_id", rec.ID).
			Str("from", rec.IntermediateAddress).
			Str("amount", amount.String()).
			Msg("transfer failed")
		return "", fmt.Errorf("%w: deposit %s: %w", deposit.ErrTransferFailed, rec.ID, err)
	}
	f.log.Info().
		Str("deposit_id", rec.ID).
		Str("from", rec.IntermediateAddress).
		Str("to", rec.DestinationAddress).
		Str("amount", amount.String()).
		Str("tx", txID).
		Dur("took", time.Since(start)).
		Msg("transfer confirmed")
	return txID, nil
}
