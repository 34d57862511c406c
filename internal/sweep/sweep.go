package sweep

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nestorselin/web3-own-copy/internal/audit"
	"github.com/nestorselin/web3-own-copy/internal/chain"
	"github.com/nestorselin/web3-own-copy/internal/deposit"
	"github.com/nestorselin/web3-own-copy/internal/lease"
)

const DefaultInterval = 5 * time.Minute

type Forwarder interface {
	Forward(ctx context.Context, rec *deposit.Record, amount *big.Int) (string, error)
}

type Unwatcher interface {
	Unwatch(handle int64) error
}

type Deps struct {
	Store     deposit.Store
	Balances  chain.Balancer
	Forwarder Forwarder
	// Feed is optional; resolved records are unwatched through it.
	Feed   Unwatcher
	Locker lease.Locker
	Policy deposit.Policy
	Audit  *audit.Log
	Log    zerolog.Logger

	Interval     time.Duration
	AbandonAfter time.Duration
	LeaseTTL     time.Duration
}

// Report summarises one sweep pass.
type Report struct {
	Records   int
	Groups    int
	Forwarded int
	Abandoned int
	Busy      int
	Untouched int
	Errors    int
}

// Sweeper periodically reconciles every non-completed deposit against the
// chain. It is the fallback for lost or never-acknowledged notifications.
type Sweeper struct {
	store        deposit.Store
	balances     chain.Balancer
	fwd          Forwarder
	feed         Unwatcher
	locker       lease.Locker
	policy       deposit.Policy
	audit        *audit.Log
	log          zerolog.Logger
	interval     time.Duration
	abandonAfter time.Duration
	leaseTTL     time.Duration
	now          func() time.Time
}

func New(d Deps) (*Sweeper, error) {
	if d.Store == nil || d.Balances == nil || d.Forwarder == nil {
		return nil, fmt.Errorf("sweep: store, balances and forwarder are required")
	}
	if d.Locker == nil {
		d.Locker = lease.NewMemory()
	}
	if d.Interval <= 0 {
		d.Interval = DefaultInterval
	}
	if d.AbandonAfter <= 0 {
		d.AbandonAfter = deposit.DefaultAbandonAfter
	}
	if d.LeaseTTL <= 0 {
		d.LeaseTTL = lease.DefaultTTL
	}
	return &Sweeper{
		store:        d.Store,
		balances:     d.Balances,
		fwd:          d.Forwarder,
		feed:         d.Feed,
		locker:       d.Locker,
		policy:       d.Policy,
		audit:        d.Audit,
		log:          d.Log.With().Str("component", "sweep").Logger(),
		interval:     d.Interval,
		abandonAfter: d.AbandonAfter,
		leaseTTL:     d.LeaseTTL,
		now:          time.Now,
	}, nil
}

// Run sweeps once right away and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		rep, err := s.SweepOnce(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("sweep failed")
		} else if rep.Records > 0 {
			s.log.Info().
				Int("records", rep.Records).
				Int("groups", rep.Groups).
				Int("forwarded", rep.Forwarded).
				Int("abandoned", rep.Abandoned).
				Int("busy", rep.Busy).
				Int("untouched", rep.Untouched).
				Int("errors", rep.Errors).
				Msg("sweep done")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

type group struct {
	address string
	records []*deposit.Record
}

// SweepOnce runs a single reconciliation pass. Failures are isolated per
// address; only a failure to load the records aborts the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	var rep Report
	recs, err := s.store.FindNotStatus(ctx, deposit.StatusCompleted)
	if err != nil {
		return rep, fmt.Errorf("sweep load: %w", err)
	}
	rep.Records = len(recs)

	groups := groupByAddress(recs)
	rep.Groups = len(groups)
	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		outcome, err := s.sweepGroup(ctx, g)
		if err != nil {
			rep.Errors++
			s.log.Error().Err(err).Str("address", g.address).Int("records", len(g.records)).Msg("sweep address failed")
			continue
		}
		switch outcome {
		case outcomeForwarded:
			rep.Forwarded++
		case outcomeAbandoned:
			rep.Abandoned++
		case outcomeBusy:
			rep.Busy++
		default:
			rep.Untouched++
		}
	}
	return rep, nil
}

// groupByAddress keeps the store's creation order, so the group holding the
// oldest record comes first.
func groupByAddress(recs []*deposit.Record) []*group {
	idx := make(map[string]*group)
	var out []*group
	for _, r := range recs {
		key := strings.ToLower(r.IntermediateAddress)
		g, ok := idx[key]
		if !ok {
			g = &group{address: r.IntermediateAddress}
			idx[key] = g
			out = append(out, g)
		}
		g.records = append(g.records, r)
	}
	return out
}

type outcome int

const (
	outcomeUntouched outcome = iota
	outcomeForwarded
	outcomeAbandoned
	outcomeBusy
)

func (s *Sweeper) sweepGroup(ctx context.Context, g *group) (outcome, error) {
	release, ok, err := s.locker.TryAcquire(ctx, lease.AddressKey(g.address), s.leaseTTL)
	if err != nil {
		return outcomeUntouched, fmt.Errorf("lease: %w", err)
	}
	if !ok {
		s.record(audit.Event{Kind: audit.KindSkipped, Source: "sweep", Address: g.address})
		return outcomeBusy, nil
	}
	defer release()

	// The notification path may have resolved some records since the load.
	recs, err := s.reload(ctx, g.records)
	if err != nil {
		return outcomeUntouched, err
	}
	if len(recs) == 0 {
		return outcomeUntouched, nil
	}

	balance, err := s.balances.Balance(ctx, g.address)
	if err != nil {
		return outcomeUntouched, fmt.Errorf("balance: %w", err)
	}
	log := s.log.With().Str("address", g.address).Str("balance", balance.String()).Logger()

	if s.policy.BelowDust(balance) {
		age := s.now().Sub(recs[0].CreatedAt)
		if age <= s.abandonAfter {
			return outcomeUntouched, nil
		}
		log.Info().Dur("age", age).Int("records", len(recs)).Msg("abandoning dust address")
		if err := s.completeAll(ctx, recs, ""); err != nil {
			return outcomeUntouched, err
		}
		for _, r := range recs {
			s.record(audit.Event{Kind: audit.KindAbandoned, Source: "sweep", DepositID: r.ID, Address: g.address, Balance: balance.String()})
		}
		return outcomeAbandoned, nil
	}

	amount, ok := s.policy.Forwardable(balance)
	if !ok {
		return outcomeUntouched, nil
	}
	first := recs[0]
	txID, err := s.fwd.Forward(ctx, first, amount)
	if err != nil {
		return outcomeUntouched, err
	}
	log.Info().Str("amount", amount.String()).Str("tx", txID).Int("records", len(recs)).Msg("swept address")
	s.record(audit.Event{
		Kind:       audit.KindForwarded,
		Source:     "sweep",
		DepositID:  first.ID,
		From:       g.address,
		To:         first.DestinationAddress,
		Balance:    balance.String(),
		Amount:     amount.String(),
		TransferID: txID,
	})
	return outcomeForwarded, s.completeAll(ctx, recs, txID)
}

func (s *Sweeper) reload(ctx context.Context, recs []*deposit.Record) ([]*deposit.Record, error) {
	out := make([]*deposit.Record, 0, len(recs))
	for _, r := range recs {
		cur, err := s.store.Get(ctx, r.ID)
		if err != nil {
			if errors.Is(err, deposit.ErrRecordNotFound) {
				continue
			}
			return nil, fmt.Errorf("reload %s: %w", r.ID, err)
		}
		if cur.Status != deposit.StatusCompleted {
			out = append(out, cur)
		}
	}
	return out, nil
}

// completeAll marks every record completed from whatever non-terminal status
// it holds and stops watching it.
func (s *Sweeper) completeAll(ctx context.Context, recs []*deposit.Record, txID string) error {
	var errs []error
	for _, r := range recs {
		if txID != "" {
			if err := s.store.SetTransferID(ctx, r.ID, txID); err != nil {
				errs = append(errs, fmt.Errorf("transfer id %s: %w", r.ID, err))
			}
		}
		if _, err := s.store.UpdateStatus(ctx, r.ID, r.Status, deposit.StatusCompleted); err != nil {
			errs = append(errs, fmt.Errorf("complete %s: %w", r.ID, err))
		}
		if r.Handle != nil && s.feed != nil {
			if err := s.feed.Unwatch(*r.Handle); err != nil && !errors.Is(err, deposit.ErrNotConnected) {
				s.log.Warn().Err(err).Int64("handle", *r.Handle).Msg("unwatch failed")
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Sweeper) record(ev audit.Event) {
	if err := s.audit.Record(ev); err != nil {
		s.log.Warn().Err(err).Str("kind", ev.Kind).Msg("audit write failed")
	}
}
