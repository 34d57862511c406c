package funnel

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nestorselin/web3-own-copy/internal/audit"
	"github.com/nestorselin/web3-own-copy/internal/deposit"
	"github.com/nestorselin/web3-own-copy/internal/exchange"
	"github.com/nestorselin/web3-own-copy/internal/feed"
	"github.com/nestorselin/web3-own-copy/internal/lease"
)

// Feed is the event feed as the dispatcher sees it.
type Feed interface {
	Events() <-chan feed.Event
	Watch(ctx context.Context, rec *deposit.Record) error
	Unwatch(handle int64) error
}

type Forwarder interface {
	Forward(ctx context.Context, rec *deposit.Record, amount *big.Int) (string, error)
}

type OrderCreator interface {
	CreateOrder(ctx context.Context, payoutAddress string, amount decimal.Decimal) (exchange.Order, error)
}

type Deps struct {
	Store     deposit.Store
	Feed      Feed
	Forwarder Forwarder
	Locker    lease.Locker
	Policy    deposit.Policy
	// Orders is optional; Open fails without it.
	Orders OrderCreator
	Audit  *audit.Log
	Log    zerolog.Logger

	LeaseTTL time.Duration
}

// Service turns feed events into deposit state changes and forwards funds
// when a watched address is credited.
type Service struct {
	store    deposit.Store
	feed     Feed
	fwd      Forwarder
	locker   lease.Locker
	policy   deposit.Policy
	orders   OrderCreator
	audit    *audit.Log
	log      zerolog.Logger
	leaseTTL time.Duration

	mu       sync.Mutex
	inflight map[int64]struct{}
	wg       sync.WaitGroup
}

func New(d Deps) (*Service, error) {
	if d.Store == nil || d.Feed == nil || d.Forwarder == nil {
		return nil, fmt.Errorf("funnel: store, feed and forwarder are required")
	}
	if d.Locker == nil {
		d.Locker = lease.NewMemory()
	}
	if d.LeaseTTL <= 0 {
		d.LeaseTTL = lease.DefaultTTL
	}
	return &Service{
		store:    d.Store,
		feed:     d.Feed,
		fwd:      d.Forwarder,
		locker:   d.Locker,
		policy:   d.Policy,
		orders:   d.Orders,
		audit:    d.Audit,
		log:      d.Log.With().Str("component", "funnel").Logger(),
		leaseTTL: d.LeaseTTL,
		inflight: make(map[int64]struct{}),
	}, nil
}

// Run consumes feed events until ctx is done. Notifications are handled
// concurrently, one at a time per handle. Run waits for in-flight handlers
// before returning.
func (s *Service) Run(ctx context.Context) error {
	defer s.wg.Wait()
	events := s.feed.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			s.dispatch(ctx, ev)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, ev feed.Event) {
	switch ev.Kind {
	case feed.EventAck:
		s.handleAck(ctx, ev)
	case feed.EventNotification:
		if !s.begin(ev.Handle) {
			s.log.Debug().Int64("handle", ev.Handle).Msg("notification already in flight; dropped")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.end(ev.Handle)
			s.handleNotification(ctx, ev)
		}()
	case feed.EventUnsubscribed:
		s.log.Debug().Int64("handle", ev.Handle).Msg("unsubscribe acknowledged")
	default:
		s.log.Warn().Err(ev.Err).Str("raw", truncate(string(ev.Raw), 512)).Msg("unrecognized feed message")
	}
}

func (s *Service) begin(handle int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[handle]; busy {
		return false
	}
	s.inflight[handle] = struct{}{}
	return true
}

func (s *Service) end(handle int64) {
	s.mu.Lock()
	delete(s.inflight, handle)
	s.mu.Unlock()
}

func (s *Service) handleAck(ctx context.Context, ev feed.Event) {
	log := s.log.With().Str("deposit_id", ev.ID).Int64("handle", ev.Handle).Logger()
	bound, err := s.store.UpdateHandle(ctx, ev.ID, ev.Handle)
	if err != nil {
		if errors.Is(err, deposit.ErrRecordNotFound) {
			log.Warn().Msg("ack for unknown deposit; dropped")
			return
		}
		log.Error().Err(err).Msg("bind handle failed")
		return
	}
	if !bound {
		log.Info().Msg("handle already bound; ack ignored")
		return
	}
	h := ev.Handle
	s.record(audit.Event{Kind: audit.KindHandle, Source: "feed", DepositID: ev.ID, Handle: &h})
	log.Info().Msg("handle bound")
}

func (s *Service) handleNotification(ctx context.Context, ev feed.Event) {
	log := s.log.With().Int64("handle", ev.Handle).Logger()
	defer s.unwatch(ev.Handle)

	rec, err := s.store.FindByHandle(ctx, ev.Handle)
	if err != nil {
		if errors.Is(err, deposit.ErrRecordNotFound) {
			log.Warn().Msg("notification for unknown handle; dropped")
			return
		}
		log.Error().Err(err).Msg("lookup by handle failed")
		return
	}
	log = log.With().Str("deposit_id", rec.ID).Str("address", rec.IntermediateAddress).Logger()
	if rec.Status != deposit.StatusPending {
		log.Info().Str("status", string(rec.Status)).Msg("deposit already resolved")
		return
	}

	release, ok, err := s.locker.TryAcquire(ctx, lease.AddressKey(rec.IntermediateAddress), s.leaseTTL)
	if err != nil {
		log.Error().Err(err).Msg("address lease failed")
		return
	}
	if !ok {
		log.Info().Msg("address busy; leaving it to the sweep")
		s.record(audit.Event{Kind: audit.KindSkipped, Source: "feed", DepositID: rec.ID, Address: rec.IntermediateAddress})
		return
	}
	defer release()

	// Re-read under the lease; the sweep may have resolved it meanwhile.
	cur, err := s.store.Get(ctx, rec.ID)
	if err != nil {
		log.Error().Err(err).Msg("reload deposit failed")
		return
	}
	if cur.Status != deposit.StatusPending {
		log.Info().Str("status", string(cur.Status)).Msg("deposit resolved while waiting for lease")
		return
	}

	balance := ev.Balance
	if balance == nil {
		balance = new(big.Int)
	}
	amount, forwardable := s.policy.Forwardable(balance)
	if !forwardable {
		log.Info().Str("balance", balance.String()).Msg("balance not worth forwarding")
		s.markFailed(ctx, cur, balance, nil)
		return
	}

	txID, err := s.fwd.Forward(ctx, cur, amount)
	if err != nil {
		log.Error().Err(err).Msg("forward failed")
		s.markFailed(ctx, cur, balance, err)
		return
	}
	if err := s.store.SetTransferID(ctx, cur.ID, txID); err != nil {
		log.Error().Err(err).Str("tx", txID).Msg("record transfer id failed")
	}
	swapped, err := s.store.UpdateStatus(ctx, cur.ID, deposit.StatusPending, deposit.StatusCompleted)
	if err != nil || !swapped {
		log.Error().Err(err).Str("tx", txID).Msg("mark completed failed")
	}
	s.completeSiblings(ctx, cur, txID, log)
	s.record(audit.Event{
		Kind:       audit.KindForwarded,
		Source:     "feed",
		DepositID:  cur.ID,
		From:       cur.IntermediateAddress,
		To:         cur.DestinationAddress,
		Balance:    balance.String(),
		Amount:     amount.String(),
		TransferID: txID,
	})
}

// completeSiblings resolves the other open records on cur's address. The
// transfer moved the whole balance, so they have nothing left to forward.
func (s *Service) completeSiblings(ctx context.Context, cur *deposit.Record, txID string, log zerolog.Logger) {
	open, err := s.store.FindNotStatus(ctx, deposit.StatusCompleted)
	if err != nil {
		log.Error().Err(err).Msg("load records on address failed")
		return
	}
	for _, r := range open {
		if r.ID == cur.ID || !strings.EqualFold(r.IntermediateAddress, cur.IntermediateAddress) {
			continue
		}
		if err := s.store.SetTransferID(ctx, r.ID, txID); err != nil {
			log.Error().Err(err).Str("sibling_id", r.ID).Msg("record transfer id failed")
		}
		swapped, err := s.store.UpdateStatus(ctx, r.ID, r.Status, deposit.StatusCompleted)
		if err != nil {
			log.Error().Err(err).Str("sibling_id", r.ID).Msg("complete record on address failed")
			continue
		}
		if swapped {
			log.Info().Str("sibling_id", r.ID).Str("tx", txID).Msg("completed with address")
		}
		if r.Handle != nil {
			s.unwatch(*r.Handle)
		}
	}
}

func (s *Service) markFailed(ctx context.Context, rec *deposit.Record, balance *big.Int, cause error) {
	swapped, err := s.store.UpdateStatus(ctx, rec.ID, deposit.StatusPending, deposit.StatusFailed)
	if err != nil {
		s.log.Error().Err(err).Str("deposit_id", rec.ID).Msg("mark failed failed")
		return
	}
	if !swapped {
		return
	}
	ev := audit.Event{
		Kind:      audit.KindFailed,
		Source:    "feed",
		DepositID: rec.ID,
		Address:   rec.IntermediateAddress,
		Balance:   balance.String(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	s.record(ev)
}

func (s *Service) unwatch(handle int64) {
	if err := s.feed.Unwatch(handle); err != nil && !errors.Is(err, deposit.ErrNotConnected) {
		s.log.Warn().Err(err).Int64("handle", handle).Msg("unwatch failed")
	}
}

func (s *Service) record(ev audit.Event) {
	if err := s.audit.Record(ev); err != nil {
		s.log.Warn().Err(err).Str("kind", ev.Kind).Msg("audit write failed")
	}
}

type RegisterRequest struct {
	IntermediateAddress string
	IntermediateKeyRef  string
	DestinationAddress  string
	OrderID             string
}

// Register stores a new pending deposit and asks the feed to watch it. The
// record survives a failed watch; the sweep picks it up either way.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*deposit.Record, error) {
	if strings.TrimSpace(req.IntermediateAddress) == "" || strings.TrimSpace(req.DestinationAddress) == "" {
		return nil, fmt.Errorf("register: intermediate and destination address required")
	}
	rec := &deposit.Record{
		ID:                  uuid.NewString(),
		IntermediateAddress: strings.TrimSpace(req.IntermediateAddress),
		IntermediateKeyRef:  strings.TrimSpace(req.IntermediateKeyRef),
		DestinationAddress:  strings.TrimSpace(req.DestinationAddress),
		Status:              deposit.StatusPending,
		OrderID:             req.OrderID,
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("register %s: %w", rec.IntermediateAddress, err)
	}
	s.record(audit.Event{
		Kind:      audit.KindRegistered,
		DepositID: rec.ID,
		Address:   rec.IntermediateAddress,
		To:        rec.DestinationAddress,
		OrderID:   rec.OrderID,
	})
	s.log.Info().Str("deposit_id", rec.ID).Str("address", rec.IntermediateAddress).Msg("deposit registered")

	if err := s.feed.Watch(ctx, rec); err != nil {
		return rec, fmt.Errorf("watch %s: %w", rec.ID, err)
	}
	return rec, nil
}

type OpenRequest struct {
	IntermediateAddress string
	IntermediateKeyRef  string
	DestinationAddress  string
	// Amount is what payers will send, in display units of the exchange
	// from-currency.
	Amount decimal.Decimal
}

type OpenResult struct {
	Record       *deposit.Record
	OrderID      string
	PayinAddress string
}

// Open creates an exchange order paying out to the intermediate address and
// registers the deposit under that order. Payers fund PayinAddress.
func (s *Service) Open(ctx context.Context, req OpenRequest) (OpenResult, error) {
	if s.orders == nil {
		return OpenResult{}, fmt.Errorf("open: exchange not configured")
	}
	order, err := s.orders.CreateOrder(ctx, req.IntermediateAddress, req.Amount)
	if err != nil {
		return OpenResult{}, fmt.Errorf("open: create order: %w", err)
	}
	rec, err := s.Register(ctx, RegisterRequest{
		IntermediateAddress: req.IntermediateAddress,
		IntermediateKeyRef:  req.IntermediateKeyRef,
		DestinationAddress:  req.DestinationAddress,
		OrderID:             order.ID,
	})
	return OpenResult{Record: rec, OrderID: order.ID, PayinAddress: order.PayinAddress}, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
