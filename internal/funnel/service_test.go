package funnel

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nestorselin/web3-own-copy/internal/audit"
	"github.com/nestorselin/web3-own-copy/internal/deposit"
	"github.com/nestorselin/web3-own-copy/internal/exchange"
	"github.com/nestorselin/web3-own-copy/internal/feed"
	"github.com/nestorselin/web3-own-copy/internal/forward"
	"github.com/nestorselin/web3-own-copy/internal/lease"
	"github.com/nestorselin/web3-own-copy/internal/store/memory"
)

type fakeFeed struct {
	events chan feed.Event

	mu        sync.Mutex
	watched   []string
	unwatched []int64
	watchErr  error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{events: make(chan feed.Event, 16)}
}

func (f *fakeFeed) Events() <-chan feed.Event { return f.events }

func (f *fakeFeed) Watch(_ context.Context, rec *deposit.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, rec.ID)
	return f.watchErr
}

func (f *fakeFeed) Unwatch(handle int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unwatched = append(f.unwatched, handle)
	return nil
}

func (f *fakeFeed) unwatchedHandles() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.unwatched...)
}

type transfer struct {
	keyRef string
	to     string
	amount *big.Int
}

type fakeChain struct {
	mu        sync.Mutex
	transfers []transfer
	err       error
}

func (c *fakeChain) SubmitTransfer(_ context.Context, keyRef, _, to string, amount *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.transfers = append(c.transfers, transfer{keyRef: keyRef, to: to, amount: new(big.Int).Set(amount)})
	return "0xtx", nil
}

func (c *fakeChain) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transfers)
}

// testPolicy uses 9-decimal units: reserve 5000, dust 0.001 (1_000_000).
func testPolicy(t *testing.T) deposit.Policy {
	t.Helper()
	p, err := deposit.NewPolicy(big.NewInt(5000), big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	return p
}

type harness struct {
	svc   *Service
	store *memory.Store
	feed  *fakeFeed
	chain *fakeChain
}

func newHarness(t *testing.T, auditPath string) *harness {
	t.Helper()
	h := &harness{store: memory.New(), feed: newFakeFeed(), chain: &fakeChain{}}
	svc, err := New(Deps{
		Store:     h.store,
		Feed:      h.feed,
		Forwarder: forward.New(h.chain, time.Second, zerolog.Nop()),
		Locker:    lease.NewMemory(),
		Policy:    testPolicy(t),
		Audit:     audit.Open(auditPath),
		Log:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func (h *harness) status(t *testing.T, id string) deposit.Status {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec.Status
}

func (h *harness) register(t *testing.T) *deposit.Record {
	t.Helper()
	rec, err := h.svc.Register(context.Background(), RegisterRequest{
		IntermediateAddress: "0x1111111111111111111111111111111111111111",
		IntermediateKeyRef:  "k1",
		DestinationAddress:  "0x2222222222222222222222222222222222222222",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return rec
}

func TestService_AckNotificationForwardsOnce(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	h := newHarness(t, auditPath)
	rec := h.register(t)
	h.run(t)

	h.feed.events <- feed.Event{Kind: feed.EventAck, ID: rec.ID, Handle: 42}
	// 0.010005 at 9 decimals.
	h.feed.events <- feed.Event{Kind: feed.EventNotification, Handle: 42, Balance: big.NewInt(10_005_000)}

	waitFor(t, func() bool {
		return h.status(t, rec.ID) == deposit.StatusCompleted && len(h.feed.unwatchedHandles()) == 1
	})

	if h.chain.count() != 1 {
		t.Fatalf("transfers: got=%d want=1", h.chain.count())
	}
	tr := h.chain.transfers[0]
	if tr.amount.Int64() != 10_000_000 || tr.to != rec.DestinationAddress || tr.keyRef != "k1" {
		t.Fatalf("transfer mismatch: %+v", tr)
	}
	if got := h.feed.unwatchedHandles(); got[0] != 42 {
		t.Fatalf("unwatch: %v", got)
	}
	stored, _ := h.store.Get(context.Background(), rec.ID)
	if stored.Handle == nil || *stored.Handle != 42 || stored.TransferID != "0xtx" {
		t.Fatalf("stored mismatch: %+v", stored)
	}

	h.svc.audit.Close()
	evs, err := audit.ReadAll(auditPath)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	kinds := make([]string, 0, len(evs))
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 3 || kinds[0] != audit.KindRegistered || kinds[1] != audit.KindHandle || kinds[2] != audit.KindForwarded {
		t.Fatalf("audit kinds: %v", kinds)
	}
}

func TestService_ForwardCompletesEveryRecordOnAddress(t *testing.T) {
	h := newHarness(t, "")
	first := h.register(t)
	second := h.register(t)
	h.run(t)

	h.feed.events <- feed.Event{Kind: feed.EventAck, ID: first.ID, Handle: 42}
	h.feed.events <- feed.Event{Kind: feed.EventAck, ID: second.ID, Handle: 43}
	waitFor(t, func() bool {
		rec, err := h.store.Get(context.Background(), second.ID)
		return err == nil && rec.Handle != nil
	})

	h.feed.events <- feed.Event{Kind: feed.EventNotification, Handle: 42, Balance: big.NewInt(10_005_000)}
	waitFor(t, func() bool {
		return h.status(t, first.ID) == deposit.StatusCompleted && h.status(t, second.ID) == deposit.StatusCompleted
	})

	if h.chain.count() != 1 {
		t.Fatalf("transfers: got=%d want=1", h.chain.count())
	}
	sibling, _ := h.store.Get(context.Background(), second.ID)
	if sibling.TransferID != "0xtx" {
		t.Fatalf("sibling transfer id: %q", sibling.TransferID)
	}
	waitFor(t, func() bool { return len(h.feed.unwatchedHandles()) == 2 })
	got := h.feed.unwatchedHandles()
	if !(got[0] == 43 && got[1] == 42) && !(got[0] == 42 && got[1] == 43) {
		t.Fatalf("unwatch: %v", got)
	}
}

func TestService_UnknownHandleIsNoop(t *testing.T) {
	h := newHarness(t, "")
	rec := h.register(t)
	h.run(t)

	h.feed.events <- feed.Event{Kind: feed.EventNotification, Handle: 99, Balance: big.NewInt(50_000_000)}
	waitFor(t, func() bool { return len(h.feed.unwatchedHandles()) == 1 })

	if h.chain.count() != 0 {
		t.Fatalf("no transfer expected")
	}
	if h.status(t, rec.ID) != deposit.StatusPending {
		t.Fatalf("record must stay pending")
	}
}

func TestService_AtDustMarksFailed(t *testing.T) {
	h := newHarness(t, "")
	rec := h.register(t)
	h.run(t)

	h.feed.events <- feed.Event{Kind: feed.EventAck, ID: rec.ID, Handle: 7}
	// B - R == D is not strictly above dust.
	h.feed.events <- feed.Event{Kind: feed.EventNotification, Handle: 7, Balance: big.NewInt(1_005_000)}

	waitFor(t, func() bool { return h.status(t, rec.ID) == deposit.StatusFailed })
	if h.chain.count() != 0 {
		t.Fatalf("no transfer expected, got %d", h.chain.count())
	}
	waitFor(t, func() bool { return len(h.feed.unwatchedHandles()) == 1 })
}

func TestService_TransferErrorMarksFailed(t *testing.T) {
	h := newHarness(t, "")
	h.chain.err = errors.New("insufficient funds for gas")
	rec := h.register(t)
	h.run(t)

	h.feed.events <- feed.Event{Kind: feed.EventAck, ID: rec.ID, Handle: 8}
	h.feed.events <- feed.Event{Kind: feed.EventNotification, Handle: 8, Balance: big.NewInt(50_000_000)}

	waitFor(t, func() bool { return h.status(t, rec.ID) == deposit.StatusFailed })
}

func TestService_SecondAckKeepsHandle(t *testing.T) {
	h := newHarness(t, "")
	rec := h.register(t)
	h.run(t)

	h.feed.events <- feed.Event{Kind: feed.EventAck, ID: rec.ID, Handle: 42}
	h.feed.events <- feed.Event{Kind: feed.EventAck, ID: rec.ID, Handle: 43}
	h.feed.events <- feed.Event{Kind: feed.EventAck, ID: "missing", Handle: 44}
	h.feed.events <- feed.Event{Kind: feed.EventUnrecognized, Raw: []byte(`{"id":1,"result":true}`)}

	waitFor(t, func() bool { return len(h.feed.events) == 0 })
	waitFor(t, func() bool {
		got, _ := h.store.Get(context.Background(), rec.ID)
		return got.Handle != nil
	})
	// Run dispatches acks in order; give the last ones a moment.
	time.Sleep(20 * time.Millisecond)

	got, _ := h.store.Get(context.Background(), rec.ID)
	if *got.Handle != 42 {
		t.Fatalf("handle: got=%d want=42", *got.Handle)
	}
	if got.Status != deposit.StatusPending {
		t.Fatalf("status changed: %s", got.Status)
	}
}

func TestService_UnsubscribeReplyIsQuiet(t *testing.T) {
	h := newHarness(t, "")
	var buf bytes.Buffer
	h.svc.log = zerolog.New(&buf).Level(zerolog.InfoLevel)

	h.svc.dispatch(context.Background(), feed.Classify([]byte(`{"jsonrpc":"2.0","id":42,"result":true}`), feed.DefaultNotificationMethod))
	if buf.Len() != 0 {
		t.Fatalf("unsubscribe reply logged above debug: %s", buf.String())
	}

	h.svc.dispatch(context.Background(), feed.Classify([]byte(`{"jsonrpc":"2.0","id":42,"result":{}}`), feed.DefaultNotificationMethod))
	if !strings.Contains(buf.String(), "unrecognized feed message") {
		t.Fatalf("unrecognized frame must warn: %s", buf.String())
	}
}

func TestService_ResolvedRecordOnlyUnwatches(t *testing.T) {
	h := newHarness(t, "")
	rec := h.register(t)
	ctx := context.Background()
	if _, err := h.store.UpdateHandle(ctx, rec.ID, 5); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := h.store.UpdateStatus(ctx, rec.ID, deposit.StatusPending, deposit.StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	h.run(t)

	h.feed.events <- feed.Event{Kind: feed.EventNotification, Handle: 5, Balance: big.NewInt(50_000_000)}
	waitFor(t, func() bool { return len(h.feed.unwatchedHandles()) == 1 })
	if h.chain.count() != 0 {
		t.Fatalf("completed record must not forward again")
	}
}

func TestService_BusyLeaseSkips(t *testing.T) {
	h := newHarness(t, "")
	rec := h.register(t)
	ctx := context.Background()
	if _, err := h.store.UpdateHandle(ctx, rec.ID, 6); err != nil {
		t.Fatalf("bind: %v", err)
	}
	release, ok, _ := h.svc.locker.TryAcquire(ctx, lease.AddressKey(rec.IntermediateAddress), time.Minute)
	if !ok {
		t.Fatalf("lease not acquired")
	}
	defer release()
	h.run(t)

	h.feed.events <- feed.Event{Kind: feed.EventNotification, Handle: 6, Balance: big.NewInt(50_000_000)}
	waitFor(t, func() bool { return len(h.feed.unwatchedHandles()) == 1 })
	if h.chain.count() != 0 || h.status(t, rec.ID) != deposit.StatusPending {
		t.Fatalf("busy address must be left to the sweep")
	}
}

func TestService_SingleFlightPerHandle(t *testing.T) {
	h := newHarness(t, "")
	if !h.svc.begin(1) {
		t.Fatalf("first begin must succeed")
	}
	if h.svc.begin(1) {
		t.Fatalf("second begin for same handle must fail")
	}
	if !h.svc.begin(2) {
		t.Fatalf("other handles are independent")
	}
	h.svc.end(1)
	if !h.svc.begin(1) {
		t.Fatalf("begin after end must succeed")
	}
}

func TestService_RegisterKeepsRecordWhenWatchFails(t *testing.T) {
	h := newHarness(t, "")
	h.feed.watchErr = deposit.ErrNotConnected
	rec, err := h.svc.Register(context.Background(), RegisterRequest{
		IntermediateAddress: "0x1111111111111111111111111111111111111111",
		DestinationAddress:  "0x2222222222222222222222222222222222222222",
	})
	if !errors.Is(err, deposit.ErrNotConnected) {
		t.Fatalf("got %v", err)
	}
	if rec == nil || h.status(t, rec.ID) != deposit.StatusPending {
		t.Fatalf("record must be stored as pending")
	}
	if _, err := h.svc.Register(context.Background(), RegisterRequest{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

type fakeOrders struct {
	payout string
	amount decimal.Decimal
}

func (o *fakeOrders) CreateOrder(_ context.Context, payout string, amount decimal.Decimal) (exchange.Order, error) {
	o.payout, o.amount = payout, amount
	return exchange.Order{ID: "ord-1", PayinAddress: "PAYIN", PayoutAddress: payout}, nil
}

func TestService_Open(t *testing.T) {
	h := newHarness(t, "")
	if _, err := h.svc.Open(context.Background(), OpenRequest{}); err == nil {
		t.Fatalf("open without exchange must fail")
	}

	orders := &fakeOrders{}
	h.svc.orders = orders
	res, err := h.svc.Open(context.Background(), OpenRequest{
		IntermediateAddress: "0x1111111111111111111111111111111111111111",
		IntermediateKeyRef:  "k1",
		DestinationAddress:  "0x2222222222222222222222222222222222222222",
		Amount:              decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.PayinAddress != "PAYIN" || res.OrderID != "ord-1" || res.Record.OrderID != "ord-1" {
		t.Fatalf("open result mismatch: %+v", res)
	}
	if orders.payout != "0x1111111111111111111111111111111111111111" || !orders.amount.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("order request mismatch: %+v", orders)
	}
	if len(h.feed.watched) != 1 {
		t.Fatalf("watch: %v", h.feed.watched)
	}
}
