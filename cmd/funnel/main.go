package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nestorselin/web3-own-copy/internal/audit"
	"github.com/nestorselin/web3-own-copy/internal/chain"
	"github.com/nestorselin/web3-own-copy/internal/config"
	"github.com/nestorselin/web3-own-copy/internal/deposit"
	"github.com/nestorselin/web3-own-copy/internal/exchange"
	"github.com/nestorselin/web3-own-copy/internal/feed"
	"github.com/nestorselin/web3-own-copy/internal/forward"
	"github.com/nestorselin/web3-own-copy/internal/funnel"
	"github.com/nestorselin/web3-own-copy/internal/lease"
	"github.com/nestorselin/web3-own-copy/internal/state"
	"github.com/nestorselin/web3-own-copy/internal/store/postgres"
	"github.com/nestorselin/web3-own-copy/internal/sweep"
)

const usage = `usage: funnel [run|register|open] [flags]

  run       watch pending deposits and forward funds (default)
  register  store a new deposit for an existing intermediate address
  open      create an exchange order paying into the intermediate address, then register it
`

type depositArgs struct {
	intermediate string
	keyRef       string
	destination  string
	amount       string
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := config.LoadDotEnv(); err != nil {
		log.Printf("[warn] %v", err)
	}

	cmd, args := "run", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	cfg, err := config.Load(config.PathFromArgs(args))
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	fs := flag.NewFlagSet("funnel "+cmd, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	fs.String("config", "", "YAML config file (env FUNNEL_CONFIG)")
	cfg.BindFlags(fs)

	var da depositArgs
	if cmd == "register" || cmd == "open" {
		fs.StringVar(&da.intermediate, "intermediate", "", "Intermediate (deposit) address")
		fs.StringVar(&da.keyRef, "key-ref", "", "Key reference of the intermediate address in DEPOSIT_KEYS")
		fs.StringVar(&da.destination, "destination", "", "Final destination address")
	}
	if cmd == "open" {
		fs.StringVar(&da.amount, "amount", "", "Order amount in display units of the exchange from-currency")
	}
	_ = fs.Parse(args)

	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		err = run(ctx, cfg, logger)
	case "register", "open":
		err = register(ctx, cmd, cfg, da, logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	keys, err := chain.ParseKeyring(cfg.Keys)
	if err != nil {
		return fmt.Errorf("DEPOSIT_KEYS: %w", err)
	}
	if keys.Len() == 0 {
		log.Printf("[warn] DEPOSIT_KEYS is empty; every transfer will fail until keys are configured")
	}

	evmOpts := chain.EVMOptions{
		ChainID:       cfg.ChainIDBig(),
		Confirmations: cfg.Confirmations,
	}
	if policy.FeeReserve.Sign() > 0 {
		evmOpts.MaxFee = policy.FeeReserve
	}
	evm, err := chain.DialEVM(ctx, cfg.RPCURL, keys, evmOpts)
	if err != nil {
		return err
	}
	defer evm.Close()

	auditLog := audit.Open(cfg.AuditPath)
	if auditLog != nil {
		log.Printf("Audit log: %s (JSONL)", auditLog.Path())
		defer func() {
			if err := auditLog.Close(); err != nil {
				log.Printf("[warn] audit log close: %v", err)
			}
		}()
	}

	feedClient := feed.New(cfg.FeedURL, store.HasPending, feed.Options{
		ReconnectDelay:     cfg.ReconnectDelay,
		Commitment:         cfg.Commitment,
		SubscribeMethod:    cfg.FeedMethods.Subscribe,
		UnsubscribeMethod:  cfg.FeedMethods.Unsubscribe,
		NotificationMethod: cfg.FeedMethods.Notification,
	}, logger)
	fwd := forward.New(evm, cfg.ConfirmTimeout, logger)

	svc, err := funnel.New(funnel.Deps{
		Store:     store,
		Feed:      feedClient,
		Forwarder: fwd,
		Locker:    locker,
		Policy:    policy,
		Audit:     auditLog,
		Log:       logger,
		LeaseTTL:  cfg.LeaseTTL,
	})
	if err != nil {
		return err
	}
	sweeper, err := sweep.New(sweep.Deps{
		Store:        store,
		Balances:     evm,
		Forwarder:    fwd,
		Feed:         feedClient,
		Locker:       locker,
		Policy:       policy,
		Audit:        auditLog,
		Log:          logger,
		Interval:     cfg.SweepInterval,
		AbandonAfter: cfg.AbandonAfter,
		LeaseTTL:     cfg.LeaseTTL,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Str("feed", cfg.FeedURL).
		Str("reserve", policy.FeeReserve.String()).
		Str("dust", policy.Dust.String()).
		Dur("sweep_interval", cfg.SweepInterval).
		Msg("deposit funnel starting")

	feedClient.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		watchUnbound(ctx, store, feedClient, logger)
	}()
	go func() {
		defer wg.Done()
		_ = sweeper.Run(ctx)
	}()

	err = svc.Run(ctx)
	wg.Wait()
	logger.Info().Msg("deposit funnel stopped")
	return err
}

// watchUnbound subscribes pending deposits that never got a handle, e.g. ones
// registered while the daemon was down.
func watchUnbound(ctx context.Context, store deposit.Store, f *feed.Client, logger zerolog.Logger) {
	recs, err := store.FindByStatus(ctx, deposit.StatusPending)
	if err != nil {
		logger.Error().Err(err).Msg("load pending deposits failed")
		return
	}
	for _, r := range recs {
		if r.HasHandle() {
			continue
		}
		if err := f.Watch(ctx, r); err != nil {
			logger.Warn().Err(err).Str("deposit_id", r.ID).Msg("watch failed; sweep will cover it")
		}
	}
}

func register(ctx context.Context, cmd string, cfg config.Config, da depositArgs, logger zerolog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var orders funnel.OrderCreator
	if cmd == "open" {
		client, err := exchange.NewClient(cfg.ExchangeURL, cfg.ExchangeAPIKey, cfg.ExchangePair)
		if err != nil {
			return err
		}
		orders = client
	}

	auditLog := audit.Open(cfg.AuditPath)
	defer auditLog.Close()

	// No live feed here. The running daemon's sweep reads the record from
	// the shared ledger; the feed subscribes it on the daemon's next start.
	svc, err := funnel.New(funnel.Deps{
		Store:     store,
		Feed:      offlineFeed{},
		Forwarder: forward.New(nil, cfg.ConfirmTimeout, logger),
		Orders:    orders,
		Audit:     auditLog,
		Log:       logger,
	})
	if err != nil {
		return err
	}

	var rec *deposit.Record
	if cmd == "open" {
		amount, err := decimal.NewFromString(strings.TrimSpace(da.amount))
		if err != nil {
			return fmt.Errorf("--amount: %w", err)
		}
		res, err := svc.Open(ctx, funnel.OpenRequest{
			IntermediateAddress: da.intermediate,
			IntermediateKeyRef:  da.keyRef,
			DestinationAddress:  da.destination,
			Amount:              amount,
		})
		if err != nil && !errors.Is(err, deposit.ErrNotConnected) {
			return err
		}
		rec = res.Record
		fmt.Printf("order_id: %s\n", res.OrderID)
		fmt.Printf("payin_address: %s\n", res.PayinAddress)
	} else {
		rec, err = svc.Register(ctx, funnel.RegisterRequest{
			IntermediateAddress: da.intermediate,
			IntermediateKeyRef:  da.keyRef,
			DestinationAddress:  da.destination,
		})
		if err != nil && !errors.Is(err, deposit.ErrNotConnected) {
			return err
		}
	}
	fmt.Printf("deposit_id: %s\n", rec.ID)
	fmt.Printf("intermediate: %s\n", rec.IntermediateAddress)
	fmt.Printf("status: %s\n", rec.Status)
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (deposit.Store, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		fileStore, err := state.Open(cfg.StatePath)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("State file: %s", fileStore.Path())
		return fileStore, func() {}, nil
	}

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns, logger)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if err := postgres.RunMigrations(ctx, db, logger); err != nil {
		closeDB()
		return nil, nil, err
	}
	return postgres.New(db), closeDB, nil
}

func openLocker(ctx context.Context, cfg config.Config, logger zerolog.Logger) (lease.Locker, func(), error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return lease.NewMemory(), func() {}, nil
	}
	client, err := lease.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("redis address lease enabled")
	return lease.NewRedis(client), func() { _ = client.Close() }, nil
}

type offlineFeed struct{}

func (offlineFeed) Events() <-chan feed.Event { return nil }

func (offlineFeed) Watch(context.Context, *deposit.Record) error { return deposit.ErrNotConnected }

func (offlineFeed) Unwatch(int64) error { return deposit.ErrNotConnected }
