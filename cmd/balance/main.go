package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nestorselin/web3-own-copy/internal/chain"
	"github.com/nestorselin/web3-own-copy/internal/config"
	"github.com/nestorselin/web3-own-copy/internal/ethutil"
)

func main() {
	log.SetFlags(0)

	if err := config.LoadDotEnv(); err != nil {
		log.Printf("[warn] %v", err)
	}

	cfg, err := config.Load(config.PathFromArgs(os.Args[1:]))
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	var addrFlag, keyFlag string
	flag.String("config", "", "YAML config file (env FUNNEL_CONFIG)")
	flag.StringVar(&addrFlag, "address", "", "Address to check (default: address of --key or first DEPOSIT_KEYS entry)")
	flag.StringVar(&keyFlag, "key", "", "Hex private key whose address to check")
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	if err := config.ValidateRPCURL(cfg.RPCURL); err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	policy, err := cfg.Policy()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	owner, ownerSrc, err := resolveAddress(addrFlag, keyFlag, cfg.Keys)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	evm, err := chain.DialEVM(ctx, cfg.RPCURL, nil, chain.EVMOptions{ChainID: cfg.ChainIDBig()})
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer evm.Close()

	balance, err := evm.Balance(ctx, owner.Hex())
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	amount, ok := policy.Forwardable(balance)
	fmt.Printf("address: %s (%s)\n", owner.Hex(), ownerSrc)
	fmt.Printf("balance: %s (base=%s)\n", ethutil.FormatUnits(balance, cfg.Decimals), balance)
	fmt.Printf("fee_reserve: %s dust: %s\n", ethutil.FormatUnits(policy.FeeReserve, cfg.Decimals), ethutil.FormatUnits(policy.Dust, cfg.Decimals))
	switch {
	case ok:
		fmt.Printf("forwardable: %s (base=%s)\n", ethutil.FormatUnits(amount, cfg.Decimals), amount)
	case policy.BelowDust(balance):
		fmt.Printf("forwardable: none (below dust; abandoned after %s)\n", cfg.AbandonAfter)
	default:
		fmt.Printf("forwardable: none (balance minus reserve not above dust)\n")
	}
}

func resolveAddress(addrFlag, keyFlag, keys string) (common.Address, string, error) {
	if raw := strings.TrimSpace(addrFlag); raw != "" {
		addr, err := ethutil.ParseAddress(raw)
		if err != nil {
			return common.Address{}, "", fmt.Errorf("invalid --address: %w", err)
		}
		return addr, "--address", nil
	}

	if pkHex := strings.TrimSpace(keyFlag); pkHex != "" {
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(pkHex, "0x"))
		if err != nil {
			return common.Address{}, "", fmt.Errorf("invalid --key: %w", err)
		}
		return crypto.PubkeyToAddress(pk.PublicKey), "--key", nil
	}

	if strings.TrimSpace(keys) != "" {
		kr, err := chain.ParseKeyring(keys)
		if err != nil {
			return common.Address{}, "", fmt.Errorf("DEPOSIT_KEYS: %w", err)
		}
		if ref, addr, ok := kr.First(); ok {
			return addr, "DEPOSIT_KEYS:" + ref, nil
		}
	}

	return common.Address{}, "", fmt.Errorf("address required: pass --address, --key, or set DEPOSIT_KEYS")
}
