package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/nestorselin/web3-own-copy/internal/ethutil"
)

const transferGas = uint64(21_000)

// Backend is the subset of *ethclient.Client the EVM reader needs.
type Backend interface {
	bind.DeployBackend

	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type EVMOptions struct {
	// ChainID is queried from the node when nil.
	ChainID *big.Int

	// Confirmations is the number of blocks on top of the inclusion block to
	// wait for before a transfer counts as confirmed. 0 = inclusion only.
	Confirmations uint64
	PollInterval  time.Duration

	// MaxFee caps gas*feeCap so a transfer never spends more than the fee
	// reserve withheld from the balance. Nil disables the check.
	MaxFee *big.Int
}

func (o EVMOptions) withDefaults() EVMOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	return o
}

// EVM reads balances and forwards native coin on an EVM chain.
type EVM struct {
	backend Backend
	keys    Keyring
	opts    EVMOptions
	closeFn func()
}

func DialEVM(ctx context.Context, rpcURL string, keys Keyring, opts EVMOptions) (*EVM, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain RPC: %w", err)
	}
	e := NewEVM(client, keys, opts)
	e.closeFn = client.Close
	if e.opts.ChainID == nil {
		callCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		defer cancel()
		id, err := client.ChainID(callCtx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("chain id: %w", err)
		}
		e.opts.ChainID = id
	}
	return e, nil
}

func NewEVM(backend Backend, keys Keyring, opts EVMOptions) *EVM {
	return &EVM{backend: backend, keys: keys, opts: opts.withDefaults()}
}

func (e *EVM) Close() {
	if e.closeFn != nil {
		e.closeFn()
	}
}

func (e *EVM) Balance(ctx context.Context, address string) (*big.Int, error) {
	addr, err := ethutil.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	bal, err := e.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("balance %s: %w", addr.Hex(), err)
	}
	return bal, nil
}

func (e *EVM) SubmitTransfer(ctx context.Context, keyRef, from, to string, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("transfer amount must be > 0")
	}
	fromAddr, err := ethutil.ParseAddress(from)
	if err != nil {
		return "", fmt.Errorf("source: %w", err)
	}
	toAddr, err := ethutil.ParseAddress(to)
	if err != nil {
		return "", fmt.Errorf("destination: %w", err)
	}
	if e.keys == nil {
		return "", fmt.Errorf("keyring not configured")
	}
	pk, err := e.keys.Key(keyRef)
	if err != nil {
		return "", err
	}
	signer := crypto.PubkeyToAddress(pk.PublicKey)
	if signer != fromAddr {
		return "", fmt.Errorf("%w: key %q is %s, want %s", ErrKeyMismatch, keyRef, signer.Hex(), fromAddr.Hex())
	}

	chainID, err := e.chainID(ctx)
	if err != nil {
		return "", err
	}
	nonce, err := e.backend.PendingNonceAt(ctx, fromAddr)
	if err != nil {
		return "", fmt.Errorf("nonce %s: %w", fromAddr.Hex(), err)
	}
	tip, feeCap, err := e.fees(ctx)
	if err != nil {
		return "", err
	}
	if e.opts.MaxFee != nil {
		cost := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(transferGas))
		if cost.Cmp(e.opts.MaxFee) > 0 {
			return "", fmt.Errorf("gas cost %s exceeds fee reserve %s", cost, e.opts.MaxFee)
		}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       transferGas,
		To:        &toAddr,
		Value:     new(big.Int).Set(amount),
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), pk)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transfer from %s: %w", fromAddr.Hex(), err)
	}

	receipt, err := bind.WaitMined(ctx, e.backend, signed)
	if err != nil {
		return "", fmt.Errorf("wait transfer %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("transfer %s reverted", signed.Hash().Hex())
	}
	if err := e.waitConfirmations(ctx, receipt); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

func (e *EVM) chainID(ctx context.Context) (*big.Int, error) {
	if e.opts.ChainID != nil {
		return e.opts.ChainID, nil
	}
	id, err := e.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	e.opts.ChainID = id
	return id, nil
}

// fees returns the priority tip and a fee cap of 2*baseFee + tip.
func (e *EVM) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	tip, err := e.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := e.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return tip, feeCap, nil
}

func (e *EVM) waitConfirmations(ctx context.Context, receipt *types.Receipt) error {
	if e.opts.Confirmations == 0 || receipt.BlockNumber == nil {
		return nil
	}
	target := new(big.Int).Add(receipt.BlockNumber, new(big.Int).SetUint64(e.opts.Confirmations))

	t := time.NewTicker(e.opts.PollInterval)
	defer t.Stop()
	for {
		head, err := e.backend.HeaderByNumber(ctx, nil)
		if err == nil && head != nil && head.Number != nil && head.Number.Cmp(target) >= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait %d confirmations for %s: %w", e.opts.Confirmations, receipt.TxHash.Hex(), ctx.Err())
		case <-t.C:
		}
	}
}
