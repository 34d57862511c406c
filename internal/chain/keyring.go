package chain

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nestorselin/web3-own-copy/internal/ethutil"
)

// Keyring resolves an intermediate key reference to signing material. Key
// custody lives outside this module; StaticKeyring is the minimal in-process
// implementation.
type Keyring interface {
	Key(ref string) (*ecdsa.PrivateKey, error)
}

type StaticKeyring struct {
	mu    sync.RWMutex
	keys  map[string]*ecdsa.PrivateKey
	order []string
}

func NewStaticKeyring() *StaticKeyring {
	return &StaticKeyring{keys: make(map[string]*ecdsa.PrivateKey)}
}

// ParseKeyring parses "ref=hexkey" pairs separated by commas, semicolons or
// whitespace. Duplicate refs are rejected.
func ParseKeyring(raw string) (*StaticKeyring, error) {
	kr := NewStaticKeyring()
	for _, pair := range ethutil.SplitList(raw) {
		ref, hexKey, ok := strings.Cut(pair, "=")
		ref = strings.TrimSpace(ref)
		if !ok || ref == "" {
			return nil, fmt.Errorf("keyring entry must be ref=hexkey, got %q", redact(pair))
		}
		if _, exists := kr.keys[ref]; exists {
			return nil, fmt.Errorf("duplicate keyring ref %q", ref)
		}
		if _, err := kr.AddHex(ref, hexKey); err != nil {
			return nil, err
		}
	}
	return kr, nil
}

// AddHex registers a hex-encoded secp256k1 key under ref and returns its
// address.
func (k *StaticKeyring) AddHex(ref, hexKey string) (common.Address, error) {
	pkHex := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	pk, err := crypto.HexToECDSA(pkHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid key for ref %q: %w", ref, err)
	}
	k.Add(ref, pk)
	return crypto.PubkeyToAddress(pk.PublicKey), nil
}

func (k *StaticKeyring) Add(ref string, pk *ecdsa.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.keys[ref]; !exists {
		k.order = append(k.order, ref)
	}
	k.keys[ref] = pk
}

// First returns the earliest added ref and its address.
func (k *StaticKeyring) First() (string, common.Address, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.order) == 0 {
		return "", common.Address{}, false
	}
	ref := k.order[0]
	return ref, crypto.PubkeyToAddress(k.keys[ref].PublicKey), true
}

func (k *StaticKeyring) Key(ref string) (*ecdsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pk, ok := k.keys[ref]
	if !ok {
		return nil, fmt.Errorf("no key for ref %q", ref)
	}
	return pk, nil
}

func (k *StaticKeyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

func redact(pair string) string {
	if i := strings.IndexByte(pair, '='); i >= 0 {
		return pair[:i] + "=***"
	}
	if len(pair) > 6 {
		return pair[:6] + "***"
	}
	return "***"
}
