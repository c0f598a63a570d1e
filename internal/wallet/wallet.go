// Package wallet manages the local signing key used for x402 payments.
// Keys are secp256k1 private keys stored hex-encoded on disk with 0600
// permissions, compatible with the usual Ethereum tooling.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet holds a loaded private key and its derived address.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// DefaultPath returns the on-disk key location, ~/.blockrun/wallet.key.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".blockrun", "wallet.key"), nil
}

// FromHex constructs a wallet from a hex-encoded private key, with or
// without a 0x prefix.
func FromHex(hexKey string) (*Wallet, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return fromKey(key), nil
}

// Load reads a hex-encoded private key from path.
func Load(path string) (*Wallet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet key: %w", err)
	}
	return FromHex(string(b))
}

// LoadOrCreate loads the key at path, generating and persisting a fresh one
// if the file does not exist. The key file is written with 0600 permissions
// and its parent directory with 0700.
func LoadOrCreate(path string) (*Wallet, bool, error) {
	w, err := Load(path)
	if err == nil {
		return w, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, false, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("create wallet dir: %w", err)
	}
	hexKey := hexutil.Encode(crypto.FromECDSA(key))
	if err := os.WriteFile(path, []byte(hexKey+"\n"), 0o600); err != nil {
		return nil, false, fmt.Errorf("write wallet key: %w", err)
	}
	return fromKey(key), true, nil
}

func fromKey(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address returns the wallet's Ethereum address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// SignHash signs a 32-byte digest and returns the 65-byte [R || S || V]
// signature with V adjusted to 27/28 as EVM verifiers expect.
func (w *Wallet) SignHash(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := crypto.Sign(digest, w.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
