package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey wraps a secp256k1 account key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address returns the account address derived from the public key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a hex encoded key with or without 0x prefix.
func PrivateKeyFromHex(value string) (*PrivateKey, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key: %w", err)
	}
	return PrivateKeyFromBytes(raw)
}

// NormalizeAddress returns the checksummed form of a hex address.
func NormalizeAddress(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("crypto: invalid address %q", value)
	}
	return common.HexToAddress(trimmed).Hex(), nil
}
