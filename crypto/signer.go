package crypto

import (
	"context"
	"fmt"
	"strings"

	coreerrors "polyswarmclient/core/errors"
	"polyswarmclient/core/types"
)

// KeySigner signs transactions with a single local account key.
type KeySigner struct {
	key     *PrivateKey
	address string
}

// NewKeySigner wraps key.
func NewKeySigner(key *PrivateKey) (*KeySigner, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, fmt.Errorf("%w: no signing key loaded", coreerrors.ErrSigningFailure)
	}
	return &KeySigner{key: key, address: key.Address().Hex()}, nil
}

// Address returns the checksummed account address.
func (s *KeySigner) Address() string { return s.address }

// Sign returns a signed copy of tx. The transaction must be sent from the
// signer's account and target chain.
func (s *KeySigner) Sign(ctx context.Context, chain string, tx *types.Transaction) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transaction", coreerrors.ErrSigningFailure)
	}
	if tx.Chain != chain {
		return nil, fmt.Errorf("%w: transaction targets %q, signer asked for %q", coreerrors.ErrSigningFailure, tx.Chain, chain)
	}
	if !strings.EqualFold(tx.From, s.address) {
		return nil, fmt.Errorf("%w: transaction sender %s does not match key %s", coreerrors.ErrSigningFailure, tx.From, s.address)
	}
	if len(tx.Actions) == 0 {
		return nil, fmt.Errorf("%w: transaction has no actions", coreerrors.ErrSigningFailure)
	}
	signed := tx.Copy()
	if err := signed.Sign(s.key.PrivateKey); err != nil {
		return nil, fmt.Errorf("%w: %w", coreerrors.ErrSigningFailure, err)
	}
	return signed, nil
}
