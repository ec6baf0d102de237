package types

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ActionKind names the contract call carried by a transaction action.
type ActionKind string

const (
	ActionPostBounty      ActionKind = "post_bounty"
	ActionPostAssertion   ActionKind = "post_assertion"
	ActionRevealAssertion ActionKind = "reveal_assertion"
	ActionPostVote        ActionKind = "post_vote"
	ActionSettleBounty    ActionKind = "settle_bounty"
)

// Action is a single contract call. A transaction carries one action, or
// several when the gateway accepts multi-action batches.
type Action struct {
	Kind    ActionKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewAction encodes payload as JSON.
func NewAction(kind ActionKind, payload any) (Action, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Action{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	return Action{Kind: kind, Payload: raw}, nil
}

// Transaction is the unit submitted to the gateway. Nonce and signature are
// filled in by the submitter; everything else describes the logical intent.
type Transaction struct {
	Chain   string   `json:"chain"`
	From    string   `json:"from"`
	Nonce   uint64   `json:"nonce"`
	Actions []Action `json:"actions"`

	R *big.Int `json:"r,omitempty"`
	S *big.Int `json:"s,omitempty"`
	V *big.Int `json:"v,omitempty"`
}

// Hash returns keccak256 over the canonical JSON encoding of the unsigned
// fields. Signature fields are excluded.
func (tx *Transaction) Hash() (common.Hash, error) {
	txData := struct {
		Chain   string
		From    string
		Nonce   uint64
		Actions []Action
	}{tx.Chain, tx.From, tx.Nonce, tx.Actions}

	b, err := json.Marshal(txData)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(b), nil
}

// Sign attaches a secp256k1 signature over Hash.
func (tx *Transaction) Sign(privKey *ecdsa.PrivateKey) error {
	if privKey == nil {
		return errors.New("types: nil private key")
	}
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash.Bytes(), privKey)
	if err != nil {
		return err
	}
	tx.R = new(big.Int).SetBytes(sig[:32])
	tx.S = new(big.Int).SetBytes(sig[32:64])
	tx.V = new(big.Int).SetBytes([]byte{sig[64] + 27})
	return nil
}

// Signed reports whether signature fields are present.
func (tx *Transaction) Signed() bool {
	return tx.R != nil && tx.S != nil && tx.V != nil
}

// Sender recovers the signing address.
func (tx *Transaction) Sender() (common.Address, error) {
	if !tx.Signed() {
		return common.Address{}, errors.New("types: transaction not signed")
	}
	hash, err := tx.Hash()
	if err != nil {
		return common.Address{}, err
	}
	sig := make([]byte, 65)
	rb, sb := tx.R.Bytes(), tx.S.Bytes()
	copy(sig[32-len(rb):32], rb)
	copy(sig[64-len(sb):64], sb)
	sig[64] = byte(tx.V.Uint64() - 27)
	pubKey, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// Copy returns a deep copy without signature fields.
func (tx *Transaction) Copy() *Transaction {
	out := &Transaction{Chain: tx.Chain, From: tx.From, Nonce: tx.Nonce}
	out.Actions = make([]Action, len(tx.Actions))
	for i, a := range tx.Actions {
		out.Actions[i] = Action{Kind: a.Kind, Payload: append(json.RawMessage(nil), a.Payload...)}
	}
	return out
}

// Receipt reports the outcome of a submitted transaction.
type Receipt struct {
	TxHash      string            `json:"txhash"`
	BlockNumber uint64            `json:"block_number"`
	Status      string            `json:"status"`
	Results     []json.RawMessage `json:"results,omitempty"`
}
