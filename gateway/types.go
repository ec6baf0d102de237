package gateway

import (
	"encoding/json"
	"math/big"
)

// envelope is the response wrapper used by every polyswarmd endpoint.
type envelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Errors json.RawMessage `json:"errors"`
}

// Parameters are the per-chain bounty registry settings.
type Parameters struct {
	AssertionRevealWindow uint64   `json:"assertion_reveal_window"`
	ArbiterVoteWindow     uint64   `json:"arbiter_vote_window"`
	AssertionBidMinimum   *big.Int `json:"assertion_bid_minimum"`
	AssertionFee          *big.Int `json:"assertion_fee"`
	BountyFee             *big.Int `json:"bounty_fee"`
	BountyAmountMinimum   *big.Int `json:"bounty_amount_minimum"`
	MaxDuration           uint64   `json:"max_duration"`
}

// Bounty is the on-chain state of a bounty.
type Bounty struct {
	GUID         string `json:"guid"`
	Author       string `json:"author"`
	Amount       string `json:"amount"`
	URI          string `json:"uri"`
	NumArtifacts uint64 `json:"num_artifacts"`
	Expiration   uint64 `json:"expiration"`
	Resolved     bool   `json:"resolved"`
}

// Artifact describes a single file in an artifact bundle.
type Artifact struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

type sendResult struct {
	Hash    string `json:"hash"`
	IsError bool   `json:"is_error"`
	Message string `json:"message"`
}
