package events

// Deadline actions are produced by roles and replayed through the registry
// when the schedule reports them due.
const (
	TypeRevealAssertionDue = "reveal_assertion_due"
	TypeSettleBountyDue    = "settle_bounty_due"
	TypeVoteOnBountyDue    = "vote_on_bounty_due"
)

// RevealAssertionDue asks the microengine to reveal a previously committed
// assertion.
type RevealAssertionDue struct {
	BountyGUID string `json:"bounty_guid"`
	Index      uint64 `json:"index"`
	Nonce      string `json:"nonce"`
	Verdicts   []bool `json:"verdicts"`
	Metadata   string `json:"metadata"`
}

func (RevealAssertionDue) EventType() string { return TypeRevealAssertionDue }

type SettleBountyDue struct {
	BountyGUID string `json:"bounty_guid"`
}

func (SettleBountyDue) EventType() string { return TypeSettleBountyDue }

// VoteOnBountyDue asks the arbiter to vote. ValidBloom records whether the
// bounty's published bloom matched the artifact list.
type VoteOnBountyDue struct {
	BountyGUID string `json:"bounty_guid"`
	Votes      []bool `json:"votes"`
	ValidBloom bool   `json:"valid_bloom"`
}

func (VoteOnBountyDue) EventType() string { return TypeVoteOnBountyDue }
