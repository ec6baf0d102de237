package events

const (
	// TypeBounty is emitted when a bounty is posted.
	TypeBounty = "bounty"
	// TypeAssertion is emitted when an expert stakes an assertion on a bounty.
	TypeAssertion = "assertion"
	// TypeReveal is emitted when an assertion's verdicts are revealed.
	TypeReveal = "reveal"
	// TypeVerdict is emitted when an arbiter votes on a bounty.
	TypeVerdict = "vote"
	// TypeQuorum is emitted once enough arbiters have voted.
	TypeQuorum = "quorum"
	// TypeSettledBounty is emitted when a participant settles a bounty.
	TypeSettledBounty = "settled_bounty"
)

type Bounty struct {
	GUID        string `json:"guid"`
	Author      string `json:"author"`
	Amount      string `json:"amount"`
	URI         string `json:"uri"`
	Expiration  uint64 `json:"expiration"`
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"txhash"`
}

func (Bounty) EventType() string { return TypeBounty }

type Assertion struct {
	BountyGUID string `json:"bounty_guid"`
	Author     string `json:"author"`
	Index      uint64 `json:"index"`
	Bid        string `json:"bid"`
	Mask       []bool `json:"mask"`
	Commitment string `json:"commitment"`
}

func (Assertion) EventType() string { return TypeAssertion }

type Reveal struct {
	BountyGUID string `json:"bounty_guid"`
	Author     string `json:"author"`
	Index      uint64 `json:"index"`
	Nonce      string `json:"nonce"`
	Verdicts   []bool `json:"verdicts"`
	Metadata   string `json:"metadata"`
}

func (Reveal) EventType() string { return TypeReveal }

type Verdict struct {
	BountyGUID string `json:"bounty_guid"`
	Votes      []bool `json:"votes"`
	Voter      string `json:"voter"`
}

func (Verdict) EventType() string { return TypeVerdict }

type Quorum struct {
	BountyGUID string `json:"bounty_guid"`
}

func (Quorum) EventType() string { return TypeQuorum }

type SettledBounty struct {
	BountyGUID string `json:"bounty_guid"`
	Settler    string `json:"settler"`
	Payout     string `json:"payout"`
}

func (SettledBounty) EventType() string { return TypeSettledBounty }
