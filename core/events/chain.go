package events

const (
	// TypeBlock is emitted for every new block observed by the gateway.
	TypeBlock = "block"
	// TypeChannelInitialized is emitted when an offer channel is opened.
	TypeChannelInitialized = "initialized_channel"
	// TypeConnected is emitted locally once a chain subscription is live.
	TypeConnected = "connected"
	// TypeDisconnected is emitted locally when a chain subscription drops.
	TypeDisconnected = "disconnected"
)

type Block struct {
	Number uint64 `json:"number"`
}

func (Block) EventType() string { return TypeBlock }

type ChannelInitialized struct {
	GUID           string `json:"guid"`
	Ambassador     string `json:"ambassador"`
	Expert         string `json:"expert"`
	MultiSignature string `json:"multi_signature"`
}

func (ChannelInitialized) EventType() string { return TypeChannelInitialized }

// Connected carries the block height observed when the subscription came up.
type Connected struct {
	Height uint64 `json:"height"`
}

func (Connected) EventType() string { return TypeConnected }

type Disconnected struct {
	Reason string `json:"reason"`
}

func (Disconnected) EventType() string { return TypeDisconnected }
