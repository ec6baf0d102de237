package agentd

import (
	"context"

	"polyswarmclient/core/loop"
	"polyswarmclient/gateway"
	"polyswarmclient/services/webhook"
)

// gatewayTransport feeds a loop from the gateway websocket.
type gatewayTransport struct {
	client *gateway.Client
}

func (t gatewayTransport) Subscribe(ctx context.Context, chain string) (loop.Stream, error) {
	sub, err := t.client.Subscribe(ctx, chain)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (t gatewayTransport) BlockHeight(ctx context.Context, chain string) (uint64, error) {
	return t.client.BlockHeight(ctx, chain)
}

type heightSource interface {
	BlockHeight(ctx context.Context, chain string) (uint64, error)
}

// webhookTransport feeds a loop from signed webhook deliveries while still
// asking the gateway for the current height on catch-up.
type webhookTransport struct {
	server  *webhook.Server
	heights heightSource
}

func (t webhookTransport) Subscribe(ctx context.Context, chain string) (loop.Stream, error) {
	stream, err := t.server.Subscribe(ctx, chain)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (t webhookTransport) BlockHeight(ctx context.Context, chain string) (uint64, error) {
	return t.heights.BlockHeight(ctx, chain)
}
