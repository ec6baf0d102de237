package agentd

import (
	"context"
	"fmt"

	"polyswarmclient/config"
	"polyswarmclient/roles"
)

// listSource posts a fixed list of bounties once per chain.
type listSource []roles.QueuedBounty

func (s listSource) Bounties(ctx context.Context, _ string, push func(context.Context, roles.QueuedBounty) error) error {
	for _, b := range s {
		if err := push(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func configuredBounties(cfg []config.BountyConfig) (listSource, error) {
	out := make(listSource, 0, len(cfg))
	for i, b := range cfg {
		amount, err := b.Amount.Int()
		if err != nil {
			return nil, fmt.Errorf("bounty %d: %w", i, err)
		}
		out = append(out, roles.QueuedBounty{Amount: amount, URI: b.URI, Duration: b.Duration})
	}
	return out, nil
}
