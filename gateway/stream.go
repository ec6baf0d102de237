package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"nhooyr.io/websocket"

	coreerrors "polyswarmclient/core/errors"
	"polyswarmclient/core/events"
)

// maxMessageSize bounds a single websocket frame from the gateway.
const maxMessageSize = 1 << 20

type streamMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Subscription is a live event stream for one chain.
type Subscription struct {
	conn   *websocket.Conn
	chain  string
	logger *slog.Logger
}

// Subscribe opens the websocket event stream for chain.
func (c *Client) Subscribe(ctx context.Context, chain string) (*Subscription, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	u.RawQuery = url.Values{"chain": {chain}}.Encode()

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	// The websocket library rejects clients with a Timeout, and the upgrade
	// needs the raw response body the tracing transport would wrap.
	hc := *c.http
	hc.Timeout = 0
	if _, ok := hc.Transport.(*otelhttp.Transport); ok {
		hc.Transport = http.DefaultTransport
	}
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: &hc,
		HTTPHeader: header,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: subscribe %s: %w", coreerrors.ErrGatewayUnavailable, chain, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return &Subscription{conn: conn, chain: chain, logger: c.logger}, nil
}

// Next blocks until the next recognised event arrives. Messages of unknown
// kinds are skipped. A closed connection is reported as ErrGatewayUnavailable.
func (s *Subscription) Next(ctx context.Context) (events.Event, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: stream %s: %w", coreerrors.ErrGatewayUnavailable, s.chain, err)
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("dropping malformed gateway message", slog.String("chain", s.chain), slog.Any("error", err))
			continue
		}
		ev, err := events.Decode(msg.Event, msg.Data)
		if errors.Is(err, events.ErrUnknownKind) {
			s.logger.Debug("ignoring gateway event", slog.String("chain", s.chain), slog.String("event", msg.Event))
			continue
		}
		if errors.Is(err, events.ErrInternalKind) {
			s.logger.Warn("dropping deadline event from gateway", slog.String("chain", s.chain), slog.String("event", msg.Event))
			continue
		}
		if err != nil {
			s.logger.Warn("dropping undecodable gateway event", slog.String("chain", s.chain), slog.Any("error", err))
			continue
		}
		return ev, nil
	}
}

// Close terminates the stream.
func (s *Subscription) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client closing")
}
