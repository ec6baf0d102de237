// Package gateway is the HTTP and websocket client for the polyswarmd chain
// gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	coreerrors "polyswarmclient/core/errors"
	"polyswarmclient/core/types"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultReceiptInterval = time.Second
	defaultReceiptTimeout  = 60 * time.Second

	// knownTransaction is returned when the same signed payload was already
	// accepted, which is not a failure.
	knownTransaction = "known transaction"
	// receiptTimeout is returned by polyswarmd when it gave up waiting.
	receiptTimeout = "timeout during wait for receipt"
)

var (
	// ErrNotFound is returned when the gateway has no record of the resource.
	ErrNotFound = errors.New("gateway: not found")
	// ErrThrottled is returned after the gateway answered 429.
	ErrThrottled = errors.New("gateway: throttled")
)

// Client talks to a single polyswarmd instance. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	apiKey  string
	account string
	http    *http.Client
	limiter *rate.Limiter
	pause   *pauser
	logger  *slog.Logger

	receiptInterval time.Duration
	receiptTimeout  time.Duration
	batch           bool

	paramsMu sync.Mutex
	params   map[string]Parameters
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. The default wraps the transport
// with OpenTelemetry instrumentation.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithAPIKey sets the bearer key sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithAccount sets the account address passed to account-scoped endpoints.
func WithAccount(address string) Option {
	return func(c *Client) {
		c.account = strings.TrimSpace(address)
	}
}

// WithRateLimit paces outgoing requests. A non-positive rps disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithThrottlePause overrides the pause applied after a 429 response.
func WithThrottlePause(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pause.pause = d
		}
	}
}

// WithReceiptPolling controls how Submit waits for receipts.
func WithReceiptPolling(interval, timeout time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.receiptInterval = interval
		}
		if timeout > 0 {
			c.receiptTimeout = timeout
		}
	}
}

// WithBatchSupport declares that the gateway accepts multi-action transactions.
func WithBatchSupport(enabled bool) Option {
	return func(c *Client) {
		c.batch = enabled
	}
}

// WithLogger overrides the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a client for the gateway at rawURL.
func New(rawURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(rawURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("gateway: parse url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("gateway: unsupported scheme %q", base.Scheme)
	}
	c := &Client{
		base: base,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		pause:           &pauser{pause: DefaultThrottlePause, now: time.Now},
		logger:          slog.Default(),
		receiptInterval: defaultReceiptInterval,
		receiptTimeout:  defaultReceiptTimeout,
		params:          make(map[string]Parameters),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Nonce returns the next nonce the chain expects for address.
func (c *Client) Nonce(ctx context.Context, address, chain string) (uint64, error) {
	var n uint64
	q := url.Values{"account": {address}, "ignore_pending": {"true"}}
	if err := c.do(ctx, http.MethodGet, "/nonce", chain, q, nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// BlockHeight returns the latest block number on chain.
func (c *Client) BlockHeight(ctx context.Context, chain string) (uint64, error) {
	var status struct {
		Block uint64 `json:"block"`
	}
	if err := c.do(ctx, http.MethodGet, "/status", chain, nil, nil, &status); err != nil {
		return 0, err
	}
	return status.Block, nil
}

// SupportsBatch reports whether multi-action transactions may be sent.
func (c *Client) SupportsBatch(string) bool { return c.batch }

// Submit posts a signed transaction and waits for its receipt. Ambiguous
// outcomes (transport failures after the request was sent, receipt timeouts)
// are reported as transient errors; callers resolve them from chain state.
func (c *Client) Submit(ctx context.Context, chain string, tx *types.Transaction) (types.Receipt, error) {
	if tx == nil || !tx.Signed() {
		return types.Receipt{}, fmt.Errorf("gateway: transaction must be signed")
	}
	body := struct {
		Transactions []*types.Transaction `json:"transactions"`
	}{Transactions: []*types.Transaction{tx}}
	var result struct {
		Transactions []sendResult `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodPost, "/transactions", chain, nil, body, &result); err != nil {
		return types.Receipt{}, err
	}
	if len(result.Transactions) != 1 {
		return types.Receipt{}, coreerrors.Transient(fmt.Errorf("gateway: expected one send result, got %d", len(result.Transactions)))
	}
	sent := result.Transactions[0]
	if sent.IsError {
		msg := strings.ToLower(sent.Message)
		switch {
		case strings.Contains(msg, knownTransaction):
			c.logger.Debug("transaction already known to gateway", slog.String("hash", sent.Hash))
		case strings.Contains(msg, receiptTimeout):
			return types.Receipt{}, coreerrors.Transient(errors.New(sent.Message))
		default:
			return types.Receipt{}, coreerrors.Reject(0, sent.Message)
		}
	}
	return c.awaitReceipt(ctx, chain, sent.Hash)
}

func (c *Client) awaitReceipt(ctx context.Context, chain, hash string) (types.Receipt, error) {
	deadline := time.Now().Add(c.receiptTimeout)
	for {
		receipt, found, err := c.Receipt(ctx, chain, hash)
		if err != nil && !coreerrors.IsRetryable(err) {
			return types.Receipt{}, err
		}
		if found {
			if strings.EqualFold(receipt.Status, "failed") {
				return receipt, coreerrors.Reverted("transaction failed")
			}
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return types.Receipt{}, coreerrors.Transient(fmt.Errorf("gateway: %s %s", receiptTimeout, hash))
		}
		timer := time.NewTimer(c.receiptInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return types.Receipt{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// Receipt looks up a transaction by hash. found is false while the
// transaction is unknown or still pending.
func (c *Client) Receipt(ctx context.Context, chain, hash string) (types.Receipt, bool, error) {
	var receipt types.Receipt
	err := c.do(ctx, http.MethodGet, "/transactions/"+url.PathEscape(hash), chain, nil, nil, &receipt)
	if errors.Is(err, ErrNotFound) {
		return types.Receipt{}, false, nil
	}
	if err != nil {
		return types.Receipt{}, false, err
	}
	if receipt.TxHash == "" || strings.EqualFold(receipt.Status, "pending") {
		return types.Receipt{}, false, nil
	}
	return receipt, true, nil
}

// Parameters returns the bounty registry parameters for chain. Results are
// cached for the life of the client.
func (c *Client) Parameters(ctx context.Context, chain string) (Parameters, error) {
	c.paramsMu.Lock()
	cached, ok := c.params[chain]
	c.paramsMu.Unlock()
	if ok {
		return cached, nil
	}
	var params Parameters
	if err := c.do(ctx, http.MethodGet, "/bounties/parameters", chain, nil, nil, &params); err != nil {
		return Parameters{}, err
	}
	c.paramsMu.Lock()
	c.params[chain] = params
	c.paramsMu.Unlock()
	return params, nil
}

// Bounty returns the on-chain state of a bounty.
func (c *Client) Bounty(ctx context.Context, chain, guid string) (Bounty, error) {
	var bounty Bounty
	if err := c.do(ctx, http.MethodGet, "/bounties/"+url.PathEscape(guid), chain, nil, nil, &bounty); err != nil {
		return Bounty{}, err
	}
	return bounty, nil
}

// Bloom returns the published bloom of a bounty as 256-bit words, most
// significant first.
func (c *Client) Bloom(ctx context.Context, chain, guid string) ([]*uint256.Int, error) {
	var raw []json.Number
	if err := c.do(ctx, http.MethodGet, "/bounties/"+url.PathEscape(guid)+"/bloom", chain, nil, nil, &raw); err != nil {
		return nil, err
	}
	parts := make([]*uint256.Int, 0, len(raw))
	for _, n := range raw {
		part, err := uint256.FromDecimal(n.String())
		if err != nil {
			return nil, fmt.Errorf("gateway: bloom part %q: %w", n, err)
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// Balance returns the token balance of address on chain.
func (c *Client) Balance(ctx context.Context, chain, address string) (*big.Int, error) {
	var raw json.Number
	if err := c.do(ctx, http.MethodGet, "/balances/"+url.PathEscape(address)+"/nct", chain, nil, nil, &raw); err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(raw.String(), 10)
	if !ok {
		return nil, fmt.Errorf("gateway: invalid balance %q", raw)
	}
	return balance, nil
}

// Artifacts lists the files behind an artifact URI.
func (c *Client) Artifacts(ctx context.Context, uri string) ([]Artifact, error) {
	var out []Artifact
	if err := c.do(ctx, http.MethodGet, "/artifacts/"+url.PathEscape(uri), "", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Artifact downloads a single file from an artifact bundle.
func (c *Client) Artifact(ctx context.Context, uri string, index int) ([]byte, error) {
	path := fmt.Sprintf("/artifacts/%s/%d", url.PathEscape(uri), index)
	resp, err := c.send(ctx, http.MethodGet, path, "", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path, chain string, query url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, chain, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return err
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return coreerrors.Transient(fmt.Errorf("gateway: decode %s: %w", path, err))
	}
	if !strings.EqualFold(env.Status, "OK") {
		return coreerrors.Reject(resp.StatusCode, errorText(env.Errors))
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("gateway: decode %s result: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path, chain string, query url.Values, body any) (*http.Response, error) {
	if err := c.pause.wait(ctx); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	if chain != "" {
		q.Set("chain", chain)
	}
	if c.account != "" && q.Get("account") == "" {
		q.Set("account", c.account)
	}
	u.RawQuery = q.Encode()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("gateway: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", coreerrors.ErrGatewayUnavailable, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		c.pause.trigger()
		c.logger.Warn("gateway throttled requests", slog.String("path", path), slog.Duration("pause", c.pause.pause))
		return nil, coreerrors.Transient(ErrThrottled)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return coreerrors.Transient(fmt.Errorf("gateway: status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		var env envelope
		_ = json.NewDecoder(resp.Body).Decode(&env)
		return coreerrors.Reject(resp.StatusCode, errorText(env.Errors))
	}
	return nil
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown error"
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}
