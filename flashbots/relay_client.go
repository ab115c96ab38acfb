package flashbots

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/bundle-relay-client/metrics"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BundleRelay is anything bundles can be simulated on and submitted to
type BundleRelay interface {
	SimulateBundle(ctx context.Context, bundle BundleRequest, stateBlock string) (*SimulationResult, error)
	SendBundle(ctx context.Context, bundle BundleRequest) (SubmittedBundle, error)
}

type RelayConfig struct {
	Name    string
	URL     string
	Auth    *Authenticator
	Timeout time.Duration
	// RateLimit limits outbound calls per second, zero means no limit
	RateLimit rate.Limit
	// Transport is used under the signing transport, http.DefaultTransport if nil
	Transport http.RoundTripper
}

// RelayClient issues authenticated JSON-RPC calls to one relay.
// It keeps no per call state and is safe for concurrent use.
type RelayClient struct {
	log     *zap.Logger
	name    string
	url     string
	auth    *Authenticator
	client  jsonrpc.RPCClient
	limiter *rate.Limiter
}

func NewRelayClient(log *zap.Logger, cfg RelayConfig) (*RelayClient, error) {
	if cfg.Auth == nil {
		return nil, ErrNilAuthenticator
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRelayTimeout
	}
	if cfg.Name == "" {
		cfg.Name = cfg.URL
	}
	limit := cfg.RateLimit
	if limit == 0 {
		limit = rate.Inf
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: newSigningTransport(cfg.Auth, cfg.Transport),
	}
	client := jsonrpc.NewClientWithOpts(cfg.URL, &jsonrpc.RPCClientOpts{
		HTTPClient:         httpClient,
		AllowUnknownFields: true,
	})

	return &RelayClient{
		log:     log.Named("relay").With(zap.String("relay", cfg.Name)),
		name:    cfg.Name,
		url:     cfg.URL,
		auth:    cfg.Auth,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (c *RelayClient) String() string {
	return c.name
}

func (c *RelayClient) Signer() common.Address {
	return c.auth.Address()
}

// SimulateBundle runs eth_callBundle on top of stateBlock ("latest" if empty).
// It's never retried here, simulation is idempotent so retrying is up to the caller.
func (c *RelayClient) SimulateBundle(ctx context.Context, bundle BundleRequest, stateBlock string) (*SimulationResult, error) {
	if err := c.checkBundle(SimulateBundleEndpointName, bundle); err != nil {
		return nil, err
	}

	var result SimulationResult
	err := c.call(ctx, SimulateBundleEndpointName, []CallBundleArgs{bundle.callBundleArgs(stateBlock)}, &result)
	if err != nil {
		return nil, err
	}
	metrics.IncBundlesSimulated()
	if !result.Success() {
		metrics.IncBundlesSimulationFailed()
	}

	c.log.Debug("Simulated bundle",
		zap.String("bundle", bundle.Hash().Hex()),
		zap.Bool("success", result.Success()),
		zap.Uint64("state_block", uint64(result.StateBlockNumber)),
		zap.Uint64("gas_used", uint64(result.TotalGasUsed)),
		zap.String("eth_coinbase_diff", formatUnits(&result.CoinbaseDiff.Int, "eth")),
		zap.String("gwei_bundle_gas_price", formatUnits(&result.BundleGasPrice.Int, "gwei")),
	)
	return &result, nil
}

// SendBundle submits the bundle exactly once. The returned handle can be watched with NewPendingBundle.
func (c *RelayClient) SendBundle(ctx context.Context, bundle BundleRequest) (SubmittedBundle, error) {
	if err := c.checkBundle(SendBundleEndpointName, bundle); err != nil {
		return SubmittedBundle{}, err
	}

	var res SendBundleResponse
	err := c.call(ctx, SendBundleEndpointName, []SendBundleArgs{bundle.sendBundleArgs()}, &res)
	if err != nil {
		return SubmittedBundle{}, err
	}
	metrics.IncBundlesSent()

	submitted := newSubmittedBundle(bundle, res.BundleHash, c.name)
	c.log.Info("Sent bundle",
		zap.String("bundle", submitted.BundleHash.Hex()),
		zap.Uint64("target_block", submitted.TargetBlock),
		zap.Int("txs", len(submitted.TxHashes)),
	)
	if submitted.BundleHash != submitted.LocalHash {
		c.log.Warn("Relay bundle hash differs from the local one",
			zap.String("relay_hash", submitted.BundleHash.Hex()), zap.String("local_hash", submitted.LocalHash.Hex()))
	}
	return submitted, nil
}

// GetBundleStats returns what the relay knows about a previously sent bundle
func (c *RelayClient) GetBundleStats(ctx context.Context, bundleHash common.Hash, block uint64) (*BundleStats, error) {
	var stats BundleStats
	args := BundleStatsArgs{BundleHash: bundleHash, BlockNumber: hexutil.Uint64(block)}
	err := c.call(ctx, BundleStatsEndpointName, []BundleStatsArgs{args}, &stats)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetUserStats returns the reputation of the authenticator identity
func (c *RelayClient) GetUserStats(ctx context.Context, block uint64) (*UserStats, error) {
	var stats UserStats
	args := UserStatsArgs{BlockNumber: hexutil.Uint64(block)}
	err := c.call(ctx, UserStatsEndpointName, []UserStatsArgs{args}, &stats)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// checkBundle rejects bundles the relay can't act on before anything is sent
func (c *RelayClient) checkBundle(method string, bundle BundleRequest) error {
	if bundle.Len() == 0 {
		metrics.IncBundlesEmptyRejected()
		return &RelayError{Kind: ErrRelayProtocol, Relay: c.name, Method: method, Err: ErrEmptyBundle}
	}
	if _, ok := bundle.Block(); !ok {
		metrics.IncBundlesMissingBlockRejected()
		return &RelayError{Kind: ErrRelayProtocol, Relay: c.name, Method: method, Err: ErrMissingBlock}
	}
	return nil
}

func (c *RelayClient) call(ctx context.Context, method string, params, result any) (err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRelayCallDuration(c.name, method, time.Since(startAt).Milliseconds())
		var relayErr *RelayError
		if errors.As(err, &relayErr) {
			metrics.IncRelayCallFailure(c.name, method, relayErr.Kind.Error())
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return &RelayError{Kind: ErrTransport, Relay: c.name, Method: method, Err: err}
	}

	res, err := c.client.Call(ctx, method, params)
	if err != nil {
		return c.classifyCallError(method, res, err)
	}
	if res == nil {
		return &RelayError{Kind: ErrRelayProtocol, Relay: c.name, Method: method, Message: "empty response"}
	}
	if res.Error != nil {
		kind := ErrRelayProtocol
		if isAuthorizationMessage(res.Error.Message) {
			kind = ErrAuthorization
		}
		return &RelayError{Kind: kind, Relay: c.name, Method: method, Code: res.Error.Code, Message: res.Error.Message, Err: res.Error}
	}
	if result == nil || res.Result == nil {
		return nil
	}
	if err := res.GetObject(result); err != nil {
		return &RelayError{Kind: ErrRelayProtocol, Relay: c.name, Method: method, Err: err}
	}
	return nil
}

func (c *RelayClient) classifyCallError(method string, res *jsonrpc.RPCResponse, err error) error {
	relayErr := &RelayError{Kind: ErrRelayProtocol, Relay: c.name, Method: method, Err: err}
	if res != nil && res.Error != nil {
		relayErr.Code = res.Error.Code
		relayErr.Message = res.Error.Message
	}

	var httpErr *jsonrpc.HTTPError
	var urlErr *url.Error
	switch {
	case errors.As(err, &httpErr):
		relayErr.StatusCode = httpErr.Code
		if httpErr.Code == http.StatusUnauthorized || httpErr.Code == http.StatusForbidden {
			relayErr.Kind = ErrAuthorization
		} else {
			relayErr.Kind = ErrTransport
		}
	case errors.As(err, &urlErr), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		relayErr.Kind = ErrTransport
	}
	if relayErr.Kind != ErrAuthorization && relayErr.Message != "" && isAuthorizationMessage(relayErr.Message) {
		relayErr.Kind = ErrAuthorization
	}
	return relayErr
}
