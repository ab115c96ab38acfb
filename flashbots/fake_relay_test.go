package flashbots

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/bundle-relay-client/jsonrpcserver"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedRequest struct {
	Body      []byte
	Signature string
	Signer    common.Address
}

// fakeRelay is an in-process relay verifying X-Flashbots-Signature the way the real one does
type fakeRelay struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
	sent     []SendBundleArgs
	called   []CallBundleArgs

	simulate func(ctx context.Context, args CallBundleArgs) (*SimulationResult, error)
	send     func(ctx context.Context, args SendBundleArgs) (*SendBundleResponse, error)
}

func newFakeRelay(t *testing.T, opts jsonrpcserver.HandlerOpts) *fakeRelay {
	t.Helper()

	r := &fakeRelay{
		simulate: func(ctx context.Context, args CallBundleArgs) (*SimulationResult, error) {
			return &SimulationResult{TotalGasUsed: 21000, CoinbaseDiff: NewWei(100)}, nil
		},
		send: func(ctx context.Context, args SendBundleArgs) (*SendBundleResponse, error) {
			return &SendBundleResponse{}, nil
		},
	}

	handler, err := jsonrpcserver.NewHandler(opts, jsonrpcserver.Methods{
		SimulateBundleEndpointName: func(ctx context.Context, args CallBundleArgs) (*SimulationResult, error) {
			r.mu.Lock()
			r.called = append(r.called, args)
			r.requests[len(r.requests)-1].Signer = jsonrpcserver.GetSigner(ctx)
			r.mu.Unlock()
			return r.simulate(ctx, args)
		},
		SendBundleEndpointName: func(ctx context.Context, args SendBundleArgs) (*SendBundleResponse, error) {
			r.mu.Lock()
			r.sent = append(r.sent, args)
			r.requests[len(r.requests)-1].Signer = jsonrpcserver.GetSigner(ctx)
			r.mu.Unlock()
			return r.send(ctx, args)
		},
		BundleStatsEndpointName: func(ctx context.Context, args BundleStatsArgs) (*BundleStats, error) {
			return &BundleStats{IsSimulated: true, IsHighPriority: true, SimulatedAt: "2021-10-06T21:36:06.317Z"}, nil
		},
		UserStatsEndpointName: func(ctx context.Context, args UserStatsArgs) (*UserStats, error) {
			return &UserStats{IsHighPriority: true, Last1dGasSimulated: NewWei(42000)}, nil
		},
	})
	require.NoError(t, err)

	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.requests = append(r.requests, recordedRequest{Body: body, Signature: req.Header.Get(SignatureHeader)})
		r.mu.Unlock()

		req.Body = io.NopCloser(bytes.NewReader(body))
		handler.ServeHTTP(w, req)
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *fakeRelay) URL() string {
	return r.server.URL
}

func (r *fakeRelay) Requests() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.requests...)
}

func (r *fakeRelay) Sent() []SendBundleArgs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SendBundleArgs(nil), r.sent...)
}

func (r *fakeRelay) Called() []CallBundleArgs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CallBundleArgs(nil), r.called...)
}

func newTestRelayClient(t *testing.T, url string, auth *Authenticator) *RelayClient {
	t.Helper()
	client, err := NewRelayClient(zap.NewNop(), RelayConfig{Name: "test", URL: url, Auth: auth})
	require.NoError(t, err)
	return client
}

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	auth, err := NewAuthenticatorFromHex("0xd63b3c447fdea415a05e4c0b859474d14105a88178efdf350bc9f7b05be3cc58")
	require.NoError(t, err)
	return auth
}

var testTxKey, _ = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")

func newTestSignedTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64) *types.Transaction {
	t.Helper()
	to := common.Address{}
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(big.NewInt(1)), &types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     nonce,
		GasTipCap: big.NewInt(1e9),
		GasFeeCap: big.NewInt(30e9),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(1),
	})
	require.NoError(t, err)
	return tx
}

func newTestRawTx(t *testing.T, nonce uint64) RawTransaction {
	t.Helper()
	raw, err := NewRawTransaction(newTestSignedTx(t, testTxKey, nonce))
	require.NoError(t, err)
	return raw
}
