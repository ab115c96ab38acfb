package flashbots

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/bundle-relay-client/spike"
)

var (
	ErrNoBaseFee      = errors.New("chain doesn't support EIP-1559 fees")
	ErrChainIDChanged = errors.New("chain id doesn't match the signer")

	ErrSubscriptionUnsupported = errors.New("chain reader doesn't support subscriptions")
)

// TransactionRequest is an unsigned transaction, nil fields are filled from the chain
type TransactionRequest struct {
	From      common.Address
	To        *common.Address
	Value     *big.Int
	Data      []byte
	Nonce     *uint64
	Gas       uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// TransactionFiller completes a transaction request with chain defaults
type TransactionFiller interface {
	FillTransaction(ctx context.Context, req TransactionRequest) (*types.DynamicFeeTx, error)
}

// Provider is the chain RPC collaborator wrapped by Middleware
type Provider interface {
	ChainReader
	TransactionFiller
}

// TransactionSigner signs chain transactions. It's a different identity than the Authenticator.
type TransactionSigner interface {
	Address() common.Address
	SignTransaction(tx *types.DynamicFeeTx) (RawTransaction, error)
}

// EthProvider implements Provider on top of go-ethereum's rpc client
type EthProvider struct {
	*ethclient.Client
	chainID *big.Int
}

func NewEthProvider(ctx context.Context, url string) (*EthProvider, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &EthProvider{Client: client, chainID: chainID}, nil
}

func (p *EthProvider) ChainID() *big.Int {
	return new(big.Int).Set(p.chainID)
}

// FillTransaction sets nonce, fees and gas limit. Fee cap defaults to 2 * base fee + tip, which survives
// six full blocks of base fee growth.
func (p *EthProvider) FillTransaction(ctx context.Context, req TransactionRequest) (*types.DynamicFeeTx, error) {
	tx := &types.DynamicFeeTx{
		ChainID:   p.ChainID(),
		To:        req.To,
		Value:     req.Value,
		Data:      req.Data,
		Gas:       req.Gas,
		GasTipCap: req.GasTipCap,
		GasFeeCap: req.GasFeeCap,
	}
	if tx.Value == nil {
		tx.Value = new(big.Int)
	}

	if req.Nonce != nil {
		tx.Nonce = *req.Nonce
	} else {
		nonce, err := p.PendingNonceAt(ctx, req.From)
		if err != nil {
			return nil, err
		}
		tx.Nonce = nonce
	}

	if tx.GasTipCap == nil {
		tip, err := p.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, err
		}
		tx.GasTipCap = tip
	}
	if tx.GasFeeCap == nil {
		head, err := p.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, err
		}
		if head.BaseFee == nil {
			return nil, ErrNoBaseFee
		}
		tx.GasFeeCap = new(big.Int).Add(tx.GasTipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	if tx.Gas == 0 {
		gas, err := p.EstimateGas(ctx, ethereum.CallMsg{
			From:      req.From,
			To:        tx.To,
			GasTipCap: tx.GasTipCap,
			GasFeeCap: tx.GasFeeCap,
			Value:     tx.Value,
			Data:      tx.Data,
		})
		if err != nil {
			return nil, err
		}
		tx.Gas = gas
	}
	return tx, nil
}

// LocalTxSigner signs transactions with an in-memory key
type LocalTxSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

func NewLocalTxSigner(key *ecdsa.PrivateKey, chainID *big.Int) *LocalTxSigner {
	return &LocalTxSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
	}
}

func NewLocalTxSignerFromHex(hexKey string, chainID *big.Int) (*LocalTxSigner, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, err
	}
	return NewLocalTxSigner(key, chainID), nil
}

func (s *LocalTxSigner) Address() common.Address {
	return s.address
}

func (s *LocalTxSigner) SignTransaction(tx *types.DynamicFeeTx) (RawTransaction, error) {
	if tx.ChainID != nil && s.signer.ChainID().Cmp(tx.ChainID) != 0 {
		return RawTransaction{}, ErrChainIDChanged
	}
	signed, err := types.SignNewTx(s.key, s.signer, tx)
	if err != nil {
		return RawTransaction{}, err
	}
	return NewRawTransaction(signed)
}

const (
	defaultHeadCacheTime  = time.Second
	defaultBlockCacheTime = time.Minute
)

// SharedChainReader is a ChainReader shared by many watchers: the head height is cached for a short time
// and concurrent requests for the same block are coalesced into one node call.
type SharedChainReader struct {
	chain ChainReader

	mu          sync.RWMutex
	headTTL     time.Duration
	blockNumber uint64
	lastUpdate  time.Time

	blocks *spike.Manager[uint64, *types.Block]
}

func NewSharedChainReader(chain ChainReader, headTTL time.Duration) *SharedChainReader {
	if headTTL <= 0 {
		headTTL = defaultHeadCacheTime
	}
	r := &SharedChainReader{
		chain:   chain,
		headTTL: headTTL,
	}
	r.blocks = spike.NewManager(r.fetchBlock, defaultBlockCacheTime)
	return r
}

// BlockNumber returns the most recent block number, cached for headTTL
func (r *SharedChainReader) BlockNumber(ctx context.Context) (uint64, error) {
	r.mu.RLock()
	if !r.lastUpdate.IsZero() && time.Since(r.lastUpdate) < r.headTTL {
		r.mu.RUnlock()
		return r.blockNumber, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	// refreshed while we were waiting for the lock
	if !r.lastUpdate.IsZero() && time.Since(r.lastUpdate) < r.headTTL {
		return r.blockNumber, nil
	}

	blockNumber, err := r.chain.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	r.blockNumber = blockNumber
	r.lastUpdate = time.Now()
	return blockNumber, nil
}

func (r *SharedChainReader) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	if number == nil || !number.IsUint64() {
		// "latest" and friends change every block, don't cache them
		return r.chain.BlockByNumber(ctx, number)
	}
	return r.blocks.GetResult(ctx, number.Uint64())
}

// SubscribeNewHead is forwarded if the underlying reader supports subscriptions
func (r *SharedChainReader) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	sub, ok := r.chain.(HeadSubscriber)
	if !ok {
		return nil, ErrSubscriptionUnsupported
	}
	return sub.SubscribeNewHead(ctx, ch)
}

func (r *SharedChainReader) fetchBlock(ctx context.Context, number uint64) (*types.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRelayTimeout)
	defer cancel()
	block, err := r.chain.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, ethereum.NotFound
	}
	return block, nil
}
