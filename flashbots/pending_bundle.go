package flashbots

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/bundle-relay-client/metrics"
	"go.uber.org/zap"
)

// SubmittedBundle is the handle returned by a successful SendBundle
type SubmittedBundle struct {
	// BundleHash is the hash echoed by the relay or LocalHash if the relay didn't return one
	BundleHash  common.Hash
	LocalHash   common.Hash
	TargetBlock uint64
	TxHashes    []common.Hash
	Relay       string
}

func newSubmittedBundle(bundle BundleRequest, relayHash *common.Hash, relay string) SubmittedBundle {
	target, _ := bundle.Block()
	local := bundle.Hash()
	hash := local
	if relayHash != nil && *relayHash != (common.Hash{}) {
		hash = *relayHash
	}
	return SubmittedBundle{
		BundleHash:  hash,
		LocalHash:   local,
		TargetBlock: target,
		TxHashes:    bundle.TransactionHashes(),
		Relay:       relay,
	}
}

type InclusionStatus uint8

const (
	StatusIncluded InclusionStatus = iota + 1
	StatusNotIncluded
	StatusError
)

func (s InclusionStatus) String() string {
	switch s {
	case StatusIncluded:
		return "included"
	case StatusNotIncluded:
		return "not_included"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// InclusionOutcome is the terminal result of watching a bundle
type InclusionOutcome struct {
	Status      InclusionStatus
	BundleHash  common.Hash
	BlockNumber uint64
	// BlockHash is set only for StatusIncluded
	BlockHash common.Hash
	// Reason is set only for StatusError
	Reason error
}

func (o InclusionOutcome) Included() bool {
	return o.Status == StatusIncluded
}

// Err returns nil if the bundle landed, ErrBundleNotIncluded if the target block was mined without it
// and an error wrapping ErrChainQuery if the outcome is unknown.
func (o InclusionOutcome) Err() error {
	switch o.Status {
	case StatusIncluded:
		return nil
	case StatusNotIncluded:
		return ErrBundleNotIncluded
	default:
		if o.Reason == nil {
			return ErrChainQuery
		}
		return o.Reason
	}
}

// ChainReader is the part of the chain RPC provider the watcher depends on
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
}

// HeadSubscriber is implemented by providers that can push new heads (e.g. ethclient over websocket)
type HeadSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

type WatcherConfig struct {
	// PollInterval bounds the time between two checks, new heads wake the watcher earlier
	PollInterval time.Duration
	// MaxBlockLookups is how many times the target block may be missing after the head reached it
	MaxBlockLookups int
	// ChainRetry builds the retry policy for failed chain queries within one check
	ChainRetry func() backoff.BackOff
}

func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval:    DefaultPollInterval,
		MaxBlockLookups: DefaultMaxBlockLookups,
		ChainRetry:      defaultChainRetry,
	}
}

func defaultChainRetry() backoff.BackOff {
	back := backoff.NewExponentialBackOff()
	back.InitialInterval = 100 * time.Millisecond
	back.MaxInterval = 3 * time.Second
	back.MaxElapsedTime = 12 * time.Second
	return back
}

func (c WatcherConfig) withDefaults() WatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxBlockLookups <= 0 {
		c.MaxBlockLookups = DefaultMaxBlockLookups
	}
	if c.ChainRetry == nil {
		c.ChainRetry = defaultChainRetry
	}
	return c
}

// PendingBundle watches a submitted bundle until its target block is mined.
//
// States are Waiting and Resolved. Wait drives the state machine and returns the resolved outcome,
// the outcome is memoized so later calls return it without querying the chain.
// Cancelling the context passed to Wait only stops local polling, the bundle stays submitted.
type PendingBundle struct {
	log    *zap.Logger
	bundle SubmittedBundle
	chain  ChainReader
	cfg    WatcherConfig

	// sem serializes Wait calls and guards lookups and waitFrom
	sem      chan struct{}
	lookups  int
	waitFrom *uint64
	started  atomic.Bool

	outcome atomic.Pointer[InclusionOutcome]
	// done is closed once the outcome is set
	done chan struct{}
}

func NewPendingBundle(log *zap.Logger, chain ChainReader, bundle SubmittedBundle, cfg WatcherConfig) *PendingBundle {
	return &PendingBundle{
		log:    log.Named("watcher").With(zap.String("bundle", bundle.BundleHash.Hex()), zap.Uint64("target_block", bundle.TargetBlock)),
		bundle: bundle,
		chain:  chain,
		cfg:    cfg.withDefaults(),
		sem:    make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (p *PendingBundle) Bundle() SubmittedBundle {
	return p.bundle
}

// Done is closed when the bundle resolves
func (p *PendingBundle) Done() <-chan struct{} {
	return p.done
}

// Outcome returns the outcome if the bundle is already resolved
func (p *PendingBundle) Outcome() (InclusionOutcome, bool) {
	if o := p.outcome.Load(); o != nil {
		return *o, true
	}
	return InclusionOutcome{}, false
}

// Wait blocks until the bundle is resolved or ctx is done. Only ctx errors are returned as error,
// chain failures are reported in the outcome.
func (p *PendingBundle) Wait(ctx context.Context) (InclusionOutcome, error) {
	if o, ok := p.Outcome(); ok {
		return o, nil
	}

	select {
	case p.sem <- struct{}{}:
	case <-p.done:
		o, _ := p.Outcome()
		return o, nil
	case <-ctx.Done():
		return InclusionOutcome{}, ctx.Err()
	}
	defer func() { <-p.sem }()

	// resolved by a concurrent waiter
	if o, ok := p.Outcome(); ok {
		return o, nil
	}

	outcome, err := p.watch(ctx)
	if err != nil {
		return InclusionOutcome{}, err
	}
	p.resolve(outcome)
	return outcome, nil
}

func (p *PendingBundle) resolve(outcome InclusionOutcome) {
	p.outcome.Store(&outcome)
	close(p.done)
	metrics.IncInclusionOutcome(outcome.Status.String())

	fields := []zap.Field{zap.Stringer("status", outcome.Status), zap.Uint64("block", outcome.BlockNumber)}
	if outcome.Status == StatusError {
		p.log.Warn("Bundle watcher failed", append(fields, zap.Error(outcome.Reason))...)
		return
	}
	if outcome.Status == StatusIncluded {
		fields = append(fields, zap.String("block_hash", outcome.BlockHash.Hex()))
	}
	p.log.Info("Bundle resolved", fields...)
}

func (p *PendingBundle) watch(ctx context.Context) (InclusionOutcome, error) {
	if !p.started.Swap(true) {
		metrics.IncWatchersStarted()
	}

	heads, unsubscribe := p.subscribeHeads(ctx)
	defer unsubscribe()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		outcome, done, err := p.check(ctx)
		if err != nil {
			return InclusionOutcome{}, err
		}
		if done {
			return outcome, nil
		}

		select {
		case <-ctx.Done():
			return InclusionOutcome{}, ctx.Err()
		case <-heads:
		case <-ticker.C:
		}
	}
}

// subscribeHeads returns a channel with new heads or nil if the chain can't push them
func (p *PendingBundle) subscribeHeads(ctx context.Context) (<-chan *types.Header, func()) {
	subscriber, ok := p.chain.(HeadSubscriber)
	if !ok {
		return nil, func() {}
	}
	heads := make(chan *types.Header, 16)
	sub, err := subscriber.SubscribeNewHead(ctx, heads)
	if err != nil {
		p.log.Debug("New head subscription is not available, polling", zap.Error(err))
		return nil, func() {}
	}
	return heads, sub.Unsubscribe
}

// check is one tick of the state machine. done is false while the bundle is still waiting.
func (p *PendingBundle) check(ctx context.Context) (outcome InclusionOutcome, done bool, err error) {
	target := p.bundle.TargetBlock

	var head uint64
	err = p.retryChain(ctx, func() error {
		var err error
		head, err = p.chain.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return p.chainFailure(ctx, target, fmt.Errorf("block number: %w", err))
	}
	if p.waitFrom == nil {
		from := head
		p.waitFrom = &from
	}
	if head < target {
		p.log.Debug("Waiting for target block", zap.Uint64("head", head))
		return InclusionOutcome{}, false, nil
	}

	var block *types.Block
	err = p.retryChain(ctx, func() error {
		var err error
		block, err = p.chain.BlockByNumber(ctx, new(big.Int).SetUint64(target))
		if errors.Is(err, ethereum.NotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	if errors.Is(err, ethereum.NotFound) || (err == nil && block == nil) {
		// head is already there but the body didn't propagate to this node yet
		p.lookups++
		metrics.IncBlockLookupsMissed()
		if p.lookups >= p.cfg.MaxBlockLookups {
			return p.chainFailure(ctx, target, fmt.Errorf("%w after %d lookups", ErrBlockUnavailable, p.lookups))
		}
		p.log.Debug("Target block is not available yet", zap.Uint64("head", head), zap.Int("lookups", p.lookups))
		return InclusionOutcome{}, false, nil
	}
	if err != nil {
		return p.chainFailure(ctx, target, fmt.Errorf("block by number: %w", err))
	}

	if head >= *p.waitFrom {
		metrics.RecordBlocksWaited(head - *p.waitFrom)
	}
	return p.inclusion(block), true, nil
}

func (p *PendingBundle) chainFailure(ctx context.Context, target uint64, err error) (InclusionOutcome, bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return InclusionOutcome{}, false, ctxErr
	}
	return InclusionOutcome{
		Status:      StatusError,
		BundleHash:  p.bundle.BundleHash,
		BlockNumber: target,
		Reason:      errors.Join(ErrChainQuery, err),
	}, true, nil
}

// inclusion requires every submitted transaction to be in the block, partial inclusion breaks atomicity
func (p *PendingBundle) inclusion(block *types.Block) InclusionOutcome {
	inBlock := make(map[common.Hash]struct{}, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		inBlock[tx.Hash()] = struct{}{}
	}

	outcome := InclusionOutcome{
		Status:      StatusIncluded,
		BundleHash:  p.bundle.BundleHash,
		BlockNumber: block.NumberU64(),
		BlockHash:   block.Hash(),
	}
	if len(p.bundle.TxHashes) == 0 {
		outcome.Status = StatusNotIncluded
		outcome.BlockHash = common.Hash{}
		return outcome
	}
	found := 0
	for _, h := range p.bundle.TxHashes {
		if _, ok := inBlock[h]; ok {
			found++
		}
	}
	if found != len(p.bundle.TxHashes) {
		if found > 0 {
			p.log.Warn("Bundle was partially included", zap.Int("found", found), zap.Int("txs", len(p.bundle.TxHashes)))
		}
		outcome.Status = StatusNotIncluded
		outcome.BlockHash = common.Hash{}
	}
	return outcome
}

func (p *PendingBundle) retryChain(ctx context.Context, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(p.cfg.ChainRetry(), ctx))
}
