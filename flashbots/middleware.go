package flashbots

import (
	"context"

	"go.uber.org/zap"
)

// Middleware composes a chain Provider with a bundle relay. Every Provider call passes through unchanged,
// bundle calls go to the relay and submitted bundles are watched on the Provider.
type Middleware struct {
	Provider

	log     *zap.Logger
	relay   BundleRelay
	watcher WatcherConfig
	// watchChain is what watchers read from, the Provider itself unless set with WithWatchChain
	watchChain ChainReader
}

func NewMiddleware(log *zap.Logger, provider Provider, relay BundleRelay, watcher WatcherConfig) *Middleware {
	return &Middleware{
		Provider:   provider,
		log:        log.Named("middleware"),
		relay:      relay,
		watcher:    watcher,
		watchChain: provider,
	}
}

// WithWatchChain makes watchers use chain instead of the provider, e.g. a SharedChainReader
func (m *Middleware) WithWatchChain(chain ChainReader) *Middleware {
	m.watchChain = chain
	return m
}

func (m *Middleware) Relay() BundleRelay {
	return m.relay
}

// SimulateBundle delegates to the relay, an empty stateBlock means "latest"
func (m *Middleware) SimulateBundle(ctx context.Context, bundle BundleRequest, stateBlock string) (*SimulationResult, error) {
	return m.relay.SimulateBundle(ctx, bundle, stateBlock)
}

// SendBundle submits the bundle and returns a watcher bound to this middleware's chain.
// The watcher doesn't poll until Wait is called.
func (m *Middleware) SendBundle(ctx context.Context, bundle BundleRequest) (*PendingBundle, error) {
	submitted, err := m.relay.SendBundle(ctx, bundle)
	if err != nil {
		return nil, err
	}
	return m.Watch(submitted), nil
}

// Watch rebuilds a watcher for a bundle submitted earlier, e.g. one loaded from the journal
func (m *Middleware) Watch(bundle SubmittedBundle) *PendingBundle {
	return NewPendingBundle(m.log, m.watchChain, bundle, m.watcher)
}

// PrepareTransaction fills the request from the chain and signs it so it can be pushed into a bundle
func (m *Middleware) PrepareTransaction(ctx context.Context, req TransactionRequest, signer TransactionSigner) (RawTransaction, error) {
	req.From = signer.Address()
	tx, err := m.FillTransaction(ctx, req)
	if err != nil {
		return RawTransaction{}, err
	}
	raw, err := signer.SignTransaction(tx)
	if err != nil {
		return RawTransaction{}, err
	}
	m.log.Debug("Prepared transaction", zap.String("tx", raw.Hash.Hex()), zap.Uint64("nonce", tx.Nonce))
	return raw, nil
}
