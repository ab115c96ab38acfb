package flashbots

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultWatchHorizon = 2 * time.Minute

	journalTimeout = 5 * time.Second
)

// Storage journals submissions and their outcomes, DBBackend implements it
type Storage interface {
	InsertSubmission(ctx context.Context, submitted SubmittedBundle, bundle BundleRequest, signer common.Address) (known bool, err error)
	InsertOutcome(ctx context.Context, outcome InclusionOutcome) error
	GetUnresolvedSubmissions(ctx context.Context, fromBlock uint64) ([]SubmittedBundle, error)
}

// SubmissionCounter counts resubmissions of the same bundle, adapters/redis implements it
type SubmissionCounter interface {
	IncSubmissions(ctx context.Context, signer common.Address, bundleHash common.Hash) (uint64, error)
}

type TrackerOpts struct {
	// Signer is the authenticator address, used as the journal and counter key
	Signer common.Address
	// Horizon bounds how long a bundle is watched after submission, DefaultWatchHorizon if zero
	Horizon time.Duration

	Storage  Storage
	Notifier OutcomeNotifier
	Counter  SubmissionCounter
}

// TrackedBundle is a bundle submitted through the Tracker, its outcome is handled in the background
type TrackedBundle struct {
	ID      uuid.UUID
	Pending *PendingBundle
}

// Tracker submits bundles through the middleware and watches every one of them in the background until it resolves
// or the horizon passes. Outcomes are journaled to the Storage and published to the OutcomeNotifier, both optional.
type Tracker struct {
	log  *zap.Logger
	mw   *Middleware
	opts TrackerOpts

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTracker(log *zap.Logger, mw *Middleware, opts TrackerOpts) *Tracker {
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultWatchHorizon
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		log:    log.Named("tracker"),
		mw:     mw,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit sends the bundle and starts watching it. Journaling failures are logged, they never fail a submission
// that the relay already accepted.
func (t *Tracker) Submit(ctx context.Context, bundle BundleRequest) (TrackedBundle, error) {
	pending, err := t.mw.SendBundle(ctx, bundle)
	if err != nil {
		return TrackedBundle{}, err
	}
	id := uuid.New()
	submitted := pending.Bundle()
	log := t.log.With(zap.String("id", id.String()), zap.String("bundle", submitted.BundleHash.Hex()))

	if t.opts.Storage != nil {
		var known bool
		err := t.retryJournal(func(ctx context.Context) error {
			var err error
			known, err = t.opts.Storage.InsertSubmission(ctx, submitted, bundle, t.opts.Signer)
			return err
		})
		if err != nil {
			log.Error("Failed to journal submission", zap.Error(err))
		} else if known {
			log.Debug("Submission was already journaled")
		}
	}

	var submissions uint64
	if t.opts.Counter != nil {
		cctx, cancel := context.WithTimeout(ctx, journalTimeout)
		submissions, err = t.opts.Counter.IncSubmissions(cctx, t.opts.Signer, submitted.BundleHash)
		cancel()
		if err != nil {
			log.Warn("Failed to count submission", zap.Error(err))
		}
	}

	t.watch(id, pending, submissions)
	return TrackedBundle{ID: id, Pending: pending}, nil
}

// Resume restarts watchers for journaled submissions without an outcome, e.g. after a restart.
// Only submissions targeting fromBlock or later are resumed.
func (t *Tracker) Resume(ctx context.Context, fromBlock uint64) (int, error) {
	if t.opts.Storage == nil {
		return 0, nil
	}
	submissions, err := t.opts.Storage.GetUnresolvedSubmissions(ctx, fromBlock)
	if err != nil {
		return 0, err
	}
	for _, submitted := range submissions {
		t.watch(uuid.New(), t.mw.Watch(submitted), 0)
	}
	if len(submissions) > 0 {
		t.log.Info("Resumed watching bundles", zap.Int("count", len(submissions)), zap.Uint64("from_block", fromBlock))
	}
	return len(submissions), nil
}

func (t *Tracker) watch(id uuid.UUID, pending *PendingBundle, submissions uint64) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		submitted := pending.Bundle()
		log := t.log.With(zap.String("id", id.String()), zap.String("bundle", submitted.BundleHash.Hex()))

		ctx, cancel := context.WithTimeout(t.ctx, t.opts.Horizon)
		outcome, err := pending.Wait(ctx)
		cancel()
		if err != nil {
			log.Warn("Stopped watching bundle before it resolved", zap.Error(err))
			return
		}

		if t.opts.Storage != nil {
			err := t.retryJournal(func(ctx context.Context) error {
				return t.opts.Storage.InsertOutcome(ctx, outcome)
			})
			if err != nil {
				log.Error("Failed to journal outcome", zap.Error(err))
			}
		}
		if t.opts.Notifier != nil {
			nctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
			err := t.opts.Notifier.NotifyOutcome(nctx, newOutcomeNotification(id.String(), submitted, outcome, submissions))
			cancel()
			if err != nil {
				log.Warn("Failed to publish outcome", zap.Error(err))
			}
		}
	}()
}

// retryJournal retries op with a fresh timeout per attempt, the tracker context stops it on Close
func (t *Tracker) retryJournal(op func(ctx context.Context) error) error {
	back := backoff.NewExponentialBackOff()
	back.InitialInterval = 50 * time.Millisecond
	back.MaxElapsedTime = 3 * journalTimeout
	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(t.ctx, journalTimeout)
		defer cancel()
		return op(ctx)
	}, backoff.WithContext(back, t.ctx))
}

// Close stops all watchers and waits for them to exit. Bundles stay submitted.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

// Wait blocks until every watcher started so far has exited
func (t *Tracker) Wait() {
	t.wg.Wait()
}
