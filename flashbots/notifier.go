package flashbots

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// OutcomeNotification is published once per tracked bundle when it resolves
type OutcomeNotification struct {
	ID          string       `json:"id"`
	BundleHash  common.Hash  `json:"bundleHash"`
	Relay       string       `json:"relay"`
	TargetBlock uint64       `json:"targetBlock"`
	Status      string       `json:"status"`
	BlockHash   *common.Hash `json:"blockHash,omitempty"`
	Error       string       `json:"error,omitempty"`
	// Submissions is how many times this bundle hash was sent by this tracker, 0 if not counted
	Submissions uint64 `json:"submissions,omitempty"`
}

func newOutcomeNotification(id string, bundle SubmittedBundle, outcome InclusionOutcome, submissions uint64) OutcomeNotification {
	n := OutcomeNotification{
		ID:          id,
		BundleHash:  outcome.BundleHash,
		Relay:       bundle.Relay,
		TargetBlock: bundle.TargetBlock,
		Status:      outcome.Status.String(),
		Submissions: submissions,
	}
	if outcome.Status == StatusIncluded {
		blockHash := outcome.BlockHash
		n.BlockHash = &blockHash
	}
	if outcome.Reason != nil {
		n.Error = outcome.Reason.Error()
	}
	return n
}

type OutcomeNotifier interface {
	NotifyOutcome(ctx context.Context, outcome OutcomeNotification) error
}

type RedisOutcomeNotifier struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisOutcomeNotifier(redisClient *redis.Client, pubChannel string) *RedisOutcomeNotifier {
	return &RedisOutcomeNotifier{
		client:     redisClient,
		pubChannel: pubChannel,
	}
}

func (b *RedisOutcomeNotifier) NotifyOutcome(ctx context.Context, outcome OutcomeNotification) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.pubChannel, data).Err()
}
