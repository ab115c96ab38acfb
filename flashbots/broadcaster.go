package flashbots

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

var ErrInvalidRelay = errors.New("invalid relay specification")

type RelaysConfig struct {
	Relays []struct {
		Name string `yaml:"name"`
		URL  string `yaml:"url"`
		// Timeout is a duration string like "5s"
		Timeout   string  `yaml:"timeout"`
		RateLimit float64 `yaml:"rate_limit"`
		Disabled  bool    `yaml:"disabled"`
	} `yaml:"relays"`
}

// LoadRelayConfig parses a relay list from a file, all relays share the same authenticator
func LoadRelayConfig(log *zap.Logger, file string, auth *Authenticator) (*Broadcaster, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseRelayConfig(log, data, auth)
}

func ParseRelayConfig(log *zap.Logger, data []byte, auth *Authenticator) (*Broadcaster, error) {
	var config RelaysConfig
	err := yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	relays := make([]*RelayClient, 0, len(config.Relays))
	for _, relay := range config.Relays {
		if relay.Disabled {
			continue
		}
		if relay.URL == "" {
			return nil, fmt.Errorf("%w: relay %q has no url", ErrInvalidRelay, relay.Name)
		}
		var timeout time.Duration
		if relay.Timeout != "" {
			timeout, err = time.ParseDuration(relay.Timeout)
			if err != nil {
				return nil, fmt.Errorf("%w: relay %q: %w", ErrInvalidRelay, relay.Name, err)
			}
		}

		client, err := NewRelayClient(log, RelayConfig{
			Name:      relay.Name,
			URL:       relay.URL,
			Auth:      auth,
			Timeout:   timeout,
			RateLimit: rate.Limit(relay.RateLimit),
		})
		if err != nil {
			return nil, err
		}
		relays = append(relays, client)
	}
	return NewBroadcaster(log, relays...)
}

// Broadcaster sends the same bundle to several relays. The first relay is the primary one, simulations go there.
type Broadcaster struct {
	log    *zap.Logger
	relays []*RelayClient
}

func NewBroadcaster(log *zap.Logger, relays ...*RelayClient) (*Broadcaster, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	return &Broadcaster{
		log:    log.Named("broadcaster"),
		relays: relays,
	}, nil
}

func (b *Broadcaster) Relays() []*RelayClient {
	return b.relays
}

func (b *Broadcaster) SimulateBundle(ctx context.Context, bundle BundleRequest, stateBlock string) (*SimulationResult, error) {
	return b.relays[0].SimulateBundle(ctx, bundle, stateBlock)
}

// SendBundle sends a bundle to all relays in parallel, each relay gets it at most once.
// It succeeds if at least one relay accepted the bundle and returns the handle of the first such relay in config order.
func (b *Broadcaster) SendBundle(ctx context.Context, bundle BundleRequest) (SubmittedBundle, error) {
	if _, ok := bundle.Block(); !ok || bundle.Len() == 0 {
		// don't let every relay client count the same rejection
		return b.relays[0].SendBundle(ctx, bundle)
	}

	var wg sync.WaitGroup
	submitted := make([]SubmittedBundle, len(b.relays))
	errs := make([]error, len(b.relays))
	for idx, relay := range b.relays {
		wg.Add(1)
		go func(relay *RelayClient, idx int) {
			defer wg.Done()

			start := time.Now()
			submitted[idx], errs[idx] = relay.SendBundle(ctx, bundle)
			b.log.Debug("Sent bundle to relay", zap.String("relay", relay.String()), zap.Duration("duration", time.Since(start)), zap.Error(errs[idx]))

			if errs[idx] != nil {
				b.log.Warn("Failed to send bundle to relay", zap.Error(errs[idx]), zap.String("relay", relay.String()))
			}
		}(relay, idx)
	}
	wg.Wait()

	for idx := range b.relays {
		if errs[idx] == nil {
			return submitted[idx], nil
		}
	}
	b.log.Error("Failed to send bundle to any of the relays", zap.String("bundle", bundle.Hash().Hex()))
	return SubmittedBundle{}, errors.Join(errs...)
}
