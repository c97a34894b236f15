package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"govScope/internal/multiplex"
)

var errHeadsClosed = errors.New("head subscription closed")

// HeadFeed ticks on every new head pushed by the node.
type HeadFeed struct {
	client *Client
	logger *zap.Logger
}

func NewHeadFeed(client *Client, logger *zap.Logger) *HeadFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeadFeed{client: client, logger: logger}
}

// Subscribe forwards new head numbers to ticks until unsubscribed or the
// node subscription fails.
func (f *HeadFeed) Subscribe(ctx context.Context, ticks chan<- uint64) (ethereum.Subscription, error) {
	if f.client == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	headers := make(chan *types.Header, 16)
	headSub, err := f.client.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, fmt.Errorf("subscribe new heads: %w", err)
	}
	f.logger.Info("head subscription started")

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer headSub.Unsubscribe()
		for {
			select {
			case <-quit:
				return nil
			case err := <-headSub.Err():
				if err == nil {
					err = errHeadsClosed
				}
				return err
			case header := <-headers:
				select {
				case ticks <- header.Number.Uint64():
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

// PollFeed ticks whenever polling observes a higher block number. It is used
// for transports without push subscriptions.
type PollFeed struct {
	client      *Client
	interval    time.Duration
	maxFailures int
	logger      *zap.Logger
}

func NewPollFeed(client *Client, interval time.Duration, maxFailures int, logger *zap.Logger) *PollFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &PollFeed{client: client, interval: interval, maxFailures: maxFailures, logger: logger}
}

// Subscribe polls the latest block number. More than maxFailures consecutive
// polling errors fail the subscription.
func (f *PollFeed) Subscribe(ctx context.Context, ticks chan<- uint64) (ethereum.Subscription, error) {
	if f.client == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	last, err := f.client.LatestBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get latest block: %w", err)
	}
	f.logger.Info("block polling started", zap.Uint64("block", last), zap.Duration("interval", f.interval))

	return event.NewSubscription(func(quit <-chan struct{}) error {
		pollCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-quit:
				cancel()
			case <-pollCtx.Done():
			}
		}()

		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		failures := 0
		for {
			select {
			case <-quit:
				return nil
			case <-ticker.C:
			}

			number, err := f.client.LatestBlockNumber(pollCtx)
			if err != nil {
				if pollCtx.Err() != nil {
					return nil
				}
				failures++
				f.logger.Warn("poll latest block failed", zap.Int("failures", failures), zap.Error(err))
				if failures > f.maxFailures {
					return fmt.Errorf("poll latest block: %w", err)
				}
				continue
			}
			failures = 0
			if number <= last {
				continue
			}
			last = number
			select {
			case ticks <- number:
			case <-quit:
				return nil
			}
		}
	}), nil
}

// NewFeed picks a push or polling feed for the client's transport.
func NewFeed(client *Client, pollInterval time.Duration, maxFailures int, logger *zap.Logger) multiplex.Feed {
	if client.SupportsSubscriptions() {
		return NewHeadFeed(client, logger)
	}
	return NewPollFeed(client, pollInterval, maxFailures, logger)
}
