package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"govScope/internal/chain"
	"govScope/internal/governance"
	"govScope/internal/model"
	"govScope/internal/multiplex"
	"govScope/internal/storage"
)

const maxResubscribeBackoff = time.Minute

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()
	cfg, logger := e.cfg, e.logger

	keys, err := watchKeys(e)
	if err != nil {
		return err
	}

	journal := newChangeJournal(e.journal, e.chainID, journalBuffer, logger)
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		journal.run()
	}()
	defer func() {
		journal.close()
		<-journalDone
	}()

	feed := chain.NewFeed(e.client, cfg.PollInterval, cfg.MaxRetries, logger)
	watcher := governance.NewWatcher(e.reader, feed, multiplex.Config{ReadConcurrency: cfg.ReadConcurrency}, logger)
	defer watcher.Close()

	logger.Info("watch start",
		zap.String("rpc", cfg.RPCURL),
		zap.Uint64("chain_id", e.chainID),
		zap.Int("keys", len(keys)),
		zap.Bool("push_heads", e.client.SupportsSubscriptions()),
		zap.Duration("poll_interval", cfg.PollInterval),
	)

	backoff := cfg.RetryBackoff
	for {
		failed := make(chan error, 1)
		handles, err := observeAll(ctx, watcher, keys, func(key governance.Key) multiplex.Listener[any] {
			return func(update multiplex.Update[any]) {
				var subErr *multiplex.SubscriptionError
				if errors.As(update.Err, &subErr) {
					select {
					case failed <- subErr:
					default:
					}
					return
				}
				logChange(logger, key, update)
				journal.add(key, update)
			}
		})
		if err == nil {
			backoff = cfg.RetryBackoff
			select {
			case <-ctx.Done():
				cancelAll(handles)
				logger.Info("watch stopped")
				return nil
			case err = <-failed:
				cancelAll(handles)
			}
		}
		if ctx.Err() != nil {
			logger.Info("watch stopped")
			return nil
		}

		logger.Warn("observation lost, resubscribing", zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxResubscribeBackoff {
			backoff = maxResubscribeBackoff
		}
	}
}

func watchKeys(e *env) ([]governance.Key, error) {
	cfg := e.cfg
	if cfg.Account == "" {
		return nil, fmt.Errorf("account is required")
	}
	account, err := governance.ParseAddress(cfg.Account)
	if err != nil {
		return nil, fmt.Errorf("account: %w", err)
	}
	votingMachine := e.reader.VotingMachine()

	keys := []governance.Key{governance.NativeBalanceKey{Account: account}}

	if cfg.Token != "" {
		token, err := governance.ParseAddress(cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		keys = append(keys, governance.BalanceKey{Token: token, Account: account})

		spender := votingMachine
		if cfg.Spender != "" {
			if spender, err = governance.ParseAddress(cfg.Spender); err != nil {
				return nil, fmt.Errorf("spender: %w", err)
			}
		}
		if spender != (common.Address{}) {
			keys = append(keys, governance.AllowanceKey{Token: token, Owner: account, Spender: spender})
		}
	}

	proposals, err := governance.ParseProposalIDs(cfg.Proposals)
	if err != nil {
		return nil, err
	}
	if len(proposals) > 0 && cfg.VotingMachine == "" {
		return nil, fmt.Errorf("voting machine is required to observe proposals")
	}
	for _, id := range proposals {
		keys = append(keys, governance.ProposalKey{ProposalID: id})
	}
	return keys, nil
}

// observeAll registers every key or none: on the first failure the handles
// registered so far are cancelled.
func observeAll(ctx context.Context, watcher *governance.Watcher, keys []governance.Key, listener func(governance.Key) multiplex.Listener[any]) ([]*governance.Handle, error) {
	handles := make([]*governance.Handle, 0, len(keys))
	for _, key := range keys {
		handle, err := watcher.Observe(ctx, key, listener(key))
		if err != nil {
			cancelAll(handles)
			return nil, fmt.Errorf("observe %s: %w", key, err)
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

func cancelAll(handles []*governance.Handle) {
	for _, handle := range handles {
		handle.Cancel()
	}
}

func logChange(logger *zap.Logger, key governance.Key, update multiplex.Update[any]) {
	if update.Err != nil {
		logger.Warn("read failed", zap.String("key", key.String()), zap.Uint64("block", update.Block), zap.Error(update.Err))
		return
	}
	fields := []zap.Field{
		zap.String("key", key.String()),
		zap.Uint64("block", update.Block),
		zap.String("value", governance.FormatValue(update.Value)),
	}
	if status, ok := update.Value.(model.ProposalStatus); ok {
		fields = append(fields, zap.String("upstake_needed", status.UpstakeNeeded().String()))
		if downstake, err := status.DownstakeNeeded(); err == nil {
			fields = append(fields, zap.String("downstake_needed", downstake.String()))
		} else {
			fields = append(fields, zap.NamedError("downstake_error", err))
		}
	}
	logger.Info("value changed", fields...)
}

const journalBuffer = 256

// changeJournal batches change records off the listener path. When the sink
// falls behind and the buffer is full, records are dropped and counted.
type changeJournal struct {
	sink    storage.Storage
	chainID uint64
	logger  *zap.Logger
	records chan model.ChangeRecord
	dropped atomic.Uint64
}

func newChangeJournal(sink storage.Storage, chainID uint64, size int, logger *zap.Logger) *changeJournal {
	return &changeJournal{
		sink:    sink,
		chainID: chainID,
		logger:  logger,
		records: make(chan model.ChangeRecord, size),
	}
}

func (j *changeJournal) add(key governance.Key, update multiplex.Update[any]) {
	record := model.ChangeRecord{
		ChainID:    j.chainID,
		Key:        key.String(),
		Kind:       key.Kind(),
		Block:      update.Block,
		ObservedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if update.Err != nil {
		record.Error = update.Err.Error()
	} else {
		record.Value = governance.FormatValue(update.Value)
	}
	select {
	case j.records <- record:
	default:
		n := j.dropped.Add(1)
		j.logger.Warn("journal full, change dropped", zap.String("key", record.Key), zap.Uint64("block", record.Block), zap.Uint64("dropped", n))
	}
}

func (j *changeJournal) close() {
	close(j.records)
}

func (j *changeJournal) run() {
	for record := range j.records {
		batch := []model.ChangeRecord{record}
	drain:
		for len(batch) < cap(j.records) {
			select {
			case next, ok := <-j.records:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := j.sink.PutChanges(context.Background(), batch); err != nil {
			j.logger.Warn("journal write failed", zap.Int("records", len(batch)), zap.Error(err))
		}
	}
}
