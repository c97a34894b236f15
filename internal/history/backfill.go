package history

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"govScope/internal/chain"
	"govScope/internal/governance"
	"govScope/internal/model"
	"govScope/internal/storage"
)

// Events are the voting machine events the backfill collects.
var Events = []string{"Stake", "VoteProposal", "ExecuteProposal", "StateChange"}

// LogSource is the part of the chain client the backfill reads from.
type LogSource interface {
	ChainID(ctx context.Context) (*big.Int, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topics [][]common.Hash) ([]types.Log, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// Config holds the backfill settings. A zero ToBlock means the latest block.
type Config struct {
	VotingMachine  common.Address
	Proposals      []common.Hash
	FromBlock      uint64
	ToBlock        uint64
	BatchSize      uint64
	CheckpointPath string
	MaxRetries     int
	RetryBackoff   time.Duration
}

// Runner pages through voting machine logs and journals the decoded events.
type Runner struct {
	cfg    Config
	source LogSource
	sink   storage.Storage
	logger *zap.Logger
	seen   map[string]struct{}
}

func NewRunner(cfg Config, source LogSource, sink storage.Storage, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:    cfg,
		source: source,
		sink:   sink,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// Run backfills [FromBlock, ToBlock], resuming after the checkpoint when one
// exists. It returns the number of events written.
func (r *Runner) Run(ctx context.Context) (int, error) {
	if r.cfg.BatchSize == 0 {
		return 0, fmt.Errorf("batch size must be greater than zero")
	}
	if r.cfg.VotingMachine == (common.Address{}) {
		return 0, fmt.Errorf("voting machine is required")
	}

	contractABI, err := governance.VotingMachineABI()
	if err != nil {
		return 0, err
	}
	topics, err := eventTopics(contractABI, r.cfg.Proposals)
	if err != nil {
		return 0, err
	}

	id, err := r.source.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("get chain id: %w", err)
	}
	if !id.IsUint64() {
		return 0, fmt.Errorf("chain id does not fit in uint64: %s", id)
	}
	chainID := id.Uint64()

	from, to := r.cfg.FromBlock, r.cfg.ToBlock
	if to == 0 {
		if to, err = r.source.LatestBlockNumber(ctx); err != nil {
			return 0, fmt.Errorf("get latest block: %w", err)
		}
	}

	checkpoint := NewCheckpointStore(r.cfg.CheckpointPath, chainID, r.cfg.VotingMachine)
	cp, ok, err := checkpoint.Load()
	if err != nil {
		return 0, err
	}
	if ok && cp.LastProcessedBlock >= from {
		from = cp.LastProcessedBlock + 1
		r.logger.Info("resume from checkpoint", zap.Uint64("last_processed", cp.LastProcessedBlock), zap.Uint64("from", from))
	}
	if from > to {
		r.logger.Info("nothing to backfill", zap.Uint64("from", from), zap.Uint64("to", to))
		return 0, nil
	}

	ranges, err := SplitRange(from, to, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var total int
	for _, br := range ranges {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var logs []types.Log
		err := chain.Retry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
			var err error
			logs, err = r.source.FilterLogs(ctx, br.From, br.To, []common.Address{r.cfg.VotingMachine}, topics)
			if err != nil {
				r.logger.Warn("filter logs failed", zap.Uint64("from", br.From), zap.Uint64("to", br.To), zap.Error(err))
			}
			return err
		})
		if err != nil {
			return total, fmt.Errorf("filter logs %d-%d: %w", br.From, br.To, err)
		}

		ingestedAt := time.Now().UTC().Format(time.RFC3339)
		records := make([]model.EventRecord, 0, len(logs))
		for _, lg := range logs {
			if r.isDuplicate(lg) {
				continue
			}
			record, err := r.decode(ctx, contractABI, chainID, lg)
			if errors.Is(err, chain.ErrUnknownEvent) {
				continue
			}
			if err != nil {
				return total, err
			}
			record.IngestedAt = ingestedAt
			records = append(records, record)
		}

		if err := r.sink.PutEvents(ctx, records); err != nil {
			return total, fmt.Errorf("store events: %w", err)
		}
		if err := checkpoint.Save(br.To); err != nil {
			return total, err
		}
		total += len(records)
		r.logger.Info("batch complete", zap.Int("events", len(records)), zap.Uint64("from", br.From), zap.Uint64("to", br.To))
	}
	return total, nil
}

func (r *Runner) decode(ctx context.Context, contractABI abi.ABI, chainID uint64, lg types.Log) (model.EventRecord, error) {
	name, fields, err := chain.DecodeLog(contractABI, lg)
	if err != nil {
		if errors.Is(err, chain.ErrUnknownEvent) {
			return model.EventRecord{}, err
		}
		return model.EventRecord{}, fmt.Errorf("decode %s log %s:%d: %w", name, lg.TxHash.Hex(), lg.Index, err)
	}

	var ts uint64
	err = chain.Retry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		ts, err = r.source.BlockTimestamp(ctx, lg.BlockNumber)
		if err != nil {
			r.logger.Warn("block timestamp fetch failed", zap.Uint64("block_number", lg.BlockNumber), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return model.EventRecord{}, fmt.Errorf("block timestamp %d: %w", lg.BlockNumber, err)
	}

	record := model.EventRecord{
		ChainID:        chainID,
		BlockNumber:    lg.BlockNumber,
		BlockTimestamp: ts,
		TxHash:         lg.TxHash.Hex(),
		LogIndex:       lg.Index,
		Contract:       lg.Address.Hex(),
		Event:          name,
		Fields:         make(map[string]string, len(fields)),
	}
	for key, value := range fields {
		record.Fields[key] = formatField(value)
	}
	record.ProposalID = record.Fields["_proposalId"]
	delete(record.Fields, "_proposalId")
	return record, nil
}

func (r *Runner) isDuplicate(lg types.Log) bool {
	id := fmt.Sprintf("%d:%s:%d", lg.BlockNumber, lg.TxHash.Hex(), lg.Index)
	if _, ok := r.seen[id]; ok {
		return true
	}
	r.seen[id] = struct{}{}
	return false
}

// eventTopics builds the topic filter: any collected event in position 0
// and, when given, any of the proposal ids in position 1.
func eventTopics(contractABI abi.ABI, proposals []common.Hash) ([][]common.Hash, error) {
	ids := make([]common.Hash, 0, len(Events))
	for _, name := range Events {
		ev, ok := contractABI.Events[name]
		if !ok {
			return nil, fmt.Errorf("voting machine abi has no %s event", name)
		}
		ids = append(ids, ev.ID)
	}
	topics := [][]common.Hash{ids}
	if len(proposals) > 0 {
		topics = append(topics, proposals)
	}
	return topics, nil
}

func formatField(value any) string {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return "0"
		}
		return v.String()
	case common.Address:
		return v.Hex()
	case common.Hash:
		return v.Hex()
	case [32]byte:
		return common.Hash(v).Hex()
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case bool:
		return strconv.FormatBool(v)
	case []byte:
		return hexutil.Encode(v)
	default:
		return fmt.Sprint(v)
	}
}
